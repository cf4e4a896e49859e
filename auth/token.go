package auth

import (
	"campus-chat/errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	IdentityID  string `json:"identity_id"`
	DirectoryID string `json:"directory_id"`
	jwt.RegisteredClaims
}

// Tokenizer signs and checks connection tokens with a shared secret.
type Tokenizer struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

func NewTokenizer(secret, issuer string, ttl time.Duration) (*Tokenizer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("%w: token secret must hold at least 32 bytes", errors.ErrInvalidArgument)
	}
	return &Tokenizer{key: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// GenerateToken creates a signed JWT for an identity.
func (t *Tokenizer) GenerateToken(identityID, directoryID string) (string, error) {
	now := time.Now()
	claims := &CustomClaims{
		IdentityID:  identityID,
		DirectoryID: directoryID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    t.issuer,
		},
	}
	// HS256, HMAC with SHA256
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.key)
}

// ValidateToken parses and validates the signature, issuer and expiration of a JWT string.
func (t *Tokenizer) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return t.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(t.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid || claims.IdentityID == "" {
		return nil, errors.ErrInvalidToken
	}
	return claims, nil
}
