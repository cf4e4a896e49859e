package services

import (
	"campus-chat/auth"
	"campus-chat/contract"
	"campus-chat/domain"
	"context"
	"fmt"
)

// Token is a signed connection token.
type Token string

func (t Token) String() string {
	return string(t)
}

type IAuthService interface {
	IssueToken(ctx context.Context, directoryID domain.DirectoryID) (Token, error)
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
}

// AuthService binds connection tokens to directory identities. Credentials
// are checked upstream by the campus single sign-on.
type AuthService struct {
	directory contract.IdentityDirectory
	tokenizer *auth.Tokenizer
}

func NewAuthService(directory contract.IdentityDirectory, tokenizer *auth.Tokenizer) *AuthService {
	return &AuthService{directory: directory, tokenizer: tokenizer}
}

func (s *AuthService) IssueToken(ctx context.Context, directoryID domain.DirectoryID) (Token, error) {
	// 1. Only resolvable identities get a token
	identity, err := s.directory.LookupByDirectoryID(ctx, directoryID)
	if err != nil {
		return "", err
	}

	// 2. Sign it
	token, err := s.tokenizer.GenerateToken(string(identity.ID), string(identity.DirectoryID))
	if err != nil {
		return "", fmt.Errorf("token generation failed: %w", err)
	}
	return Token(token), nil
}

// Authenticate validates the token and checks that its identity still resolves.
func (s *AuthService) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	claims, err := s.tokenizer.ValidateToken(token)
	if err != nil {
		return domain.Identity{}, err
	}
	return s.directory.LookupByID(ctx, domain.IdentityID(claims.IdentityID))
}
