package domain

import "time"

// BlockEdge is directed, but either direction disables direct messaging
// between the two identities.
type BlockEdge struct {
	ID        string
	BlockerID IdentityID
	BlockedID IdentityID
	CreatedAt time.Time
}
