package domain

// Membership links an identity to a conversation. Unique per pair.
type Membership struct {
	ConversationID ConversationID
	IdentityID     IdentityID
	IsAdmin        bool
}

// MemberProfile is a membership joined with its directory record.
type MemberProfile struct {
	Identity Identity
	IsAdmin  bool
}
