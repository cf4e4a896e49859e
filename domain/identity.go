package domain

type IdentityID string

// DirectoryID is an institution-issued identifier such as a student id.
type DirectoryID string

// Identity is an account resolved through the identity directory.
// It is read-only for the messaging core.
type Identity struct {
	ID          IdentityID
	DisplayName string
	DirectoryID DirectoryID
	Contact     string
}

const UnknownUser = "Unknown User"

// Name returns the display name, falling back on the contact address
// and finally on UnknownUser.
func (i Identity) Name() string {
	switch {
	case i.DisplayName != "":
		return i.DisplayName
	case i.Contact != "":
		return i.Contact
	default:
		return UnknownUser
	}
}
