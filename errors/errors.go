package errors

import (
	"errors"
	"fmt"
)

var (
	ErrWorkerPanic      = fmt.Errorf("worker panic")
	ErrIdentityNotFound = fmt.Errorf("identity not found")
	ErrAlreadyMember    = fmt.Errorf("identity is already a member of the conversation")
	ErrNotAMember       = fmt.Errorf("identity is not a member of the conversation")
	ErrEmptyMessage     = fmt.Errorf("message needs a body or an attachment")
	ErrBlocked          = fmt.Errorf("message could not be delivered")
	ErrUploadFailed     = fmt.Errorf("attachment upload failed")
	ErrNotFound         = fmt.Errorf("not found")
	ErrInvalidArgument  = fmt.Errorf("invalid argument")
	ErrInvalidToken     = fmt.Errorf("invalid token")
	ErrSubscriptionGone = fmt.Errorf("subscription closed")
	ErrQueueFull        = fmt.Errorf("event queue is full")
)

// PartialFailure is returned when the primary mutation of an operation was
// committed but a follow-up step was not. Callers report it as a warning.
type PartialFailure struct {
	Op  string
	Err error
}

func (p *PartialFailure) Error() string {
	return fmt.Sprintf("%s partially failed: %v", p.Op, p.Err)
}

func (p *PartialFailure) Unwrap() error {
	return p.Err
}

func NewPartialFailure(op string, err error) *PartialFailure {
	return &PartialFailure{Op: op, Err: err}
}

// Warnings extracts the messages of a PartialFailure.
// It returns nil for any other error.
func Warnings(err error) []string {
	var partial *PartialFailure
	if errors.As(err, &partial) {
		return []string{partial.Error()}
	}
	return nil
}

// Code maps an error onto the stable code used on the wire.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrIdentityNotFound):
		return "IDENTITY_NOT_FOUND"
	case errors.Is(err, ErrAlreadyMember):
		return "ALREADY_MEMBER"
	case errors.Is(err, ErrNotAMember):
		return "NOT_A_MEMBER"
	case errors.Is(err, ErrEmptyMessage):
		return "EMPTY_MESSAGE"
	case errors.Is(err, ErrBlocked):
		return "FORBIDDEN"
	case errors.Is(err, ErrUploadFailed):
		return "UPLOAD_FAILED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrInvalidToken):
		return "UNAUTHENTICATED"
	default:
		return "INTERNAL"
	}
}

// FromCode maps a wire code back onto its sentinel. Unknown codes map to nil.
func FromCode(code string) error {
	switch code {
	case "IDENTITY_NOT_FOUND":
		return ErrIdentityNotFound
	case "ALREADY_MEMBER":
		return ErrAlreadyMember
	case "NOT_A_MEMBER":
		return ErrNotAMember
	case "EMPTY_MESSAGE":
		return ErrEmptyMessage
	case "FORBIDDEN":
		return ErrBlocked
	case "UPLOAD_FAILED":
		return ErrUploadFailed
	case "NOT_FOUND":
		return ErrNotFound
	case "INVALID_ARGUMENT":
		return ErrInvalidArgument
	case "UNAUTHENTICATED":
		return ErrInvalidToken
	default:
		return nil
	}
}

// Describe returns the human-readable text shown to a user.
// A blocked send never reveals that a block exists.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBlocked):
		return ErrBlocked.Error()
	case Code(err) == "INTERNAL":
		return "internal error"
	default:
		return err.Error()
	}
}
