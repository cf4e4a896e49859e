//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// IdentityDirectory resolves directory identifiers to account identities.
// Both lookups fail with errors.ErrIdentityNotFound.
type IdentityDirectory interface {
	LookupByDirectoryID(ctx context.Context, id domain.DirectoryID) (domain.Identity, error)
	LookupByID(ctx context.Context, id domain.IdentityID) (domain.Identity, error)
}

// AttachmentStore is an opaque blob store returning a public URL.
type AttachmentStore interface {
	Upload(ctx context.Context, data []byte, category string) (string, error)
}

// Publisher broadcasts an event on the channel of its conversation.
type Publisher interface {
	Publish(ctx context.Context, e event.DomainEvent) error
}

type IRegistry interface {
	GetSinksForConversation(conversationID domain.ConversationID) []EventSink
	Subscribe(sessionID string, identityID domain.IdentityID, conversationID domain.ConversationID, sink EventSink) (domain.ConversationID, bool)
	Unsubscribe(sessionID string, conversationID domain.ConversationID) bool
	Evict(sink EventSink) (string, domain.ConversationID, bool)
	Presence(conversationID domain.ConversationID) []domain.IdentityID
}
