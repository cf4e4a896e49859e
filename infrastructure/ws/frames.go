package ws

import (
	"campus-chat/domain"
	"campus-chat/domain/event"
	"encoding/json"
	"time"

	"github.com/samber/lo"
)

// Request frame types
const (
	TypeConversationList        = "conversation.list"
	TypeConversationDirect      = "conversation.direct"
	TypeConversationGroupCreate = "conversation.group.create"
	TypeConversationRename      = "conversation.rename"
	TypeConversationDelete      = "conversation.delete"
	TypeMemberAdd               = "member.add"
	TypeMemberRemove            = "member.remove"
	TypeMemberList              = "member.list"
	TypeBlockOtherParty         = "block.other_party"
	TypeMessageSend             = "message.send"
	TypeMessageList             = "message.list"
	TypeChannelSubscribe        = "channel.subscribe"
	TypeChannelUnsubscribe      = "channel.unsubscribe"
)

// Server frame types
const (
	TypeAck                 = "ack"
	TypeError               = "error"
	TypeMessagePosted       = "message.posted"
	TypePresenceSync        = "presence.sync"
	TypeConversationDeleted = "conversation.deleted"

	// TypeChannelClosed ends the subscription of the client when the server
	// could not keep up with delivering to it.
	TypeChannelClosed = "channel.closed"
)

type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckPayload wraps the result of a request. Warnings are set when the
// primary mutation succeeded but a follow-up step did not.
type AckPayload struct {
	Result   json.RawMessage `json:"result,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

type ConversationRef struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

type DirectRequest struct {
	DirectoryID string `json:"directory_id" validate:"required"`
}

type GroupCreateRequest struct {
	Name    string   `json:"name" validate:"required,max=120"`
	Members []string `json:"members" validate:"max=256,dive,required"`
}

type GroupCreatedResponse struct {
	ConversationID string   `json:"conversation_id"`
	Dropped        []string `json:"dropped,omitempty"`
}

type RenameRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Name           string `json:"name" validate:"required,max=120"`
}

type MemberRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	DirectoryID    string `json:"directory_id" validate:"required"`
}

// SendRequest targets ConversationID or, when empty, the direct conversation
// with DirectoryID. Attachment travels base64 encoded.
type SendRequest struct {
	ConversationID string `json:"conversation_id,omitempty" validate:"required_without=DirectoryID"`
	DirectoryID    string `json:"directory_id,omitempty" validate:"required_without=ConversationID"`
	Body           string `json:"body,omitempty" validate:"max=4000"`
	Attachment     []byte `json:"attachment,omitempty"`
	Category       string `json:"category,omitempty" validate:"omitempty,max=32"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	AfterID        string `json:"after_id,omitempty"`
}

type ConversationDTO struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Kind        string    `json:"kind"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type MessageDTO struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	SenderID          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Body              string    `json:"body,omitempty"`
	AttachmentURL     string    `json:"attachment_url,omitempty"`
	Kind              string    `json:"kind"`
	CreatedAt         time.Time `json:"created_at"`
}

type MemberDTO struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name"`
	DirectoryID string `json:"directory_id"`
	IsAdmin     bool   `json:"is_admin"`
}

type BlockDTO struct {
	RemovedFrom []string `json:"removed_from,omitempty"`
}

type PresenceDTO struct {
	ConversationID string    `json:"conversation_id"`
	Count          int       `json:"count"`
	Identities     []string  `json:"identities"`
	At             time.Time `json:"at"`
}

type ConversationDeletedDTO struct {
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`
}

func ToConversationDTOs(summaries []domain.ConversationSummary) []ConversationDTO {
	return lo.Map(summaries, func(item domain.ConversationSummary, _ int) ConversationDTO {
		return ConversationDTO{
			ID:          string(item.ID),
			DisplayName: item.DisplayName,
			Kind:        string(item.Kind),
			UpdatedAt:   item.UpdatedAt,
		}
	})
}

func (c ConversationDTO) ToDomain() domain.ConversationSummary {
	return domain.ConversationSummary{
		ID:          domain.ConversationID(c.ID),
		DisplayName: c.DisplayName,
		Kind:        domain.ConversationKind(c.Kind),
		UpdatedAt:   c.UpdatedAt,
	}
}

func ToMessageDTO(m domain.Message) MessageDTO {
	return MessageDTO{
		ID:                string(m.ID),
		ConversationID:    string(m.ConversationID),
		SenderID:          string(m.SenderID),
		SenderDisplayName: m.SenderDisplayName,
		Body:              m.Body,
		AttachmentURL:     m.AttachmentURL,
		Kind:              string(m.Kind),
		CreatedAt:         m.CreatedAt,
	}
}

func (m MessageDTO) ToDomain() domain.Message {
	return domain.Message{
		ID:                domain.MessageID(m.ID),
		ConversationID:    domain.ConversationID(m.ConversationID),
		SenderID:          domain.IdentityID(m.SenderID),
		SenderDisplayName: m.SenderDisplayName,
		Body:              m.Body,
		AttachmentURL:     m.AttachmentURL,
		Kind:              domain.MessageKind(m.Kind),
		CreatedAt:         m.CreatedAt,
	}
}

func ToMemberDTOs(profiles []domain.MemberProfile) []MemberDTO {
	return lo.Map(profiles, func(item domain.MemberProfile, _ int) MemberDTO {
		return MemberDTO{
			IdentityID:  string(item.Identity.ID),
			DisplayName: item.Identity.Name(),
			DirectoryID: string(item.Identity.DirectoryID),
			IsAdmin:     item.IsAdmin,
		}
	})
}

// EventFrame converts a domain event into its server frame.
// ok is false for events that have no wire form.
func EventFrame(e event.DomainEvent) (Frame, bool) {
	switch evt := e.(type) {
	case event.MessagePosted:
		return Frame{Type: TypeMessagePosted, Payload: mustJSON(ToMessageDTO(evt.Message))}, true
	case event.PresenceSynced:
		return Frame{Type: TypePresenceSync, Payload: mustJSON(PresenceDTO{
			ConversationID: string(evt.Conversation),
			Count:          evt.Count(),
			Identities: lo.Map(evt.Identities, func(item domain.IdentityID, _ int) string {
				return string(item)
			}),
			At: evt.At,
		})}, true
	case event.ConversationDeleted:
		return Frame{Type: TypeConversationDeleted, Payload: mustJSON(ConversationDeletedDTO{
			ConversationID: string(evt.Conversation),
			At:             evt.At,
		})}, true
	}
	return Frame{}, false
}

// DecodeEvent is the client side of EventFrame. It returns a nil event for
// frames that are not events.
func DecodeEvent(frame Frame) (event.DomainEvent, error) {
	switch frame.Type {
	case TypeMessagePosted:
		var dto MessageDTO
		if err := json.Unmarshal(frame.Payload, &dto); err != nil {
			return nil, err
		}
		return event.MessagePosted{Message: dto.ToDomain()}, nil
	case TypePresenceSync:
		var dto PresenceDTO
		if err := json.Unmarshal(frame.Payload, &dto); err != nil {
			return nil, err
		}
		return event.PresenceSynced{
			Conversation: domain.ConversationID(dto.ConversationID),
			Identities: lo.Map(dto.Identities, func(item string, _ int) domain.IdentityID {
				return domain.IdentityID(item)
			}),
			At: dto.At,
		}, nil
	case TypeConversationDeleted:
		var dto ConversationDeletedDTO
		if err := json.Unmarshal(frame.Payload, &dto); err != nil {
			return nil, err
		}
		return event.ConversationDeleted{Conversation: domain.ConversationID(dto.ConversationID), At: dto.At}, nil
	}
	return nil, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
