// Package domain contains core concepts of the messaging system.
// This file defines Message records and their classification rules.
// Messages are immutable once appended.
package domain

import (
	"strings"
	"time"
)

type MessageID string

type MessageKind string

const (
	Text          MessageKind = "text"
	Image         MessageKind = "image"
	TextWithImage MessageKind = "text_with_image"
)

// Message represents an immutable entry of a conversation log.
type Message struct {
	ID                MessageID
	ConversationID    ConversationID
	SenderID          IdentityID
	SenderDisplayName string // snapshot taken at send time
	Body              string
	AttachmentURL     string
	Kind              MessageKind
	CreatedAt         time.Time
}

// ClassifyMessage derives the kind from the presence of a body and an attachment.
// ok is false when both are absent.
func ClassifyMessage(body, attachmentURL string) (kind MessageKind, ok bool) {
	hasBody := strings.TrimSpace(body) != ""
	hasAttachment := attachmentURL != ""
	switch {
	case hasBody && hasAttachment:
		return TextWithImage, true
	case hasAttachment:
		return Image, true
	case hasBody:
		return Text, true
	default:
		return "", false
	}
}

// Attachment is a binary payload waiting to be uploaded.
type Attachment struct {
	Data     []byte
	Category string
}
