// Package models defines the chat domain types shared by the REST client,
// the real-time protocol and the local stores.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MessageStatus is local-only delivery state; the server never sends it.
type MessageStatus string

const (
	StatusConfirmed MessageStatus = ""
	StatusPending   MessageStatus = "pending"
	StatusFailed    MessageStatus = "failed"
)

// TempIDPrefix marks ids synthesized locally for optimistic messages.
const TempIDPrefix = "temp-"

// NewTempID returns a fresh local message id.
func NewTempID() string {
	return TempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id was synthesized locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Attachment is an uploaded file referenced by id from message metadata.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// ImageDescriptor describes a generated image attached to a response.
type ImageDescriptor struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// MessageMetadata carries the optional extras of a message.
type MessageMetadata struct {
	Attachments []Attachment     `json:"attachments,omitempty"`
	References  []string         `json:"references,omitempty"`
	Image       *ImageDescriptor `json:"image,omitempty"`
}

// Message is one entry of a conversation.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`

	Status MessageStatus `json:"-"`
}

// Clone returns a deep copy so callers can't mutate store-owned data.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		md := *m.Metadata
		md.Attachments = append([]Attachment(nil), m.Metadata.Attachments...)
		md.References = append([]string(nil), m.Metadata.References...)
		if m.Metadata.Image != nil {
			img := *m.Metadata.Image
			md.Image = &img
		}
		m.Metadata = &md
	}
	return m
}

// Conversation is a persisted thread scoped to one model selection.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModelInfo is one entry of the backend's model listing.
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Settings is the user settings document. Its shape belongs to the backend.
type Settings map[string]any
