// Package models defines the entity records the sync engine stores and
// exchanges. All user content fields hold ciphertext; decryption happens
// only in the metadata cache and the engine's read accessors.
package models

import (
	"strings"

	"github.com/google/uuid"
)

// TempIDPrefix marks client-local conversation identifiers that the
// remote authority has not yet confirmed. Identity promotion re-keys
// the record once a durable ID is assigned.
const TempIDPrefix = "tmp-"

// Conversation is the top-level synchronized aggregate: a chat thread
// with encrypted title, draft and metadata, guarded by per-field-group
// version counters.
type Conversation struct {
	ID string `json:"id"`

	// Title, Draft and Meta (icon/category/summary) are AEAD-sealed
	// blobs under the conversation key.
	Title []byte `json:"title,omitempty"`
	Draft []byte `json:"draft,omitempty"`
	Meta  []byte `json:"meta,omitempty"`

	// Version counters, one per field group. Monotonically increasing;
	// a received update at or below the stored counter is stale.
	MessagesV int64 `json:"messages_v"`
	TitleV    int64 `json:"title_v"`
	DraftV    int64 `json:"draft_v"`

	// LastEdited orders the conversation list (unix milli). Local
	// writes stamp it with the write time; authoritative applies keep
	// the server's recency.
	LastEdited int64 `json:"last_edited"`

	// WrappedKey is the conversation key wrapped under the master key.
	WrappedKey []byte `json:"wrapped_key"`
}

// NewConversationID returns a fresh client-generated conversation ID.
// IDs minted before the authority has acknowledged the conversation are
// temporary and carry the TempIDPrefix.
func NewConversationID(confirmed bool) string {
	id := uuid.NewString()
	if confirmed {
		return id
	}
	return TempIDPrefix + id
}

// HasTempID reports whether the conversation still carries a
// client-local identifier awaiting promotion to a durable one.
func (c *Conversation) HasTempID() bool {
	return strings.HasPrefix(c.ID, TempIDPrefix)
}

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	// MessageSending is set while the message is being transmitted.
	MessageSending MessageStatus = "sending"
	// MessagePending is set for messages waiting in the offline queue.
	MessagePending MessageStatus = "pending"
	// MessageSynced marks the message acknowledged by the authority.
	// Synced messages are immutable.
	MessageSynced MessageStatus = "synced"
)

// Mutable reports whether a message in this status may still be rewritten.
func (s MessageStatus) Mutable() bool {
	return s == MessageSending || s == MessagePending
}

// Message belongs to exactly one conversation's message collection.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Role           string        `json:"role"`
	Status         MessageStatus `json:"status"`

	// Content is AEAD-sealed under the conversation key. Category and
	// SenderName are optional encrypted side-channel fields.
	Content    []byte `json:"content"`
	Category   []byte `json:"category,omitempty"`
	SenderName []byte `json:"sender_name,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// ConversationView is a decrypted, read-only projection of a
// conversation produced by the metadata cache for the UI boundary.
type ConversationView struct {
	ID         string
	Title      string
	Draft      string
	Meta       string
	MessagesV  int64
	TitleV     int64
	DraftV     int64
	LastEdited int64
}

// MessageView is the decrypted projection of one message.
type MessageView struct {
	ID        string
	Role      string
	Status    MessageStatus
	Content   string
	CreatedAt int64
}
