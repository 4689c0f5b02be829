package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// OperationKind identifies the type of a queued mutation.
type OperationKind string

const (
	OpDraftUpdate        OperationKind = "draft_update"
	OpTitleUpdate        OperationKind = "title_update"
	OpConversationDelete OperationKind = "conversation_delete"
	OpMessageSend        OperationKind = "message_send"
	OpAttachmentUpload   OperationKind = "attachment_upload"
)

// PendingOperation is a durable offline-queue entry. The queue holds at
// most one entry per (entity, kind): a re-enqueue for the same target
// replaces the payload while keeping the original queue position.
type PendingOperation struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"kind"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueued_at"`
	Retries    int             `json:"retries"`

	// Seq is the queue position assigned on first enqueue. It is part
	// of the stored record so replacement keeps the original slot.
	Seq uint64 `json:"seq"`
}

// NewOperationID returns a fresh operation identifier.
func NewOperationID() string {
	return uuid.NewString()
}
