// Package wire defines the messages exchanged with the sync authority.
// Every message is a JSON object with a "type" discriminator; the union
// of kinds is closed and an unrecognized kind is skipped, never guessed.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrUnknownEvent marks a server message whose kind this client does
// not understand. Callers log and skip it.
var ErrUnknownEvent = errors.New("unknown event kind")

// Client-originated event kinds.
const (
	KindSignalReady         = "signal_ready"
	KindRequestManifest     = "request_manifest"
	KindUpdateDraft         = "update_draft"
	KindUpdateTitle         = "update_title"
	KindSendMessage         = "send_message"
	KindDeleteConversation  = "delete_conversation"
	KindRequestContentBatch = "request_content_batch"
	KindRequestConversation = "request_conversation"
	KindUploadAttachment    = "upload_attachment"
)

// Server-originated event kinds.
const (
	KindCachePrimed          = "cache_primed"
	KindInitialSyncResponse  = "initial_sync_response"
	KindContentBatchResponse = "chat_content_batch_response"
	KindDraftUpdated         = "chat_draft_updated"
	KindTitleUpdated         = "chat_title_updated"
	KindMessageAppended      = "chat_message_appended"
	KindDraftConflict        = "draft_conflict"
	KindConversationDeleted  = "conversation_deleted"
	KindConversationState    = "conversation_state"
	KindOfflineSyncComplete  = "offline_sync_complete"
	KindOpAck                = "op_ack"
	KindOpRejected           = "op_rejected"
)

// Event is a decoded server message.
type Event interface {
	EventKind() string
}

// RemoteConversation is the authority's view of one conversation. All
// content fields are ciphertext; the server never sees plaintext.
type RemoteConversation struct {
	ID             string `json:"id"`
	EncryptedTitle []byte `json:"encrypted_title,omitempty"`
	EncryptedDraft []byte `json:"encrypted_draft,omitempty"`
	EncryptedMeta  []byte `json:"encrypted_meta,omitempty"`
	MessagesV      int64  `json:"messages_v"`
	TitleV         int64  `json:"title_v"`
	DraftV         int64  `json:"draft_v"`
	LastEdited     int64  `json:"last_edited"`
	WrappedKey     []byte `json:"wrapped_key"`
}

// RemoteMessage is the authority's view of one message.
type RemoteMessage struct {
	ID               string `json:"id"`
	Role             string `json:"role"`
	EncryptedContent []byte `json:"encrypted_content"`
	EncryptedCat     []byte `json:"encrypted_category,omitempty"`
	EncryptedSender  []byte `json:"encrypted_sender,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

// --- client -> server ---

// SignalReady is the first message after connect: it announces the
// device, proves key agreement via the key hash, and carries the sync
// cursor so the server can prime its cache and compute the delta.
type SignalReady struct {
	Type       string `json:"type"`
	DeviceName string `json:"device_name"`
	KeyHash    string `json:"key_hash"`
	Version    int64  `json:"version"`
	Initial    bool   `json:"initial"`
}

func NewSignalReady(deviceName, keyHash string, version int64, initial bool) SignalReady {
	return SignalReady{Type: KindSignalReady, DeviceName: deviceName, KeyHash: keyHash, Version: version, Initial: initial}
}

// RequestManifest asks for the full conversation manifest.
type RequestManifest struct {
	Type string `json:"type"`
}

func NewRequestManifest() RequestManifest {
	return RequestManifest{Type: KindRequestManifest}
}

// UpdateDraft sends a new encrypted draft for a conversation, stating
// the version the edit was based on so the server can detect conflicts.
// WrappedKey accompanies updates on a locally created conversation the
// authority has not seen yet, so a draft-only creation still delivers
// the conversation key envelope.
type UpdateDraft struct {
	Type           string `json:"type"`
	OpID           string `json:"op_id"`
	ChatID         string `json:"chat_id"`
	EncryptedDraft []byte `json:"encrypted_draft"`
	BasedOnVersion int64  `json:"based_on_version"`
	WrappedKey     []byte `json:"wrapped_key,omitempty"`
}

// UpdateTitle sends a new encrypted title for a conversation. WrappedKey
// is set under the same conditions as for UpdateDraft.
type UpdateTitle struct {
	Type           string `json:"type"`
	OpID           string `json:"op_id"`
	ChatID         string `json:"chat_id"`
	EncryptedTitle []byte `json:"encrypted_title"`
	BasedOnVersion int64  `json:"based_on_version"`
	WrappedKey     []byte `json:"wrapped_key,omitempty"`
}

// SendMessage appends an encrypted message to a conversation. WrappedKey
// accompanies the first message of a locally created conversation so the
// server can store the conversation key envelope.
type SendMessage struct {
	Type             string `json:"type"`
	OpID             string `json:"op_id"`
	ChatID           string `json:"chat_id"`
	MessageID        string `json:"message_id"`
	Role             string `json:"role"`
	EncryptedContent []byte `json:"encrypted_content"`
	WrappedKey       []byte `json:"wrapped_key,omitempty"`
}

// DeleteConversation deletes a conversation and all its messages.
type DeleteConversation struct {
	Type   string `json:"type"`
	OpID   string `json:"op_id"`
	ChatID string `json:"chat_id"`
}

// RequestContentBatch asks for the full message collections of the
// given conversations, used during initial sync follow-up.
type RequestContentBatch struct {
	Type    string   `json:"type"`
	ChatIDs []string `json:"chat_ids"`
}

func NewRequestContentBatch(chatIDs []string) RequestContentBatch {
	return RequestContentBatch{Type: KindRequestContentBatch, ChatIDs: chatIDs}
}

// RequestConversation asks for the authoritative state of one
// conversation, used by conflict resolution.
type RequestConversation struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

func NewRequestConversation(chatID string) RequestConversation {
	return RequestConversation{Type: KindRequestConversation, ChatID: chatID}
}

// UploadAttachment stores an encrypted attachment blob. The attachment
// key is wrapped twice: under the conversation key for participants and
// under the uploader's master key for owner access.
type UploadAttachment struct {
	Type            string `json:"type"`
	OpID            string `json:"op_id"`
	ChatID          string `json:"chat_id"`
	AttachmentID    string `json:"attachment_id"`
	EncryptedBlob   []byte `json:"encrypted_blob"`
	WrappedKey      []byte `json:"wrapped_key"`
	OwnerWrappedKey []byte `json:"owner_wrapped_key"`
}

// --- server -> client ---

// CachePrimed signals that the server finished warming its session
// cache and the client may request the manifest.
type CachePrimed struct {
	Type string `json:"type"`
}

func (CachePrimed) EventKind() string { return KindCachePrimed }

// InitialSyncResponse carries the manifest: the authoritative set of
// conversations plus IDs deleted since the client's cursor.
type InitialSyncResponse struct {
	Type      string               `json:"type"`
	Chats     []RemoteConversation `json:"chats"`
	Deletions []string             `json:"deletions,omitempty"`
	Version   int64                `json:"version"`
}

func (InitialSyncResponse) EventKind() string { return KindInitialSyncResponse }

// ContentBatchResponse carries full message collections for previously
// requested conversations.
type ContentBatchResponse struct {
	Type     string                     `json:"type"`
	Messages map[string][]RemoteMessage `json:"messages_by_chat_id"`
}

func (ContentBatchResponse) EventKind() string { return KindContentBatchResponse }

// DraftUpdated broadcasts a draft change made on another device.
type DraftUpdated struct {
	Type           string `json:"type"`
	ChatID         string `json:"chat_id"`
	EncryptedDraft []byte `json:"encrypted_draft"`
	NewVersion     int64  `json:"new_version"`
}

func (DraftUpdated) EventKind() string { return KindDraftUpdated }

// TitleUpdated broadcasts a title change made on another device.
type TitleUpdated struct {
	Type           string `json:"type"`
	ChatID         string `json:"chat_id"`
	EncryptedTitle []byte `json:"encrypted_title"`
	NewVersion     int64  `json:"new_version"`
}

func (TitleUpdated) EventKind() string { return KindTitleUpdated }

// MessageAppended broadcasts a message appended on another device.
type MessageAppended struct {
	Type       string        `json:"type"`
	ChatID     string        `json:"chat_id"`
	Message    RemoteMessage `json:"message"`
	NewVersion int64         `json:"new_version"`
}

func (MessageAppended) EventKind() string { return KindMessageAppended }

// DraftConflict reports that a draft update was rejected because
// another device changed the draft first.
type DraftConflict struct {
	Type   string `json:"type"`
	OpID   string `json:"op_id,omitempty"`
	ChatID string `json:"chat_id"`
}

func (DraftConflict) EventKind() string { return KindDraftConflict }

// ConversationDeleted broadcasts a deletion made on another device.
type ConversationDeleted struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

func (ConversationDeleted) EventKind() string { return KindConversationDeleted }

// ConversationState is the authoritative snapshot of one conversation,
// returned for a RequestConversation.
type ConversationState struct {
	Type     string             `json:"type"`
	Chat     RemoteConversation `json:"chat"`
	Messages []RemoteMessage    `json:"messages"`
}

func (ConversationState) EventKind() string { return KindConversationState }

// OfflineSyncComplete summarizes the server-side outcome of a queue
// replay after reconnecting.
type OfflineSyncComplete struct {
	Type      string   `json:"type"`
	Processed int      `json:"processed"`
	Errors    int      `json:"errors"`
	Conflicts []string `json:"conflicts,omitempty"`
}

func (OfflineSyncComplete) EventKind() string { return KindOfflineSyncComplete }

// OpAck acknowledges one client operation. DurableID is set when the
// operation created a conversation under a temporary client ID.
type OpAck struct {
	Type       string `json:"type"`
	OpID       string `json:"op_id"`
	ChatID     string `json:"chat_id"`
	DurableID  string `json:"durable_id,omitempty"`
	NewVersion int64  `json:"new_version,omitempty"`
}

func (OpAck) EventKind() string { return KindOpAck }

// OpRejected reports a permanently rejected client operation.
type OpRejected struct {
	Type   string `json:"type"`
	OpID   string `json:"op_id"`
	ChatID string `json:"chat_id"`
	Reason string `json:"reason"`
}

func (OpRejected) EventKind() string { return KindOpRejected }

// Encode marshals a client message for the wire.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding wire message: %w", err)
	}

	return data, nil
}

// Decode peeks the "type" discriminator and unmarshals the full typed
// event. Unknown kinds return ErrUnknownEvent with the kind attached.
func Decode(data []byte) (Event, error) {
	kind := gjson.GetBytes(data, "type").Str

	var ev Event
	switch kind {
	case KindCachePrimed:
		ev = &CachePrimed{}
	case KindInitialSyncResponse:
		ev = &InitialSyncResponse{}
	case KindContentBatchResponse:
		ev = &ContentBatchResponse{}
	case KindDraftUpdated:
		ev = &DraftUpdated{}
	case KindTitleUpdated:
		ev = &TitleUpdated{}
	case KindMessageAppended:
		ev = &MessageAppended{}
	case KindDraftConflict:
		ev = &DraftConflict{}
	case KindConversationDeleted:
		ev = &ConversationDeleted{}
	case KindConversationState:
		ev = &ConversationState{}
	case KindOfflineSyncComplete:
		ev = &OfflineSyncComplete{}
	case KindOpAck:
		ev = &OpAck{}
	case KindOpRejected:
		ev = &OpRejected{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", kind, err)
	}

	return ev, nil
}
