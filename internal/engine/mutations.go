package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonchat/chatsync/internal/keyring"
	"github.com/halcyonchat/chatsync/internal/models"
	"github.com/halcyonchat/chatsync/internal/store"
)

// Queued operation payloads. These live inside PendingOperation.Payload
// and survive restarts, so their shape is part of the durable schema.
type draftPayload struct {
	EncryptedDraft []byte `json:"encrypted_draft"`
	BasedOnVersion int64  `json:"based_on_version"`
	WrappedKey     []byte `json:"wrapped_key,omitempty"`
}

type titlePayload struct {
	EncryptedTitle []byte `json:"encrypted_title"`
	BasedOnVersion int64  `json:"based_on_version"`
	WrappedKey     []byte `json:"wrapped_key,omitempty"`
}

type messagePayload struct {
	ChatID           string `json:"chat_id"`
	MessageID        string `json:"message_id"`
	Role             string `json:"role"`
	EncryptedContent []byte `json:"encrypted_content"`
	WrappedKey       []byte `json:"wrapped_key,omitempty"`
}

type attachmentPayload struct {
	ChatID          string `json:"chat_id"`
	AttachmentID    string `json:"attachment_id"`
	EncryptedBlob   []byte `json:"encrypted_blob"`
	WrappedKey      []byte `json:"wrapped_key"`
	OwnerWrappedKey []byte `json:"owner_wrapped_key"`
}

// Every mutation below is optimistic: the local write lands first, the
// operation is queued durably, and the loop is nudged to flush. Offline
// and online paths are therefore identical up to flush timing.

// CreateConversation starts a new conversation under a fresh key and a
// temporary ID. The authority learns about it with the first queued
// operation, which carries the key envelope.
func (e *Engine) CreateConversation(title string) (string, error) {
	key, err := keyring.NewKey()
	if err != nil {
		return "", err
	}
	defer keyring.ZeroKey(key)

	wrapped, err := e.keys.WrapConversationKey(key)
	if err != nil {
		return "", err
	}

	conv := &models.Conversation{
		ID:         models.NewConversationID(false),
		WrappedKey: wrapped,
	}

	if title != "" {
		sealed, err := keyring.Seal(key, []byte(title))
		if err != nil {
			return "", err
		}
		conv.Title = sealed
	}

	err = e.store.Update(func(tx *store.Tx) error {
		return tx.PutConversation(conv)
	})
	if err != nil {
		return "", err
	}

	return conv.ID, nil
}

// UpdateDraft seals and stores a new draft, advancing the draft counter
// optimistically and recording the version the edit was based on so the
// authority can detect concurrent edits.
func (e *Engine) UpdateDraft(chatID, draft string) error {
	var payload draftPayload
	err := e.store.Update(func(tx *store.Tx) error {
		conv, err := tx.GetConversation(chatID)
		if err != nil {
			return err
		}

		key, err := e.conversationKey(conv)
		if err != nil {
			return err
		}

		sealed, err := keyring.Seal(key, []byte(draft))
		if err != nil {
			return err
		}

		payload = draftPayload{EncryptedDraft: sealed, BasedOnVersion: conv.DraftV}
		if conv.HasTempID() {
			payload.WrappedKey = conv.WrappedKey
		}
		conv.Draft = sealed
		conv.DraftV++
		return tx.PutConversation(conv)
	})
	if err != nil {
		return err
	}

	e.cache.Invalidate(chatID)

	return e.enqueue(models.OpDraftUpdate, chatID, payload)
}

// UpdateTitle seals and stores a new title.
func (e *Engine) UpdateTitle(chatID, title string) error {
	var payload titlePayload
	err := e.store.Update(func(tx *store.Tx) error {
		conv, err := tx.GetConversation(chatID)
		if err != nil {
			return err
		}

		key, err := e.conversationKey(conv)
		if err != nil {
			return err
		}

		sealed, err := keyring.Seal(key, []byte(title))
		if err != nil {
			return err
		}

		payload = titlePayload{EncryptedTitle: sealed, BasedOnVersion: conv.TitleV}
		if conv.HasTempID() {
			payload.WrappedKey = conv.WrappedKey
		}
		conv.Title = sealed
		conv.TitleV++
		return tx.PutConversation(conv)
	})
	if err != nil {
		return err
	}

	e.cache.Invalidate(chatID)

	return e.enqueue(models.OpTitleUpdate, chatID, payload)
}

// SendMessage appends a message in pending status. The conversation's
// wrapped key rides along for conversations the authority has not seen
// yet, which is what materializes them server-side.
func (e *Engine) SendMessage(chatID, role, content string) (string, error) {
	msgID := uuid.NewString()

	var payload messagePayload
	err := e.store.Update(func(tx *store.Tx) error {
		conv, err := tx.GetConversation(chatID)
		if err != nil {
			return err
		}

		key, err := e.conversationKey(conv)
		if err != nil {
			return err
		}

		sealed, err := keyring.Seal(key, []byte(content))
		if err != nil {
			return err
		}

		payload = messagePayload{
			ChatID:           chatID,
			MessageID:        msgID,
			Role:             role,
			EncryptedContent: sealed,
		}
		if conv.HasTempID() {
			payload.WrappedKey = conv.WrappedKey
		}

		return tx.PutMessage(&models.Message{
			ID:             msgID,
			ConversationID: chatID,
			Role:           role,
			Status:         models.MessagePending,
			Content:        sealed,
			CreatedAt:      time.Now().UnixMilli(),
		})
	})
	if err != nil {
		return "", err
	}

	e.cache.Invalidate(chatID)

	// Keyed by message ID: every send is its own queue entry, and a
	// retransmit of the same message replaces rather than duplicates.
	return msgID, e.enqueue(models.OpMessageSend, msgID, payload)
}

// DeleteConversation removes the conversation locally and queues the
// deletion for the authority.
func (e *Engine) DeleteConversation(chatID string) error {
	err := e.store.Update(func(tx *store.Tx) error {
		return tx.DeleteConversation(chatID)
	})
	if err != nil {
		return err
	}

	e.cache.Invalidate(chatID)

	return e.enqueue(models.OpConversationDelete, chatID, struct{}{})
}

// UploadAttachment seals a blob under a fresh attachment key, wrapped
// once under the conversation key for participants and once under the
// uploader's master key so the owner can open it without the chat.
func (e *Engine) UploadAttachment(chatID string, blob []byte) (string, error) {
	conv, err := e.store.GetConversation(chatID)
	if err != nil {
		return "", err
	}

	convKey, err := e.conversationKey(conv)
	if err != nil {
		return "", err
	}

	attKey, err := keyring.NewKey()
	if err != nil {
		return "", err
	}
	defer keyring.ZeroKey(attKey)

	sealed, err := keyring.Seal(attKey, blob)
	if err != nil {
		return "", err
	}

	wrapped, err := e.keys.WrapAttachmentKey(attKey, convKey)
	if err != nil {
		return "", err
	}

	ownerWrapped, err := e.keys.WrapAttachmentKeyForOwner(attKey)
	if err != nil {
		return "", err
	}

	attID := uuid.NewString()
	payload := attachmentPayload{
		ChatID:          chatID,
		AttachmentID:    attID,
		EncryptedBlob:   sealed,
		WrappedKey:      wrapped,
		OwnerWrappedKey: ownerWrapped,
	}

	// Keyed by attachment ID so distinct uploads to one chat coexist.
	return attID, e.enqueue(models.OpAttachmentUpload, attID, payload)
}

func (e *Engine) enqueue(kind models.OperationKind, entityID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	err = e.queue.Enqueue(&models.PendingOperation{
		ID:       models.NewOperationID(),
		Kind:     kind,
		EntityID: entityID,
		Payload:  data,
	})
	if err != nil {
		return err
	}

	e.nudgeFlush()
	return nil
}

// --- read accessors ---

// Conversations returns decrypted views ordered most recently edited
// first. Decryption is served from the metadata cache where possible.
func (e *Engine) Conversations(limit int) ([]*models.ConversationView, error) {
	var records []*models.Conversation
	err := e.store.View(func(tx *store.Tx) error {
		return tx.IterateByRecency(store.NewestFirst, func(conv *models.Conversation) (bool, error) {
			records = append(records, conv)
			return limit <= 0 || len(records) < limit, nil
		})
	})
	if err != nil {
		return nil, err
	}

	views := make([]*models.ConversationView, 0, len(records))
	for _, conv := range records {
		view, err := e.cache.GetDecrypted(conv, e.decryptView)
		if err != nil {
			e.logger.Warn("Skipping undecryptable conversation", "chat_id", conv.ID, "error", err)
			continue
		}
		views = append(views, view)
	}

	return views, nil
}

// Conversation returns one decrypted view.
func (e *Engine) Conversation(chatID string) (*models.ConversationView, error) {
	conv, err := e.store.GetConversation(chatID)
	if err != nil {
		return nil, err
	}

	return e.cache.GetDecrypted(conv, e.decryptView)
}

// Messages returns the decrypted message history of one conversation.
func (e *Engine) Messages(chatID string) ([]*models.MessageView, error) {
	conv, err := e.store.GetConversation(chatID)
	if err != nil {
		return nil, err
	}

	key, err := e.conversationKey(conv)
	if err != nil {
		return nil, err
	}

	msgs, err := e.store.Messages(chatID)
	if err != nil {
		return nil, err
	}

	views := make([]*models.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		plaintext, err := keyring.Open(key, msg.Content)
		if err != nil {
			return nil, fmt.Errorf("decrypting message %s: %w", msg.ID, err)
		}

		views = append(views, &models.MessageView{
			ID:        msg.ID,
			Role:      msg.Role,
			Status:    msg.Status,
			Content:   string(plaintext),
			CreatedAt: msg.CreatedAt,
		})
	}

	return views, nil
}

// SyncIncomplete reports whether the engine is serving possibly stale
// data after an abandoned initial sync.
func (e *Engine) SyncIncomplete() bool {
	var incomplete bool
	if err := e.store.View(func(tx *store.Tx) error {
		incomplete = tx.SyncIncomplete()
		return nil
	}); err != nil {
		return false
	}

	return incomplete
}
