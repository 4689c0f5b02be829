package engine

import (
	"context"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/halcyonchat/chatsync/internal/keyring"
	"github.com/halcyonchat/chatsync/internal/store"
	"github.com/halcyonchat/chatsync/internal/wire"
)

// Conflict policy: fetch the authoritative state and replace the local
// version wholesale. The server stores only ciphertext, so a semantic
// merge is impossible there and is not attempted here either; instead
// the discarded local draft is diffed against the authoritative one and
// handed to the UI so the user can recover their words.

// beginConflictResolution snapshots the local draft that is about to be
// discarded and requests the authoritative state.
func (e *Engine) beginConflictResolution(ctx context.Context, chatID string) error {
	var discarded []byte
	err := e.store.View(func(tx *store.Tx) error {
		conv, err := tx.GetConversation(chatID)
		if err != nil {
			return err
		}
		discarded = conv.Draft
		return nil
	})
	if err != nil {
		e.logger.Warn("Conflicted conversation missing locally", "chat_id", chatID, "error", err)
	}

	e.pendingConflicts[chatID] = discarded

	return e.tr.Send(ctx, wire.NewRequestConversation(chatID))
}

// handleConversationState replaces local state with the authoritative
// snapshot in one transaction. When the fetch was triggered by a
// conflict, the discarded draft is diffed against the authoritative one
// for the ConflictDetected notification.
func (e *Engine) handleConversationState(ev *wire.ConversationState) error {
	err := e.store.Update(func(tx *store.Tx) error {
		conv := conversationFromRemote(&ev.Chat)
		if err := tx.DeleteConversation(conv.ID); err != nil {
			return err
		}
		if err := putRemoteConversation(tx, conv); err != nil {
			return err
		}

		for i := range ev.Messages {
			if err := tx.PutMessage(messageFromRemote(conv.ID, &ev.Messages[i])); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	e.cache.Invalidate(ev.Chat.ID)

	discarded, wasConflict := e.pendingConflicts[ev.Chat.ID]
	delete(e.pendingConflicts, ev.Chat.ID)

	if wasConflict {
		e.notify(ConflictDetected{
			ChatID: ev.Chat.ID,
			Patch:  e.draftPatch(discarded, ev.Chat.EncryptedDraft, ev.Chat.WrappedKey),
		})
	}
	e.notify(ConversationUpdated{ChatID: ev.Chat.ID})

	return nil
}

// draftPatch renders a text patch from the discarded local draft to the
// authoritative draft. Best effort: an empty patch just means there is
// nothing recoverable to show.
func (e *Engine) draftPatch(discarded, authoritative, wrappedKey []byte) string {
	key, err := e.keys.ConversationKey(wrappedKey)
	if err != nil {
		return ""
	}

	oldText := ""
	if len(discarded) > 0 {
		if plaintext, err := keyring.Open(key, discarded); err == nil {
			oldText = string(plaintext)
		}
	}

	newText := ""
	if len(authoritative) > 0 {
		if plaintext, err := keyring.Open(key, authoritative); err == nil {
			newText = string(plaintext)
		}
	}

	if oldText == newText {
		return ""
	}

	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(oldText, newText))
}
