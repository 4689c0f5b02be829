package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/halcyonchat/chatsync/internal/models"
	"github.com/halcyonchat/chatsync/internal/store"
	"github.com/halcyonchat/chatsync/internal/wire"
)

// reasonVersionConflict is the server's rejection reason for an
// operation based on a stale version counter.
const reasonVersionConflict = "version_conflict"

// handleManifest applies the initial sync manifest in one transaction:
// conversations absent from the manifest (or listed as deletions) are
// removed, newer remote records replace local ones, and conversations
// whose message collections are behind get queued for a content batch.
// A failed application is retried up to the retry budget; exhaustion
// degrades to steady state on cached data.
func (e *Engine) handleManifest(ctx context.Context, manifest *wire.InitialSyncResponse) error {
	if e.State() != StateInitialSync {
		e.logger.Debug("Manifest outside initial sync state, ignoring")
		return nil
	}

	// Conversations with a queued local deletion stay deleted; the
	// replay will tell the authority shortly.
	ops, err := e.queue.List()
	if err != nil {
		return e.retryManifest(ctx, fmt.Errorf("listing queued operations: %w", err))
	}
	pendingDeletes := make(map[string]struct{})
	for _, op := range ops {
		if op.Kind == models.OpConversationDelete {
			pendingDeletes[op.EntityID] = struct{}{}
		}
	}

	var needContent []string
	err = e.store.Update(func(tx *store.Tx) error {
		local, err := tx.AllConversations()
		if err != nil {
			return err
		}

		remoteIDs := make(map[string]struct{}, len(manifest.Chats))
		for _, remote := range manifest.Chats {
			remoteIDs[remote.ID] = struct{}{}

			if _, deleted := pendingDeletes[remote.ID]; deleted {
				continue
			}

			prev := local[remote.ID]
			if prev != nil && !remoteNewer(&remote, prev) {
				continue
			}

			conv := conversationFromRemote(&remote)
			if conv.LastEdited == 0 && prev != nil {
				conv.LastEdited = prev.LastEdited
			}
			if err := putRemoteConversation(tx, conv); err != nil {
				return err
			}

			var localMessagesV int64
			if prev != nil {
				localMessagesV = prev.MessagesV
			}
			if remote.MessagesV > localMessagesV {
				needContent = append(needContent, remote.ID)
			}
		}

		for _, id := range manifest.Deletions {
			remoteIDs[id] = struct{}{} // treat as accounted for below
			if err := tx.DeleteConversation(id); err != nil {
				return err
			}
		}

		// Local records the authority no longer lists are gone, unless
		// they were created here and are still awaiting promotion.
		for id, conv := range local {
			if _, listed := remoteIDs[id]; listed || conv.HasTempID() {
				continue
			}
			if err := tx.DeleteConversation(id); err != nil {
				return err
			}
		}

		return tx.SetCursor(store.SyncCursor{Version: manifest.Version, Initial: false})
	})
	if err != nil {
		return e.retryManifest(ctx, err)
	}

	e.manifestRetries = 0
	e.cache.ClearAll()

	if serr := e.store.Update(func(tx *store.Tx) error {
		return tx.SetSyncIncomplete(false)
	}); serr != nil {
		e.logger.Error("Failed to clear sync-incomplete flag", "error", serr)
	}

	// Conversations behind on message content keep the engine in
	// initial sync until their batches land; the steady transition
	// happens in handleContentBatch once the last one is applied.
	if len(needContent) > 0 {
		for _, id := range needContent {
			e.pendingBatches[id] = struct{}{}
		}
		return e.tr.Send(ctx, wire.NewRequestContentBatch(needContent))
	}

	e.setState(StateSteady)
	e.nudgeFlush()
	e.notify(SyncComplete{})

	return nil
}

// retryManifest re-requests the manifest after a failed application, or
// degrades to steady state on cached data once the retry budget is
// spent.
func (e *Engine) retryManifest(ctx context.Context, err error) error {
	e.manifestRetries++
	if e.manifestRetries >= e.maxSyncRetries {
		e.logger.Error("Initial sync abandoned after retries",
			"retries", e.manifestRetries, "error", err)
		if serr := e.store.Update(func(tx *store.Tx) error {
			return tx.SetSyncIncomplete(true)
		}); serr != nil {
			e.logger.Error("Failed to persist sync-incomplete flag", "error", serr)
		}
		e.setState(StateSteady)
		e.notify(SyncIncomplete{})
		return err
	}

	e.logger.Warn("Manifest application failed, re-requesting",
		"attempt", e.manifestRetries, "error", err)
	return e.tr.Send(ctx, wire.NewRequestManifest())
}

// handleContentBatch replaces message collections with the
// authoritative ones, one transaction per conversation so a bad record
// cannot poison the rest of the batch. A failed application marks the
// sync incomplete rather than passing silently. When the last batch of
// an initial sync lands, the engine moves to steady state.
func (e *Engine) handleContentBatch(batch *wire.ContentBatchResponse) error {
	var failed error
	for chatID, messages := range batch.Messages {
		delete(e.pendingBatches, chatID)

		err := e.store.Update(func(tx *store.Tx) error {
			return replaceMessages(tx, chatID, messages)
		})
		if err != nil {
			e.logger.Warn("Failed to apply content batch", "chat_id", chatID, "error", err)
			failed = err
			continue
		}

		e.cache.Invalidate(chatID)
		e.notify(ConversationUpdated{ChatID: chatID})
	}

	if failed != nil {
		if serr := e.store.Update(func(tx *store.Tx) error {
			return tx.SetSyncIncomplete(true)
		}); serr != nil {
			e.logger.Error("Failed to persist sync-incomplete flag", "error", serr)
		}
		e.notify(SyncIncomplete{})
	}

	if e.State() == StateInitialSync && len(e.pendingBatches) == 0 {
		e.setState(StateSteady)
		e.nudgeFlush()
		if failed == nil {
			e.notify(SyncComplete{})
		}
	}

	return failed
}

func (e *Engine) handleDraftUpdated(ev *wire.DraftUpdated) error {
	return e.applyBroadcast(ev.ChatID, func(conv *models.Conversation) bool {
		if ev.NewVersion <= conv.DraftV {
			return false
		}
		conv.Draft = ev.EncryptedDraft
		conv.DraftV = ev.NewVersion
		return true
	})
}

func (e *Engine) handleTitleUpdated(ev *wire.TitleUpdated) error {
	return e.applyBroadcast(ev.ChatID, func(conv *models.Conversation) bool {
		if ev.NewVersion <= conv.TitleV {
			return false
		}
		conv.Title = ev.EncryptedTitle
		conv.TitleV = ev.NewVersion
		return true
	})
}

func (e *Engine) handleMessageAppended(ev *wire.MessageAppended) error {
	var applied bool
	err := e.store.Update(func(tx *store.Tx) error {
		conv, err := tx.GetConversation(ev.ChatID)
		if err != nil {
			return err
		}

		// Stale or duplicate broadcast: silently drop.
		if ev.NewVersion <= conv.MessagesV {
			return nil
		}

		if err := tx.PutMessage(messageFromRemote(ev.ChatID, &ev.Message)); err != nil {
			return err
		}

		conv.MessagesV = ev.NewVersion
		applied = true
		return tx.PutConversation(conv)
	})
	if err != nil {
		return err
	}

	if applied {
		e.cache.Invalidate(ev.ChatID)
		e.notify(ConversationUpdated{ChatID: ev.ChatID})
	}

	return nil
}

func (e *Engine) handleConversationDeleted(ev *wire.ConversationDeleted) error {
	err := e.store.Update(func(tx *store.Tx) error {
		return tx.DeleteConversation(ev.ChatID)
	})
	if err != nil {
		return err
	}

	e.cache.Invalidate(ev.ChatID)
	e.notify(ConversationUpdated{ChatID: ev.ChatID})

	return nil
}

// handleOfflineSyncComplete reacts to the server's summary of a queue
// replay: conversations it flagged as conflicted are re-fetched.
func (e *Engine) handleOfflineSyncComplete(ctx context.Context, ev *wire.OfflineSyncComplete) error {
	e.logger.Info("Offline replay processed by server",
		"processed", ev.Processed, "errors", ev.Errors, "conflicts", len(ev.Conflicts))

	for _, chatID := range ev.Conflicts {
		if err := e.beginConflictResolution(ctx, chatID); err != nil {
			e.logger.Warn("Failed to start conflict resolution", "chat_id", chatID, "error", err)
		}
	}

	return nil
}

// handleOpAck finalizes an acknowledged operation: identity promotion
// when the authority assigned a durable ID, message status transition
// for sends, and version adoption.
func (e *Engine) handleOpAck(ack *wire.OpAck) error {
	op := e.inflightOps[ack.OpID]
	delete(e.inflightOps, ack.OpID)

	chatID := ack.ChatID
	if ack.DurableID != "" && ack.DurableID != ack.ChatID {
		if err := e.promoteIdentity(ack.ChatID, ack.DurableID); err != nil {
			return err
		}
		chatID = ack.DurableID
	}

	if op != nil {
		switch op.Kind {
		case models.OpMessageSend:
			var payload messagePayload
			if err := json.Unmarshal(op.Payload, &payload); err != nil {
				return fmt.Errorf("decoding acked message payload: %w", err)
			}

			err := e.store.Update(func(tx *store.Tx) error {
				msg, err := tx.GetMessage(chatID, payload.MessageID)
				if err != nil {
					return err
				}

				msg.Status = models.MessageSynced
				if err := tx.PutMessage(msg); err != nil {
					return err
				}

				conv, err := tx.GetConversation(chatID)
				if err != nil {
					return err
				}
				if ack.NewVersion > conv.MessagesV {
					conv.MessagesV = ack.NewVersion
					return tx.PutConversation(conv)
				}
				return nil
			})
			if err != nil {
				return err
			}

		case models.OpDraftUpdate, models.OpTitleUpdate:
			// Converge the optimistically advanced counter to the
			// version the authority actually assigned.
			if ack.NewVersion > 0 {
				err := e.store.Update(func(tx *store.Tx) error {
					conv, err := tx.GetConversation(chatID)
					if err != nil {
						return err
					}

					switch {
					case op.Kind == models.OpDraftUpdate && ack.NewVersion > conv.DraftV:
						conv.DraftV = ack.NewVersion
					case op.Kind == models.OpTitleUpdate && ack.NewVersion > conv.TitleV:
						conv.TitleV = ack.NewVersion
					default:
						return nil
					}
					return tx.PutConversation(conv)
				})
				if err != nil {
					return err
				}
			}
		}
	}

	e.cache.Invalidate(chatID)
	e.notify(ConversationUpdated{ChatID: chatID})

	return nil
}

func (e *Engine) handleOpRejected(ctx context.Context, ev *wire.OpRejected) error {
	op := e.inflightOps[ev.OpID]
	delete(e.inflightOps, ev.OpID)

	kind := models.OperationKind("")
	entityID := ev.ChatID
	if op != nil {
		kind = op.Kind
		entityID = op.EntityID
	}

	e.logger.Warn("Operation rejected by server",
		"op_id", ev.OpID, "chat_id", ev.ChatID, "reason", ev.Reason)
	e.notify(OperationFailed{OpID: ev.OpID, Kind: kind, EntityID: entityID, Reason: ev.Reason})

	// A version-conflict rejection means another device won the race;
	// local state is now wrong and must be replaced.
	if ev.Reason == reasonVersionConflict && ev.ChatID != "" {
		return e.beginConflictResolution(ctx, ev.ChatID)
	}

	return nil
}

// promoteIdentity re-keys a locally created conversation to the durable
// ID: the stored record, its messages, and any still-queued operations
// move in lockstep.
func (e *Engine) promoteIdentity(tempID, durableID string) error {
	err := e.store.Update(func(tx *store.Tx) error {
		return tx.RekeyConversation(tempID, durableID)
	})
	if err != nil {
		return fmt.Errorf("promoting %s to %s: %w", tempID, durableID, err)
	}

	if err := e.queue.Rekey(tempID, durableID); err != nil {
		return fmt.Errorf("rekeying queued operations: %w", err)
	}
	if err := e.rekeyQueuedPayloads(tempID, durableID); err != nil {
		return fmt.Errorf("rekeying queued payloads: %w", err)
	}

	for _, op := range e.inflightOps {
		if op.EntityID == tempID {
			op.EntityID = durableID
		}
	}

	e.cache.Invalidate(tempID)
	e.cache.Invalidate(durableID)
	e.logger.Info("Conversation identity promoted", "temp_id", tempID, "durable_id", durableID)
	e.notify(IdentityPromoted{TempID: tempID, DurableID: durableID})

	return nil
}

// rekeyQueuedPayloads fixes the chat reference inside queued message
// and attachment payloads, whose queue key is the message/attachment ID
// rather than the conversation, and strips the key envelope from
// queued field updates now that the authority holds it. Re-enqueueing
// keeps the original slot.
func (e *Engine) rekeyQueuedPayloads(tempID, durableID string) error {
	pending, err := e.queue.List()
	if err != nil {
		return err
	}

	for _, op := range pending {
		var changed bool
		switch op.Kind {
		case models.OpDraftUpdate:
			if op.EntityID != durableID {
				continue
			}
			var p draftPayload
			if err := json.Unmarshal(op.Payload, &p); err != nil || p.WrappedKey == nil {
				continue
			}
			p.WrappedKey = nil
			op.Payload, err = json.Marshal(p)
			if err != nil {
				return err
			}
			changed = true

		case models.OpTitleUpdate:
			if op.EntityID != durableID {
				continue
			}
			var p titlePayload
			if err := json.Unmarshal(op.Payload, &p); err != nil || p.WrappedKey == nil {
				continue
			}
			p.WrappedKey = nil
			op.Payload, err = json.Marshal(p)
			if err != nil {
				return err
			}
			changed = true

		case models.OpMessageSend:
			var p messagePayload
			if err := json.Unmarshal(op.Payload, &p); err != nil || p.ChatID != tempID {
				continue
			}
			p.ChatID = durableID
			p.WrappedKey = nil // the authority has the key envelope now
			op.Payload, err = json.Marshal(p)
			if err != nil {
				return err
			}
			changed = true

		case models.OpAttachmentUpload:
			var p attachmentPayload
			if err := json.Unmarshal(op.Payload, &p); err != nil || p.ChatID != tempID {
				continue
			}
			p.ChatID = durableID
			op.Payload, err = json.Marshal(p)
			if err != nil {
				return err
			}
			changed = true
		}

		if changed {
			if err := e.queue.Enqueue(op); err != nil {
				return err
			}
		}
	}

	return nil
}

// applyBroadcast runs a field mutation against the stored conversation.
// The mutate callback returns false for stale broadcasts, which are
// dropped without any visible effect.
func (e *Engine) applyBroadcast(chatID string, mutate func(conv *models.Conversation) bool) error {
	var applied bool
	err := e.store.Update(func(tx *store.Tx) error {
		conv, err := tx.GetConversation(chatID)
		if err != nil {
			return err
		}

		if !mutate(conv) {
			return nil
		}

		applied = true
		return tx.PutConversation(conv)
	})
	if err != nil {
		return err
	}

	if applied {
		e.cache.Invalidate(chatID)
		e.notify(ConversationUpdated{ChatID: chatID})
	}

	return nil
}

// sendOperation converts one queued operation to its wire message and
// transmits it. Successful sends are remembered until the ack arrives.
func (e *Engine) sendOperation(ctx context.Context, op *models.PendingOperation) error {
	msg, err := e.operationMessage(op)
	if err != nil {
		return err
	}

	if err := e.tr.Send(ctx, msg); err != nil {
		return err
	}

	e.inflightOps[op.ID] = op
	return nil
}

func (e *Engine) operationMessage(op *models.PendingOperation) (any, error) {
	switch op.Kind {
	case models.OpDraftUpdate:
		var p draftPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("decoding draft payload: %w", err)
		}
		return wire.UpdateDraft{
			Type:           wire.KindUpdateDraft,
			OpID:           op.ID,
			ChatID:         op.EntityID,
			EncryptedDraft: p.EncryptedDraft,
			BasedOnVersion: p.BasedOnVersion,
			WrappedKey:     p.WrappedKey,
		}, nil

	case models.OpTitleUpdate:
		var p titlePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("decoding title payload: %w", err)
		}
		return wire.UpdateTitle{
			Type:           wire.KindUpdateTitle,
			OpID:           op.ID,
			ChatID:         op.EntityID,
			EncryptedTitle: p.EncryptedTitle,
			BasedOnVersion: p.BasedOnVersion,
			WrappedKey:     p.WrappedKey,
		}, nil

	case models.OpMessageSend:
		var p messagePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("decoding message payload: %w", err)
		}
		return wire.SendMessage{
			Type:             wire.KindSendMessage,
			OpID:             op.ID,
			ChatID:           p.ChatID,
			MessageID:        p.MessageID,
			Role:             p.Role,
			EncryptedContent: p.EncryptedContent,
			WrappedKey:       p.WrappedKey,
		}, nil

	case models.OpConversationDelete:
		return wire.DeleteConversation{
			Type:   wire.KindDeleteConversation,
			OpID:   op.ID,
			ChatID: op.EntityID,
		}, nil

	case models.OpAttachmentUpload:
		var p attachmentPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("decoding attachment payload: %w", err)
		}
		return wire.UploadAttachment{
			Type:            wire.KindUploadAttachment,
			OpID:            op.ID,
			ChatID:          p.ChatID,
			AttachmentID:    p.AttachmentID,
			EncryptedBlob:   p.EncryptedBlob,
			WrappedKey:      p.WrappedKey,
			OwnerWrappedKey: p.OwnerWrappedKey,
		}, nil

	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func remoteNewer(remote *wire.RemoteConversation, local *models.Conversation) bool {
	return remote.MessagesV > local.MessagesV ||
		remote.TitleV > local.TitleV ||
		remote.DraftV > local.DraftV
}

func conversationFromRemote(remote *wire.RemoteConversation) *models.Conversation {
	return &models.Conversation{
		ID:         remote.ID,
		Title:      remote.EncryptedTitle,
		Draft:      remote.EncryptedDraft,
		Meta:       remote.EncryptedMeta,
		MessagesV:  remote.MessagesV,
		TitleV:     remote.TitleV,
		DraftV:     remote.DraftV,
		LastEdited: remote.LastEdited,
		WrappedKey: remote.WrappedKey,
	}
}

// putRemoteConversation writes an authoritative record keeping the
// server's recency, so a stale chat applied last does not jump to the
// top of the conversation list. Records without a server timestamp get
// stamped with the apply time.
func putRemoteConversation(tx *store.Tx, conv *models.Conversation) error {
	if conv.LastEdited > 0 {
		return tx.PutConversationAt(conv, conv.LastEdited)
	}
	return tx.PutConversation(conv)
}

func messageFromRemote(chatID string, remote *wire.RemoteMessage) *models.Message {
	return &models.Message{
		ID:             remote.ID,
		ConversationID: chatID,
		Role:           remote.Role,
		Status:         models.MessageSynced,
		Content:        remote.EncryptedContent,
		Category:       remote.EncryptedCat,
		SenderName:     remote.EncryptedSender,
		CreatedAt:      remote.CreatedAt,
	}
}

// replaceMessages swaps a conversation's message collection for the
// authoritative one, keeping locally queued (unsynced) messages.
func replaceMessages(tx *store.Tx, chatID string, remote []wire.RemoteMessage) error {
	existing, err := tx.Messages(chatID)
	if err != nil {
		return err
	}

	var local []*models.Message
	for _, msg := range existing {
		if msg.Status.Mutable() {
			local = append(local, msg)
		}
	}

	conv, err := tx.GetConversation(chatID)
	if err != nil {
		return err
	}

	if err := tx.DeleteConversation(chatID); err != nil {
		return err
	}
	if err := putRemoteConversation(tx, conv); err != nil {
		return err
	}

	for i := range remote {
		if err := tx.PutMessage(messageFromRemote(chatID, &remote[i])); err != nil {
			return err
		}
	}
	for _, msg := range local {
		if err := tx.PutMessage(msg); err != nil {
			return err
		}
	}

	return nil
}
