// Package store implements the transactional, durable local store for
// conversations, messages and sync metadata. All records are JSON in
// bbolt; transactions are the sole mutation boundary for the engine.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/halcyonchat/chatsync/internal/models"
	"github.com/halcyonchat/chatsync/internal/syncerrors"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	conversationsBucket = []byte("conversations")
	recencyBucket       = []byte("idx_recency")
	metaBucket          = []byte("meta")

	cursorKey     = []byte("sync_cursor")
	incompleteKey = []byte("sync_incomplete")
)

func messagesBucket(conversationID string) []byte {
	return []byte("messages:" + conversationID)
}

// Order selects the direction of an index walk.
type Order int

const (
	// NewestFirst walks the recency index from most recently edited.
	NewestFirst Order = iota
	// OldestFirst walks the recency index from least recently edited.
	OldestFirst
)

// SyncCursor is the persisted server-side version cursor, defaulting to
// a full initial sync.
type SyncCursor struct {
	Version int64 `json:"version"`
	Initial bool  `json:"initial"`
}

// Store wraps a bbolt database holding all persistent engine state.
type Store struct {
	db *bolt.DB

	// now is swappable in tests so LastEdited recomputation is observable.
	now func() time.Time
}

// Open opens (or creates) the store database at the given path and
// ensures all top-level buckets exist. Adding a bucket here is the
// additive schema-evolution path: older databases gain it on open and
// existing records stay readable.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, recencyBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bolt exposes the underlying database so sibling packages (offline
// queue, key storage) can keep their buckets in the same file.
func (s *Store) Bolt() *bolt.DB {
	return s.db
}

// Tx is a transaction scope over the store. Every mutation of engine
// state flows through one of these; a returned error rolls the whole
// scope back.
type Tx struct {
	btx *bolt.Tx
	now func() time.Time
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx, now: s.now})
	})
}

// Update runs fn in a writable transaction. Either every write in fn
// lands or none does; failures are wrapped as ErrTransactionFailed so
// callers can apply the bounded-retry policy.
func (s *Store) Update(fn func(tx *Tx) error) error {
	err := s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx, now: s.now})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", syncerrors.ErrTransactionFailed, err)
	}

	return nil
}

// --- conversations ---

// GetConversation returns the conversation record, or ErrNotFound.
func (tx *Tx) GetConversation(id string) (*models.Conversation, error) {
	v := tx.btx.Bucket(conversationsBucket).Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, syncerrors.ErrNotFound)
	}

	conv := &models.Conversation{}
	if err := json.Unmarshal(v, conv); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
	}

	return conv, nil
}

// PutConversation writes a conversation record, recomputing LastEdited
// and maintaining the recency index.
func (tx *Tx) PutConversation(conv *models.Conversation) error {
	return tx.putConversation(conv, tx.now().UnixMilli())
}

// PutConversationAt writes a conversation record with an explicit
// LastEdited. Used when applying authoritative state, whose recency is
// the server's, not the time this device happened to apply it.
func (tx *Tx) PutConversationAt(conv *models.Conversation, lastEdited int64) error {
	return tx.putConversation(conv, lastEdited)
}

func (tx *Tx) putConversation(conv *models.Conversation, lastEdited int64) error {
	b := tx.btx.Bucket(conversationsBucket)

	// Drop the old recency index entry before the timestamp changes.
	if old := b.Get([]byte(conv.ID)); old != nil {
		var prev models.Conversation
		if err := json.Unmarshal(old, &prev); err == nil {
			if err := tx.btx.Bucket(recencyBucket).Delete(recencyKey(prev.LastEdited, prev.ID)); err != nil {
				return err
			}
		}
	}

	conv.LastEdited = lastEdited

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encoding conversation %s: %w", conv.ID, err)
	}

	if err := b.Put([]byte(conv.ID), data); err != nil {
		return err
	}

	return tx.btx.Bucket(recencyBucket).Put(recencyKey(conv.LastEdited, conv.ID), []byte(conv.ID))
}

// DeleteConversation removes a conversation, its recency index entry
// and its entire message collection.
func (tx *Tx) DeleteConversation(id string) error {
	b := tx.btx.Bucket(conversationsBucket)

	if old := b.Get([]byte(id)); old != nil {
		var prev models.Conversation
		if err := json.Unmarshal(old, &prev); err == nil {
			if err := tx.btx.Bucket(recencyBucket).Delete(recencyKey(prev.LastEdited, prev.ID)); err != nil {
				return err
			}
		}
	}

	if err := b.Delete([]byte(id)); err != nil {
		return err
	}

	if tx.btx.Bucket(messagesBucket(id)) != nil {
		if err := tx.btx.DeleteBucket(messagesBucket(id)); err != nil {
			return err
		}
	}

	return nil
}

// RekeyConversation moves a conversation and its message collection
// from a temporary client-local ID to the durable ID the authority
// assigned. Exactly one record remains afterwards (identity promotion).
func (tx *Tx) RekeyConversation(tempID, durableID string) error {
	conv, err := tx.GetConversation(tempID)
	if err != nil {
		return err
	}

	msgs, err := tx.Messages(tempID)
	if err != nil {
		return err
	}

	if err := tx.DeleteConversation(tempID); err != nil {
		return err
	}

	conv.ID = durableID
	if err := tx.PutConversation(conv); err != nil {
		return err
	}

	for _, msg := range msgs {
		msg.ConversationID = durableID
		if err := tx.PutMessage(msg); err != nil {
			return err
		}
	}

	return nil
}

// --- messages ---

// GetMessage returns one message, or ErrNotFound.
func (tx *Tx) GetMessage(conversationID, messageID string) (*models.Message, error) {
	b := tx.btx.Bucket(messagesBucket(conversationID))
	if b == nil {
		return nil, fmt.Errorf("message %s: %w", messageID, syncerrors.ErrNotFound)
	}

	v := b.Get([]byte(messageID))
	if v == nil {
		return nil, fmt.Errorf("message %s: %w", messageID, syncerrors.ErrNotFound)
	}

	msg := &models.Message{}
	if err := json.Unmarshal(v, msg); err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", messageID, err)
	}

	return msg, nil
}

// PutMessage writes a message into its conversation's collection.
// Messages that have reached synced status are immutable; rewriting
// one returns ErrMessageImmutable.
func (tx *Tx) PutMessage(msg *models.Message) error {
	b, err := tx.btx.CreateBucketIfNotExists(messagesBucket(msg.ConversationID))
	if err != nil {
		return err
	}

	if old := b.Get([]byte(msg.ID)); old != nil {
		var prev models.Message
		if err := json.Unmarshal(old, &prev); err == nil && !prev.Status.Mutable() {
			return fmt.Errorf("message %s: %w", msg.ID, syncerrors.ErrMessageImmutable)
		}
	}

	if msg.CreatedAt == 0 {
		msg.CreatedAt = tx.now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", msg.ID, err)
	}

	return b.Put([]byte(msg.ID), data)
}

// Messages returns all messages of a conversation ordered by creation
// time (ties broken by ID).
func (tx *Tx) Messages(conversationID string) ([]*models.Message, error) {
	b := tx.btx.Bucket(messagesBucket(conversationID))
	if b == nil {
		return nil, nil
	}

	var msgs []*models.Message
	err := b.ForEach(func(k, v []byte) error {
		msg := &models.Message{}
		if err := json.Unmarshal(v, msg); err != nil {
			return fmt.Errorf("decoding message %s: %w", string(k), err)
		}

		msgs = append(msgs, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortMessages(msgs)
	return msgs, nil
}

// --- iteration ---

// IterateByRecency walks conversations via the recency index in the
// given order, invoking fn for each record until fn returns false or
// an error. The walk is lazy (cursor-based) and restartable per call.
func (tx *Tx) IterateByRecency(order Order, fn func(conv *models.Conversation) (bool, error)) error {
	c := tx.btx.Bucket(recencyBucket).Cursor()
	conversations := tx.btx.Bucket(conversationsBucket)

	var k, id []byte
	if order == NewestFirst {
		k, id = c.Last()
	} else {
		k, id = c.First()
	}

	for k != nil {
		v := conversations.Get(id)
		if v != nil {
			conv := &models.Conversation{}
			if err := json.Unmarshal(v, conv); err != nil {
				return fmt.Errorf("decoding conversation %s: %w", string(id), err)
			}

			more, err := fn(conv)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}

		if order == NewestFirst {
			k, id = c.Prev()
		} else {
			k, id = c.Next()
		}
	}

	return nil
}

// AllConversations returns every conversation record. Used by manifest
// application to diff local state against the remote manifest.
func (tx *Tx) AllConversations() (map[string]*models.Conversation, error) {
	result := make(map[string]*models.Conversation)

	err := tx.btx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
		conv := &models.Conversation{}
		if err := json.Unmarshal(v, conv); err != nil {
			return fmt.Errorf("decoding conversation %s: %w", string(k), err)
		}

		result[string(k)] = conv
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// --- sync metadata ---

// GetCursor returns the persisted sync cursor, defaulting to initial sync.
func (tx *Tx) GetCursor() (SyncCursor, error) {
	cur := SyncCursor{Version: 0, Initial: true}

	v := tx.btx.Bucket(metaBucket).Get(cursorKey)
	if v == nil {
		return cur, nil
	}

	if err := json.Unmarshal(v, &cur); err != nil {
		return cur, fmt.Errorf("decoding sync cursor: %w", err)
	}

	return cur, nil
}

// SetCursor persists the sync cursor.
func (tx *Tx) SetCursor(cur SyncCursor) error {
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("encoding sync cursor: %w", err)
	}

	return tx.btx.Bucket(metaBucket).Put(cursorKey, data)
}

// SetSyncIncomplete records (or clears) the persistent "sync
// incomplete" indicator for the degraded steady state.
func (tx *Tx) SetSyncIncomplete(incomplete bool) error {
	b := tx.btx.Bucket(metaBucket)
	if !incomplete {
		return b.Delete(incompleteKey)
	}

	return b.Put(incompleteKey, []byte("1"))
}

// SyncIncomplete reports whether the last initial sync gave up after
// its retry budget.
func (tx *Tx) SyncIncomplete() bool {
	return tx.btx.Bucket(metaBucket).Get(incompleteKey) != nil
}

// --- convenience wrappers ---

// GetConversation reads one conversation outside an existing scope.
func (s *Store) GetConversation(id string) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.View(func(tx *Tx) error {
		var err error
		conv, err = tx.GetConversation(id)
		return err
	})

	return conv, err
}

// Messages reads a conversation's messages outside an existing scope.
func (s *Store) Messages(conversationID string) ([]*models.Message, error) {
	var msgs []*models.Message
	err := s.View(func(tx *Tx) error {
		var err error
		msgs, err = tx.Messages(conversationID)
		return err
	})

	return msgs, err
}

func recencyKey(lastEdited int64, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(lastEdited))
	copy(key[8:], id)

	return key
}

func sortMessages(msgs []*models.Message) {
	// Insertion sort: message collections are small and mostly ordered.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && messageLess(msgs[j], msgs[j-1]); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

func messageLess(a, b *models.Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}

	return a.ID < b.ID
}
