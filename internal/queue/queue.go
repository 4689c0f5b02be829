// Package queue implements the durable offline change queue: a FIFO of
// pending mutations keyed for idempotence, flushed in order once the
// transport comes back.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/halcyonchat/chatsync/internal/models"
	"github.com/halcyonchat/chatsync/internal/syncerrors"
)

var (
	opsBucket   = []byte("pending_ops")
	indexBucket = []byte("op_index")
)

// SendFunc transmits one queued operation to the authority. A returned
// ErrTransportUnavailable halts the flush without charging the
// operation a retry; any other error counts against its retry budget.
type SendFunc func(ctx context.Context, op *models.PendingOperation) error

// Queue is a durable FIFO of pending operations with at most one entry
// per (entity, kind) pair.
type Queue struct {
	db         *bolt.DB
	maxRetries int
	logger     *slog.Logger

	flushMu sync.Mutex

	now func() time.Time
}

// New opens the queue over the shared store database.
func New(db *bolt.DB, maxRetries int, logger *slog.Logger) (*Queue, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{opsBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue buckets: %w", err)
	}

	return &Queue{db: db, maxRetries: maxRetries, logger: logger, now: time.Now}, nil
}

// Enqueue adds an operation, or replaces the payload of an existing
// entry for the same (entity, kind) while keeping its queue position
// and resetting its retry count.
func (q *Queue) Enqueue(op *models.PendingOperation) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		ops := tx.Bucket(opsBucket)
		index := tx.Bucket(indexBucket)

		idxKey := indexKey(op.EntityID, op.Kind)
		if existing := index.Get(idxKey); existing != nil {
			op.Seq = binary.BigEndian.Uint64(existing)
		} else {
			seq, err := ops.NextSequence()
			if err != nil {
				return err
			}
			op.Seq = seq
		}

		op.Retries = 0
		if op.EnqueuedAt == 0 {
			op.EnqueuedAt = q.now().UnixMilli()
		}

		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encoding operation %s: %w", op.ID, err)
		}

		if err := ops.Put(seqKey(op.Seq), data); err != nil {
			return err
		}

		return index.Put(idxKey, seqKey(op.Seq))
	})
}

// List returns all pending operations in queue order.
func (q *Queue) List() ([]*models.PendingOperation, error) {
	var result []*models.PendingOperation

	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(opsBucket).ForEach(func(k, v []byte) error {
			op := &models.PendingOperation{}
			if err := json.Unmarshal(v, op); err != nil {
				return fmt.Errorf("decoding operation at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}

			result = append(result, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Len returns the number of pending operations.
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(opsBucket).Stats().KeyN
		return nil
	})

	return n, err
}

// Remove deletes one operation and its idempotence index entry.
func (q *Queue) Remove(op *models.PendingOperation) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return removeInTx(tx, op)
	})
}

// Rekey rewrites the entity ID of every queued operation targeting a
// promoted conversation, preserving queue positions.
func (q *Queue) Rekey(oldEntityID, newEntityID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		ops := tx.Bucket(opsBucket)
		index := tx.Bucket(indexBucket)

		return ops.ForEach(func(k, v []byte) error {
			op := &models.PendingOperation{}
			if err := json.Unmarshal(v, op); err != nil {
				return err
			}
			if op.EntityID != oldEntityID {
				return nil
			}

			if err := index.Delete(indexKey(op.EntityID, op.Kind)); err != nil {
				return err
			}

			op.EntityID = newEntityID
			data, err := json.Marshal(op)
			if err != nil {
				return err
			}
			if err := ops.Put(k, data); err != nil {
				return err
			}

			return index.Put(indexKey(op.EntityID, op.Kind), k)
		})
	})
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Sent    int
	Dropped []*models.PendingOperation
}

// Flush sends pending operations in FIFO order. Only one flush runs at
// a time; a concurrent call returns ErrFlushInProgress. A transport
// outage halts the pass with the queue intact. An operation rejected by
// the authority is retried on later passes until its retry budget is
// exhausted, at which point it is dropped and reported in the result.
func (q *Queue) Flush(ctx context.Context, send SendFunc) (FlushResult, error) {
	if !q.flushMu.TryLock() {
		return FlushResult{}, syncerrors.ErrFlushInProgress
	}
	defer q.flushMu.Unlock()

	pending, err := q.List()
	if err != nil {
		return FlushResult{}, err
	}

	var result FlushResult
	for _, op := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		err := send(ctx, op)
		if err == nil {
			if err := q.Remove(op); err != nil {
				return result, err
			}
			result.Sent++
			continue
		}

		if errors.Is(err, syncerrors.ErrTransportUnavailable) {
			return result, err
		}

		op.Retries++
		if op.Retries >= q.maxRetries {
			q.logger.Warn("Dropping operation after retry budget exhausted",
				"operation_id", op.ID, "kind", op.Kind, "entity_id", op.EntityID, "retries", op.Retries)
			if err := q.Remove(op); err != nil {
				return result, err
			}
			result.Dropped = append(result.Dropped, op)
			continue
		}

		if perr := q.persistRetries(op); perr != nil {
			return result, perr
		}

		// Keep FIFO semantics: the failed head blocks the pass.
		return result, fmt.Errorf("sending operation %s: %w", op.ID, err)
	}

	return result, nil
}

func (q *Queue) persistRetries(op *models.PendingOperation) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}

		return tx.Bucket(opsBucket).Put(seqKey(op.Seq), data)
	})
}

func removeInTx(tx *bolt.Tx, op *models.PendingOperation) error {
	if err := tx.Bucket(opsBucket).Delete(seqKey(op.Seq)); err != nil {
		return err
	}

	return tx.Bucket(indexBucket).Delete(indexKey(op.EntityID, op.Kind))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return key
}

func indexKey(entityID string, kind models.OperationKind) []byte {
	return []byte(entityID + "\x00" + string(kind))
}
