package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/halcyonchat/chatsync/internal/models"
	"github.com/halcyonchat/chatsync/internal/syncerrors"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "chatsync.db"), 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := New(db, 5, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	return q
}

func op(kind models.OperationKind, entityID, payload string) *models.PendingOperation {
	return &models.PendingOperation{
		ID:       models.NewOperationID(),
		Kind:     kind,
		EntityID: entityID,
		Payload:  json.RawMessage(`"` + payload + `"`),
	}
}

func TestEnqueue_FIFOOrder(t *testing.T) {
	q := openTestQueue(t)

	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "conv-1", "d1")))
	require.NoError(t, q.Enqueue(op(models.OpTitleUpdate, "conv-1", "t1")))
	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "conv-2", "d2")))

	pending, err := q.List()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, models.OpDraftUpdate, pending[0].Kind)
	assert.Equal(t, "conv-1", pending[0].EntityID)
	assert.Equal(t, models.OpTitleUpdate, pending[1].Kind)
	assert.Equal(t, "conv-2", pending[2].EntityID)
}

func TestEnqueue_ReplacesSameEntityAndKind(t *testing.T) {
	q := openTestQueue(t)

	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "conv-1", "old")))
	require.NoError(t, q.Enqueue(op(models.OpTitleUpdate, "conv-1", "title")))
	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "conv-1", "new")))

	pending, err := q.List()
	require.NoError(t, err)
	require.Len(t, pending, 2, "re-enqueue for the same target must not add an entry")

	// The replaced draft keeps its original (first) position.
	assert.Equal(t, models.OpDraftUpdate, pending[0].Kind)
	assert.Equal(t, json.RawMessage(`"new"`), pending[0].Payload)
	assert.Equal(t, models.OpTitleUpdate, pending[1].Kind)
}

func TestEnqueue_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatsync.db")

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	q, err := New(db, 5, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(op(models.OpMessageSend, "msg-1", "hello")))
	require.NoError(t, db.Close())

	db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer db.Close()
	q, err = New(db, 5, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	pending, err := q.List()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpMessageSend, pending[0].Kind)
}

func TestFlush_SendsInOrderAndDrains(t *testing.T) {
	q := openTestQueue(t)

	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "conv-1", "d")))
	require.NoError(t, q.Enqueue(op(models.OpMessageSend, "msg-1", "m")))

	var sent []models.OperationKind
	result, err := q.Flush(context.Background(), func(_ context.Context, op *models.PendingOperation) error {
		sent = append(sent, op.Kind)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, []models.OperationKind{models.OpDraftUpdate, models.OpMessageSend}, sent)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlush_TransportOutageHaltsWithoutRetryCharge(t *testing.T) {
	q := openTestQueue(t)

	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "conv-1", "d")))
	require.NoError(t, q.Enqueue(op(models.OpTitleUpdate, "conv-1", "t")))

	calls := 0
	result, err := q.Flush(context.Background(), func(context.Context, *models.PendingOperation) error {
		calls++
		return syncerrors.ErrTransportUnavailable
	})
	require.ErrorIs(t, err, syncerrors.ErrTransportUnavailable)
	assert.Equal(t, 1, calls, "outage halts the pass at the head")
	assert.Zero(t, result.Sent)

	pending, err := q.List()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Zero(t, pending[0].Retries, "transport outages do not count against the retry budget")
}

func TestFlush_RejectionChargesRetryAndHalts(t *testing.T) {
	q := openTestQueue(t)

	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "conv-1", "d")))

	rejected := errors.New("rejected")
	_, err := q.Flush(context.Background(), func(context.Context, *models.PendingOperation) error {
		return rejected
	})
	require.ErrorIs(t, err, rejected)

	pending, err := q.List()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Retries, "retry count persists across passes")
}

func TestFlush_DropsAfterRetryBudget(t *testing.T) {
	q := openTestQueue(t)

	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "conv-1", "d")))
	require.NoError(t, q.Enqueue(op(models.OpTitleUpdate, "conv-1", "t")))

	rejected := errors.New("rejected")
	var lastResult FlushResult
	for range 5 {
		result, err := q.Flush(context.Background(), func(_ context.Context, op *models.PendingOperation) error {
			if op.Kind == models.OpDraftUpdate {
				return rejected
			}
			return nil
		})
		lastResult = result
		if err == nil {
			break
		}
	}

	require.Len(t, lastResult.Dropped, 1, "exhausted operation is dropped and reported")
	assert.Equal(t, models.OpDraftUpdate, lastResult.Dropped[0].Kind)
	assert.Equal(t, 1, lastResult.Sent, "the pass continues past a dropped operation")

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlush_NonReentrant(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "conv-1", "d")))

	inFlush := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, err := q.Flush(context.Background(), func(context.Context, *models.PendingOperation) error {
			close(inFlush)
			<-release
			return nil
		})
		assert.NoError(t, err)
	}()

	<-inFlush
	_, err := q.Flush(context.Background(), func(context.Context, *models.PendingOperation) error {
		t.Error("second flush must not run")
		return nil
	})
	assert.ErrorIs(t, err, syncerrors.ErrFlushInProgress)

	close(release)
	<-done
}

func TestRekey_RewritesQueuedEntityIDs(t *testing.T) {
	q := openTestQueue(t)

	tempID := models.TempIDPrefix + "abc"
	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, tempID, "d")))
	require.NoError(t, q.Enqueue(op(models.OpTitleUpdate, "conv-other", "t")))

	require.NoError(t, q.Rekey(tempID, "durable-1"))

	pending, err := q.List()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "durable-1", pending[0].EntityID)
	assert.Equal(t, "conv-other", pending[1].EntityID)

	// Idempotence index follows the rekey: replacing the draft for the
	// durable ID must overwrite, not duplicate.
	require.NoError(t, q.Enqueue(op(models.OpDraftUpdate, "durable-1", "d2")))
	pending, err = q.List()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
