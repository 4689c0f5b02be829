// Package engine implements the sync orchestrator: a single event loop
// that owns the lifecycle Idle -> CachePriming -> InitialSync -> Steady
// (with Reconciling passes for offline replay), applies server events
// to the local store, and replays queued local mutations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyonchat/chatsync/internal/cache"
	"github.com/halcyonchat/chatsync/internal/keyring"
	"github.com/halcyonchat/chatsync/internal/models"
	"github.com/halcyonchat/chatsync/internal/queue"
	"github.com/halcyonchat/chatsync/internal/store"
	"github.com/halcyonchat/chatsync/internal/syncerrors"
	"github.com/halcyonchat/chatsync/internal/transport"
	"github.com/halcyonchat/chatsync/internal/wire"
)

// Transport is the connection surface the engine drives. Satisfied by
// *transport.Client.
type Transport interface {
	Send(ctx context.Context, msg any) error
	Events() <-chan transport.Notification
	Connected() bool
}

// Config wires the engine's collaborators.
type Config struct {
	Store     *store.Store
	Queue     *queue.Queue
	Cache     *cache.Cache
	Keys      *keyring.Keyring
	Transport Transport
	Logger    *slog.Logger

	DeviceName     string
	FlushInterval  time.Duration
	MaxSyncRetries int

	// OnEvent, when set, receives UI notifications. Called from the
	// engine goroutine; must not block.
	OnEvent func(Event)
}

// Engine is the sync orchestrator. All state transitions and all
// applications of server events happen on the Run goroutine; local
// mutations write to the store from their caller and nudge the loop.
type Engine struct {
	store  *store.Store
	queue  *queue.Queue
	cache  *cache.Cache
	keys   *keyring.Keyring
	tr     Transport
	logger *slog.Logger

	deviceName     string
	flushInterval  time.Duration
	maxSyncRetries int
	onEvent        func(Event)

	stateMu sync.RWMutex
	state   State

	// flushCh nudges the loop to attempt a queue flush. Buffered with
	// size 1 so repeated nudges coalesce.
	flushCh chan struct{}

	// Loop-local fields, touched only from Run.
	manifestRetries  int
	pendingConflicts map[string][]byte // chatID -> discarded local draft ciphertext
	pendingBatches   map[string]struct{}
	inflightOps      map[string]*models.PendingOperation
}

// New creates an engine; Run must be started for synchronization to occur.
func New(cfg Config) *Engine {
	return &Engine{
		store:            cfg.Store,
		queue:            cfg.Queue,
		cache:            cfg.Cache,
		keys:             cfg.Keys,
		tr:               cfg.Transport,
		logger:           cfg.Logger,
		deviceName:       cfg.DeviceName,
		flushInterval:    cfg.FlushInterval,
		maxSyncRetries:   cfg.MaxSyncRetries,
		onEvent:          cfg.OnEvent,
		state:            StateIdle,
		flushCh:          make(chan struct{}, 1),
		pendingConflicts: make(map[string][]byte),
		pendingBatches:   make(map[string]struct{}),
		inflightOps:      make(map[string]*models.PendingOperation),
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	old := e.state
	e.state = s
	e.stateMu.Unlock()

	if old != s {
		e.logger.Info("Sync state changed", "from", old.String(), "to", s.String())
	}
}

func (e *Engine) notify(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// Run is the engine event loop. It consumes transport notifications,
// periodic flush ticks, and mutation nudges until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-e.tr.Events():
			if !ok {
				return errors.New("transport event stream closed")
			}
			e.handleNotification(ctx, n)

		case <-e.flushCh:
			e.maybeFlush(ctx)

		case <-ticker.C:
			e.maybeFlush(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) handleNotification(ctx context.Context, n transport.Notification) {
	switch n := n.(type) {
	case transport.ConnectionUp:
		e.handleConnected(ctx)

	case transport.ConnectionDown:
		e.setState(StateIdle)
		e.pendingBatches = make(map[string]struct{})
		e.inflightOps = make(map[string]*models.PendingOperation)

	case transport.Inbound:
		if err := e.handleEvent(ctx, n.Event); err != nil {
			e.logger.Warn("Failed to handle server event",
				"kind", n.Event.EventKind(), "error", err)
		}
	}
}

// handleConnected announces the device and enters cache priming. The
// server replies with CachePrimed once its session cache is warm.
func (e *Engine) handleConnected(ctx context.Context) {
	e.setState(StateCachePriming)
	e.manifestRetries = 0

	var cursor store.SyncCursor
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		cursor, err = tx.GetCursor()
		return err
	})
	if err != nil {
		e.logger.Error("Failed to load sync cursor", "error", err)
		cursor = store.SyncCursor{Initial: true}
	}

	ready := wire.NewSignalReady(e.deviceName, e.keys.MasterKeyHash(), cursor.Version, cursor.Initial)
	if err := e.tr.Send(ctx, ready); err != nil {
		e.logger.Warn("Failed to send ready signal", "error", err)
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev wire.Event) error {
	switch ev := ev.(type) {
	case *wire.CachePrimed:
		return e.handleCachePrimed(ctx)
	case *wire.InitialSyncResponse:
		return e.handleManifest(ctx, ev)
	case *wire.ContentBatchResponse:
		return e.handleContentBatch(ev)
	case *wire.DraftUpdated:
		return e.handleDraftUpdated(ev)
	case *wire.TitleUpdated:
		return e.handleTitleUpdated(ev)
	case *wire.MessageAppended:
		return e.handleMessageAppended(ev)
	case *wire.ConversationDeleted:
		return e.handleConversationDeleted(ev)
	case *wire.DraftConflict:
		return e.beginConflictResolution(ctx, ev.ChatID)
	case *wire.ConversationState:
		return e.handleConversationState(ev)
	case *wire.OfflineSyncComplete:
		return e.handleOfflineSyncComplete(ctx, ev)
	case *wire.OpAck:
		return e.handleOpAck(ev)
	case *wire.OpRejected:
		return e.handleOpRejected(ctx, ev)
	default:
		e.logger.Debug("Ignoring unhandled event", "kind", ev.EventKind())
		return nil
	}
}

func (e *Engine) handleCachePrimed(ctx context.Context) error {
	if e.State() != StateCachePriming {
		e.logger.Debug("CachePrimed outside priming state, ignoring")
		return nil
	}

	e.setState(StateInitialSync)
	return e.tr.Send(ctx, wire.NewRequestManifest())
}

// maybeFlush replays the offline queue when the engine is in a state
// that allows sending. A non-empty queue moves the engine through a
// reconciling pass.
func (e *Engine) maybeFlush(ctx context.Context) {
	st := e.State()
	if st != StateSteady && st != StateReconciling {
		return
	}
	if !e.tr.Connected() {
		return
	}

	n, err := e.queue.Len()
	if err != nil {
		e.logger.Error("Failed to read queue length", "error", err)
		return
	}
	if n == 0 {
		return
	}

	e.setState(StateReconciling)

	result, err := e.queue.Flush(ctx, e.sendOperation)
	for _, dropped := range result.Dropped {
		e.notify(OperationFailed{
			OpID:     dropped.ID,
			Kind:     dropped.Kind,
			EntityID: dropped.EntityID,
			Reason:   syncerrors.ErrRetryExhausted.Error(),
		})
	}

	switch {
	case err == nil:
		e.setState(StateSteady)
		e.notify(SyncComplete{})
	case errors.Is(err, syncerrors.ErrFlushInProgress):
		// A concurrent pass is already running; it owns the state.
	case errors.Is(err, syncerrors.ErrTransportUnavailable):
		e.logger.Debug("Flush halted, transport unavailable")
	default:
		e.logger.Warn("Flush halted", "error", err, "sent", result.Sent)
	}
}

// nudgeFlush asks the loop to attempt a flush soon.
func (e *Engine) nudgeFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) conversationKey(conv *models.Conversation) ([]byte, error) {
	key, err := e.keys.ConversationKey(conv.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key for conversation %s: %w", conv.ID, err)
	}

	return key, nil
}

// decryptView is the cache's decrypt callback.
func (e *Engine) decryptView(conv *models.Conversation) (*models.ConversationView, error) {
	key, err := e.conversationKey(conv)
	if err != nil {
		return nil, err
	}

	view := &models.ConversationView{
		ID:         conv.ID,
		MessagesV:  conv.MessagesV,
		TitleV:     conv.TitleV,
		DraftV:     conv.DraftV,
		LastEdited: conv.LastEdited,
	}

	for _, field := range []struct {
		blob []byte
		dst  *string
	}{
		{conv.Title, &view.Title},
		{conv.Draft, &view.Draft},
		{conv.Meta, &view.Meta},
	} {
		if len(field.blob) == 0 {
			continue
		}
		plaintext, err := keyring.Open(key, field.blob)
		if err != nil {
			return nil, err
		}
		*field.dst = string(plaintext)
	}

	return view, nil
}
