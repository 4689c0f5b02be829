package engine

import "github.com/halcyonchat/chatsync/internal/models"

// Event is a notification delivered to the UI boundary via the OnEvent
// callback. Callbacks run on the engine goroutine and must not block.
type Event interface {
	event()
}

// ConversationUpdated reports that a conversation's stored state
// changed and any rendered view of it should refresh.
type ConversationUpdated struct {
	ChatID string
}

// SyncComplete reports that the engine reached steady state with the
// offline queue drained.
type SyncComplete struct{}

// SyncIncomplete reports that initial sync gave up after its retry
// budget; cached state is served but may be stale.
type SyncIncomplete struct{}

// ConflictDetected reports that a local edit lost to another device.
// The local version was replaced by the authoritative one; Patch is a
// text patch from the discarded draft to the authoritative draft, for
// display so the user can re-apply what they lost.
type ConflictDetected struct {
	ChatID string
	Patch  string
}

// OperationFailed reports a queued operation that was permanently
// rejected or exhausted its retry budget.
type OperationFailed struct {
	OpID     string
	Kind     models.OperationKind
	EntityID string
	Reason   string
}

// IdentityPromoted reports that a locally created conversation received
// its durable server-assigned identifier.
type IdentityPromoted struct {
	TempID    string
	DurableID string
}

func (ConversationUpdated) event() {}
func (SyncComplete) event()        {}
func (SyncIncomplete) event()      {}
func (ConflictDetected) event()    {}
func (OperationFailed) event()     {}
func (IdentityPromoted) event()    {}

// State is the engine lifecycle state.
type State int

const (
	// StateIdle means no live connection; reads are served from local
	// state and writes are queued.
	StateIdle State = iota
	// StateCachePriming means the connection is up and the server is
	// warming its session cache.
	StateCachePriming
	// StateInitialSync means the manifest was requested and is being
	// applied.
	StateInitialSync
	// StateSteady means local state matches the authority and live
	// broadcasts are being applied.
	StateSteady
	// StateReconciling means queued offline changes are being replayed.
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCachePriming:
		return "cache_priming"
	case StateInitialSync:
		return "initial_sync"
	case StateSteady:
		return "steady"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}
