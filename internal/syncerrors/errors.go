// Package syncerrors defines the failure taxonomy shared across the
// sync engine. Callers dispatch on these sentinels with errors.Is.
package syncerrors

import "errors"

// Cryptographic errors.
var (
	// ErrKeyMismatch is returned when an unwrap fails authentication,
	// e.g. attempting to unwrap a conversation key with the wrong
	// device key. Expected and recoverable; never fatal.
	ErrKeyMismatch = errors.New("key mismatch")
)

// Storage errors.
var (
	ErrTransactionFailed = errors.New("local store transaction failed")
	ErrNotFound          = errors.New("entity not found")
	ErrMessageImmutable  = errors.New("message is synced and immutable")
)

// Transport/concurrency errors.
var (
	// ErrTransportUnavailable signals an offline period. Mutations hit
	// the offline queue instead; this is never surfaced to the user.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrVersionConflict is the optimistic-concurrency rejection signal
	// from the remote authority. Routed to the conflict resolver.
	ErrVersionConflict = errors.New("version conflict")

	// ErrRetryExhausted means a queued operation exceeded its retry
	// budget and was dropped. Always surfaced, never silent.
	ErrRetryExhausted = errors.New("retry limit exhausted")

	// ErrFlushInProgress is returned when a queue flush is requested
	// while another flush is still running.
	ErrFlushInProgress = errors.New("flush already in progress")
)
