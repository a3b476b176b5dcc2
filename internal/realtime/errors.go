package realtime

import "errors"

// Failure taxonomy for the sync core. Nothing here is fatal to the
// process; every failure degrades to a scope showing stale or no data.
var (
	// ErrScopeInvalid means a required selector is missing; the surface
	// shows the "select criteria" placeholder.
	ErrScopeInvalid = errors.New("scope invalid: missing required selector")

	// ErrSnapshotLoadFailed means the initial query failed; the scope stays
	// Idle and the user gets a retry affordance.
	ErrSnapshotLoadFailed = errors.New("snapshot load failed")

	// ErrSubscribeFailed means the live subscription could not be opened;
	// the scope stays Idle and the user gets a retry affordance.
	ErrSubscribeFailed = errors.New("subscribe failed")

	// ErrSendFailed means an outgoing message was not accepted; the draft
	// stays in the composer and the failure is surfaced once.
	ErrSendFailed = errors.New("send failed")
)
