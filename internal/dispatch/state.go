package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"dirsynch/internal/model"
)

type phase int

const (
	phaseIdle phase = iota
	phaseSyncing
)

// pathState tracks one path's position in the
// IDLE -> SYNCING -> (IDLE | retry) machine. All fields are owned by the
// dispatcher mutex; at most one transfer is ever in flight per path.
// The version counters are the dispatcher's own: pendingVersion grows by
// one per enqueued intention, so pendingVersion > lastSyncedVersion
// exactly when an unsynced change or resync demand is outstanding.
type pathState struct {
	phase             phase
	queued            bool
	pendingVersion    int64
	inflightVersion   int64
	lastSyncedVersion int64
	attempts          int
	reason            model.SyncReason
	retry             *backoff.ExponentialBackOff
	retryTimer        *time.Timer
}

func newPathState(initial time.Duration, multiplier float64, maxInterval time.Duration) *pathState {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = multiplier
	b.MaxInterval = maxInterval
	// retrying never expires; the interval just stays at the cap
	b.MaxElapsedTime = 0
	b.Reset()

	return &pathState{reason: model.ReasonEvent, retry: b}
}
