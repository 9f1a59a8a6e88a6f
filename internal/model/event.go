package model

import "time"

type EventType string

const (
	EventCreate EventType = "CREATE"
	EventWrite  EventType = "WRITE"
	EventRemove EventType = "REMOVE"
	EventRename EventType = "RENAME"
)

// FileEvent is a raw change notification from the watcher. RENAME carries
// the old path only; the new path arrives as a separate CREATE.
type FileEvent struct {
	Type      EventType
	Path      string
	Timestamp time.Time
}

// Deleting returns true for event types that must propagate immediately,
// skipping the debounce window.
func (e FileEvent) Deleting() bool {
	return e.Type == EventRemove || e.Type == EventRename
}

type SyncReason string

const (
	ReasonEvent  SyncReason = "EVENT"
	ReasonResync SyncReason = "RESYNC"
)

// SyncIntention asks the dispatcher to mirror one path. Version is the
// debouncer's per-path event counter; it is informational (logging,
// diagnostics) and not an ordering key, because the dispatcher keeps its
// own per-path counter that also covers resyncs.
type SyncIntention struct {
	Path    string
	Version int64
	Reason  SyncReason
}

type SyncResult struct {
	Path     string
	Version  int64
	Reason   SyncReason
	Attempts int
	Err      error
}
