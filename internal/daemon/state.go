package daemon

import (
	"sync"
	"time"

	"dirsynch/internal/model"
)

type RunState struct {
	mu        sync.RWMutex
	src       string
	dst       string
	startedAt time.Time
	synced    int
	failed    int
	retries   int
	overflows int
	resyncs   int
	lastSync  *time.Time
}

type Snapshot struct {
	Src       string     `json:"src"`
	Dst       string     `json:"dst"`
	StartedAt time.Time  `json:"started_at"`
	Synced    int        `json:"synced"`
	Failed    int        `json:"failed"`
	Retries   int        `json:"retries"`
	Overflows int        `json:"overflows"`
	Resyncs   int        `json:"resyncs"`
	LastSync  *time.Time `json:"last_sync"`
}

func NewRunState(src, dst string) *RunState {
	return &RunState{
		src:       src,
		dst:       dst,
		startedAt: time.Now(),
	}
}

func (s *RunState) RecordSync(result model.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.lastSync = &now

	if result.Err != nil {
		s.failed++
		s.retries++
	} else {
		s.synced++
	}
}

func (s *RunState) RecordOverflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overflows++
}

func (s *RunState) RecordResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncs++
}

func (s *RunState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Src:       s.src,
		Dst:       s.dst,
		StartedAt: s.startedAt,
		Synced:    s.synced,
		Failed:    s.failed,
		Retries:   s.retries,
		Overflows: s.overflows,
		Resyncs:   s.resyncs,
		LastSync:  s.lastSync,
	}
}
