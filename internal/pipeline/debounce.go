package pipeline

import (
	"time"

	"dirsynch/internal/model"
)

// Debouncer coalesces bursts of events per path into single sync
// intentions. Each event restarts the path's window timer; the first
// event also fixes a hard deadline (MaxDelay) after which the intention
// is emitted even if events keep arriving, bounding staleness.
// Remove and rename events bypass the window entirely.
type Debouncer struct {
	Window   time.Duration
	MaxDelay time.Duration
}

func NewDebouncer(window, maxDelay time.Duration) *Debouncer {
	if maxDelay < window {
		maxDelay = window
	}
	return &Debouncer{Window: window, MaxDelay: maxDelay}
}

type firing struct {
	path string
	seq  uint64
}

type pending struct {
	timer    *time.Timer
	deadline time.Time
	version  int64
	seq      uint64
}

func (d *Debouncer) Run(inCh <-chan model.FileEvent) <-chan model.SyncIntention {
	outCh := make(chan model.SyncIntention, cap(inCh))

	go func() {
		defer close(outCh)

		versions := make(map[string]int64)
		waiting := make(map[string]*pending)
		firedCh := make(chan firing, 64)
		var seq uint64

		emit := func(path string, version int64) {
			outCh <- model.SyncIntention{
				Path:    path,
				Version: version,
				Reason:  model.ReasonEvent,
			}
		}

		for {
			select {
			case event, ok := <-inCh:
				if !ok {
					// flush whatever is still waiting
					for path, p := range waiting {
						p.timer.Stop()
						emit(path, p.version)
					}
					return
				}

				path := event.Path
				versions[path]++
				version := versions[path]

				if event.Deleting() {
					if p, exists := waiting[path]; exists {
						p.timer.Stop()
						delete(waiting, path)
					}
					emit(path, version)
					continue
				}

				p, exists := waiting[path]
				if !exists {
					p = &pending{deadline: time.Now().Add(d.MaxDelay)}
					waiting[path] = p
				} else {
					p.timer.Stop()
				}

				p.version = version
				seq++
				p.seq = seq

				delay := d.Window
				if remaining := time.Until(p.deadline); remaining < delay {
					delay = max(remaining, 0)
				}

				fire := firing{path: path, seq: seq}
				p.timer = time.AfterFunc(delay, func() {
					firedCh <- fire
				})

			case fired := <-firedCh:
				p, exists := waiting[fired.path]
				if !exists || p.seq != fired.seq {
					// superseded by a newer event's timer
					continue
				}

				delete(waiting, fired.path)
				emit(fired.path, p.version)
			}
		}
	}()

	return outCh
}
