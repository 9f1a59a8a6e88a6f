package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"dirsynch/internal/logger"
	"dirsynch/internal/model"
	"dirsynch/internal/pipeline"
	"dirsynch/internal/transfer"
)

type Options struct {
	Workers          int
	TransferTimeout  time.Duration
	ShutdownGrace    time.Duration
	RetryInitial     time.Duration
	RetryMultiplier  float64
	RetryMaxInterval time.Duration
	// RetryMaxAttempts of 0 retries forever at the capped interval.
	RetryMaxAttempts int
}

// Dispatcher executes sync intentions against the transfer executor.
// It serializes transfers per path, bounds global concurrency with a
// worker pool, and retries failures with exponential backoff. A transfer
// failure is never fatal: the path stays in its own retry loop and other
// paths keep syncing.
type Dispatcher struct {
	executor transfer.Executor
	root     string
	rules    *pipeline.Rules
	opts     Options

	mu     sync.Mutex
	states map[string]*pathState
	ready  []string

	wake     chan struct{}
	resultCh chan model.SyncResult

	ctx    context.Context
	cancel context.CancelFunc

	transferCtx    context.Context
	transferCancel context.CancelFunc

	wg sync.WaitGroup
}

func New(executor transfer.Executor, root string, rules *pipeline.Rules, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	transferCtx, transferCancel := context.WithCancel(context.Background())

	return &Dispatcher{
		executor:       executor,
		root:           root,
		rules:          rules,
		opts:           opts,
		states:         make(map[string]*pathState),
		wake:           make(chan struct{}, 1),
		resultCh:       make(chan model.SyncResult, 64),
		ctx:            ctx,
		cancel:         cancel,
		transferCtx:    transferCtx,
		transferCancel: transferCancel,
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	logger.Log.Info("dispatcher started",
		zap.Int("workers", d.opts.Workers))
}

// Run consumes sync intentions until the channel closes. The returned
// channel closes once every intention has been enqueued, so shutdown can
// wait for the debouncer's final flush to land.
func (d *Dispatcher) Run(inCh <-chan model.SyncIntention) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for intention := range inCh {
			d.Enqueue(intention)
		}
	}()
	return done
}

func (d *Dispatcher) Results() <-chan model.SyncResult {
	return d.resultCh
}

// Enqueue records an intention for a path. The dispatcher keeps its own
// per-path version counter and bumps it on every intention; the version
// carried by the intention is informational only, since the debouncer's
// counters restart per path and cannot be compared against resync bumps.
// If the path is already syncing the follow-up is scheduled when the
// in-flight transfer completes. A path waiting on a retry timer is
// re-queued immediately.
func (d *Dispatcher) Enqueue(intention model.SyncIntention) {
	d.mu.Lock()

	st := d.state(intention.Path)
	st.pendingVersion++
	st.reason = intention.Reason

	if st.phase == phaseSyncing || st.queued {
		d.mu.Unlock()
		return
	}

	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}

	st.queued = true
	d.ready = append(d.ready, intention.Path)
	d.mu.Unlock()

	d.signalWake()
}

// Resync enumerates the watch root's top-level entries and enqueues an
// intention per non-excluded entry, repairing drift from missed events.
func (d *Dispatcher) Resync() int {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		logger.Log.Error("resync failed to enumerate watch root",
			zap.String("root", d.root),
			zap.Error(err))
		return 0
	}

	enqueued := 0
	for _, entry := range entries {
		path := filepath.Join(d.root, entry.Name())
		if d.rules.Excluded(path) {
			continue
		}

		d.Enqueue(model.SyncIntention{Path: path, Reason: model.ReasonResync})
		enqueued++
	}

	logger.Log.Info("full resync enqueued",
		zap.Int("paths", enqueued))
	return enqueued
}

// Stop lets in-flight transfers finish within the grace period, then
// aborts them, and closes the results channel.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.signalWake()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	grace := d.opts.ShutdownGrace
	if grace <= 0 {
		grace = time.Second
	}

	select {
	case <-done:
	case <-time.After(grace):
		logger.Log.Warn("grace period expired, aborting in-flight transfers")
		d.transferCancel()
		<-done
	}

	d.mu.Lock()
	for _, st := range d.states {
		if st.retryTimer != nil {
			st.retryTimer.Stop()
			st.retryTimer = nil
		}
	}
	d.mu.Unlock()

	close(d.resultCh)
	logger.Log.Info("dispatcher stopped")
}

// state returns the entry for path, creating it if needed. Callers hold mu.
func (d *Dispatcher) state(path string) *pathState {
	st, exists := d.states[path]
	if !exists {
		st = newPathState(d.opts.RetryInitial, d.opts.RetryMultiplier, d.opts.RetryMaxInterval)
		d.states[path] = st
	}
	return st
}

func (d *Dispatcher) signalWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		path, ok := d.next()
		if !ok {
			return
		}
		d.process(path)
	}
}

// next pops the oldest ready path and transitions it to SYNCING.
func (d *Dispatcher) next() (string, bool) {
	for {
		d.mu.Lock()
		if len(d.ready) > 0 {
			path := d.ready[0]
			d.ready = d.ready[1:]
			more := len(d.ready) > 0

			st := d.states[path]
			st.queued = false
			st.phase = phaseSyncing
			st.inflightVersion = st.pendingVersion
			d.mu.Unlock()

			if more {
				d.signalWake()
			}
			return path, true
		}
		d.mu.Unlock()

		select {
		case <-d.ctx.Done():
			return "", false
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) process(path string) {
	d.mu.Lock()
	st := d.states[path]
	version := st.inflightVersion
	reason := st.reason
	d.mu.Unlock()

	// the path may have been renamed into an excluded subtree since
	// detection; re-check before touching the transport
	if d.rules.Excluded(path) {
		d.mu.Lock()
		st.lastSyncedVersion = version
		st.phase = phaseIdle
		d.mu.Unlock()

		logger.Log.Debug("path excluded at dispatch time, skipping",
			zap.String("path", path))
		return
	}

	ctx := d.transferCtx
	if d.opts.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.TransferTimeout)
		defer cancel()
	}

	err := d.executor.Sync(ctx, path)

	if err == nil {
		d.finishSuccess(path, st, version, reason)
	} else {
		d.finishFailure(path, st, version, reason, err)
	}
}

func (d *Dispatcher) finishSuccess(path string, st *pathState, version int64, reason model.SyncReason) {
	d.mu.Lock()
	st.attempts++
	attempts := st.attempts
	st.attempts = 0
	st.retry.Reset()
	st.lastSyncedVersion = version
	st.phase = phaseIdle

	requeue := st.pendingVersion > st.lastSyncedVersion
	if requeue && !st.queued {
		st.queued = true
		d.ready = append(d.ready, path)
	}
	d.mu.Unlock()

	if requeue {
		d.signalWake()
		logger.Log.Debug("newer version pending, re-queued",
			zap.String("path", path))
	}

	logger.Log.Info("synced",
		zap.String("path", path),
		zap.Int64("version", version),
		zap.Int("attempts", attempts))

	d.emit(model.SyncResult{Path: path, Version: version, Reason: reason, Attempts: attempts})
}

func (d *Dispatcher) finishFailure(path string, st *pathState, version int64, reason model.SyncReason, err error) {
	d.mu.Lock()
	st.attempts++
	attempts := st.attempts
	st.phase = phaseIdle

	gaveUp := d.opts.RetryMaxAttempts > 0 && attempts >= d.opts.RetryMaxAttempts

	var delay time.Duration
	if !gaveUp {
		delay = st.retry.NextBackOff()
		if delay == backoff.Stop {
			delay = d.opts.RetryMaxInterval
		}
		st.retryTimer = time.AfterFunc(delay, func() {
			d.retryFire(path)
		})
	} else {
		st.attempts = 0
		st.retry.Reset()
	}
	d.mu.Unlock()

	if gaveUp {
		logger.Log.Error("giving up on path after max attempts",
			zap.String("path", path),
			zap.Int("attempts", attempts),
			zap.Error(err))
	} else {
		logger.Log.Warn("transfer failed, will retry",
			zap.String("path", path),
			zap.Int("attempts", attempts),
			zap.Duration("next_retry_in", delay),
			zap.Error(err))
	}

	d.emit(model.SyncResult{Path: path, Version: version, Reason: reason, Attempts: attempts, Err: err})
}

func (d *Dispatcher) retryFire(path string) {
	d.mu.Lock()
	st, exists := d.states[path]
	if !exists || st.phase == phaseSyncing || st.queued {
		d.mu.Unlock()
		return
	}

	st.retryTimer = nil
	st.queued = true
	d.ready = append(d.ready, path)
	d.mu.Unlock()

	d.signalWake()
}

func (d *Dispatcher) emit(result model.SyncResult) {
	select {
	case d.resultCh <- result:
	case <-d.ctx.Done():
		// shutting down with no consumer left; drop rather than block
		select {
		case d.resultCh <- result:
		default:
		}
	}
}
