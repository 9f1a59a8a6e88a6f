package daemon

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"dirsynch/internal/config"
	"dirsynch/internal/dispatch"
	"dirsynch/internal/logger"
	"dirsynch/internal/pipeline"
	"dirsynch/internal/repository"
	"dirsynch/internal/transfer"
	"dirsynch/internal/watcher"
)

// Daemon wires the pipeline together: watcher -> filter -> debouncer ->
// dispatcher -> executor, with the control server on the side.
type Daemon struct {
	cfg        *config.Config
	src        string
	dst        string
	rules      *pipeline.Rules
	executor   transfer.Executor
	watcher    *watcher.Watcher
	dispatcher *dispatch.Dispatcher
	debouncer  *pipeline.Debouncer
	hist       *repository.HistoryRepository
	state      *RunState
	server     *Server

	stopCh     chan struct{}
	overflow   <-chan struct{}
	intakeDone <-chan struct{}
	resultDone chan struct{}
}

func New(cfg *config.Config, src, dst string, executor transfer.Executor, rules *pipeline.Rules) (*Daemon, error) {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return nil, fmt.Errorf("invalid src path: %w", err)
	}

	w, err := watcher.New(cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(executor, absSrc, rules, dispatch.Options{
		Workers:          cfg.Workers,
		TransferTimeout:  cfg.TransferTimeout,
		ShutdownGrace:    cfg.ShutdownGrace,
		RetryInitial:     cfg.RetryInitial,
		RetryMultiplier:  cfg.RetryMultiplier,
		RetryMaxInterval: cfg.RetryMaxInterval,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
	})

	d := &Daemon{
		cfg:        cfg,
		src:        absSrc,
		dst:        dst,
		rules:      rules,
		executor:   executor,
		watcher:    w,
		dispatcher: dispatcher,
		debouncer:  pipeline.NewDebouncer(cfg.DebounceWindow, cfg.DebounceMaxDelay),
		hist:       repository.NewHistoryRepository(),
		state:      NewRunState(absSrc, dst),
		stopCh:     make(chan struct{}),
		overflow:   w.Overflow(),
		resultDone: make(chan struct{}),
	}
	d.server = NewServer(d, cfg.StatusPort)

	return d, nil
}

// Start performs the initial full mirror, then begins watching.
func (d *Daemon) Start(ctx context.Context) error {
	logger.Log.Info("initial full sync",
		zap.String("src", d.src),
		zap.String("dst", d.dst))

	if err := d.executor.SyncAll(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if err := d.watcher.Watch(d.src); err != nil {
		return err
	}

	d.dispatcher.Start()

	filtered := pipeline.Filter(d.watcher.Events(), d.rules)
	intentions := d.debouncer.Run(filtered)
	d.intakeDone = d.dispatcher.Run(intentions)

	go d.consumeResults()
	go d.watchOverflow()

	d.server.Start()

	logger.Log.Info("dirsynch daemon started",
		zap.String("src", d.src),
		zap.String("dst", d.dst),
		zap.Int("port", d.cfg.StatusPort))

	return nil
}

func (d *Daemon) consumeResults() {
	defer close(d.resultDone)

	for result := range d.dispatcher.Results() {
		d.state.RecordSync(result)

		if err := d.hist.Save(result); err != nil {
			logger.Log.Warn("failed to save history",
				zap.Error(err))
		}
	}
}

func (d *Daemon) watchOverflow() {
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.overflow:
			d.state.RecordOverflow()
			logger.Log.Warn("watch overflow, running full resync")
			d.Resync()
		}
	}
}

// Resync asks the dispatcher for a full-tree pass.
func (d *Daemon) Resync() int {
	d.state.RecordResync()
	return d.dispatcher.Resync()
}

func (d *Daemon) Snapshot() Snapshot {
	return d.state.Snapshot()
}

// StopRequested fires when a stop arrives via the control API.
func (d *Daemon) StopRequested() <-chan struct{} {
	return d.server.StopCh()
}

// Stop drains the pipeline front to back: stop ingestion, flush the
// debouncer, then let the dispatcher finish within its grace period.
func (d *Daemon) Stop(ctx context.Context) error {
	close(d.stopCh)

	d.watcher.Stop()
	if d.intakeDone != nil {
		<-d.intakeDone
	}

	d.dispatcher.Stop()
	<-d.resultDone

	return d.server.Stop(ctx)
}
