package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dirsynch/internal/model"
	"dirsynch/internal/pipeline"
)

// mockExecutor counts invocations and tracks how many transfers run
// concurrently, so tests can assert the pool bound and the
// one-transfer-per-path invariant.
type mockExecutor struct {
	mu        sync.Mutex
	calls     []string
	failures  map[string]int
	delay     time.Duration
	gate      chan struct{}
	inflight  atomic.Int32
	maxSeen   atomic.Int32
	perPath   map[string]int
	perPathHi int
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		failures: make(map[string]int),
		perPath:  make(map[string]int),
	}
}

func (m *mockExecutor) Sync(ctx context.Context, path string) error {
	cur := m.inflight.Add(1)
	for {
		seen := m.maxSeen.Load()
		if cur <= seen || m.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	defer m.inflight.Add(-1)

	m.mu.Lock()
	m.calls = append(m.calls, path)
	m.perPath[path]++
	if m.perPath[path] > m.perPathHi {
		m.perPathHi = m.perPath[path]
	}
	remaining := m.failures[path]
	if remaining > 0 {
		m.failures[path] = remaining - 1
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.perPath[path]--
		m.mu.Unlock()
	}()

	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if remaining > 0 {
		return errors.New("transfer failed")
	}
	return nil
}

func (m *mockExecutor) SyncAll(ctx context.Context) error {
	return nil
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockExecutor) maxPerPath() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perPathHi
}

func noRules(t *testing.T) *pipeline.Rules {
	t.Helper()
	rules, err := pipeline.NewRules(nil, pipeline.MatchSubstring)
	require.NoError(t, err)
	return rules
}

func testOptions(workers int) Options {
	return Options{
		Workers:          workers,
		TransferTimeout:  time.Second,
		ShutdownGrace:    2 * time.Second,
		RetryInitial:     10 * time.Millisecond,
		RetryMultiplier:  2.0,
		RetryMaxInterval: 50 * time.Millisecond,
	}
}

func awaitResult(t *testing.T, d *Dispatcher, within time.Duration) model.SyncResult {
	t.Helper()
	select {
	case result, ok := <-d.Results():
		require.True(t, ok, "results channel closed early")
		return result
	case <-time.After(within):
		t.Fatalf("no result within %s", within)
		return model.SyncResult{}
	}
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	executor := newMockExecutor()
	executor.failures["/p/a.txt"] = 3

	d := New(executor, t.TempDir(), noRules(t), testOptions(2))
	d.Start()
	defer d.Stop()

	d.Enqueue(model.SyncIntention{Path: "/p/a.txt", Version: 1, Reason: model.ReasonEvent})

	var results []model.SyncResult
	for {
		result := awaitResult(t, d, 2*time.Second)
		results = append(results, result)
		if result.Err == nil {
			break
		}
	}

	require.Len(t, results, 4, "3 failures then 1 success")
	for i, result := range results[:3] {
		assert.Error(t, result.Err)
		assert.Equal(t, i+1, result.Attempts)
	}
	assert.NoError(t, results[3].Err)
	assert.Equal(t, 4, results[3].Attempts)
	assert.Equal(t, 1, executor.maxPerPath(), "never two concurrent transfers for the same path")
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	executor := newMockExecutor()
	executor.failures["/p/a.txt"] = 100

	opts := testOptions(1)
	opts.RetryMaxAttempts = 2

	d := New(executor, t.TempDir(), noRules(t), opts)
	d.Start()
	defer d.Stop()

	d.Enqueue(model.SyncIntention{Path: "/p/a.txt", Version: 1, Reason: model.ReasonEvent})

	first := awaitResult(t, d, time.Second)
	assert.Error(t, first.Err)
	second := awaitResult(t, d, time.Second)
	assert.Error(t, second.Err)
	assert.Equal(t, 2, second.Attempts)

	// no further attempts after giving up
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, executor.callCount())
}

func TestDispatcher_ConcurrencyBound(t *testing.T) {
	executor := newMockExecutor()
	executor.delay = 80 * time.Millisecond

	d := New(executor, t.TempDir(), noRules(t), testOptions(2))
	d.Start()
	defer d.Stop()

	paths := []string{"/p/a", "/p/b", "/p/c", "/p/d", "/p/e", "/p/f"}
	for _, path := range paths {
		d.Enqueue(model.SyncIntention{Path: path, Version: 1, Reason: model.ReasonEvent})
	}

	done := map[string]bool{}
	for range paths {
		result := awaitResult(t, d, 3*time.Second)
		require.NoError(t, result.Err)
		done[result.Path] = true
	}

	assert.Len(t, done, len(paths))
	assert.LessOrEqual(t, executor.maxSeen.Load(), int32(2), "worker pool bound exceeded")
}

func TestDispatcher_SupersedesPendingVersion(t *testing.T) {
	executor := newMockExecutor()
	executor.gate = make(chan struct{})

	d := New(executor, t.TempDir(), noRules(t), testOptions(2))
	d.Start()
	defer d.Stop()

	d.Enqueue(model.SyncIntention{Path: "/p/a.txt", Version: 1, Reason: model.ReasonEvent})

	// wait for the transfer to be in flight, then pile up two newer versions
	require.Eventually(t, func() bool {
		return executor.inflight.Load() == 1
	}, time.Second, 5*time.Millisecond)

	d.Enqueue(model.SyncIntention{Path: "/p/a.txt", Version: 2, Reason: model.ReasonEvent})
	d.Enqueue(model.SyncIntention{Path: "/p/a.txt", Version: 3, Reason: model.ReasonEvent})

	executor.gate <- struct{}{} // finish v1
	first := awaitResult(t, d, time.Second)
	assert.Equal(t, int64(1), first.Version)

	executor.gate <- struct{}{} // finish the coalesced follow-up
	second := awaitResult(t, d, time.Second)
	assert.Equal(t, int64(3), second.Version, "follow-up covers the latest version")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, executor.callCount(), "versions 2 and 3 coalesce into one follow-up")
	assert.Equal(t, 1, executor.maxPerPath())
}

func TestDispatcher_Resync(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "build", "out.o"), []byte("o"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0644))

	rules, err := pipeline.NewRules([]string{"build"}, pipeline.MatchSubstring)
	require.NoError(t, err)

	executor := newMockExecutor()
	d := New(executor, root, rules, testOptions(2))
	d.Start()
	defer d.Stop()

	enqueued := d.Resync()
	assert.Equal(t, 2, enqueued)

	done := map[string]bool{}
	for i := 0; i < enqueued; i++ {
		result := awaitResult(t, d, time.Second)
		require.NoError(t, result.Err)
		assert.Equal(t, model.ReasonResync, result.Reason)
		done[result.Path] = true
	}

	assert.True(t, done[filepath.Join(root, "a.txt")])
	assert.True(t, done[filepath.Join(root, "b.txt")])
	assert.False(t, done[filepath.Join(root, "build")], "excluded entry must not be resynced")
}

func TestDispatcher_ResyncRepeatsForSyncedPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))

	executor := newMockExecutor()
	d := New(executor, root, noRules(t), testOptions(1))
	d.Start()
	defer d.Stop()

	require.Equal(t, 1, d.Resync())
	require.NoError(t, awaitResult(t, d, time.Second).Err)

	// a second resync must run again even though nothing changed
	require.Equal(t, 1, d.Resync())
	require.NoError(t, awaitResult(t, d, time.Second).Err)

	assert.Equal(t, 2, executor.callCount())
}

func TestDispatcher_RecheckFilterAtDispatch(t *testing.T) {
	rules, err := pipeline.NewRules([]string{"secret"}, pipeline.MatchSubstring)
	require.NoError(t, err)

	executor := newMockExecutor()
	d := New(executor, t.TempDir(), rules, testOptions(1))
	d.Start()
	defer d.Stop()

	// an event filtered before a rename into an excluded subtree would
	// still reach the dispatcher under its new path
	d.Enqueue(model.SyncIntention{Path: "/p/secret/key", Version: 1, Reason: model.ReasonEvent})

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, executor.callCount(), "excluded path must never reach the executor")
}

func TestDispatcher_EventAfterResyncStillSyncs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))

	executor := newMockExecutor()
	d := New(executor, root, noRules(t), testOptions(1))
	d.Start()
	defer d.Stop()

	require.Equal(t, 1, d.Resync())
	require.NoError(t, awaitResult(t, d, time.Second).Err)

	// the debouncer restarts its counters at 1 per path; a first change
	// after a resync must still be mirrored
	path := filepath.Join(root, "a.txt")
	d.Enqueue(model.SyncIntention{Path: path, Version: 1, Reason: model.ReasonEvent})

	result := awaitResult(t, d, time.Second)
	require.NoError(t, result.Err)
	assert.Equal(t, path, result.Path)
	assert.Equal(t, model.ReasonEvent, result.Reason)
	assert.Equal(t, 2, executor.callCount())
}
