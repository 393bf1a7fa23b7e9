package pipeline

import (
	"conductor/log"
	"conductor/pool"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain initializes the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()
	code := m.Run()
	os.Exit(code)
}

// countingExecutor counts executions per task and simulates per-task work.
type countingExecutor struct {
	mu     sync.Mutex
	counts map[string]int
	delays map[string]time.Duration
	fail   map[string]bool
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{
		counts: make(map[string]int),
		delays: make(map[string]time.Duration),
		fail:   make(map[string]bool),
	}
}

func (e *countingExecutor) Execute(ctx context.Context, task Task) (interface{}, error) {
	e.mu.Lock()
	e.counts[task.ID]++
	delay := e.delays[task.ID]
	fail := e.fail[task.ID]
	e.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, fmt.Errorf("task %s failed", task.ID)
	}
	return "result of " + task.ID, nil
}

func (e *countingExecutor) count(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[id]
}

func newTestPool(t *testing.T, maxConcurrent int) *pool.Pool {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.MaxConcurrent = maxConcurrent
	cfg.MinConcurrent = 1
	cfg.EnableCache = false
	cfg.HealthCheckInterval = time.Hour
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.MaxRetries = 0
	p, err := pool.New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Shutdown(true, time.Second) })
	return p
}

func TestTaskCacheKeyDerivation(t *testing.T) {
	base := Task{ID: "1.1", Template: "implement", Variables: map[string]string{"a": "1"}}

	same := Task{ID: "1.1", Template: "implement", Variables: map[string]string{"a": "1"}}
	assert.Equal(t, base.CacheKey(), same.CacheKey())

	changedVar := Task{ID: "1.1", Template: "implement", Variables: map[string]string{"a": "2"}}
	assert.NotEqual(t, base.CacheKey(), changedVar.CacheKey())

	changedTemplate := Task{ID: "1.1", Template: "review", Variables: map[string]string{"a": "1"}}
	assert.NotEqual(t, base.CacheKey(), changedTemplate.CacheKey())

	changedFiles := Task{ID: "1.1", Template: "implement", Variables: map[string]string{"a": "1"}, InputFiles: []string{"x.md"}}
	assert.NotEqual(t, base.CacheKey(), changedFiles.CacheKey())
}

func TestRunExecutesTasksInOrder(t *testing.T) {
	p := newTestPool(t, 1)
	exec := newCountingExecutor()

	pl := New(p, exec, Config{EnableSpeculation: false})
	tasks := []Task{{ID: "1.1"}, {ID: "1.2"}, {ID: "1.3"}}
	require.NoError(t, pl.Run(context.Background(), tasks))

	metrics := pl.Metrics()
	assert.Equal(t, 3, metrics.TotalTasks)
	assert.Equal(t, 3, metrics.CompletedTasks)
	assert.Equal(t, 0, metrics.FailedTasks)
	require.Len(t, metrics.PerTask, 3)
	assert.Equal(t, "1.1", metrics.PerTask[0].ID)
	assert.Equal(t, "1.3", metrics.PerTask[2].ID)

	for _, id := range []string{"1.1", "1.2", "1.3"} {
		assert.Equal(t, 1, exec.count(id))
	}
}

func TestSpeculationServesFromCache(t *testing.T) {
	p := newTestPool(t, 2)
	exec := newCountingExecutor()
	// The current task is slow enough for the prefetch of the next one to
	// finish well before the main line reaches it.
	exec.delays["1.1"] = 200 * time.Millisecond
	exec.delays["1.2"] = 10 * time.Millisecond

	pl := New(p, exec, Config{LookAhead: 1, EnableSpeculation: true})
	tasks := []Task{{ID: "1.1"}, {ID: "1.2"}}
	require.NoError(t, pl.Run(context.Background(), tasks))

	metrics := pl.Metrics()
	assert.Equal(t, 2, metrics.CompletedTasks)
	assert.Equal(t, 1, metrics.CacheHits)
	require.Len(t, metrics.PerTask, 2)

	assert.False(t, metrics.PerTask[0].FromCache)
	assert.True(t, metrics.PerTask[1].FromCache)
	assert.Zero(t, metrics.PerTask[1].WaitTime)
	assert.Zero(t, metrics.PerTask[1].ExecutionTime)

	// The prefetched task executed exactly once, inside the speculation.
	assert.Equal(t, 1, exec.count("1.2"))
	assert.Equal(t, Prefetched, pl.PrefetchState("1.2"))

	// Saved time is estimated from the running average of non-cached work.
	assert.Greater(t, metrics.EstimatedTimeSaved, time.Duration(0))
}

func TestSpeculationDisabled(t *testing.T) {
	p := newTestPool(t, 2)
	exec := newCountingExecutor()
	exec.delays["1.1"] = 50 * time.Millisecond

	pl := New(p, exec, Config{EnableSpeculation: false})
	tasks := []Task{{ID: "1.1"}, {ID: "1.2"}}
	require.NoError(t, pl.Run(context.Background(), tasks))

	metrics := pl.Metrics()
	assert.Equal(t, 0, metrics.CacheHits)
	assert.Equal(t, PrefetchPending, pl.PrefetchState("1.2"))
}

func TestPrefetchSkipsValidCacheEntry(t *testing.T) {
	p := newTestPool(t, 2)
	exec := newCountingExecutor()

	pl := New(p, exec, Config{LookAhead: 1, EnableSpeculation: true})
	tasks := []Task{{ID: "1.1"}, {ID: "1.2"}}

	// Pre-populate the pipeline cache for the second task.
	pl.Cache().Set(tasks[1].CacheKey(), "precomputed", nil)

	require.NoError(t, pl.Run(context.Background(), tasks))

	// The cached task never executed: no prefetch run, and the main-line
	// submission was a hit.
	assert.Equal(t, 0, exec.count("1.2"))
	metrics := pl.Metrics()
	assert.Equal(t, 1, metrics.CacheHits)
	require.Len(t, metrics.PerTask, 2)
	assert.True(t, metrics.PerTask[1].FromCache)
}

func TestFailedTaskRecordedAndRunContinues(t *testing.T) {
	p := newTestPool(t, 1)
	exec := newCountingExecutor()
	exec.fail["1.2"] = true

	pl := New(p, exec, Config{EnableSpeculation: false})
	tasks := []Task{{ID: "1.1"}, {ID: "1.2"}, {ID: "1.3"}}
	require.NoError(t, pl.Run(context.Background(), tasks))

	metrics := pl.Metrics()
	assert.Equal(t, 2, metrics.CompletedTasks)
	assert.Equal(t, 1, metrics.FailedTasks)
	assert.Equal(t, 1, exec.count("1.3"))
}

func TestInvalidateCache(t *testing.T) {
	p := newTestPool(t, 1)
	exec := newCountingExecutor()

	pl := New(p, exec, Config{EnableSpeculation: false})
	tasks := []Task{{ID: "1.1"}, {ID: "1.2"}}

	pl.Cache().Set(tasks[0].CacheKey(), "a", nil)
	pl.Cache().Set(tasks[1].CacheKey(), "b", nil)

	assert.Equal(t, 1, pl.InvalidateCache("1.1"))
	assert.Equal(t, 1, pl.Cache().Len())

	assert.Equal(t, 1, pl.InvalidateCache(""))
	assert.Equal(t, 0, pl.Cache().Len())
}

func TestRunRespectsContextCancellation(t *testing.T) {
	p := newTestPool(t, 1)
	exec := newCountingExecutor()
	exec.delays["1.1"] = 200 * time.Millisecond

	pl := New(p, exec, Config{EnableSpeculation: false})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := pl.Run(ctx, []Task{{ID: "1.1"}, {ID: "1.2"}})
	require.Error(t, err)
	assert.Equal(t, 0, exec.count("1.2"))
}
