package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"conductor/depgraph"
	"conductor/log"
	"conductor/plan"
	"conductor/pool"
	"conductor/status"

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

// recordingInvoker tracks invocations and fails configured tasks.
type recordingInvoker struct {
	mu      sync.Mutex
	invoked []string
	fail    map[string]bool
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{fail: make(map[string]bool)}
}

func (r *recordingInvoker) Invoke(ctx context.Context, task depgraph.TaskNode) (string, error) {
	r.mu.Lock()
	r.invoked = append(r.invoked, task.ID)
	fail := r.fail[task.ID]
	r.mu.Unlock()
	if fail {
		return "", fmt.Errorf("task %s failed", task.ID)
	}
	return "done " + task.ID, nil
}

func (r *recordingInvoker) invocations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.invoked...)
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.MaxConcurrent = 3
	cfg.MinConcurrent = 1
	cfg.EnableCache = false
	cfg.HealthCheckInterval = time.Hour
	cfg.MaxRetries = 0
	cfg.RetryDelay = 10 * time.Millisecond
	p, err := pool.New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Shutdown(true, time.Second) })
	return p
}

func newTestStore(t *testing.T) *status.Store {
	t.Helper()
	s, err := status.NewStore(filepath.Join(t.TempDir(), "status.json"))
	require.NoError(t, err)
	return s
}

const dagPlan = `## Phase 1: Base

- [ ] 1.1 Prepare the schema
- [ ] 1.2 Build the data layer (depends: 1.1)

## Phase 2: Features

- [ ] 2.1 Add the read path (depends: 1.2)
- [ ] 2.2 Add the write path (depends: 1.2)
`

func TestRunCompletesDAGPlan(t *testing.T) {
	p, err := plan.Parse(dagPlan)
	require.NoError(t, err)

	invoker := newRecordingInvoker()
	store := newTestStore(t)
	r, err := New(p, newTestPool(t), store, Config{Invoker: invoker})
	require.NoError(t, err)

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, result.Completed)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, result.Blocked)

	// Dependency order: 1.1 strictly before 1.2, 1.2 before both phase 2
	// tasks.
	invoked := invoker.invocations()
	require.Len(t, invoked, 4)
	assert.Equal(t, "1.1", invoked[0])
	assert.Equal(t, "1.2", invoked[1])

	run, err := store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.True(t, run.Finished())
	for _, id := range []string{"1.1", "1.2", "2.1", "2.2"} {
		assert.Equal(t, depgraph.StatusCompleted, run.Tasks[id].Status, id)
	}
}

func TestFailureBlocksDependents(t *testing.T) {
	p, err := plan.Parse(dagPlan)
	require.NoError(t, err)

	invoker := newRecordingInvoker()
	invoker.fail["1.2"] = true
	store := newTestStore(t)
	r, err := New(p, newTestPool(t), store, Config{Invoker: invoker})
	require.NoError(t, err)

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Blocked, 2)

	// 2.1 and 2.2 never ran.
	assert.Equal(t, []string{"1.1", "1.2"}, invoker.invocations())

	run, err := store.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, depgraph.StatusFailed, run.Tasks["1.2"].Status)
	assert.Contains(t, run.Tasks["1.2"].Error, "1.2 failed")
	assert.Equal(t, depgraph.StatusPending, run.Tasks["2.1"].Status)
}

func TestNewRejectsCyclicPlan(t *testing.T) {
	p, err := plan.Parse(`## Phase 1: A
- [ ] 1.1 first (depends: 1.2)
- [ ] 1.2 second (depends: 1.1)
`)
	require.NoError(t, err)

	_, err = New(p, newTestPool(t), newTestStore(t), Config{Invoker: newRecordingInvoker()})
	require.Error(t, err)
	var cycleErr *depgraph.CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

func TestNewRequiresInvoker(t *testing.T) {
	p, err := plan.Parse(dagPlan)
	require.NoError(t, err)

	_, err = New(p, newTestPool(t), newTestStore(t), Config{})
	assert.Error(t, err)
}

func TestLinearPlanRunsThroughPipeline(t *testing.T) {
	p, err := plan.Parse(`## Phase 1: Chain

- [ ] 1.1 first step
- [ ] 1.2 second step (depends: 1.1)
- [ ] 1.3 third step (depends: 1.2)
`)
	require.NoError(t, err)

	invoker := newRecordingInvoker()
	store := newTestStore(t)
	r, err := New(p, newTestPool(t), store, Config{
		Invoker:           invoker,
		EnableSpeculation: true,
		LookAhead:         1,
	})
	require.NoError(t, err)

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Completed)
	assert.Equal(t, 0, result.Failed)

	// Speculation may run a task once for prefetch, but each task completes
	// exactly once in the store.
	run, err := store.GetRun(result.RunID)
	require.NoError(t, err)
	for _, id := range []string{"1.1", "1.2", "1.3"} {
		assert.Equal(t, depgraph.StatusCompleted, run.Tasks[id].Status, id)
	}
}

func TestIsLinear(t *testing.T) {
	tests := []struct {
		name  string
		tasks []depgraph.Task
		want  bool
	}{
		{
			name: "chain",
			tasks: []depgraph.Task{
				{ID: "1.1", Description: "a"},
				{ID: "1.2", Description: "b (depends: 1.1)"},
				{ID: "1.3", Description: "c (depends: 1.2)"},
			},
			want: true,
		},
		{
			name: "independent tasks",
			tasks: []depgraph.Task{
				{ID: "1.1", Description: "a"},
				{ID: "1.2", Description: "b"},
			},
			want: true,
		},
		{
			name: "branching",
			tasks: []depgraph.Task{
				{ID: "1.1", Description: "a"},
				{ID: "1.2", Description: "b (depends: 1.1)"},
				{ID: "1.3", Description: "c (depends: 1.1)"},
			},
			want: false,
		},
		{
			name: "fan-in",
			tasks: []depgraph.Task{
				{ID: "1.1", Description: "a"},
				{ID: "1.2", Description: "b"},
				{ID: "1.3", Description: "c (depends: 1.1, 1.2)"},
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isLinear(tt.tasks))
		})
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	p, err := plan.Parse(dagPlan)
	require.NoError(t, err)

	block := make(chan struct{})
	invoker := InvokerFunc(func(ctx context.Context, task depgraph.TaskNode) (string, error) {
		<-block
		return "", nil
	})
	defer close(block)

	store := newTestStore(t)
	r, err := New(p, newTestPool(t), store, Config{Invoker: invoker})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = r.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandInvokerSuccess(t *testing.T) {
	inv := &CommandInvoker{Command: "echo", Args: []string{"running"}}
	out, err := inv.Invoke(context.Background(), depgraph.TaskNode{ID: "1.1", Description: "build it"})
	require.NoError(t, err)
	assert.Contains(t, out, "running 1.1 build it")
}

func TestCommandInvokerFailure(t *testing.T) {
	inv := &CommandInvoker{Command: "false"}
	_, err := inv.Invoke(context.Background(), depgraph.TaskNode{ID: "1.1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandInvokerTimeout(t *testing.T) {
	inv := &CommandInvoker{Command: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond}
	started := time.Now()
	_, err := inv.Invoke(context.Background(), depgraph.TaskNode{ID: "1.1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestCommandInvokerNoCommand(t *testing.T) {
	inv := &CommandInvoker{}
	_, err := inv.Invoke(context.Background(), depgraph.TaskNode{ID: "1.1"})
	assert.Error(t, err)
}

func TestResultReport(t *testing.T) {
	res := &Result{
		RunID:     "run-1",
		Completed: 3,
		Failed:    1,
		Blocked: []depgraph.BlockedTask{
			{ID: "2.1", Unmet: []depgraph.UnmetDependency{{ID: "1.2", Status: depgraph.StatusFailed}}},
		},
		Duration: 1234 * time.Millisecond,
	}
	report := res.Report()
	assert.Contains(t, report, "3 completed")
	assert.Contains(t, report, "1 failed")
	assert.Contains(t, report, "2.1 waiting on 1.2 (failed)")
}
