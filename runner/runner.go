// Package runner drives a plan to completion: it builds the dependency
// graph, dispatches ready tasks through the worker pool in waves, and
// records progress in the status store. Linear plans can instead flow
// through the speculative pipeline so upcoming tasks are prefetched.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/depgraph"
	"conductor/log"
	"conductor/pipeline"
	"conductor/plan"
	"conductor/pool"
	"conductor/status"

	"golang.org/x/sync/errgroup"
)

// Config holds configuration for a runner.
type Config struct {
	// Invoker performs the work of each task.
	Invoker Invoker
	// EnableSpeculation routes linear plans through the prefetch pipeline.
	EnableSpeculation bool
	// LookAhead is passed to the pipeline when speculation applies.
	LookAhead int
}

// Result summarizes one completed run.
type Result struct {
	RunID     string
	Completed int
	Failed    int
	Skipped   int
	Blocked   []depgraph.BlockedTask
	Duration  time.Duration
	Stats     pool.Stats
}

// Runner executes one plan.
type Runner struct {
	plan   *plan.Plan
	graph  *depgraph.Graph
	pool   *pool.Pool
	store  *status.Store
	config Config
}

// New creates a runner for a parsed plan. The plan's dependency graph is
// built here, so a cyclic plan is rejected before anything executes.
func New(p *plan.Plan, workers *pool.Pool, store *status.Store, config Config) (*Runner, error) {
	if config.Invoker == nil {
		return nil, fmt.Errorf("no invoker configured")
	}
	graph, err := p.Graph()
	if err != nil {
		return nil, err
	}
	return &Runner{
		plan:   p,
		graph:  graph,
		pool:   workers,
		store:  store,
		config: config,
	}, nil
}

// Graph exposes the runner's dependency graph for read-only observers.
func (r *Runner) Graph() *depgraph.Graph {
	return r.graph
}

// Run executes the plan until no task can make further progress. Individual
// task failures do not abort the run; they leave their dependents blocked
// and are reported in the result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	tasks := r.plan.Tasks()
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == depgraph.StatusPending {
			ids = append(ids, t.ID)
		}
	}

	run, err := r.store.BeginRun(r.plan.Path, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to begin run: %w", err)
	}
	log.InfoLog.Printf("run %s started: %s (%d tasks)", run.ID, r.plan.Path, len(ids))

	started := time.Now()
	var runErr error
	if r.config.EnableSpeculation && isLinear(tasks) {
		runErr = r.runLinear(ctx, run, tasks)
	} else {
		runErr = r.runWaves(ctx, run)
	}

	if err := r.store.CompleteRun(run.ID); err != nil {
		log.WarningLog.Printf("failed to mark run %s complete: %v", run.ID, err)
	}
	if runErr != nil {
		return nil, runErr
	}

	result := r.result(run.ID, time.Since(started))
	log.InfoLog.Printf("run %s finished: %d completed, %d failed, %d blocked",
		run.ID, result.Completed, result.Failed, len(result.Blocked))
	return result, nil
}

// runWaves repeatedly takes the ready set and executes it as one wave. The
// loop ends when the graph yields no ready tasks, either because everything
// reached a terminal status or because failures left the rest blocked.
func (r *Runner) runWaves(ctx context.Context, run *status.Run) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ready := r.graph.GetReadyTasks(0, depgraph.ReadyOptions{PhasePriority: true})
		if len(ready) == 0 {
			return nil
		}
		log.DebugLog.Printf("dispatching wave of %d tasks: %v", len(ready), ready)

		g, waveCtx := errgroup.WithContext(ctx)
		for _, id := range ready {
			id := id
			if err := r.markStarted(run.ID, id); err != nil {
				return err
			}

			node, ok := r.graph.Node(id)
			if !ok {
				return fmt.Errorf("task not found in graph: %s", id)
			}
			item := pool.NewWorkItem(id, priorityFor(node), r.action(node))
			if err := r.pool.Submit(item); err != nil {
				return fmt.Errorf("failed to submit task %s: %w", id, err)
			}

			g.Go(func() error {
				// A failed item is not a run error; it leaves its
				// dependents blocked and is reported in the result.
				select {
				case <-item.Done():
					return r.recordOutcome(run.ID, id, item)
				case <-waveCtx.Done():
					return waveCtx.Err()
				}
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// runLinear executes a linear plan through the speculative pipeline. The
// pipeline owns ordering and prefetching; the runner only mirrors per-task
// outcomes into the graph and the status store.
func (r *Runner) runLinear(ctx context.Context, run *status.Run, tasks []depgraph.Task) error {
	var pipelineTasks []pipeline.Task
	byID := make(map[string]depgraph.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		if t.Status != depgraph.StatusPending {
			continue
		}
		pipelineTasks = append(pipelineTasks, pipeline.Task{
			ID:          t.ID,
			Description: t.Description,
			Template:    t.Description,
		})
	}

	// Invocation errors are collected here because the executor runs both
	// for main-line tasks and for speculative prefetches.
	outcomes := &outcomeLog{run: run, runner: r, errors: make(map[string]error)}

	executor := pipeline.ExecutorFunc(func(execCtx context.Context, task pipeline.Task) (interface{}, error) {
		t := byID[task.ID]
		node := depgraph.TaskNode{ID: t.ID, PhaseNumber: t.PhaseNumber, Description: t.Description}
		outcomes.started(task.ID)
		result, err := r.config.Invoker.Invoke(execCtx, node)
		outcomes.record(task.ID, err)
		return result, err
	})

	pl := pipeline.New(r.pool, executor, pipeline.Config{
		LookAhead:         r.config.LookAhead,
		EnableSpeculation: true,
	})
	if err := pl.Run(ctx, pipelineTasks); err != nil {
		return err
	}

	for _, task := range pipelineTasks {
		outcome := depgraph.StatusCompleted
		detail := ""
		if err := outcomes.errorFor(task.ID); err != nil {
			outcome = depgraph.StatusFailed
			detail = err.Error()
		}
		if err := r.setStatus(run.ID, task.ID, outcome, detail); err != nil {
			return err
		}
	}
	return nil
}

// outcomeLog mirrors executor invocations into the status store and keeps
// the last error per task.
type outcomeLog struct {
	run    *status.Run
	runner *Runner

	mu     sync.Mutex
	errors map[string]error
}

func (o *outcomeLog) started(taskID string) {
	if err := o.runner.store.SetTaskStatus(o.run.ID, taskID, depgraph.StatusInProgress, ""); err != nil {
		log.WarningLog.Printf("failed to record start of %s: %v", taskID, err)
	}
}

func (o *outcomeLog) record(taskID string, err error) {
	o.mu.Lock()
	o.errors[taskID] = err
	o.mu.Unlock()
}

func (o *outcomeLog) errorFor(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errors[taskID]
}

// action wraps the invoker for pool submission.
func (r *Runner) action(node depgraph.TaskNode) pool.Action {
	return pool.ActionFunc(func(ctx context.Context) (interface{}, error) {
		return r.config.Invoker.Invoke(ctx, node)
	})
}

func (r *Runner) markStarted(runID, taskID string) error {
	return r.setStatus(runID, taskID, depgraph.StatusInProgress, "")
}

// recordOutcome translates a finished work item into graph and store state.
func (r *Runner) recordOutcome(runID, taskID string, item *pool.WorkItem) error {
	outcome := depgraph.StatusCompleted
	detail := ""
	if item.State != pool.ItemCompleted {
		outcome = depgraph.StatusFailed
		if item.Err != nil {
			detail = item.Err.Error()
		}
	}
	return r.setStatus(runID, taskID, outcome, detail)
}

func (r *Runner) setStatus(runID, taskID string, s depgraph.Status, detail string) error {
	if err := r.graph.SetStatus(taskID, s); err != nil {
		return err
	}
	if err := r.store.SetTaskStatus(runID, taskID, s, detail); err != nil {
		return fmt.Errorf("failed to record status of %s: %w", taskID, err)
	}
	return nil
}

func (r *Runner) result(runID string, duration time.Duration) *Result {
	result := &Result{
		RunID:    runID,
		Blocked:  r.graph.GetBlockedTasks(),
		Duration: duration,
		Stats:    r.pool.GetStats(),
	}
	for _, node := range r.graph.Nodes() {
		switch node.Status {
		case depgraph.StatusCompleted:
			result.Completed++
		case depgraph.StatusFailed:
			result.Failed++
		case depgraph.StatusSkipped:
			result.Skipped++
		}
	}
	return result
}

// priorityFor maps a task onto a pool priority. Earlier phases run ahead of
// later ones when both have ready tasks queued.
func priorityFor(node depgraph.TaskNode) pool.Priority {
	if node.PhaseNumber <= 1 {
		return pool.PriorityHigh
	}
	return pool.PriorityNormal
}

// isLinear reports whether the pending portion of the task list is a simple
// chain: each task depends on at most its immediate predecessor. Only such
// plans benefit from look-ahead speculation.
func isLinear(tasks []depgraph.Task) bool {
	var prev string
	for _, t := range tasks {
		deps := t.Dependencies
		if deps == nil {
			deps = depgraph.ParseDependencies(t.Description)
		}
		switch len(deps) {
		case 0:
		case 1:
			if prev == "" || deps[0] != prev {
				return false
			}
		default:
			return false
		}
		prev = t.ID
	}
	return true
}
