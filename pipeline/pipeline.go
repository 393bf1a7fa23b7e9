package pipeline

import (
	"conductor/cache"
	"conductor/log"
	"conductor/pool"
	"context"
	"fmt"
	"sync"
	"time"
)

// Executor performs the actual work of one task. The pipeline never inspects
// what the work is.
type Executor interface {
	Execute(ctx context.Context, task Task) (interface{}, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task Task) (interface{}, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) (interface{}, error) {
	return f(ctx, task)
}

// Config holds configuration for the speculative pipeline.
type Config struct {
	// LookAhead is how many upcoming tasks are prefetched ahead of the
	// current one (default: 2).
	LookAhead int
	// EnableSpeculation turns look-ahead prefetching on.
	EnableSpeculation bool
	// CacheTTL is the lifetime of speculative results. The default (10
	// minutes) is deliberately shorter than the pool's result cache, since
	// speculative results are more likely to be invalidated by later edits.
	CacheTTL time.Duration
	// Cache is an optional pre-built store; when nil the pipeline creates a
	// private one so its freshness policy never mixes with the general cache.
	Cache *cache.Store
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		LookAhead:         2,
		EnableSpeculation: true,
		CacheTTL:          10 * time.Minute,
	}
}

// Pipeline orchestrates a sequential task list over a worker pool: the
// current task runs at normal priority while the next LookAhead tasks are
// speculatively prefetched at low priority into a pipeline-private cache.
// Low priority guarantees speculation never delays the main line of
// execution competing for the same concurrency slots.
type Pipeline struct {
	p        *pool.Pool
	cache    *cache.Store
	config   Config
	executor Executor

	mu      sync.Mutex
	tasks   []Task
	states  map[string]PrefetchState
	metrics Metrics

	// running average of non-cached execution time, for the saved-time estimate
	execTotal time.Duration
	execCount int
}

// New creates a pipeline executing tasks through p with the given executor.
func New(p *pool.Pool, executor Executor, config Config) *Pipeline {
	if config.LookAhead <= 0 {
		config.LookAhead = 2
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 10 * time.Minute
	}

	store := config.Cache
	if store == nil {
		store = cache.NewStore(cache.StoreConfig{TTL: config.CacheTTL})
	}

	return &Pipeline{
		p:        p,
		cache:    store,
		config:   config,
		executor: executor,
		states:   make(map[string]PrefetchState),
	}
}

// Run executes the ordered task list to completion. Task failures are
// recorded in the metrics and do not stop the run; Run returns an error only
// when a submission is rejected or ctx is cancelled.
func (pl *Pipeline) Run(ctx context.Context, tasks []Task) error {
	pl.mu.Lock()
	pl.tasks = tasks
	pl.metrics = Metrics{TotalTasks: len(tasks)}
	pl.states = make(map[string]PrefetchState, len(tasks))
	for _, task := range tasks {
		pl.states[task.ID] = PrefetchPending
	}
	pl.mu.Unlock()

	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}

		if pl.config.EnableSpeculation {
			pl.prefetch(tasks, i+1)
		}

		if err := pl.executeCurrent(ctx, tasks[i]); err != nil {
			return err
		}
	}
	return nil
}

// prefetch submits up to LookAhead upcoming tasks at low priority. A task is
// skipped when its cache already holds a valid entry or a prefetch for it is
// already in flight or done.
func (pl *Pipeline) prefetch(tasks []Task, from int) {
	for i := from; i < len(tasks) && i < from+pl.config.LookAhead; i++ {
		task := tasks[i]

		pl.mu.Lock()
		state := pl.states[task.ID]
		pl.mu.Unlock()
		if state != PrefetchPending {
			continue
		}

		if _, ok := pl.cache.Get(task.CacheKey(), task.InputFiles); ok {
			pl.setState(task.ID, Prefetched)
			continue
		}

		item := pool.NewWorkItem("prefetch:"+task.ID, pool.PriorityLow, pl.action(task))
		item.CacheKey = pl.cacheKeyFor(task)
		if err := pl.p.Submit(item); err != nil {
			log.WarningLog.Printf("prefetch submission for %s rejected: %v", task.ID, err)
			continue
		}
		pl.setState(task.ID, Prefetching)
		log.DebugLog.Printf("prefetching task %s", task.ID)

		go func(id string, item *pool.WorkItem) {
			<-item.Done()
			if item.State == pool.ItemCompleted {
				pl.setState(id, Prefetched)
			} else {
				// Failed speculation is forgotten so nothing blocks the
				// main-line execution of the task.
				pl.setState(id, PrefetchPending)
			}
		}(task.ID, item)
	}
}

// executeCurrent submits the current task at normal priority so it is
// dispatched ahead of any still-queued speculative work, then awaits it and
// records its timing.
func (pl *Pipeline) executeCurrent(ctx context.Context, task Task) error {
	item := pool.NewWorkItem(task.ID, pool.PriorityNormal, pl.action(task))
	item.CacheKey = pl.cacheKeyFor(task)

	if err := pl.p.Submit(item); err != nil {
		return fmt.Errorf("failed to submit task %s: %w", task.ID, err)
	}

	select {
	case <-item.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	metric := TaskMetric{
		ID:            task.ID,
		WaitTime:      item.WaitTime(),
		ExecutionTime: item.ExecutionTime(),
		TotalTime:     item.TotalTime(),
		FromCache:     item.FromCache,
	}

	pl.mu.Lock()
	pl.metrics.PerTask = append(pl.metrics.PerTask, metric)
	switch {
	case item.State == pool.ItemCompleted && item.FromCache:
		pl.metrics.CompletedTasks++
		pl.metrics.CacheHits++
	case item.State == pool.ItemCompleted:
		pl.metrics.CompletedTasks++
		pl.metrics.CacheMisses++
		pl.execTotal += metric.ExecutionTime
		pl.execCount++
	default:
		pl.metrics.FailedTasks++
		pl.metrics.CacheMisses++
	}
	pl.mu.Unlock()

	return nil
}

// cacheKeyFor routes an item through the pipeline-private store with the
// pipeline's shorter TTL.
func (pl *Pipeline) cacheKeyFor(task Task) *pool.CacheKey {
	return &pool.CacheKey{
		Key:   task.CacheKey(),
		Files: task.InputFiles,
		Store: pl.cache,
		TTL:   pl.config.CacheTTL,
	}
}

// action wraps a task for submission to the pool. The pool handles the cache
// lookup and store; the action only runs on a miss.
func (pl *Pipeline) action(task Task) pool.Action {
	return pool.ActionFunc(func(ctx context.Context) (interface{}, error) {
		return pl.executor.Execute(ctx, task)
	})
}

// InvalidateCache deletes cached speculative results: one task's entries
// when taskID is set, or everything when it is empty. Used when upstream
// inputs are known to have changed.
func (pl *Pipeline) InvalidateCache(taskID string) int {
	pl.mu.Lock()
	if taskID == "" {
		for id := range pl.states {
			pl.states[id] = PrefetchPending
		}
	} else {
		pl.states[taskID] = PrefetchPending
	}
	pl.mu.Unlock()

	if taskID == "" {
		return pl.cache.InvalidateAll()
	}
	return pl.cache.InvalidatePrefix(taskID + ":")
}

// PrefetchState returns the speculative state recorded for a task.
func (pl *Pipeline) PrefetchState(taskID string) PrefetchState {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.states[taskID]
}

// Cache returns the pipeline-private store.
func (pl *Pipeline) Cache() *cache.Store {
	return pl.cache
}

// Metrics returns a snapshot of the run's aggregate metrics, with the
// saved-time estimate computed from the current running average.
func (pl *Pipeline) Metrics() Metrics {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := pl.metrics
	out.PerTask = append([]TaskMetric(nil), pl.metrics.PerTask...)
	if pl.execCount > 0 {
		avg := pl.execTotal / time.Duration(pl.execCount)
		out.EstimatedTimeSaved = avg * time.Duration(out.CacheHits)
	}
	return out
}

func (pl *Pipeline) setState(taskID string, state PrefetchState) {
	pl.mu.Lock()
	pl.states[taskID] = state
	pl.mu.Unlock()
}
