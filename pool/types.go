package pool

import (
	"conductor/cache"
	"context"
	"time"
)

// Priority represents dispatch priority for a work item. Priority affects
// queue position only; a running item is never preempted by a later
// higher-priority arrival.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// priorities in strict dispatch order, highest first.
var priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// String returns the string representation of priority
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "High"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	default:
		return "Unknown"
	}
}

// ItemState represents the current state of a work item
type ItemState int

const (
	ItemQueued ItemState = iota
	ItemRunning
	ItemCompleted
	ItemFailed
	ItemTimeout
	ItemCancelled
)

// String returns the string representation of item state
func (s ItemState) String() string {
	switch s {
	case ItemQueued:
		return "Queued"
	case ItemRunning:
		return "Running"
	case ItemCompleted:
		return "Completed"
	case ItemFailed:
		return "Failed"
	case ItemTimeout:
		return "Timeout"
	case ItemCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state is terminal. Terminal states never
// transition further; the only way back to Queued is the retry path.
func (s ItemState) Terminal() bool {
	switch s {
	case ItemCompleted, ItemFailed, ItemTimeout, ItemCancelled:
		return true
	default:
		return false
	}
}

// State represents the lifecycle state of the pool itself
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateShuttingDown
	StateShutdown
)

// String returns the string representation of pool state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Action is the opaque asynchronous operation carried by a work item. The
// pool never inspects what kind of work it runs.
type Action interface {
	Run(ctx context.Context) (interface{}, error)
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func(ctx context.Context) (interface{}, error)

// Run implements Action.
func (f ActionFunc) Run(ctx context.Context) (interface{}, error) {
	return f(ctx)
}

// CacheKey ties a work item to a cache entry: an opaque key plus the source
// files whose modification times make the cached value stale. Store and TTL
// optionally route the item through a caller-owned store (the speculative
// pipeline keeps a private one with a shorter TTL) instead of the pool's.
type CacheKey struct {
	Key   string
	Files []string
	Store *cache.Store
	TTL   time.Duration
}

// WorkItem is a unit of work submitted to the pool. Fields other than the
// caller-assigned ID, Priority, Action and CacheKey are owned by the pool and
// must only be read after the item reaches a terminal state (Done is closed).
type WorkItem struct {
	ID       string
	Priority Priority
	Action   Action
	CacheKey *CacheKey

	State     ItemState
	Retries   int
	QueuedAt  time.Time
	StartedAt time.Time

	CompletedAt time.Time
	Result      interface{}
	Err         error
	FromCache   bool

	done chan struct{}
}

// NewWorkItem creates a work item with the given id, priority and action.
func NewWorkItem(id string, priority Priority, action Action) *WorkItem {
	return &WorkItem{
		ID:       id,
		Priority: priority,
		Action:   action,
		done:     make(chan struct{}),
	}
}

// Done returns a channel closed when the item reaches a terminal state.
func (w *WorkItem) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the item reaches a terminal state or ctx is cancelled,
// then returns the captured error (nil on success or cancellation by shutdown
// is reported via State).
func (w *WorkItem) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTime is the time the pool took before invoking the action. It is zero
// for items served from cache.
func (w *WorkItem) WaitTime() time.Duration {
	if w.FromCache || w.StartedAt.IsZero() {
		return 0
	}
	return w.StartedAt.Sub(w.QueuedAt)
}

// ExecutionTime is the time the action itself took. It is zero for items
// served from cache.
func (w *WorkItem) ExecutionTime() time.Duration {
	if w.FromCache || w.StartedAt.IsZero() || w.CompletedAt.IsZero() {
		return 0
	}
	return w.CompletedAt.Sub(w.StartedAt)
}

// TotalTime is WaitTime plus ExecutionTime.
func (w *WorkItem) TotalTime() time.Duration {
	return w.WaitTime() + w.ExecutionTime()
}
