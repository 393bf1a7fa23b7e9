package pool

import (
	"conductor/cache"
	"conductor/log"
	"context"
	"sync"
	"time"
)

// Config contains configuration options for the worker pool.
type Config struct {
	// MaxConcurrent is the maximum number of work items in flight at once (default: 3).
	MaxConcurrent int
	// MinConcurrent is the lower bound accepted for MaxConcurrent (default: 1).
	MinConcurrent int
	// ConcurrencyCeiling is the hard upper bound accepted for MaxConcurrent (default: 10).
	ConcurrencyCeiling int
	// HealthCheckInterval is how often pool health is evaluated (default: 30 seconds).
	HealthCheckInterval time.Duration
	// ErrorRateThreshold marks the pool unhealthy when the cumulative error
	// rate reaches it (default: 0.5).
	ErrorRateThreshold float64
	// TimeoutRateThreshold marks the pool unhealthy when the cumulative
	// timeout rate reaches it (default: 0.3).
	TimeoutRateThreshold float64
	// MaxRetries is the number of automatic re-submissions for a failed item (default: 2).
	MaxRetries int
	// RetryDelay is the fixed delay before a failed item re-enters the front
	// of its priority queue (default: 1 second).
	RetryDelay time.Duration
	// EnableCache turns on result caching for items that carry a CacheKey.
	EnableCache bool
	// CacheTTL is the lifetime of entries the pool writes (default: 30 minutes).
	CacheTTL time.Duration
	// Cache is an optional shared store; when nil and EnableCache is set the
	// pool creates a private in-memory store.
	Cache *cache.Store
	// HistorySize bounds the completion history buffer (default: 100).
	HistorySize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        3,
		MinConcurrent:        1,
		ConcurrencyCeiling:   10,
		HealthCheckInterval:  30 * time.Second,
		ErrorRateThreshold:   0.5,
		TimeoutRateThreshold: 0.3,
		MaxRetries:           2,
		RetryDelay:           1 * time.Second,
		EnableCache:          true,
		CacheTTL:             30 * time.Minute,
		HistorySize:          100,
	}
}

// Observer receives pool notifications. Callbacks are invoked outside the
// pool's lock and may call back into the pool.
type Observer interface {
	// ItemFinished is called when a work item reaches a terminal state.
	ItemFinished(item *WorkItem)
	// HealthChanged is called when the pool's health signal flips.
	HealthChanged(healthy bool, stats Stats)
}

// Pool executes opaque asynchronous work items under a concurrency cap with
// strict priority dispatch, bounded retries and health monitoring. All queue,
// active-set and statistics mutation serializes through one mutex.
type Pool struct {
	config Config
	cache  *cache.Store

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	queues    map[Priority][]*WorkItem
	active    map[string]*WorkItem
	retryWait map[string]*retryEntry
	history   []*WorkItem
	stats     Stats
	healthy   bool
	observers []Observer

	stopHealth chan struct{}
	healthOnce sync.Once
}

type retryEntry struct {
	item  *WorkItem
	timer *time.Timer
}

// New creates a pool from config. Invalid configuration is fatal and returns
// a *ConfigError.
func New(config Config) (*Pool, error) {
	if config.MinConcurrent <= 0 {
		config.MinConcurrent = 1
	}
	if config.ConcurrencyCeiling <= 0 {
		config.ConcurrencyCeiling = 10
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 3
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	if config.ErrorRateThreshold == 0 {
		config.ErrorRateThreshold = 0.5
	}
	if config.TimeoutRateThreshold == 0 {
		config.TimeoutRateThreshold = 0.3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 1 * time.Second
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * time.Minute
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}

	if config.MaxConcurrent < config.MinConcurrent {
		return nil, &ConfigError{Field: "MaxConcurrent", Message: "below MinConcurrent"}
	}
	if config.MaxConcurrent > config.ConcurrencyCeiling {
		return nil, &ConfigError{Field: "MaxConcurrent", Message: "above ConcurrencyCeiling"}
	}
	if config.ErrorRateThreshold < 0 || config.ErrorRateThreshold > 1 {
		return nil, &ConfigError{Field: "ErrorRateThreshold", Message: "must be within [0, 1]"}
	}
	if config.TimeoutRateThreshold < 0 || config.TimeoutRateThreshold > 1 {
		return nil, &ConfigError{Field: "TimeoutRateThreshold", Message: "must be within [0, 1]"}
	}
	if config.MaxRetries < 0 {
		return nil, &ConfigError{Field: "MaxRetries", Message: "must not be negative"}
	}

	var store *cache.Store
	if config.EnableCache {
		store = config.Cache
		if store == nil {
			store = cache.NewStore(cache.StoreConfig{TTL: config.CacheTTL})
		}
	}

	p := &Pool{
		config: config,
		cache:  store,
		state:  StateIdle,
		queues: map[Priority][]*WorkItem{
			PriorityHigh:   nil,
			PriorityNormal: nil,
			PriorityLow:    nil,
		},
		active:     make(map[string]*WorkItem),
		retryWait:  make(map[string]*retryEntry),
		healthy:    true,
		stopHealth: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	return p, nil
}

// Start moves the pool from Idle to Running, dispatches any queued items and
// begins periodic health checks.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return NewPoolError("ALREADY_STARTED", "pool is "+state.String(), nil)
	}
	p.state = StateRunning
	p.dispatchLocked()
	p.mu.Unlock()

	go p.healthLoop()
	return nil
}

// Submit places item at the tail of its priority queue. It never blocks; if
// the pool is running and a slot is free the item is dispatched immediately.
// Submissions are rejected once shutdown has begun.
func (p *Pool) Submit(item *WorkItem) error {
	if item == nil || item.ID == "" || item.Action == nil {
		return ErrInvalidItem
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateShuttingDown || p.state == StateShutdown {
		return ErrShutdown
	}
	if p.knownLocked(item.ID) {
		return ErrDuplicateID
	}

	if item.done == nil {
		item.done = make(chan struct{})
	}
	item.State = ItemQueued
	item.QueuedAt = time.Now()
	p.queues[item.Priority] = append(p.queues[item.Priority], item)
	p.stats.Submitted++

	log.DebugLog.Printf("submitted item %s (priority: %s)", item.ID, item.Priority)
	p.dispatchLocked()
	return nil
}

// Pause stops new dispatch without touching items already running.
func (p *Pool) Pause() {
	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StatePaused
	}
	p.mu.Unlock()
}

// Resume restarts dispatch after a Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	if p.state == StatePaused {
		p.state = StateRunning
		p.dispatchLocked()
	}
	p.mu.Unlock()
}

// Shutdown stops accepting submissions and cancels every queued item. With
// force set, or with no active items, it returns immediately; otherwise it
// waits up to timeout for active items to finish. An elapsed timeout is a
// warning, not an error: the pool stops waiting but never interrupts the
// underlying actions. A timeout <= 0 waits indefinitely.
func (p *Pool) Shutdown(force bool, timeout time.Duration) error {
	p.mu.Lock()
	if p.state == StateShutdown {
		p.mu.Unlock()
		return nil
	}
	p.state = StateShuttingDown

	cancelled := p.cancelPendingLocked()
	p.cond.Broadcast()

	if !force && len(p.active) > 0 {
		deadline := time.Time{}
		var wake *time.Timer
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
			wake = time.AfterFunc(timeout, p.cond.Broadcast)
		}
		for len(p.active) > 0 {
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				log.WarningLog.Printf("shutdown timed out with %d items still active", len(p.active))
				break
			}
			p.cond.Wait()
		}
		if wake != nil {
			wake.Stop()
		}
	}

	p.state = StateShutdown
	p.healthOnce.Do(func() { close(p.stopHealth) })
	observers := p.observersLocked()
	p.mu.Unlock()

	for _, item := range cancelled {
		for _, o := range observers {
			o.ItemFinished(item)
		}
	}
	log.InfoLog.Printf("pool shut down (%d queued items cancelled)", len(cancelled))
	return nil
}

// WaitForCompletion blocks until the queues, the active set and the retry
// holding area are all empty. A timeout <= 0 waits indefinitely; an elapsed
// timeout returns ErrWaitTimeout.
func (p *Pool) WaitForCompletion(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Time{}
	var wake *time.Timer
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		wake = time.AfterFunc(timeout, p.cond.Broadcast)
		defer wake.Stop()
	}

	for !p.drainedLocked() {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return ErrWaitTimeout
		}
		p.cond.Wait()
	}
	return nil
}

// AddObserver registers an observer for completion and health notifications.
func (p *Pool) AddObserver(o Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()
}

// State returns the pool's lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// GetStats returns a snapshot of the cumulative statistics.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Healthy returns the pool's current health signal.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// ActiveCount returns the number of items currently running.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// QueuedCount returns the number of items waiting across all priority queues.
func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// History returns a copy of the bounded completion history, oldest first.
func (p *Pool) History() []*WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*WorkItem, len(p.history))
	copy(out, p.history)
	return out
}

// GetItem returns the work item with the given id, looking through the
// queues, the active set, the retry holding area and the history.
func (p *Pool) GetItem(id string) (*WorkItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if item, ok := p.active[id]; ok {
		return item, true
	}
	if entry, ok := p.retryWait[id]; ok {
		return entry.item, true
	}
	for _, q := range p.queues {
		for _, item := range q {
			if item.ID == id {
				return item, true
			}
		}
	}
	for _, item := range p.history {
		if item.ID == id {
			return item, true
		}
	}
	return nil, false
}

// Cache returns the store the pool reads and writes, nil when caching is off.
func (p *Pool) Cache() *cache.Store {
	return p.cache
}

// CheckHealth recomputes the health signal immediately, outside the periodic
// schedule, and fires HealthChanged on a transition.
func (p *Pool) CheckHealth() bool {
	p.mu.Lock()
	healthy := p.stats.ErrorRate() < p.config.ErrorRateThreshold &&
		p.stats.TimeoutRate() < p.config.TimeoutRateThreshold
	changed := healthy != p.healthy
	p.healthy = healthy
	stats := p.stats
	observers := p.observersLocked()
	p.mu.Unlock()

	if changed {
		log.InfoLog.Printf("pool health changed: healthy=%v (error rate %.2f, timeout rate %.2f)",
			healthy, stats.ErrorRate(), stats.TimeoutRate())
		for _, o := range observers {
			o.HealthChanged(healthy, stats)
		}
	}
	return healthy
}

// dispatchLocked pops the head of the highest non-empty priority queue while
// capacity is free. Caller must hold p.mu and the pool must be Running for
// anything to happen.
func (p *Pool) dispatchLocked() {
	if p.state != StateRunning {
		return
	}
	for len(p.active) < p.config.MaxConcurrent {
		item := p.popLocked()
		if item == nil {
			return
		}
		item.State = ItemRunning
		item.StartedAt = time.Now()
		p.active[item.ID] = item
		go p.run(item)
	}
}

// popLocked removes and returns the head of the highest non-empty queue.
func (p *Pool) popLocked() *WorkItem {
	for _, pr := range priorities {
		q := p.queues[pr]
		if len(q) == 0 {
			continue
		}
		item := q[0]
		p.queues[pr] = q[1:]
		return item
	}
	return nil
}

// run executes one dispatched item: cache lookup first, then the action.
func (p *Pool) run(item *WorkItem) {
	store, ttl := p.storeFor(item)

	if store != nil {
		if payload, ok := store.Get(item.CacheKey.Key, item.CacheKey.Files); ok {
			p.finish(item, payload, nil, true)
			return
		}
		p.mu.Lock()
		p.stats.CacheMisses++
		p.mu.Unlock()
	}

	result, err := item.Action.Run(contextForAction())
	if err == nil && store != nil {
		store.SetWithTTL(item.CacheKey.Key, result, item.CacheKey.Files, ttl)
	}
	p.finish(item, result, err, false)
}

// storeFor resolves the cache store and TTL for an item: the item-level
// override wins, otherwise the pool's store when caching is enabled.
func (p *Pool) storeFor(item *WorkItem) (*cache.Store, time.Duration) {
	if item.CacheKey == nil {
		return nil, 0
	}
	ttl := p.config.CacheTTL
	if item.CacheKey.TTL > 0 {
		ttl = item.CacheKey.TTL
	}
	if item.CacheKey.Store != nil {
		return item.CacheKey.Store, ttl
	}
	return p.cache, ttl
}

// finish is the single completion path: it classifies the outcome, updates
// statistics, schedules retries and wakes waiters.
func (p *Pool) finish(item *WorkItem, result interface{}, err error, fromCache bool) {
	p.mu.Lock()
	delete(p.active, item.ID)
	item.CompletedAt = time.Now()

	switch {
	case err == nil:
		item.State = ItemCompleted
		item.Result = result
		item.Err = nil
		item.FromCache = fromCache
		p.stats.Completed++
		if fromCache {
			p.stats.CacheHits++
		}

	case IsTimeout(err):
		// Timeouts are terminal immediately, never retried.
		item.State = ItemTimeout
		item.Err = err
		p.stats.TimedOut++

	default:
		if item.Retries < p.config.MaxRetries &&
			p.state != StateShuttingDown && p.state != StateShutdown {
			p.stats.Retried++
			item.Retries++
			item.State = ItemQueued
			item.Err = err
			item.StartedAt = time.Time{}
			item.CompletedAt = time.Time{}
			retry := item
			timer := time.AfterFunc(p.config.RetryDelay, func() { p.requeueFront(retry) })
			p.retryWait[item.ID] = &retryEntry{item: item, timer: timer}
			log.InfoLog.Printf("item %s failed, retry %d/%d in %v: %v",
				item.ID, item.Retries, p.config.MaxRetries, p.config.RetryDelay, err)
			p.dispatchLocked()
			p.mu.Unlock()
			return
		}
		item.State = ItemFailed
		item.Err = err
		p.stats.Failed++
	}

	p.appendHistoryLocked(item)
	close(item.done)
	p.dispatchLocked()
	p.cond.Broadcast()
	observers := p.observersLocked()
	p.mu.Unlock()

	log.DebugLog.Printf("item %s finished: %s", item.ID, item.State)
	for _, o := range observers {
		o.ItemFinished(item)
	}
}

// requeueFront returns a retried item to the front of its original priority
// queue. It runs from the retry timer, independent of the dispatch path, and
// funnels back into the same mutation discipline.
func (p *Pool) requeueFront(item *WorkItem) {
	p.mu.Lock()
	delete(p.retryWait, item.ID)

	if p.state == StateShuttingDown || p.state == StateShutdown {
		item.State = ItemCancelled
		item.CompletedAt = time.Now()
		p.stats.Cancelled++
		p.appendHistoryLocked(item)
		close(item.done)
		p.cond.Broadcast()
		observers := p.observersLocked()
		p.mu.Unlock()
		for _, o := range observers {
			o.ItemFinished(item)
		}
		return
	}

	item.State = ItemQueued
	item.QueuedAt = time.Now()
	p.queues[item.Priority] = append([]*WorkItem{item}, p.queues[item.Priority]...)
	p.dispatchLocked()
	p.mu.Unlock()
}

// cancelPendingLocked cancels every queued item and every item waiting on a
// retry timer. Caller must hold p.mu.
func (p *Pool) cancelPendingLocked() []*WorkItem {
	var cancelled []*WorkItem

	for _, pr := range priorities {
		for _, item := range p.queues[pr] {
			item.State = ItemCancelled
			item.CompletedAt = time.Now()
			p.stats.Cancelled++
			p.appendHistoryLocked(item)
			close(item.done)
			cancelled = append(cancelled, item)
		}
		p.queues[pr] = nil
	}

	for id, entry := range p.retryWait {
		entry.timer.Stop()
		entry.item.State = ItemCancelled
		entry.item.CompletedAt = time.Now()
		p.stats.Cancelled++
		p.appendHistoryLocked(entry.item)
		close(entry.item.done)
		cancelled = append(cancelled, entry.item)
		delete(p.retryWait, id)
	}

	return cancelled
}

// appendHistoryLocked moves a terminal item into the bounded history buffer,
// aging out the oldest entry on overflow. Caller must hold p.mu.
func (p *Pool) appendHistoryLocked(item *WorkItem) {
	p.history = append(p.history, item)
	if len(p.history) > p.config.HistorySize {
		p.history = p.history[1:]
	}
}

// knownLocked reports whether id is queued, active or waiting on a retry.
// Caller must hold p.mu.
func (p *Pool) knownLocked(id string) bool {
	if _, ok := p.active[id]; ok {
		return true
	}
	if _, ok := p.retryWait[id]; ok {
		return true
	}
	for _, q := range p.queues {
		for _, item := range q {
			if item.ID == id {
				return true
			}
		}
	}
	return false
}

// drainedLocked reports whether no work remains anywhere in the pool.
func (p *Pool) drainedLocked() bool {
	if len(p.active) > 0 || len(p.retryWait) > 0 {
		return false
	}
	for _, q := range p.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// observersLocked snapshots the observer list so callbacks run outside the lock.
func (p *Pool) observersLocked() []Observer {
	out := make([]Observer, len(p.observers))
	copy(out, p.observers)
	return out
}

// contextForAction returns the context actions run under. The pool never
// cancels a running action; shutdown only stops waiting for it. Actions that
// want a deadline must carry their own.
func contextForAction() context.Context {
	return context.Background()
}

// healthLoop periodically re-evaluates pool health until shutdown.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.CheckHealth()
		}
	}
}
