package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Task is one step of the ordered list a pipeline executes. The cache key is
// derived from the template, the variables and the input-file set, so a
// change to any of them produces a distinct key.
type Task struct {
	ID          string
	Description string
	Template    string
	Variables   map[string]string
	InputFiles  []string
}

// CacheKey returns the content-derived cache key for the task.
func (t Task) CacheKey() string {
	h := sha256.New()
	fmt.Fprintln(h, t.Template)

	keys := make([]string, 0, len(t.Variables))
	for k := range t.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, t.Variables[k])
	}

	files := append([]string(nil), t.InputFiles...)
	sort.Strings(files)
	fmt.Fprintln(h, strings.Join(files, "\n"))

	return fmt.Sprintf("%s:%s", t.ID, hex.EncodeToString(h.Sum(nil))[:16])
}

// PrefetchState tracks speculative progress for one task.
type PrefetchState int

const (
	PrefetchPending PrefetchState = iota
	Prefetching
	Prefetched
)

// String returns the string representation of prefetch state
func (s PrefetchState) String() string {
	switch s {
	case PrefetchPending:
		return "Pending"
	case Prefetching:
		return "Prefetching"
	case Prefetched:
		return "Prefetched"
	default:
		return "Unknown"
	}
}

// TaskMetric is the timing record for one executed task. WaitTime is the
// time the pool took before invoking the action (zero on a cache hit),
// ExecutionTime is the actual work, and TotalTime is their sum.
type TaskMetric struct {
	ID            string
	WaitTime      time.Duration
	ExecutionTime time.Duration
	TotalTime     time.Duration
	FromCache     bool
}

// Metrics is the per-run aggregate. EstimatedTimeSaved is the running
// average of non-cached execution time multiplied by the cache-hit count; an
// estimate, not a measurement, since the skipped executions never ran.
type Metrics struct {
	TotalTasks         int
	CompletedTasks     int
	FailedTasks        int
	CacheHits          int
	CacheMisses        int
	PerTask            []TaskMetric
	EstimatedTimeSaved time.Duration
}
