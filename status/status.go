// Package status persists run and task progress to a JSON state file so a
// later invocation (or a concurrent status query) can see where a plan
// stands. Writes are atomic and guarded by a lock file.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/depgraph"
	"conductor/log"

	"github.com/google/uuid"
)

const stateVersion = "1"

// lockStaleAfter is how old a lock file must be before it is considered
// abandoned and broken.
const lockStaleAfter = 30 * time.Second

// TaskRecord is the persisted progress of a single task.
type TaskRecord struct {
	ID          string          `json:"id"`
	Status      depgraph.Status `json:"status"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Run is one execution of a plan.
type Run struct {
	ID          string                 `json:"id"`
	PlanPath    string                 `json:"plan_path"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	Tasks       map[string]*TaskRecord `json:"tasks"`
}

// Finished reports whether the run has been marked complete.
func (r *Run) Finished() bool {
	return !r.CompletedAt.IsZero()
}

// Counts returns how many tasks are in each status.
func (r *Run) Counts() map[depgraph.Status]int {
	counts := make(map[depgraph.Status]int)
	for _, rec := range r.Tasks {
		counts[rec.Status]++
	}
	return counts
}

type stateData struct {
	Version string `json:"version"`
	Runs    []*Run `json:"runs"`
}

// Store reads and writes the state file.
type Store struct {
	path string
}

// NewStore creates a store backed by the state file at path. The parent
// directory is created if needed.
func NewStore(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config home: %w", err)
		}
		path = filepath.Join(home, ".conductor", "status.json")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// BeginRun records the start of a new run and returns it.
func (s *Store) BeginRun(planPath string, taskIDs []string) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		PlanPath:  planPath,
		StartedAt: time.Now(),
		Tasks:     make(map[string]*TaskRecord, len(taskIDs)),
	}
	for _, id := range taskIDs {
		run.Tasks[id] = &TaskRecord{ID: id, Status: depgraph.StatusPending}
	}

	err := s.update(func(state *stateData) error {
		state.Runs = append(state.Runs, run)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// SetTaskStatus updates one task's record within a run. Attempts is bumped
// on every transition into in_progress.
func (s *Store) SetTaskStatus(runID, taskID string, status depgraph.Status, taskErr string) error {
	return s.update(func(state *stateData) error {
		run := findRun(state, runID)
		if run == nil {
			return fmt.Errorf("run not found: %s", runID)
		}
		rec, ok := run.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task not found in run %s: %s", runID, taskID)
		}

		now := time.Now()
		switch status {
		case depgraph.StatusInProgress:
			rec.Attempts++
			if rec.StartedAt.IsZero() {
				rec.StartedAt = now
			}
		case depgraph.StatusCompleted, depgraph.StatusFailed, depgraph.StatusSkipped:
			rec.CompletedAt = now
		}
		rec.Status = status
		rec.Error = taskErr
		return nil
	})
}

// CompleteRun marks a run as finished.
func (s *Store) CompleteRun(runID string) error {
	return s.update(func(state *stateData) error {
		run := findRun(state, runID)
		if run == nil {
			return fmt.Errorf("run not found: %s", runID)
		}
		run.CompletedAt = time.Now()
		return nil
	})
}

// GetRun returns a run by id.
func (s *Store) GetRun(runID string) (*Run, error) {
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	run := findRun(state, runID)
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return run, nil
}

// LatestRun returns the most recently started run, or nil when the state
// file holds none.
func (s *Store) LatestRun() (*Run, error) {
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(state.Runs) == 0 {
		return nil, nil
	}
	return state.Runs[len(state.Runs)-1], nil
}

// Runs returns all recorded runs, oldest first.
func (s *Store) Runs() ([]*Run, error) {
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	return state.Runs, nil
}

func findRun(state *stateData, runID string) *Run {
	for _, run := range state.Runs {
		if run.ID == runID {
			return run
		}
	}
	return nil
}

// update applies fn to the current state under the lock and writes the
// result back atomically.
func (s *Store) update(fn func(*stateData) error) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.save(state)
}

func (s *Store) load() (*stateData, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &stateData{Version: stateVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state stateData
	if err := json.Unmarshal(data, &state); err != nil {
		// A corrupt state file should not wedge every future run.
		log.WarningLog.Printf("state file %s is corrupt, starting fresh: %v", s.path, err)
		return &stateData{Version: stateVersion}, nil
	}
	if state.Version != stateVersion {
		log.WarningLog.Printf("state file %s has version %q, starting fresh", s.path, state.Version)
		return &stateData{Version: stateVersion}, nil
	}
	return &state, nil
}

// save writes the state through a temp file and rename so readers never see
// a partial file.
func (s *Store) save(state *stateData) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// lock takes the lock file next to the state file, breaking it when stale.
func (s *Store) lock() (func(), error) {
	lockPath := s.path + ".lock"
	deadline := time.Now().Add(5 * time.Second)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			log.WarningLog.Printf("breaking stale lock file %s", lockPath)
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for lock file %s", lockPath)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
