package depgraph

// Status represents the execution status of a task in the graph. Statuses
// are owned by the external status store; the graph only reads them when
// answering readiness queries.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// satisfied reports whether a dependency in this status unblocks dependents.
func (s Status) satisfied() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// PhaseMode is the advisory execution annotation of a phase. It is parsed
// and carried but deliberately not enforced by readiness queries.
type PhaseMode string

const (
	PhaseModeUnspecified PhaseMode = ""
	PhaseModeSequential  PhaseMode = "sequential"
	PhaseModeParallel    PhaseMode = "parallel"
)

// Task is one entry of the flat task list a graph is built from. When
// Dependencies is nil the ids are parsed from the (depends: ...) marker in
// the description; a non-nil slice (possibly empty) takes precedence, letting
// a dedicated parser supply them instead.
type Task struct {
	ID           string
	PhaseNumber  int
	Description  string
	Dependencies []string
	Status       Status
}

// TaskNode is a task installed in the graph, with its computed reverse edges.
type TaskNode struct {
	ID           string
	PhaseNumber  int
	Description  string
	Dependencies []string
	Dependents   []string
	InDegree     int
	Status       Status
}

// BlockedTask describes a pending task with unmet dependencies.
type BlockedTask struct {
	ID    string
	Unmet []UnmetDependency
}

// UnmetDependency names one unmet dependency and its current status.
type UnmetDependency struct {
	ID     string
	Status Status
}

// ReadyOptions controls GetReadyTasks.
type ReadyOptions struct {
	// IgnoreDeps bypasses the dependency check entirely.
	IgnoreDeps bool
	// PhasePriority restricts the result to the single earliest phase
	// present among ready tasks (strict phase gating).
	PhasePriority bool
}
