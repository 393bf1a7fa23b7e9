package depgraph

import (
	"conductor/log"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// CycleError reports a dependency cycle. Path is the ordered cycle with the
// repeated task at both ends, e.g. ["1.2", "2.1", "1.2"].
type CycleError struct {
	Path []string
}

// Error implements the error interface
func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// Graph is an installed dependency graph over a task list. A Graph is never
// cyclic: cycle detection runs at construction and a cyclic input is rejected
// before any readiness query can be served. The graph is rebuilt wholesale
// when the underlying task list changes; only task statuses mutate in place.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]*TaskNode
	order      []string
	triggers   map[int]string
	phaseModes map[int]PhaseMode
}

// New builds a graph from a flat task list. Dependencies come from each
// task's Dependencies slice, or from the (depends: ...) marker in its
// description when the slice is nil. Duplicate ids, self-dependencies and
// cycles are rejected; references to unknown task ids are dropped with a
// warning.
func New(tasks []Task) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*TaskNode, len(tasks)),
		triggers:   make(map[int]string),
		phaseModes: make(map[int]PhaseMode),
	}

	for _, task := range tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if _, exists := g.nodes[task.ID]; exists {
			return nil, fmt.Errorf("duplicate task id %q", task.ID)
		}

		deps := task.Dependencies
		if deps == nil {
			deps = ParseDependencies(task.Description)
		}

		status := task.Status
		if status == "" {
			status = StatusPending
		}

		g.nodes[task.ID] = &TaskNode{
			ID:           task.ID,
			PhaseNumber:  task.PhaseNumber,
			Description:  task.Description,
			Dependencies: deps,
			Status:       status,
		}
		g.order = append(g.order, task.ID)
	}

	// Resolve edges: drop unknown references, reject self-dependencies, and
	// accumulate the symmetric dependents set.
	for _, id := range g.order {
		node := g.nodes[id]
		var known []string
		for _, depID := range node.Dependencies {
			if depID == id {
				return nil, fmt.Errorf("task %q depends on itself", id)
			}
			dep, ok := g.nodes[depID]
			if !ok {
				log.WarningLog.Printf("task %s references unknown dependency %s, ignoring", id, depID)
				continue
			}
			known = append(known, depID)
			dep.Dependents = append(dep.Dependents, id)
		}
		node.Dependencies = known
		node.InDegree = len(known)
	}

	if path := g.findCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}

	return g, nil
}

// findCycle runs a three-color depth-first search over the declared edges.
// It returns the ordered cycle path, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on current path
		black = 2 // done
	)

	color := make(map[string]int, len(g.nodes))
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		for _, depID := range g.nodes[id].Dependencies {
			if color[depID] == gray {
				// Found a cycle: walk parent pointers back to the gray node.
				cyclePath = []string{depID}
				current := id
				for current != depID {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, depID)
				// Reverse to get forward order.
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[depID] == white {
				parent[depID] = id
				if dfs(depID) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}
	return nil
}

// RegisterTrigger installs a pipeline-start trigger for a phase: tasks of
// that phase with zero declared dependencies become eligible only once the
// trigger task is completed or skipped, letting the phase begin before every
// task of earlier phases finishes.
func (g *Graph) RegisterTrigger(phase int, triggerTaskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[triggerTaskID]; !ok {
		return fmt.Errorf("trigger task %q not in graph", triggerTaskID)
	}
	g.triggers[phase] = triggerTaskID
	return nil
}

// SetPhaseMode records the advisory sequential/parallel annotation of a
// phase. Readiness queries do not enforce it.
func (g *Graph) SetPhaseMode(phase int, mode PhaseMode) {
	g.mu.Lock()
	g.phaseModes[phase] = mode
	g.mu.Unlock()
}

// PhaseMode returns the advisory annotation recorded for a phase.
func (g *Graph) PhaseMode(phase int) PhaseMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.phaseModes[phase]
}

// SetStatus updates the status of one task.
func (g *Graph) SetStatus(id string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("task %q not in graph", id)
	}
	node.Status = status
	return nil
}

// GetStatus returns the status of one task.
func (g *Graph) GetStatus(id string) (Status, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return "", fmt.Errorf("task %q not in graph", id)
	}
	return node.Status, nil
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (TaskNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return TaskNode{}, false
	}
	return g.copyNode(node), true
}

// Nodes returns copies of every node in task-list order.
func (g *Graph) Nodes() []TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]TaskNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.copyNode(g.nodes[id]))
	}
	return out
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// GetReadyTasks returns the ids of tasks currently eligible to run: pending,
// with every dependency completed or skipped (unless IgnoreDeps), honoring
// pipeline-start triggers. Results are ordered by phase number ascending then
// task id in natural numeric order, restricted to the earliest ready phase
// when PhasePriority is set, and capped at maxCount (<= 0 means no cap).
func (g *Graph) GetReadyTasks(maxCount int, opts ReadyOptions) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*TaskNode
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Status != StatusPending {
			continue
		}
		if !opts.IgnoreDeps && !g.eligibleLocked(node) {
			continue
		}
		ready = append(ready, node)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].PhaseNumber != ready[j].PhaseNumber {
			return ready[i].PhaseNumber < ready[j].PhaseNumber
		}
		return compareTaskIDs(ready[i].ID, ready[j].ID) < 0
	})

	if opts.PhasePriority && len(ready) > 0 {
		first := ready[0].PhaseNumber
		n := 0
		for _, node := range ready {
			if node.PhaseNumber != first {
				break
			}
			n++
		}
		ready = ready[:n]
	}

	if maxCount > 0 && len(ready) > maxCount {
		ready = ready[:maxCount]
	}

	ids := make([]string, len(ready))
	for i, node := range ready {
		ids[i] = node.ID
	}
	return ids
}

// eligibleLocked applies the dependency rule plus the pipeline-start
// exception. Caller must hold g.mu.
func (g *Graph) eligibleLocked(node *TaskNode) bool {
	if len(node.Dependencies) == 0 {
		trigger, gated := g.triggers[node.PhaseNumber]
		if !gated {
			return true
		}
		triggerNode, ok := g.nodes[trigger]
		return ok && triggerNode.Status.satisfied()
	}

	for _, depID := range node.Dependencies {
		if !g.nodes[depID].Status.satisfied() {
			return false
		}
	}
	return true
}

// GetBlockedTasks returns, for every pending task with unmet dependencies,
// the unmet dependency ids and their current status.
func (g *Graph) GetBlockedTasks() []BlockedTask {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var blocked []BlockedTask
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Status != StatusPending {
			continue
		}
		var unmet []UnmetDependency
		for _, depID := range node.Dependencies {
			dep := g.nodes[depID]
			if !dep.Status.satisfied() {
				unmet = append(unmet, UnmetDependency{ID: depID, Status: dep.Status})
			}
		}
		if len(unmet) > 0 {
			blocked = append(blocked, BlockedTask{ID: id, Unmet: unmet})
		}
	}
	return blocked
}

// copyNode returns a deep copy so callers can't mutate installed nodes.
func (g *Graph) copyNode(node *TaskNode) TaskNode {
	out := *node
	out.Dependencies = append([]string(nil), node.Dependencies...)
	out.Dependents = append([]string(nil), node.Dependents...)
	return out
}
