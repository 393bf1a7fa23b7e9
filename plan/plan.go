package plan

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"conductor/depgraph"

	"gopkg.in/yaml.v3"
)

var (
	phasePattern = regexp.MustCompile(`^##\s+Phase\s+(\d+)\s*:\s*(.*?)\s*$`)
	taskPattern  = regexp.MustCompile(`^\s*-\s*\[([ xX])\]\s+(\d+(?:\.\d+)*)\s+(.*)$`)
)

// FrontMatter holds the optional YAML block at the top of a plan file,
// delimited by "---" lines.
type FrontMatter struct {
	Title string `yaml:"title"`
	// Triggers maps a phase number to the task whose completion releases
	// that phase's zero-dependency tasks.
	Triggers map[int]string `yaml:"triggers"`
}

// Task is one checklist line of a plan.
type Task struct {
	ID           string
	Description  string
	Dependencies []string
	Completed    bool
}

// Phase groups the tasks under one "## Phase N" heading.
type Phase struct {
	Number int
	Title  string
	Mode   depgraph.PhaseMode
	Tasks  []Task
}

// Plan is a parsed plan file.
type Plan struct {
	Path     string
	Title    string
	Phases   []Phase
	Triggers map[int]string
}

// Load reads and parses the plan file at path.
func Load(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan: %w", err)
	}
	defer f.Close()

	p, err := parse(bufio.NewScanner(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Path = path
	return p, nil
}

// Parse parses plan content held in memory.
func Parse(content string) (*Plan, error) {
	return parse(bufio.NewScanner(strings.NewReader(content)))
}

func parse(scanner *bufio.Scanner) (*Plan, error) {
	p := &Plan{Triggers: make(map[int]string)}

	lineNo := 0
	next := func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		lineNo++
		return scanner.Text(), true
	}

	line, ok := next()
	if !ok {
		return nil, fmt.Errorf("empty plan")
	}

	// Optional front matter.
	if strings.TrimSpace(line) == "---" {
		var block strings.Builder
		closed := false
		for {
			line, ok = next()
			if !ok {
				break
			}
			if strings.TrimSpace(line) == "---" {
				closed = true
				break
			}
			block.WriteString(line)
			block.WriteString("\n")
		}
		if !closed {
			return nil, fmt.Errorf("unterminated front matter")
		}

		var fm FrontMatter
		if err := yaml.Unmarshal([]byte(block.String()), &fm); err != nil {
			return nil, fmt.Errorf("invalid front matter: %w", err)
		}
		p.Title = fm.Title
		for phase, taskID := range fm.Triggers {
			p.Triggers[phase] = taskID
		}

		line, ok = next()
		if !ok {
			return p, nil
		}
	}

	var current *Phase
	for {
		if m := phasePattern.FindStringSubmatch(line); m != nil {
			number, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid phase number %q", lineNo, m[1])
			}
			title, mode := splitMode(m[2])
			p.Phases = append(p.Phases, Phase{Number: number, Title: title, Mode: mode})
			current = &p.Phases[len(p.Phases)-1]
		} else if m := taskPattern.FindStringSubmatch(line); m != nil {
			if current == nil {
				return nil, fmt.Errorf("line %d: task %s appears before any phase heading", lineNo, m[2])
			}
			description := strings.TrimSpace(m[3])
			current.Tasks = append(current.Tasks, Task{
				ID:           m[2],
				Description:  description,
				Dependencies: depgraph.ParseDependencies(description),
				Completed:    m[1] != " ",
			})
		} else if p.Title == "" {
			if title, found := strings.CutPrefix(strings.TrimSpace(line), "# "); found {
				p.Title = strings.TrimSpace(title)
			}
		}

		line, ok = next()
		if !ok {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	if len(p.Phases) == 0 {
		return nil, fmt.Errorf("plan has no phases")
	}

	seen := make(map[string]int)
	for _, phase := range p.Phases {
		for _, task := range phase.Tasks {
			if prev, dup := seen[task.ID]; dup {
				return nil, fmt.Errorf("duplicate task id %s (phases %d and %d)", task.ID, prev, phase.Number)
			}
			seen[task.ID] = phase.Number
		}
	}
	for phase, taskID := range p.Triggers {
		if _, exists := seen[taskID]; !exists {
			return nil, fmt.Errorf("trigger for phase %d references unknown task %s", phase, taskID)
		}
	}

	return p, nil
}

// splitMode strips a trailing [SEQUENTIAL] or [PARALLEL] annotation from a
// phase title.
func splitMode(title string) (string, depgraph.PhaseMode) {
	switch {
	case strings.HasSuffix(title, "[SEQUENTIAL]"):
		return strings.TrimSpace(strings.TrimSuffix(title, "[SEQUENTIAL]")), depgraph.PhaseModeSequential
	case strings.HasSuffix(title, "[PARALLEL]"):
		return strings.TrimSpace(strings.TrimSuffix(title, "[PARALLEL]")), depgraph.PhaseModeParallel
	default:
		return title, depgraph.PhaseModeUnspecified
	}
}

// Tasks flattens the plan into graph tasks, carrying over checkbox state.
func (p *Plan) Tasks() []depgraph.Task {
	var tasks []depgraph.Task
	for _, phase := range p.Phases {
		for _, t := range phase.Tasks {
			status := depgraph.StatusPending
			if t.Completed {
				status = depgraph.StatusCompleted
			}
			tasks = append(tasks, depgraph.Task{
				ID:           t.ID,
				PhaseNumber:  phase.Number,
				Description:  t.Description,
				Dependencies: t.Dependencies,
				Status:       status,
			})
		}
	}
	return tasks
}

// Graph builds the dependency graph for the plan, registering phase modes
// and pipeline-start triggers.
func (p *Plan) Graph() (*depgraph.Graph, error) {
	g, err := depgraph.New(p.Tasks())
	if err != nil {
		return nil, err
	}
	for _, phase := range p.Phases {
		if phase.Mode != depgraph.PhaseModeUnspecified {
			g.SetPhaseMode(phase.Number, phase.Mode)
		}
	}
	for phase, taskID := range p.Triggers {
		if err := g.RegisterTrigger(phase, taskID); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// TaskCount returns the total number of tasks across all phases.
func (p *Plan) TaskCount() int {
	n := 0
	for _, phase := range p.Phases {
		n += len(phase.Tasks)
	}
	return n
}

// CompletedCount returns the number of checked-off tasks.
func (p *Plan) CompletedCount() int {
	n := 0
	for _, phase := range p.Phases {
		for _, t := range phase.Tasks {
			if t.Completed {
				n++
			}
		}
	}
	return n
}
