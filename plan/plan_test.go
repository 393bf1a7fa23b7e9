package plan

import (
	"os"
	"path/filepath"
	"testing"

	"conductor/depgraph"
	"conductor/log"

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

const samplePlan = `# Payment Service Rollout

## Phase 1: Foundations [SEQUENTIAL]

- [x] 1.1 Design the database schema
- [ ] 1.2 Implement the data layer (depends: 1.1)

## Phase 2: Features [PARALLEL]

- [ ] 2.1 Implement the charge endpoint (depends: 1.2)
- [ ] 2.2 Implement the refund endpoint (depends: 1.2)

## Phase 3: Hardening

- [ ] 3.1 Load test the service (depends: 2.1, 2.2)
`

func TestParseBasicPlan(t *testing.T) {
	p, err := Parse(samplePlan)
	require.NoError(t, err)

	assert.Equal(t, "Payment Service Rollout", p.Title)
	require.Len(t, p.Phases, 3)
	assert.Equal(t, 5, p.TaskCount())
	assert.Equal(t, 1, p.CompletedCount())

	first := p.Phases[0]
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, "Foundations", first.Title)
	assert.Equal(t, depgraph.PhaseModeSequential, first.Mode)
	require.Len(t, first.Tasks, 2)
	assert.True(t, first.Tasks[0].Completed)
	assert.False(t, first.Tasks[1].Completed)
	assert.Equal(t, []string{"1.1"}, first.Tasks[1].Dependencies)

	assert.Equal(t, depgraph.PhaseModeParallel, p.Phases[1].Mode)
	assert.Equal(t, depgraph.PhaseModeUnspecified, p.Phases[2].Mode)
	assert.Equal(t, []string{"2.1", "2.2"}, p.Phases[2].Tasks[0].Dependencies)
}

func TestParseFrontMatter(t *testing.T) {
	content := `---
title: Release Train
triggers:
  2: "1.1"
---

## Phase 1: Prep

- [ ] 1.1 Cut the release branch
- [ ] 1.2 Update the changelog

## Phase 2: Ship

- [ ] 2.1 Deploy to staging
`
	p, err := Parse(content)
	require.NoError(t, err)
	assert.Equal(t, "Release Train", p.Title)
	assert.Equal(t, map[int]string{2: "1.1"}, p.Triggers)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"no phases", "# Title\n\nsome prose\n"},
		{"task before phase", "- [ ] 1.1 Orphan task\n"},
		{"duplicate task id", "## Phase 1: A\n- [ ] 1.1 first\n- [ ] 1.1 again\n"},
		{"unterminated front matter", "---\ntitle: x\n"},
		{"invalid front matter", "---\ntitle: [\n---\n## Phase 1: A\n- [ ] 1.1 t\n"},
		{"trigger unknown task", "---\ntriggers:\n  2: \"9.9\"\n---\n## Phase 1: A\n- [ ] 1.1 t\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			assert.Error(t, err)
		})
	}
}

func TestTasksCarryCheckboxState(t *testing.T) {
	p, err := Parse(samplePlan)
	require.NoError(t, err)

	tasks := p.Tasks()
	require.Len(t, tasks, 5)
	assert.Equal(t, depgraph.StatusCompleted, tasks[0].Status)
	assert.Equal(t, depgraph.StatusPending, tasks[1].Status)
	assert.Equal(t, 2, tasks[2].PhaseNumber)
}

func TestGraphFromPlan(t *testing.T) {
	p, err := Parse(samplePlan)
	require.NoError(t, err)

	g, err := p.Graph()
	require.NoError(t, err)

	// 1.1 is already checked off, so 1.2 is the only ready task.
	ready := g.GetReadyTasks(0, depgraph.ReadyOptions{})
	require.Len(t, ready, 1)
	assert.Equal(t, "1.2", ready[0])

	assert.Equal(t, depgraph.PhaseModeSequential, g.PhaseMode(1))
}

func TestGraphRejectsCyclicPlan(t *testing.T) {
	content := `## Phase 1: A
- [ ] 1.1 first (depends: 1.2)
- [ ] 1.2 second (depends: 1.1)
`
	p, err := Parse(content)
	require.NoError(t, err)

	_, err = p.Graph()
	require.Error(t, err)
	var cycleErr *depgraph.CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, p.Path)
	assert.Equal(t, 5, p.TaskCount())

	_, err = Load(filepath.Join(dir, "missing.md"))
	assert.Error(t, err)
}
