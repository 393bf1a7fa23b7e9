// Package ui renders a live terminal monitor for a running plan. It is a
// read-only observer: it polls the dependency graph and the pool stats on a
// tick and never mutates either.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"conductor/depgraph"
	"conductor/pool"
)

const refreshInterval = 250 * time.Millisecond

type tickMsg time.Time

// RunFinishedMsg tells the monitor the run is over; it renders one final
// frame and quits.
type RunFinishedMsg struct {
	Summary string
}

// Monitor is the bubbletea model of the live view.
type Monitor struct {
	title string
	graph *depgraph.Graph
	pool  *pool.Pool

	spinner  spinner.Model
	finished bool
	summary  string
	width    int
}

// NewMonitor creates a monitor over a graph and the pool executing it.
func NewMonitor(title string, graph *depgraph.Graph, p *pool.Pool) *Monitor {
	return &Monitor{
		title:   title,
		graph:   graph,
		pool:    p,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		width:   80,
	}
}

// Init implements tea.Model.
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tickMsg:
		if m.finished {
			return m, tea.Quit
		}
		return m, tick()
	case RunFinishedMsg:
		m.finished = true
		m.summary = msg.Summary
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m *Monitor) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-8s %-12s %s", "TASK", "STATUS", "DESCRIPTION")))
	b.WriteString("\n")

	for _, node := range m.graph.Nodes() {
		marker := "  "
		if node.Status == depgraph.StatusInProgress {
			marker = m.spinner.View()
		}
		line := fmt.Sprintf("%s%-8s %-12s %s", marker, node.ID, node.Status, truncate(node.Description, m.width-26))
		b.WriteString(styleFor(node.Status).Render(line))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	stats := m.pool.GetStats()
	b.WriteString(footerStyle.Render(fmt.Sprintf(
		"  active %d  queued %d  retried %d  cache %d/%d  •  q to quit",
		m.pool.ActiveCount(), m.pool.QueuedCount(), stats.Retried, stats.CacheHits, stats.CacheHits+stats.CacheMisses)))
	b.WriteString("\n")

	if m.finished && m.summary != "" {
		b.WriteString("\n")
		b.WriteString(m.summary)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
