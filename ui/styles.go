package ui

import (
	"github.com/charmbracelet/lipgloss"

	"conductor/depgraph"
)

var titleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#7EC8D8"))

var headerStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
	Light: "#655F5F",
	Dark:  "#7F7A7A",
})

var footerStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{
	Light: "#7A7474",
	Dark:  "#9C9494",
})

var (
	pendingStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	inProgressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#0ea5e9"))
	completedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	failedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	skippedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#eab308"))
)

// styleFor returns the render style for a task status.
func styleFor(status depgraph.Status) lipgloss.Style {
	switch status {
	case depgraph.StatusInProgress:
		return inProgressStyle
	case depgraph.StatusCompleted:
		return completedStyle
	case depgraph.StatusFailed:
		return failedStyle
	case depgraph.StatusSkipped:
		return skippedStyle
	default:
		return pendingStyle
	}
}
