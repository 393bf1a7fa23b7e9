package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	reportTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#0ea5e9"))
	completedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	failedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	blockedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#eab308"))
	dimStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

// Report renders an end-of-run summary for terminal output.
func (res *Result) Report() string {
	var b strings.Builder

	b.WriteString(reportTitleStyle.Render(fmt.Sprintf("Run %s finished in %s", res.RunID, res.Duration.Round(time.Millisecond))))
	b.WriteString("\n\n")

	b.WriteString(completedStyle.Render(fmt.Sprintf("  %d completed", res.Completed)))
	b.WriteString("\n")
	if res.Failed > 0 {
		b.WriteString(failedStyle.Render(fmt.Sprintf("  %d failed", res.Failed)))
		b.WriteString("\n")
	}
	if res.Skipped > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %d skipped", res.Skipped)))
		b.WriteString("\n")
	}

	if len(res.Blocked) > 0 {
		b.WriteString("\n")
		b.WriteString(blockedStyle.Render(fmt.Sprintf("  %d blocked:", len(res.Blocked))))
		b.WriteString("\n")
		for _, blocked := range res.Blocked {
			var unmet []string
			for _, dep := range blocked.Unmet {
				unmet = append(unmet, fmt.Sprintf("%s (%s)", dep.ID, dep.Status))
			}
			b.WriteString(dimStyle.Render(fmt.Sprintf("    %s waiting on %s", blocked.ID, strings.Join(unmet, ", "))))
			b.WriteString("\n")
		}
	}

	stats := res.Stats
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("  pool: %d submitted, %d retried, %d cache hits",
		stats.Submitted, stats.Retried, stats.CacheHits)))
	b.WriteString("\n")

	return b.String()
}
