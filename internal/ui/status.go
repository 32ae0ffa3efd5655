package ui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
)

// SessionRow is one line of the fleet status view.
type SessionRow struct {
	Number string
	State  string
	Since  time.Time
}

// StatusView renders a header bar followed by one pill per session:
// [STATE pill] number ... uptime
func StatusView(rows []SessionRow, width int, now time.Time) string {
	var b strings.Builder
	b.WriteString(statusBar(fmt.Sprintf("%d active", len(rows)), width))
	for _, row := range rows {
		b.WriteString("\n")
		b.WriteString(sessionLine(row, width, now))
	}
	return b.String()
}

func statusBar(text string, width int) string {
	title := headerStyle.Render("TELEFLEET")
	count := lipgloss.NewStyle().
		Background(barBg).
		Foreground(lipgloss.Color("#FFFFFF")).
		Padding(0, 1).
		Render(text)

	left := title + count
	gap := width - lipgloss.Width(left)
	if gap < 0 {
		gap = 0
	}
	filler := lipgloss.NewStyle().
		Background(barBg).
		Render(strings.Repeat(" ", gap))
	return left + filler
}

func sessionLine(row SessionRow, width int, now time.Time) string {
	bg := pillOff
	if row.State == "open" {
		bg = pillOn
	}
	pill := lipgloss.NewStyle().
		Background(bg).
		Foreground(lipgloss.Color("#FFFFFF")).
		Bold(true).
		Padding(0, 1).
		Render(strings.ToUpper(row.State))

	left := pill + " " + nameStyle.Render(row.Number)
	right := dimStyle.Render("up " + now.Sub(row.Since).Truncate(time.Second).String())

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}
