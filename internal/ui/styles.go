package ui

import (
	"strings"

	"charm.land/lipgloss/v2"
)

var (
	// Dark gray background matching the lipgloss example
	barBg = lipgloss.Color("#353533")
	// Bright magenta for open sessions, muted purple otherwise
	pillOn  = lipgloss.Color("#FF5FAF")
	pillOff = lipgloss.Color("#6C5098")
	accent  = lipgloss.Color("#6124DF")

	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	nameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(accent).
			Bold(true).
			Padding(0, 1)
)

// padRight pads s with spaces to width cells.
func padRight(s string, width int) string {
	gap := width - lipgloss.Width(s)
	if gap <= 0 {
		return s
	}
	return s + strings.Repeat(" ", gap)
}

// truncate limits s to at most max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}
