package ui

import (
	"path/filepath"
	"strings"

	"github.com/danhigham/telefleet/internal/command"
)

const descriptionWidth = 48

// CommandTable lists loaded commands with their aliases and source file.
func CommandTable(descs []*command.Descriptor) string {
	if len(descs) == 0 {
		return dimStyle.Render("no commands loaded")
	}

	rows := make([][]string, 0, len(descs))
	for _, d := range descs {
		rows = append(rows, []string{
			d.Name,
			strings.Join(d.Aliases, ", "),
			truncate(d.Description, descriptionWidth),
			filepath.Base(d.Source),
		})
	}

	headers := []string{"NAME", "ALIASES", "DESCRIPTION", "SOURCE"}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := len([]rune(cell)); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(padRight(headerStyle.Render(h), widths[i]+2))
	}
	for _, row := range rows {
		b.WriteString("\n")
		for i, cell := range row {
			text := padRight(cell, widths[i]+2)
			if i == 0 {
				text = padRight(nameStyle.Render(cell), widths[i]+2)
			} else if i > 1 {
				text = dimStyle.Render(text)
			}
			b.WriteString(text)
		}
	}
	return b.String()
}
