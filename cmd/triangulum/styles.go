package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"triangulum/internal/types"
)

// Palette
var (
	colorPrimary = lipgloss.Color("#2196F3")
	colorSuccess = lipgloss.Color("#8BC34A")
	colorWarning = lipgloss.Color("#FFC107")
	colorDanger  = lipgloss.Color("#e53935")
	colorMuted   = lipgloss.Color("#7a8699")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	labelStyle  = lipgloss.NewStyle().Foreground(colorMuted).Width(16)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorDanger)
)

func statusStyle(s types.ResultStatus) lipgloss.Style {
	switch s {
	case types.StatusSuccess:
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case types.StatusEscalated:
		return lipgloss.NewStyle().Foreground(colorWarning)
	case types.StatusFailed:
		return lipgloss.NewStyle().Foreground(colorDanger)
	default:
		return lipgloss.NewStyle()
	}
}

func printTitle(w io.Writer, title string) {
	fmt.Fprintln(w, titleStyle.Render(title))
}

func printField(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s%v\n", labelStyle.Render(label), value)
}

// renderTable draws rows under headers. An empty table renders a muted
// placeholder instead.
func renderTable(w io.Writer, empty string, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render(empty))
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.String())
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
