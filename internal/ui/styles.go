// Package ui renders terminal output for the biotag CLI.
//
// Colours are dropped automatically when stdout is not a terminal or when
// NO_COLOR is set.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/gefbiotag/biotag/internal/schema"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	if !IsTerminal() || os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// IsTerminal reports whether stdout is an interactive terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// DisableColor turns off colour output.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// TerminalWidth returns the stdout width, or 80 when unknown.
func TerminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderHeader(s string) string { return headerStyle.Render(s) }

// RenderHeartRate colours a BPM reading by its triage level.
func RenderHeartRate(v schema.VitalSign) string {
	if v.IsZero() {
		return RenderMuted("--")
	}
	text := fmt.Sprintf("%d bpm", v.BPM)
	switch v.Status() {
	case schema.HeartRateNormal:
		return RenderPass(text)
	case schema.HeartRateWarning:
		return RenderWarn(text)
	default:
		return RenderFail(text)
	}
}

// RenderSyncState shows a record's sync state.
func RenderSyncState(s schema.SyncState) string {
	if s == schema.SyncSynced {
		return RenderPass("synced")
	}
	return RenderWarn("pending")
}

// RenderOccupancy draws a fixed-width bar for a shelter's occupancy.
func RenderOccupancy(o schema.Occupancy, width int) string {
	if width < 4 {
		width = 4
	}
	filled := int(o.Percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	switch o.Level {
	case schema.OccupancyDanger:
		bar = RenderFail(bar)
	case schema.OccupancyWarning:
		bar = RenderWarn(bar)
	default:
		bar = RenderPass(bar)
	}

	capacity := "?"
	if o.Shelter.Capacity > 0 {
		capacity = fmt.Sprintf("%d", o.Shelter.Capacity)
	}
	return fmt.Sprintf("%s %3.0f%% (%d/%s)", bar, o.Percent, o.Count, capacity)
}

// Table lays out rows in aligned columns.
func Table(headers []string, rows [][]string) string {
	table := lipgloss.NewStyle().PaddingRight(2)

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style func(string) string) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if style != nil {
				cell = style(cell)
			}
			parts[i] = table.Width(widths[i] + 2).Render(cell)
		}
		b.WriteString(strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " "))
		b.WriteString("\n")
	}

	writeRow(headers, RenderHeader)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return b.String()
}
