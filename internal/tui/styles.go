package tui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Task state colors
var (
	StyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	StyleSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	StyleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	StyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	StylePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleSelected = lipgloss.NewStyle().Reverse(true)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// stateStyle returns the color of a task state.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case StateRunning:
		return StyleRunning
	case StateSucceeded:
		return StyleSucceeded
	case StateSkipped:
		return StyleSkipped
	case StateFailed:
		return StyleFailed
	default:
		return StylePending
	}
}
