package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Pane chrome
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("39"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("238"))

	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	StyleSelectedGoal = lipgloss.NewStyle().
				Background(lipgloss.Color("39")).
				Foreground(lipgloss.Color("0"))
)

// Goal lifecycle styles. Busy covers everything not yet terminal; the
// three failure exit codes all render as failed.
var (
	StyleGoalBusy = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	StyleGoalSuccess = lipgloss.NewStyle().
				Foreground(lipgloss.Color("42")).
				Bold(true)

	StyleGoalFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	StyleGoalIdle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)
