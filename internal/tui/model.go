// Package tui renders a live view of a build: one pane listing goals
// with their builder output, one pane with overall progress.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/buildloom/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneGoals PaneID = iota
	PaneProgress
)

// Model is the root Bubble Tea model for the build TUI.
type Model struct {
	buildPane    BuildPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
}

// New creates the TUI model, subscribed to every bus topic.
func New(bus *events.Bus) Model {
	return Model{
		buildPane:    NewBuildPaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneGoals,
		eventSub:     bus.SubscribeAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab, KeyShiftTab:
			if m.focusedPane == PaneGoals {
				m.focusedPane = PaneProgress
			} else {
				m.focusedPane = PaneGoals
			}
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneGoals
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneGoals {
				var cmd tea.Cmd
				m.buildPane, cmd = m.buildPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.GoalStartedEvent, events.GoalOutputEvent, events.GoalFinishedEvent:
		var cmd tea.Cmd
		m.buildPane, cmd = m.buildPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.ProgressEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	left := m.buildPane.View()
	right := m.progressPane.View()

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates the child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 70) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.buildPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of both panes.
func (m *Model) updateFocusStates() {
	m.buildPane.SetFocused(m.focusedPane == PaneGoals)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
