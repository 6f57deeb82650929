package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/buildloom/internal/events"
)

// ProgressPaneModel shows overall build progress.
type ProgressPaneModel struct {
	total     int
	succeeded int
	failed    int
	busy      int
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.ProgressEvent:
		m.total = msg.Total
		m.succeeded = msg.Succeeded
		m.failed = msg.Failed
		m.busy = msg.Busy
	}

	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Goals:     %d\n", m.total))
	b.WriteString(fmt.Sprintf("Succeeded: %s\n", StyleGoalSuccess.Render(fmt.Sprintf("%d", m.succeeded))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleGoalFailed.Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString(fmt.Sprintf("Busy:      %s\n", StyleGoalBusy.Render(fmt.Sprintf("%d", m.busy))))

	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		succeededWidth := (m.succeeded * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		busyWidth := barWidth - succeededWidth - failedWidth

		bar := StyleGoalSuccess.Render(strings.Repeat("=", max(0, succeededWidth)))
		bar += StyleGoalFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleGoalIdle.Render(strings.Repeat(".", max(0, busyWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, m.succeeded+m.failed, m.total))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
