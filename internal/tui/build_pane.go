package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/buildloom/internal/events"
)

// GoalState is what the pane tracks for a single goal.
type GoalState struct {
	Key       string
	Name      string
	Status    string // "running", "success", a failure exit code
	Output    []string
	StartTime time.Time
}

// BuildPaneModel is the goal list plus an output viewport for the
// selected goal.
type BuildPaneModel struct {
	goals       map[string]*GoalState // goal key -> state
	goalOrder   []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewBuildPaneModel creates a new build pane model.
func NewBuildPaneModel() BuildPaneModel {
	vp := viewport.New(0, 0)
	return BuildPaneModel{
		goals:    make(map[string]*GoalState),
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the build pane.
func (m BuildPaneModel) Update(msg tea.Msg) (BuildPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.goalOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			// Delegate other keys to viewport for scrolling
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.GoalStartedEvent:
		if _, exists := m.goals[msg.Key]; !exists {
			m.goals[msg.Key] = &GoalState{
				Key:       msg.Key,
				Name:      msg.Name,
				Status:    "running",
				Output:    make([]string, 0),
				StartTime: msg.Timestamp,
			}
			m.goalOrder = append(m.goalOrder, msg.Key)
			if len(m.goalOrder) == 1 {
				m.selectedIdx = 0
				m.updateViewportContent()
			}
		}

	case events.GoalOutputEvent:
		if g, exists := m.goals[msg.Key]; exists {
			g.Output = append(g.Output, msg.Line)
			// Debounce viewport refreshes for the selected goal
			if m.getSelectedKey() == msg.Key {
				m.updateTag++
				tag := m.updateTag
				return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
					return tickMsg{tag: tag}
				})
			}
		}

	case events.GoalFinishedEvent:
		if g, exists := m.goals[msg.Key]; exists {
			g.Status = msg.ExitCode
			if msg.Err != "" {
				g.Output = append(g.Output, fmt.Sprintf("\n[%s: %s]", msg.Status, msg.Err))
			} else {
				g.Output = append(g.Output, fmt.Sprintf("\n[%s in %v]", msg.Status, msg.Timestamp.Sub(g.StartTime).Round(time.Millisecond)))
			}
			if m.getSelectedKey() == msg.Key {
				m.updateViewportContent()
			}
		}

	case tickMsg:
		// Only refresh if this tick matches the current tag
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// View renders the build pane.
func (m BuildPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 30
	viewportWidth := m.width - listWidth - 4 // account for borders and padding

	listContent := m.renderGoalList(listWidth)
	viewportContent := m.viewport.View()

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		listContent,
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(viewportContent),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderGoalList renders the goal list column.
func (m BuildPaneModel) renderGoalList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Goals")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.goalOrder) == 0 {
		b.WriteString(StyleGoalIdle.Render("Waiting..."))
	} else {
		for i, key := range m.goalOrder {
			g := m.goals[key]
			icon := m.StatusIcon(g.Status)
			name := g.Name
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", icon, name)
			if i == m.selectedIdx {
				line = StyleSelectedGoal.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func (m BuildPaneModel) StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleGoalBusy.Render("●")
	case "success":
		return StyleGoalSuccess.Render("✓")
	case "failed", "no-substituters", "incomplete-closure":
		return StyleGoalFailed.Render("✗")
	default:
		return StyleGoalIdle.Render("○")
	}
}

// getSelectedKey returns the goal key of the currently selected entry.
func (m BuildPaneModel) getSelectedKey() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.goalOrder) {
		return m.goalOrder[m.selectedIdx]
	}
	return ""
}

// updateViewportContent fills the viewport with the selected goal's
// output.
func (m *BuildPaneModel) updateViewportContent() {
	key := m.getSelectedKey()
	if key == "" {
		m.viewport.SetContent("Waiting for goals...")
		return
	}

	g, exists := m.goals[key]
	if !exists {
		m.viewport.SetContent("Waiting for goals...")
		return
	}

	m.viewport.SetContent(strings.Join(g.Output, "\n"))
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *BuildPaneModel) resizeViewport() {
	listWidth := 30
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4 // account for borders

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *BuildPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *BuildPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
