package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
)

// Task display states
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateSkipped   = "skipped"
	StateFailed    = "failed"
)

// TaskState is what the pane knows about one task.
type TaskState struct {
	Name      string
	Doc       string
	Status    string
	Detail    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists the tasks of the session next to a scrollable detail
// viewport for the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // first-seen order
	selectedIdx int
	follow      bool // keep the newest task selected
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		follow:   true,
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.follow = m.selectedIdx == len(m.order)-1
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.follow = false
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskExecutingEvent:
		t := m.track(msg.ID)
		t.Doc = msg.Doc
		t.Status = StateRunning
		t.StartTime = msg.Timestamp
		t.Detail = append(t.Detail, fmt.Sprintf("[%s] executing", msg.Timestamp.Format(time.TimeOnly)))

	case events.TaskSkippedEvent:
		t := m.track(msg.ID)
		t.Status = StateSkipped
		t.Detail = append(t.Detail, "skipped: "+msg.Status)

	case events.TaskSucceededEvent:
		t := m.track(msg.ID)
		t.Status = StateSucceeded
		t.Duration = msg.Duration
		t.Detail = append(t.Detail, fmt.Sprintf("[Succeeded in %v]", msg.Duration.Round(time.Millisecond)))

	case events.TaskFailedEvent:
		t := m.track(msg.ID)
		t.Status = StateFailed
		t.Duration = msg.Duration
		t.Detail = append(t.Detail, fmt.Sprintf("[%s: %v]", msg.Kind, msg.Err))

	case events.TeardownFailedEvent:
		t := m.track(msg.ID)
		t.Detail = append(t.Detail, fmt.Sprintf("[teardown failed: %v]", msg.Err))
	}

	if _, ok := msg.(events.Event); ok {
		if m.follow && len(m.order) > 0 {
			m.selectedIdx = len(m.order) - 1
		}
		m.updateViewportContent()
	}
	return m, cmd
}

// track returns the state of name, adding it on first sight.
func (m *TaskPaneModel) track(name string) *TaskState {
	if t, ok := m.tasks[name]; ok {
		return t
	}
	t := &TaskState{Name: name}
	m.tasks[name] = t
	m.order = append(m.order, name)
	return t
}

// Task returns the state of name.
func (m TaskPaneModel) Task(name string) (*TaskState, bool) {
	t, ok := m.tasks[name]
	return t, ok
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
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

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StylePending.Render("Waiting..."))
	}
	for i, name := range m.order {
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(m.tasks[m.order[i]].Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

var stateIcons = map[string]string{
	StateRunning:   "●",
	StateSucceeded: "✓",
	StateSkipped:   "-",
	StateFailed:    "✗",
}

// StatusIcon returns a styled status indicator.
func StatusIcon(state string) string {
	icon, ok := stateIcons[state]
	if !ok {
		icon = "○"
	}
	return stateStyle(state).Render(icon)
}

func (m TaskPaneModel) selectedTask() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// updateViewportContent shows the selected task's detail.
func (m *TaskPaneModel) updateViewportContent() {
	name := m.selectedTask()
	if name == "" {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	t := m.tasks[name]
	var b strings.Builder
	b.WriteString(StyleTitle.Render(t.Name))
	b.WriteString(" ")
	b.WriteString(stateStyle(t.Status).Render(t.Status))
	b.WriteString("\n")
	if t.Doc != "" {
		b.WriteString(t.Doc)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(t.Detail, "\n"))
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	listWidth := 28
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
