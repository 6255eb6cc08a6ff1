package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
)

// ProgressPaneModel shows session counters and, once the session ends, its
// result.
type ProgressPaneModel struct {
	total    int
	executed int
	skipped  int
	failed   int
	running  int
	result   string
	elapsed  time.Duration
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.SessionProgressEvent:
		m.total = msg.Total
		m.executed = msg.Executed
		m.skipped = msg.Skipped
		m.failed = msg.Failed
		m.running = msg.Running

	case events.SessionFinishedEvent:
		m.result = msg.Result
		m.elapsed = msg.Duration
		m.running = 0
	}
	return m, nil
}

// Finished reports whether the session has ended.
func (m ProgressPaneModel) Finished() bool {
	return m.result != ""
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

	done := m.executed + m.skipped + m.failed
	pending := max(m.total-done-m.running, 0)

	fmt.Fprintf(&b, "Total:    %d\n", m.total)
	fmt.Fprintf(&b, "Executed: %s\n", StyleSucceeded.Render(fmt.Sprint(m.executed)))
	fmt.Fprintf(&b, "Skipped:  %s\n", StylePending.Render(fmt.Sprint(m.skipped)))
	fmt.Fprintf(&b, "Running:  %s\n", StyleRunning.Render(fmt.Sprint(m.running)))
	fmt.Fprintf(&b, "Failed:   %s\n", StyleFailed.Render(fmt.Sprint(m.failed)))
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := max(min(m.width-6, 40), 1)
		okWidth := ((m.executed + m.skipped) * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - okWidth - failedWidth - runningWidth

		bar := StyleSucceeded.Render(strings.Repeat("=", max(0, okWidth)))
		bar += StyleFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StylePending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]\n%d/%d done, %d pending\n", bar, done, m.total, pending)
	}

	if m.Finished() {
		style := StyleSucceeded
		if m.result != "success" {
			style = StyleFailed
		}
		fmt.Fprintf(&b, "\n%s in %v\n", style.Render(strings.ToUpper(m.result)), m.elapsed.Round(time.Millisecond))
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
