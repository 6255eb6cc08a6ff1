package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

type keyMap struct {
	Quit         key.Binding
	NextPane     key.Binding
	PrevPane     key.Binding
	TasksPane    key.Binding
	ProgressPane key.Binding
	Up           key.Binding
	Down         key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	NextPane: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "cycle focus"),
	),
	PrevPane: key.NewBinding(
		key.WithKeys("shift+tab"),
	),
	TasksPane: key.NewBinding(
		key.WithKeys("1"),
		key.WithHelp("1/2", "jump to pane"),
	),
	ProgressPane: key.NewBinding(
		key.WithKeys("2"),
	),
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("j/k", "select task"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
	),
}

// HelpView returns a one-line help bar built from the bindings that carry help.
func HelpView() string {
	var parts []string
	for _, b := range []key.Binding{keys.NextPane, keys.TasksPane, keys.Up, keys.Quit} {
		h := b.Help()
		parts = append(parts, h.Key+": "+h.Desc)
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}
