package console

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the console.
type KeyMap struct {
	Refresh   key.Binding
	Reconnect key.Binding
	Reload    key.Binding
	Diagnose  key.Binding
	Log       key.Binding
	Up        key.Binding
	Down      key.Binding
	Escape    key.Binding
	Quit      key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Refresh: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "refresh token"),
		),
		Reconnect: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "reconnect"),
		),
		Reload: key.NewBinding(
			key.WithKeys("l"),
			key.WithHelp("l", "reload page"),
		),
		Diagnose: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "diagnose"),
		),
		Log: key.NewBinding(
			key.WithKeys("v"),
			key.WithHelp("v", "event log"),
		),
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "scroll down"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
