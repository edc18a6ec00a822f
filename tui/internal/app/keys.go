package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	Connect    key.Binding
	Disconnect key.Binding
	Start      key.Binding
	Stop       key.Binding
	Calibrate  key.Binding
	Save       key.Binding
	Reset      key.Binding
	NextChan   key.Binding
	PrevChan   key.Binding
	ToggleRaw  key.Binding
	Up         key.Binding
	Down       key.Binding
	Detail     key.Binding
	Debug      key.Binding
	Notes      key.Binding
	Help       key.Binding
	Escape     key.Binding
	Quit       key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Connect: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "connect device"),
		),
		Disconnect: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "disconnect"),
		),
		Start: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "start stream"),
		),
		Stop: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "stop stream"),
		),
		Calibrate: key.NewBinding(
			key.WithKeys("k"),
			key.WithHelp("k", "calibrate"),
		),
		Save: key.NewBinding(
			key.WithKeys("w"),
			key.WithHelp("w", "save data"),
		),
		Reset: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "reset session"),
		),
		NextChan: key.NewBinding(
			key.WithKeys("]", "right"),
			key.WithHelp("]/→", "next channel"),
		),
		PrevChan: key.NewBinding(
			key.WithKeys("[", "left"),
			key.WithHelp("[/←", "prev channel"),
		),
		ToggleRaw: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "raw/filtered"),
		),
		Up: key.NewBinding(
			key.WithKeys("up"),
			key.WithHelp("↑", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down"),
			key.WithHelp("↓", "scroll down"),
		),
		Detail: key.NewBinding(
			key.WithKeys("i", "enter"),
			key.WithHelp("i", "device info"),
		),
		Debug: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "protocol log"),
		),
		Notes: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "log: hide notifications"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
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

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Connect, k.Start, k.Stop, k.Calibrate, k.Save, k.Detail, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Connect, k.Disconnect, k.Start, k.Stop},
		{k.Calibrate, k.Save, k.Reset},
		{k.NextChan, k.PrevChan, k.ToggleRaw},
		{k.Detail, k.Debug, k.Notes, k.Help, k.Escape, k.Quit},
	}
}
