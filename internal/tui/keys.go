package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Add    key.Binding
	Toggle key.Binding
	Inc    key.Binding
	Dec    key.Binding
	Remove key.Binding
	Clear  key.Binding
	Sync   key.Binding
	Help   key.Binding
	Quit   key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Add:    key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "add")),
		Toggle: key.NewBinding(key.WithKeys(" ", "space"), key.WithHelp("space", "bought")),
		Inc:    key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "qty up")),
		Dec:    key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "qty down")),
		Remove: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "remove")),
		Clear:  key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear bought")),
		Sync:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "sync now")),
		Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more keys")),
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Add, k.Toggle, k.Remove, k.Sync, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Add, k.Toggle, k.Inc, k.Dec},
		{k.Remove, k.Clear},
		{k.Sync, k.Help, k.Quit},
	}
}
