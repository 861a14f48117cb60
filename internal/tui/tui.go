// Package tui is the terminal front end of the shopping-list client.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dukerupert/shoplist/internal/localstate"
	"github.com/dukerupert/shoplist/internal/model"
	"github.com/dukerupert/shoplist/internal/syncer"
)

const refreshInterval = time.Second

// Syncer is the part of the sync loop the UI drives.
type Syncer interface {
	Flush(ctx context.Context, listID string) (syncer.Result, error)
	LastResult(listID string) (syncer.Result, bool)
}

type refreshMsg time.Time

type syncDoneMsg struct {
	res syncer.Result
	err error
}

// Model is the Bubble Tea model for one list.
type Model struct {
	state  *localstate.State
	sync   Syncer
	listID string
	logger *slog.Logger

	keys   keyMap
	help   help.Model
	input  textinput.Model
	adding bool
	cursor int

	status string
	err    string
	width  int
}

func New(state *localstate.State, s Syncer, listID string, logger *slog.Logger) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "milk x2"
	ti.CharLimit = 200

	return Model{
		state:  state,
		sync:   s,
		listID: listID,
		logger: logger.With("component", "tui"),
		keys:   defaultKeyMap(),
		help:   help.New(),
		input:  ti,
	}
}

// Run shows the list until the user quits or ctx is cancelled.
func Run(ctx context.Context, state *localstate.State, s Syncer, listID string, logger *slog.Logger) error {
	p := tea.NewProgram(New(state, s, listID, logger), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) Init() tea.Cmd { return refresh() }

// rows returns the items in display order: to buy first, then bought.
func (m Model) rows() []model.Item {
	items := m.state.Items(m.listID)
	rows := make([]model.Item, 0, len(items))
	for _, it := range items {
		if !it.Done {
			rows = append(rows, it)
		}
	}
	for _, it := range items {
		if it.Done {
			rows = append(rows, it)
		}
	}
	return rows
}

func (m Model) selected() (model.Item, bool) {
	rows := m.rows()
	if m.cursor < 0 || m.cursor >= len(rows) {
		return model.Item{}, false
	}
	return rows[m.cursor], true
}

func (m *Model) clampCursor() {
	n := len(m.rows())
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// save persists the state after an intent. A failed save is shown but the
// change stays in memory and is written by the next successful save.
func (m *Model) save() {
	if err := m.state.Save(); err != nil {
		m.logger.Error("save state", "error", err)
		m.err = "could not save: " + err.Error()
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil
	case refreshMsg:
		m.clampCursor()
		return m, refresh()
	case syncDoneMsg:
		m.status = syncStatus(msg.res, msg.err)
		if msg.err != nil && !errors.Is(msg.err, syncer.ErrTickInFlight) {
			m.logger.Error("manual sync", "list_id", m.listID, "error", msg.err)
		}
		return m, nil
	}

	if m.adding {
		return m.updateAdding(msg)
	}

	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	m.err = ""

	switch {
	case key.Matches(km, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(km, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(km, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(km, m.keys.Down):
		if m.cursor < len(m.rows())-1 {
			m.cursor++
		}
	case key.Matches(km, m.keys.Add):
		m.adding = true
		m.input.SetValue("")
		return m, m.input.Focus()
	case key.Matches(km, m.keys.Toggle):
		if it, ok := m.selected(); ok {
			m.apply(m.state.Toggle(m.listID, it.ID))
		}
	case key.Matches(km, m.keys.Inc):
		if it, ok := m.selected(); ok {
			m.apply(m.state.SetQty(m.listID, it.ID, it.Qty+1))
		}
	case key.Matches(km, m.keys.Dec):
		if it, ok := m.selected(); ok && it.Qty > 1 {
			m.apply(m.state.SetQty(m.listID, it.ID, it.Qty-1))
		}
	case key.Matches(km, m.keys.Remove):
		if it, ok := m.selected(); ok {
			if err := m.state.Remove(m.listID, it.ID); err != nil {
				m.err = err.Error()
			} else {
				m.save()
			}
		}
	case key.Matches(km, m.keys.Clear):
		if ids := m.state.ClearBought(m.listID); len(ids) > 0 {
			m.status = fmt.Sprintf("cleared %d bought", len(ids))
			m.save()
		}
	case key.Matches(km, m.keys.Sync):
		m.status = "syncing..."
		return m, m.flush()
	}
	m.clampCursor()
	return m, nil
}

func (m *Model) apply(_ model.Item, err error) {
	if err != nil {
		m.err = err.Error()
		return
	}
	m.save()
}

func (m Model) flush() tea.Cmd {
	s, listID := m.sync, m.listID
	return func() tea.Msg {
		res, err := s.Flush(context.Background(), listID)
		return syncDoneMsg{res: res, err: err}
	}
}

func (m Model) updateAdding(msg tea.Msg) (tea.Model, tea.Cmd) {
	if km, ok := msg.(tea.KeyMsg); ok {
		switch km.Type {
		case tea.KeyEnter:
			label, qty := parseEntry(m.input.Value())
			if label == "" {
				m.err = "label cannot be empty"
				return m, nil
			}
			if _, err := m.state.Add(m.listID, label, qty); err != nil {
				m.err = err.Error()
				return m, nil
			}
			m.save()
			m.adding = false
			m.err = ""
			m.input.Blur()
			m.cursor = 0
			return m, nil
		case tea.KeyEsc:
			m.adding = false
			m.err = ""
			m.input.Blur()
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// parseEntry splits "eggs x12" into its label and quantity. Without a
// trailing quantity the quantity is 1.
func parseEntry(s string) (string, int) {
	s = strings.TrimSpace(s)
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return s, 1
	}
	suffix := strings.ToLower(s[i+1:])
	if !strings.HasPrefix(suffix, "x") {
		return s, 1
	}
	n, err := strconv.Atoi(suffix[1:])
	if err != nil || n < 1 {
		return s, 1
	}
	return strings.TrimSpace(s[:i]), n
}

func syncStatus(res syncer.Result, err error) string {
	switch {
	case errors.Is(err, syncer.ErrTickInFlight):
		return "sync already running"
	case err != nil:
		return "sync error: " + err.Error()
	case res.Failed > 0 || res.Dropped > 0:
		return fmt.Sprintf("synced %s, %d failed, %d dropped",
			res.At.Local().Format("15:04:05"), res.Failed, res.Dropped)
	}
	return "synced " + res.At.Local().Format("15:04:05")
}

func (m Model) View() string {
	rows := m.rows()
	var b strings.Builder

	b.WriteString(titleStyle.Render("Shopping list"))
	b.WriteString(mutedStyle.Render("  share id: " + m.listID))
	b.WriteString("\n")

	upserts, deletions := m.state.Pending(m.listID)
	if n := upserts + deletions; n > 0 {
		b.WriteString(pendingStyle.Render(fmt.Sprintf("↑ %d pending", n)))
	} else {
		b.WriteString(successStyle.Render("✔ up to date"))
	}
	if m.status != "" {
		b.WriteString(mutedStyle.Render("  " + m.status))
	} else if res, ok := m.sync.LastResult(m.listID); ok {
		b.WriteString(mutedStyle.Render("  " + syncStatus(res, nil)))
	}
	b.WriteString("\n\n")

	bought := 0
	for _, it := range rows {
		if it.Done {
			bought++
		}
	}

	b.WriteString(sectionStyle.Render("To buy"))
	b.WriteString("\n")
	if bought == len(rows) {
		b.WriteString(mutedStyle.Render("  nothing left to buy"))
		b.WriteString("\n")
	}
	for i, it := range rows {
		if i == len(rows)-bought {
			b.WriteString("\n")
			b.WriteString(sectionStyle.Render(fmt.Sprintf("Bought (%d)", bought)))
			b.WriteString("\n")
		}
		b.WriteString(renderRow(it, i == m.cursor))
		b.WriteString("\n")
	}

	if m.adding {
		title := "Add item"
		if m.err != "" {
			title += "  " + errorStyle.Render(m.err)
		}
		bar := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)
		b.WriteString("\n")
		b.WriteString(bar.Render(title + "\n" + m.input.View()))
		b.WriteString("\n")
	} else if m.err != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("✖ " + m.err))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return panelStyle.Render(b.String())
}

func renderRow(it model.Item, selected bool) string {
	box := mutedStyle.Render(boxUnchecked)
	text := it.Label
	if it.Qty > 1 {
		text += fmt.Sprintf(" ×%d", it.Qty)
	}
	if it.Done {
		box = successStyle.Render(boxChecked)
		text = doneStyle.Render(text)
	}
	prefix := "  "
	if selected {
		prefix = selectedStyle.Render("> ")
	}
	return prefix + box + " " + text
}
