// Package events renders the detected-event table.
package events

import (
	"fmt"
	"strings"

	"github.com/bci-mcp/tui/internal/client"
	"github.com/bci-mcp/tui/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

const (
	maxEvents = 200
	barWidth  = 10
)

// Model holds the received events, oldest first.
type Model struct {
	Width  int
	Height int

	events []client.Event
	total  int
	lastID uint64
}

// New creates an empty events model.
func New() Model {
	return Model{}
}

// Add merges a push. Events already seen (by ID) are skipped, so a
// resubscribe after reconnect does not duplicate rows.
func (m *Model) Add(p client.EventsPush) []client.Event {
	var fresh []client.Event
	for _, e := range p.Events {
		if e.ID <= m.lastID {
			continue
		}
		m.lastID = e.ID
		fresh = append(fresh, e)
	}
	m.events = append(m.events, fresh...)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	if p.Count > 0 {
		m.total = p.Count
	}
	return fresh
}

// Reset forgets all events, e.g. when a new session starts.
func (m *Model) Reset() {
	m.events = nil
	m.total = 0
	m.lastID = 0
}

// Len is the number of retained events.
func (m Model) Len() int { return len(m.events) }

// View renders the newest events that fit.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	rows := m.Height - 2
	if rows < 1 {
		rows = 1
	}

	title := theme.StyleHeader.Render(fmt.Sprintf("=== EVENTS (%d) ", m.total)) +
		theme.StyleDimmed.Render(strings.Repeat("=", max(0, width-20)))

	if len(m.events) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, theme.StyleDimmed.Render("  No events detected"))
	}

	header := theme.StyleDimmed.Render(fmt.Sprintf("  %-6s %-9s %-19s %-3s %10s  %s", "id", "elapsed", "kind", "ch", "value", "confidence"))
	lines := []string{title, header}
	for i := len(m.events) - 1; i >= 0 && len(lines) < rows+1; i-- {
		lines = append(lines, renderEvent(m.events[i]))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderEvent(e client.Event) string {
	kind := lipgloss.NewStyle().Foreground(theme.EventColor(e.Kind)).Width(19).Render(e.Kind)
	return fmt.Sprintf("  %-6d %8.2fs %s %-3d %10.2f  %s",
		e.ID, e.ElapsedTime, kind, e.Channel, e.Value, confidenceBar(e.Confidence))
}

func confidenceBar(c float64) string {
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	filled := int(c * barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	return lipgloss.NewStyle().Foreground(theme.ConfidenceColor(c)).Render(bar) + fmt.Sprintf(" %3.0f%%", c*100)
}
