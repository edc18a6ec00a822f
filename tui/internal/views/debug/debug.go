// Package debug provides a scrollable log of protocol traffic. Requests,
// responses and notifications are kept as structured rows so the overlay
// can line up ids, methods, error codes and round-trip times.
package debug

import (
	"fmt"
	"strings"
	"time"

	"github.com/bci-mcp/tui/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

const maxEntries = 200

// Dir is the direction of a logged row.
type Dir int

const (
	DirOut   Dir = iota // request sent
	DirIn               // response received
	DirNote             // server notification
	DirLocal            // connection, health and client-side errors
)

func (d Dir) arrow() string {
	switch d {
	case DirOut:
		return "→"
	case DirIn:
		return "←"
	case DirNote:
		return "⇠"
	default:
		return "·"
	}
}

// Entry is one log row. ID, Code and Elapsed are only meaningful for
// requests and responses.
type Entry struct {
	Time    time.Time
	Dir     Dir
	ID      int64
	Method  string
	Code    int
	Elapsed time.Duration
	Detail  string
}

// Failed reports whether the row records an error.
func (e Entry) Failed() bool {
	return e.Code != 0 || (e.Dir == DirLocal && e.Method == "error")
}

// Stats summarizes the retained rows.
type Stats struct {
	Requests      int
	Errors        int
	Notifications int
	MeanLatency   time.Duration
}

// Model holds debug log state.
type Model struct {
	Entries   []Entry
	Offset    int // scroll offset (from bottom)
	HideNotes bool

	now func() time.Time
}

// New creates an empty debug model.
func New() Model {
	return Model{now: time.Now}
}

func (m *Model) add(e Entry) {
	if m.now == nil {
		m.now = time.Now
	}
	e.Time = m.now()
	m.Entries = append(m.Entries, e)
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

// Request logs an outgoing call.
func (m *Model) Request(id int64, method string) {
	m.add(Entry{Dir: DirOut, ID: id, Method: method})
}

// Response logs a reply. code is the JSON-RPC error code, 0 on success.
func (m *Model) Response(id int64, method string, code int, elapsed time.Duration, detail string) {
	m.add(Entry{Dir: DirIn, ID: id, Method: method, Code: code, Elapsed: elapsed, Detail: detail})
}

// Notification logs a server push.
func (m *Model) Notification(method, format string, args ...any) {
	m.add(Entry{Dir: DirNote, Method: method, Detail: fmt.Sprintf(format, args...)})
}

// Local logs something that did not cross the wire as JSON-RPC; label is
// a short tag such as "ws", "health" or "error".
func (m *Model) Local(label, format string, args ...any) {
	m.add(Entry{Dir: DirLocal, Method: label, Detail: fmt.Sprintf(format, args...)})
}

// ToggleNotes hides or shows notification rows.
func (m *Model) ToggleNotes() {
	m.HideNotes = !m.HideNotes
	m.Offset = 0
}

// Stats counts the retained rows.
func (m Model) Stats() Stats {
	var st Stats
	var total time.Duration
	var timed int
	for _, e := range m.Entries {
		switch e.Dir {
		case DirOut:
			st.Requests++
		case DirNote:
			st.Notifications++
		case DirIn:
			if e.Elapsed > 0 {
				total += e.Elapsed
				timed++
			}
		}
		if e.Failed() {
			st.Errors++
		}
	}
	if timed > 0 {
		st.MeanLatency = total / time.Duration(timed)
	}
	return st
}

func (m Model) visible() []Entry {
	if !m.HideNotes {
		return m.Entries
	}
	out := make([]Entry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.Dir != DirNote {
			out = append(out, e)
		}
	}
	return out
}

// ScrollUp moves the viewport up.
func (m *Model) ScrollUp(n int) {
	m.Offset += n
	max := len(m.visible()) - 1
	if max < 0 {
		max = 0
	}
	if m.Offset > max {
		m.Offset = max
	}
}

// ScrollDown moves the viewport down.
func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	if m.Offset < 0 {
		m.Offset = 0
	}
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)
}

// shortMethod drops the family prefixes so the column stays narrow.
func shortMethod(method string) string {
	for prefix, tag := range map[string]string{
		"invoke_tool_":   "tool ",
		"get_resource_":  "res  ",
		"notifications/": "",
	} {
		if rest, ok := strings.CutPrefix(method, prefix); ok {
			return tag + rest
		}
	}
	return method
}

const (
	colTime   = 12
	colID     = 5
	colMethod = 24
	colStatus = 6
	colRTT    = 7
)

func (e Entry) status() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%d", e.Code)
	case e.Dir == DirIn:
		return "ok"
	default:
		return ""
	}
}

func (e Entry) rtt() string {
	if e.Elapsed <= 0 {
		return ""
	}
	if e.Elapsed < time.Millisecond {
		return "<1ms"
	}
	return fmt.Sprintf("%dms", e.Elapsed.Milliseconds())
}

func renderRow(e Entry, width int) string {
	id := ""
	if e.Dir == DirOut || (e.Dir == DirIn && e.ID != 0) {
		id = fmt.Sprintf("#%d", e.ID)
	}

	methodColor := theme.ColorTrace
	switch e.Dir {
	case DirNote:
		methodColor = theme.ColorCalibrating
	case DirLocal:
		methodColor = theme.ColorConnected
	}
	statusColor := theme.ColorHealthy
	if e.Failed() {
		methodColor = theme.ColorDanger
		statusColor = theme.ColorDanger
	}

	row := strings.Join([]string{
		theme.StyleDimmed.Render(e.Time.Format("15:04:05.000")),
		e.Dir.arrow(),
		theme.StyleDimmed.Width(colID).Align(lipgloss.Right).Render(id),
		lipgloss.NewStyle().Foreground(methodColor).Width(colMethod).Render(truncate(shortMethod(e.Method), colMethod)),
		lipgloss.NewStyle().Foreground(statusColor).Width(colStatus).Render(e.status()),
		theme.StyleDimmed.Width(colRTT).Align(lipgloss.Right).Render(e.rtt()),
	}, " ")

	room := width - (colTime + 1 + 1 + 1 + colID + 1 + colMethod + 1 + colStatus + 1 + colRTT + 1)
	if e.Detail != "" && room > 3 {
		row += " " + truncate(e.Detail, room)
	}
	return row
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// View renders the log as an overlay panel.
func (m Model) View(width, height int) string {
	innerW := width - 4
	if innerW < 40 {
		innerW = 40
	}
	visibleLines := height - 7
	if visibleLines < 3 {
		visibleLines = 3
	}

	title := theme.StyleHeader.Render(" PROTOCOL LOG ")
	st := m.Stats()
	summary := fmt.Sprintf("%d requests  %d errors  %d notifications", st.Requests, st.Errors, st.Notifications)
	if st.MeanLatency > 0 {
		summary += fmt.Sprintf("  mean rtt %dms", st.MeanLatency.Milliseconds())
	}
	notes := "n:hide notifications"
	if m.HideNotes {
		notes = "n:show notifications"
	}
	help := theme.StyleDimmed.Render("↑/↓:scroll  " + notes + "  esc:close  " + summary)

	rows := m.visible()
	if len(rows) == 0 {
		body := theme.StyleDimmed.Render("  No traffic recorded yet.")
		return panelStyle(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help))
	}

	header := theme.StyleDimmed.Render(fmt.Sprintf("%-*s   %*s %-*s %-*s %*s  %s",
		colTime, "time", colID, "id", colMethod, "method", colStatus, "status", colRTT, "rtt", "detail"))

	end := len(rows) - m.Offset
	if end < 0 {
		end = 0
	}
	start := end - visibleLines
	if start < 0 {
		start = 0
	}

	lines := make([]string, 0, end-start)
	for _, e := range rows[start:end] {
		lines = append(lines, renderRow(e, innerW-4))
	}

	scroll := ""
	if m.Offset > 0 {
		scroll = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset))
	}
	content := lipgloss.JoinVertical(lipgloss.Left, title, header, strings.Join(lines, "\n"), scroll, help)
	return panelStyle(innerW).Render(content)
}
