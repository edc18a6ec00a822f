// Package trace draws a scrolling plot of one EEG channel. The vertical
// scale follows the signal's peak through a critically damped spring so
// the plot does not jump when a blink or spike arrives.
package trace

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bci-mcp/tui/internal/client"
	"github.com/bci-mcp/tui/internal/theme"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
)

// FPS is the animation rate the caller should tick at.
const FPS = 30

const (
	minScale      = 10.0 // µV
	headroom      = 1.2
	samplesPerCol = 4
)

var levels = []rune(" ▁▂▃▄▅▆▇█")

// Model holds the trace view state.
type Model struct {
	Width  int
	Height int

	Channel  int
	Channels int
	ShowRaw  bool

	ts       []float64
	values   []float64
	artifact []bool
	marks    []bool
	cursor   uint64
	gaps     int // truncated pushes seen

	spring   harmonica.Spring
	scale    float64
	velocity float64
	target   float64
}

// New creates a trace model.
func New() Model {
	return Model{
		spring: harmonica.NewSpring(harmonica.FPS(FPS), 6.0, 1.0),
		scale:  minScale,
		target: minScale,
	}
}

func (m Model) capacity() int {
	w := m.Width - 2
	if w < 10 {
		w = 10
	}
	return w * samplesPerCol
}

// Reset drops all buffered samples.
func (m *Model) Reset() {
	m.ts, m.values, m.artifact, m.marks = nil, nil, nil, nil
	m.cursor, m.gaps = 0, 0
	m.target = minScale
}

// SelectChannel switches the plotted channel by delta, wrapping.
func (m *Model) SelectChannel(delta int) {
	if m.Channels <= 1 {
		m.Channel = 0
		return
	}
	m.Channel = ((m.Channel+delta)%m.Channels + m.Channels) % m.Channels
	m.Reset()
}

// Push appends a signals notification.
func (m *Model) Push(p client.SignalsPush) {
	rows := p.Filtered
	if m.ShowRaw {
		rows = p.Raw
	}
	if len(rows) == 0 {
		return
	}
	m.Channels = len(rows)
	if m.Channel >= len(rows) {
		m.Channel = 0
	}
	if p.Truncated {
		m.gaps++
	}
	m.cursor = p.Cursor

	m.ts = append(m.ts, p.Timestamps...)
	m.values = append(m.values, rows[m.Channel]...)
	for i := range p.Timestamps {
		m.artifact = append(m.artifact, i < len(p.Artifact) && p.Artifact[i])
		m.marks = append(m.marks, false)
	}
	if over := len(m.values) - m.capacity(); over > 0 {
		m.ts = m.ts[over:]
		m.values = m.values[over:]
		m.artifact = m.artifact[over:]
		m.marks = m.marks[over:]
	}

	peak := 0.0
	for _, v := range m.values {
		peak = math.Max(peak, math.Abs(v))
	}
	m.target = math.Max(minScale, peak*headroom)
}

// MarkEvent flags the buffered sample nearest sampleTime. Events older
// than the buffer are ignored.
func (m *Model) MarkEvent(sampleTime float64) {
	if len(m.ts) == 0 || sampleTime < m.ts[0] {
		return
	}
	i := sort.SearchFloat64s(m.ts, sampleTime)
	if i >= len(m.ts) {
		i = len(m.ts) - 1
	}
	m.marks[i] = true
}

// Tick advances the scale animation by one frame.
func (m *Model) Tick() {
	m.scale, m.velocity = m.spring.Update(m.scale, m.velocity, m.target)
	if m.scale < 1 {
		m.scale = 1
	}
}

// Scale is the current half-height of the plot in signal units.
func (m Model) Scale() float64 { return m.scale }

// Len is the number of buffered samples.
func (m Model) Len() int { return len(m.values) }

type column struct {
	value    float64
	artifact bool
	mark     bool
}

// columns buckets samples so that each column keeps its largest
// excursion; short spikes stay visible after decimation.
func (m Model) columns(n int) []column {
	cols := make([]column, 0, n)
	start := len(m.values) - n*samplesPerCol
	if start < 0 {
		start = 0
	}
	for i := start; i < len(m.values); i += samplesPerCol {
		end := min(i+samplesPerCol, len(m.values))
		c := column{}
		for j := i; j < end; j++ {
			if math.Abs(m.values[j]) >= math.Abs(c.value) {
				c.value = m.values[j]
			}
			c.artifact = c.artifact || m.artifact[j]
			c.mark = c.mark || m.marks[j]
		}
		cols = append(cols, c)
	}
	return cols
}

// View renders the plot.
func (m Model) View() string {
	width := m.Width - 2
	if width < 10 {
		width = 10
	}
	rows := m.Height - 3
	if rows < 3 {
		rows = 3
	}

	label := "filtered"
	if m.ShowRaw {
		label = "raw"
	}
	title := theme.StyleHeader.Render(fmt.Sprintf(" CH %d/%d  %s ", m.Channel, max(m.Channels, 1), label)) +
		theme.StyleDimmed.Render(fmt.Sprintf(" ±%.0f µV  cursor %d", m.scale, m.cursor))
	if m.gaps > 0 {
		title += lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(fmt.Sprintf("  %d gaps", m.gaps))
	}

	if len(m.values) == 0 {
		body := theme.StyleDimmed.Render("  waiting for signal data (start the stream with s)")
		return lipgloss.JoinVertical(lipgloss.Left, title, body)
	}

	cols := m.columns(width)
	color := theme.ColorTrace
	if m.ShowRaw {
		color = theme.ColorTraceRaw
	}
	grid := renderGrid(cols, rows, m.scale, color)

	var markers strings.Builder
	for _, c := range cols {
		switch {
		case c.mark:
			markers.WriteString(lipgloss.NewStyle().Foreground(theme.ColorEvent).Render("▲"))
		case c.artifact:
			markers.WriteString(lipgloss.NewStyle().Foreground(theme.ColorArtifact).Render("~"))
		default:
			markers.WriteString(" ")
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, title, grid, markers.String())
}

// renderGrid draws each column as a filled level with eight steps per
// cell. Zero sits at mid-height.
func renderGrid(cols []column, rows int, scale float64, color lipgloss.Color) string {
	half := float64(rows) / 2
	lines := make([][]rune, rows)
	for r := range lines {
		lines[r] = []rune(strings.Repeat(" ", len(cols)))
	}
	for x, c := range cols {
		// height above the bottom in eighths of a cell
		v := math.Max(-1, math.Min(1, c.value/scale))
		h := int(math.Round((v + 1) * half * 8))
		for r := 0; r < rows; r++ {
			fromBottom := rows - 1 - r
			cell := h - fromBottom*8
			switch {
			case cell >= 8:
				lines[r][x] = levels[8]
			case cell > 0:
				lines[r][x] = levels[cell]
			}
		}
	}

	style := lipgloss.NewStyle().Foreground(color)
	out := make([]string, rows)
	for r, l := range lines {
		out[r] = style.Render(string(l))
	}
	return strings.Join(out, "\n")
}
