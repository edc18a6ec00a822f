package status

import (
	"fmt"

	"github.com/bci-mcp/tui/internal/client"
	"github.com/bci-mcp/tui/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

// Model holds the status bar state.
type Model struct {
	Connected bool
	Info      client.SessionInfo
	Device    *client.DeviceInfo
	Flash     string // last tool outcome
	FlashErr  bool
	Width     int
}

// New creates a status bar model.
func New() Model {
	return Model{Info: client.SessionInfo{Phase: client.PhaseDisconnected}}
}

// SetFlash records the outcome line shown at the right of the bar.
func (m *Model) SetFlash(msg string, isErr bool) {
	m.Flash = msg
	m.FlashErr = isErr
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Server")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	phase := string(m.Info.Phase)
	if phase == "" {
		phase = string(client.PhaseDisconnected)
	}
	phaseStr := lipgloss.NewStyle().Foreground(theme.PhaseColor(phase)).
		Render(theme.PhaseGlyph(phase) + " " + phase)

	cal := m.Info.CalibrationStatus
	if cal == "" {
		cal = "not_calibrated"
	}
	calStr := lipgloss.NewStyle().Foreground(theme.CalibrationColor(cal)).Render(cal)

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + phaseStr + sep + calStr
	if m.Device != nil && m.Device.Connected {
		content += sep + fmt.Sprintf("%s %dch %.0fHz", m.Device.DeviceType, m.Device.Channels, m.Device.SampleRate)
	}
	content += sep + fmt.Sprintf("%d events  %.1f/min", m.Info.EventCount, m.Info.EventRate)
	if m.Info.Error != "" {
		content += sep + lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(m.Info.Error)
	}
	if m.Flash != "" {
		color := theme.ColorDimmed
		if m.FlashErr {
			color = theme.ColorWarning
		}
		content += sep + lipgloss.NewStyle().Foreground(color).Render(m.Flash)
	}

	bar := lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)

	return bar
}
