// Package detail renders the device and server info overlay.
package detail

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bci-mcp/tui/internal/client"
	"github.com/bci-mcp/tui/internal/theme"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const (
	panelWidth = 72
	labelWidth = 16
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)

	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBright)

	styleFooter = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed)

	styleSectionHeader = lipgloss.NewStyle().
				Bold(true).
				Foreground(theme.ColorDimmed)

	styleError = lipgloss.NewStyle().
			Foreground(theme.ColorDanger)
)

// Model holds the state for the detail overlay.
type Model struct {
	Device  *client.DeviceInfo
	Session client.SessionInfo
	Health  *client.Health
	Caps    *client.Capabilities
	Err     string
}

// View renders the detail panel.
func (m Model) View() string {
	return stylePanel.Width(panelWidth).Render(m.renderInner())
}

func (m Model) renderInner() string {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Device") + "\n")
	b.WriteString(strings.Repeat("─", panelWidth-4) + "\n")
	if d := m.Device; d != nil {
		conn := lipgloss.NewStyle().Foreground(theme.ColorDisconnected).Render("no")
		if d.Connected {
			conn = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("yes")
		}
		writeRow(&b, "Connected", conn)
		writeRow(&b, "Type", d.DeviceType)
		writeRow(&b, "Port", truncate(d.Port, 48))
		writeRow(&b, "Geometry", fmt.Sprintf("%d ch @ %.0f Hz", d.Channels, d.SampleRate))
		writeRow(&b, "Detector", fmt.Sprintf("%s  threshold %.2f  cooldown %.2fs", d.DetectorMode, d.DetectionThreshold, d.CooldownPeriod))
		cal := m.Session.CalibrationStatus
		if cal == "" {
			cal = "not_calibrated"
		}
		writeRow(&b, "Calibration", lipgloss.NewStyle().Foreground(theme.CalibrationColor(cal)).Render(cal))
	} else {
		b.WriteString(theme.StyleDimmed.Render("  device info not loaded") + "\n")
	}

	if s := m.Session; s.SessionID != "" {
		b.WriteString("\n")
		b.WriteString(styleSectionHeader.Render("Session") + "\n")
		writeRow(&b, "ID", s.SessionID)
		if s.StartTime != nil {
			writeRow(&b, "Started", formatAge(*s.StartTime))
		}
		writeRow(&b, "Events", fmt.Sprintf("%d  (%.1f/min)", s.EventCount, s.EventRate))
	}

	if h := m.Health; h != nil {
		b.WriteString("\n")
		b.WriteString(styleSectionHeader.Render("Server") + "\n")
		writeRow(&b, "Status", h.Status+"  "+h.Version)
		writeRow(&b, "Uptime", (time.Duration(h.Uptime) * time.Second).String())
		writeRow(&b, "Process", fmt.Sprintf("pid %d  cpu %.1f%%  rss %s", h.Process.PID, h.Process.CPUPercent, formatBytes(h.Process.RSSBytes)))
		writeRow(&b, "Clients", fmt.Sprintf("%d  goroutines %d", h.Clients, h.Goroutines))
		if h.Host != nil {
			writeRow(&b, "Host", fmt.Sprintf("%s  load %.2f %.2f", h.Host.Hostname, h.Host.Load1, h.Host.Load5))
		}
	}

	if m.Caps != nil && len(m.Caps.Tools) > 0 {
		b.WriteString("\n")
		b.WriteString(renderMarkdown(ToolsMarkdown(m.Caps), panelWidth-4))
	}

	if m.Err != "" {
		b.WriteString("\n")
		b.WriteString(styleError.Render("Last error: "+m.Err) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(styleFooter.Render("[esc] close"))
	return b.String()
}

// ToolsMarkdown lists the server's tools as a markdown table.
func ToolsMarkdown(caps *client.Capabilities) string {
	names := make([]string, 0, len(caps.Tools))
	for n := range caps.Tools {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("## Tools\n\n| tool | description |\n|---|---|\n")
	for _, n := range names {
		fmt.Fprintf(&b, "| `%s` | %s |\n", n, strings.ReplaceAll(caps.Tools[n].Description, "|", "/"))
	}
	return b.String()
}

// renderMarkdown renders md for the terminal, falling back to the plain
// text when glamour cannot.
func renderMarkdown(md string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.Trim(out, "\n") + "\n"
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label+":") + styleValue.Render(value) + "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds ago", int(d.Minutes()), int(d.Seconds())%60)
	default:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm ago", h, m)
	}
}
