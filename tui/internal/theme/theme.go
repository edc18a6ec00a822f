// Package theme provides the Lip Gloss color palette and reusable styles
// for the BCI monitor. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Phase colors.
var (
	ColorDisconnected = lipgloss.Color("#6b7280")
	ColorConnected    = lipgloss.Color("#3b82f6")
	ColorStreaming    = lipgloss.Color("#22c55e")
)

// Calibration colors.
var (
	ColorCalibrating  = lipgloss.Color("#7c3aed")
	ColorCalibrated   = lipgloss.Color("#16a34a")
	ColorUncalibrated = lipgloss.Color("#854d0e")
)

// Trace colors.
var (
	ColorTrace     = lipgloss.Color("#06b6d4")
	ColorTraceRaw  = lipgloss.Color("#4b5563")
	ColorArtifact  = lipgloss.Color("#d97706")
	ColorEvent     = lipgloss.Color("#f59e0b")
	ColorZScore    = lipgloss.Color("#a855f7")
	ColorThreshold = lipgloss.Color("#f43f5e")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// PhaseColor returns the color for a session phase.
func PhaseColor(phase string) lipgloss.Color {
	switch phase {
	case "streaming":
		return ColorStreaming
	case "connected":
		return ColorConnected
	default:
		return ColorDisconnected
	}
}

// CalibrationColor returns the color for a calibration status.
func CalibrationColor(status string) lipgloss.Color {
	switch status {
	case "in_progress", "computing":
		return ColorCalibrating
	case "completed":
		return ColorCalibrated
	case "failed":
		return ColorDanger
	default:
		return ColorUncalibrated
	}
}

// EventColor returns the color for an event kind.
func EventColor(kind string) lipgloss.Color {
	switch kind {
	case "zscore_spike":
		return ColorZScore
	case "threshold_crossing":
		return ColorThreshold
	default:
		return ColorEvent
	}
}

// ConfidenceColor returns the color for a detection confidence in [0, 1].
func ConfidenceColor(c float64) lipgloss.Color {
	switch {
	case c > 0.8:
		return ColorDanger
	case c > 0.5:
		return ColorWarning
	default:
		return ColorHealthy
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)
)

// PhaseGlyph returns a Unicode glyph for a session phase.
func PhaseGlyph(phase string) string {
	switch phase {
	case "streaming":
		return "●"
	case "connected":
		return "◎"
	default:
		return "○"
	}
}
