package session

import (
	"encoding/json"
	"time"

	"github.com/bci-mcp/backend/internal/device"
	"github.com/bci-mcp/backend/internal/dsp"
)

// CalibrationStatus is the lifecycle of the most recent calibration run.
type CalibrationStatus int

const (
	CalibrationIdle CalibrationStatus = iota
	CalibrationInProgress
	CalibrationComputing
	CalibrationCompleted
	CalibrationFailed
)

var calibrationNames = map[CalibrationStatus]string{
	CalibrationIdle:       "not_calibrated",
	CalibrationInProgress: "in_progress",
	CalibrationComputing:  "computing",
	CalibrationCompleted:  "completed",
	CalibrationFailed:     "failed",
}

var calibrationFromName = map[string]CalibrationStatus{
	"not_calibrated": CalibrationIdle,
	"idle":           CalibrationIdle,
	"in_progress":    CalibrationInProgress,
	"computing":      CalibrationComputing,
	"completed":      CalibrationCompleted,
	"failed":         CalibrationFailed,
}

func (c CalibrationStatus) String() string {
	if s, ok := calibrationNames[c]; ok {
		return s
	}
	return "unknown"
}

// Active reports whether a run holds the calibration slot.
func (c CalibrationStatus) Active() bool {
	return c == CalibrationInProgress || c == CalibrationComputing
}

func (c CalibrationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *CalibrationStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := calibrationFromName[s]; ok {
		*c = v
	}
	return nil
}

// Phase is the session lifecycle: disconnected -> connected -> streaming.
type Phase int

const (
	Disconnected Phase = iota
	Connected
	Streaming
)

var phaseNames = map[Phase]string{
	Disconnected: "disconnected",
	Connected:    "connected",
	Streaming:    "streaming",
}

var phaseFromName = map[string]Phase{
	"disconnected": Disconnected,
	"connected":    Connected,
	"streaming":    Streaming,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := phaseFromName[s]; ok {
		*p = v
	}
	return nil
}

// Info is the session_info resource.
type Info struct {
	SessionID         string            `json:"session_id,omitempty"`
	Phase             Phase             `json:"phase"`
	DeviceConnected   bool              `json:"device_connected"`
	Streaming         bool              `json:"streaming"`
	EventCount        int               `json:"event_count"`
	Duration          float64           `json:"duration"`
	StartTime         *time.Time        `json:"start_time"`
	CalibrationStatus CalibrationStatus `json:"calibration_status"`
	EventRate         float64           `json:"event_rate"` // events per minute
	Error             string            `json:"error,omitempty"`
}

// DeviceInfo is the device_info resource.
type DeviceInfo struct {
	Connected          bool    `json:"connected"`
	Port               string  `json:"port"`
	DeviceType         string  `json:"device_type"`
	Channels           int     `json:"channels"`
	SampleRate         float64 `json:"sample_rate"`
	DetectionThreshold float64 `json:"detection_threshold"`
	CooldownPeriod     float64 `json:"cooldown_period"`
	DetectorMode       string  `json:"detector_mode"`
	Calibrated         bool    `json:"calibrated"`
}

func newDeviceInfo(d device.Info, st dsp.State) DeviceInfo {
	return DeviceInfo{
		Connected:          d.Connected,
		Port:               d.Port,
		DeviceType:         d.Type,
		Channels:           d.Channels,
		SampleRate:         d.SampleRate,
		DetectionThreshold: st.Threshold,
		CooldownPeriod:     st.Cooldown,
		DetectorMode:       st.Mode,
		Calibrated:         st.Calibrated,
	}
}

// Signals is the brain_signals resource.
type Signals struct {
	Status     string       `json:"status"`
	Message    string       `json:"message,omitempty"`
	SampleRate float64      `json:"sample_rate,omitempty"`
	Channels   int          `json:"channels,omitempty"`
	Data       *SignalData  `json:"data,omitempty"`
	Events     *EventDigest `json:"events,omitempty"`
}

// SignalData holds a window of samples. Raw and Filtered are indexed
// [channel][sample].
type SignalData struct {
	Timestamps []float64   `json:"timestamps"`
	Raw        [][]float64 `json:"raw"`
	Filtered   [][]float64 `json:"filtered"`
	Artifact   []bool      `json:"artifact"`
	Cursor     uint64      `json:"cursor"`
}

// EventDigest is the event count plus the most recent events, newest first.
type EventDigest struct {
	Count  int     `json:"count"`
	Recent []Event `json:"recent"`
}

const (
	StatusStreaming    = "streaming"
	StatusNotStreaming = "not_streaming"
	StatusNoData       = "no_data"
	StatusNoDevice     = "no_device"
)
