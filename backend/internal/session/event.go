package session

import (
	"time"

	"github.com/bci-mcp/backend/internal/dsp"
)

const (
	KindThresholdCrossing = "threshold_crossing"
	KindZScoreSpike       = "zscore_spike"
)

// Event is a detected neural event. IDs increase from 1 within a session
// and events are never modified once appended.
type Event struct {
	ID          uint64    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`    // wall clock at detection
	SampleTime  float64   `json:"sample_time"`  // seconds since session start
	ElapsedTime float64   `json:"elapsed_time"` // seconds since the stream started
	Kind        string    `json:"kind"`
	Channel     int       `json:"channel"`
	Value       float64   `json:"value"`
	Confidence  float64   `json:"confidence"`
}

func eventKind(m dsp.Mode) string {
	if m == dsp.ModeAmplitude {
		return KindThresholdCrossing
	}
	return KindZScoreSpike
}

// ChangeType classifies session lifecycle notifications.
type ChangeType int

const (
	ChangeConnected    ChangeType = iota // a device session was created
	ChangeUpdate                         // stream or calibration state moved
	ChangeDisconnected                   // session closed by request or fault
)

func (t ChangeType) String() string {
	switch t {
	case ChangeConnected:
		return "connected"
	case ChangeDisconnected:
		return "disconnected"
	default:
		return "update"
	}
}

// Change carries a session_info snapshot to observers.
type Change struct {
	Type ChangeType
	Info Info // snapshot (safe to retain)
}

// Notifier receives lifecycle changes. Notify must not block.
type Notifier interface {
	Notify(c Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Change)

func (f NotifierFunc) Notify(c Change) { f(c) }
