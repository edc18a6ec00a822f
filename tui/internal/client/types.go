// Package client provides WebSocket and HTTP clients for the BCI server.
// Types mirror the server wire protocol without importing backend packages.
package client

import (
	"encoding/json"
	"time"
)

// Request is an outgoing JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Envelope is any incoming frame: a response (ID set) or a notification
// (Method set, no ID).
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		Kind string `json:"kind"`
		Op   string `json:"op,omitempty"`
	} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil && e.Data.Kind != "" {
		return e.Data.Kind + ": " + e.Message
	}
	return e.Message
}

// Notification methods pushed by the server.
const (
	NoteSessionInfo = "notifications/session_info"
	NoteSession     = "notifications/session"
	NoteEvents      = "notifications/events"
	NoteSignals     = "notifications/signals"
)

// Subscription topics.
const (
	TopicEvents  = "events"
	TopicSignals = "signals"
	TopicSession = "session"
)

// Phase is the session lifecycle.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnected    Phase = "connected"
	PhaseStreaming    Phase = "streaming"
)

// SessionInfo mirrors the session_info resource.
type SessionInfo struct {
	SessionID         string     `json:"session_id,omitempty"`
	Phase             Phase      `json:"phase"`
	DeviceConnected   bool       `json:"device_connected"`
	Streaming         bool       `json:"streaming"`
	EventCount        int        `json:"event_count"`
	Duration          float64    `json:"duration"`
	StartTime         *time.Time `json:"start_time"`
	CalibrationStatus string     `json:"calibration_status"`
	EventRate         float64    `json:"event_rate"`
	Error             string     `json:"error,omitempty"`
}

// SessionChange is the payload of notifications/session_info.
type SessionChange struct {
	Change string      `json:"change"`
	Info   SessionInfo `json:"session_info"`
}

// DeviceInfo mirrors the device_info resource.
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

// Event is a detected neural event.
type Event struct {
	ID          uint64    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SampleTime  float64   `json:"sample_time"`
	ElapsedTime float64   `json:"elapsed_time"`
	Kind        string    `json:"kind"`
	Channel     int       `json:"channel"`
	Value       float64   `json:"value"`
	Confidence  float64   `json:"confidence"`
}

// EventsPush is the payload of notifications/events.
type EventsPush struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

// SignalsPush is the payload of notifications/signals. Raw and Filtered
// are indexed [channel][sample].
type SignalsPush struct {
	Timestamps []float64   `json:"timestamps"`
	Raw        [][]float64 `json:"raw"`
	Filtered   [][]float64 `json:"filtered"`
	Artifact   []bool      `json:"artifact"`
	Cursor     uint64      `json:"cursor"`
	Truncated  bool        `json:"truncated"`
}

// Capability is one resource or tool advertised by get_capabilities.
type Capability struct {
	Description string         `json:"description"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params"`
}

// Capabilities is the get_capabilities result.
type Capabilities struct {
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	Description string                `json:"description"`
	Resources   map[string]Capability `json:"resources"`
	Tools       map[string]Capability `json:"tools"`
	Topics      []string              `json:"topics"`
}

// InitializeResult is the initialize result.
type InitializeResult struct {
	ServerInfo struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Status   string `json:"status"`
		ClientID string `json:"client_id"`
	} `json:"server_info"`
	Capabilities Capabilities `json:"capabilities"`
}

// Health mirrors /api/health.
type Health struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
	Uptime     float64   `json:"uptime"`
	Goroutines int       `json:"goroutines"`
	Process    struct {
		PID        int32   `json:"pid"`
		CPUPercent float64 `json:"cpu_percent"`
		RSSBytes   uint64  `json:"rss_bytes"`
	} `json:"process"`
	Host *struct {
		Hostname string  `json:"hostname"`
		Load1    float64 `json:"load1"`
		Load5    float64 `json:"load5"`
	} `json:"host,omitempty"`
	Clients int `json:"clients"`
}
