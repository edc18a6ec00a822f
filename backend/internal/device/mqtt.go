package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	errs "github.com/bci-mcp/backend/internal/errors"
)

// MQTTOptions configures a wireless headset that publishes samples through
// an MQTT gateway.
type MQTTOptions struct {
	Broker     string
	Topic      string
	ClientID   string
	Username   string
	Password   string
	QoS        byte
	SampleRate float64
	Channels   int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// MQTT receives JSON sample payloads on a topic. Accepted payloads:
//
//	{"t": 0.004, "values": [1.0, 2.0]}
//	{"samples": [{"t": 0.004, "values": [1.0, 2.0]}, ...]}
//
// A missing "t" is derived from the arrival index and the sample rate.
type MQTT struct {
	lifecycle
	opts    MQTTOptions
	client  mqtt.Client
	n       int
	dropped atomic.Uint64
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewMQTT(opts MQTTOptions) *MQTT {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = "bci-mcp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MQTT{lifecycle: newLifecycle(), opts: opts}
}

// mqttTopic extracts the topic from an "mqtt://topic/path" port.
func mqttTopic(port, fallback string) string {
	if t, ok := strings.CutPrefix(port, "mqtt://"); ok && t != "" {
		return t
	}
	return fallback
}

func (m *MQTT) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		Type:       TypeMQTT,
		Port:       "mqtt://" + m.opts.Topic,
		Channels:   m.opts.Channels,
		SampleRate: m.opts.SampleRate,
		Connected:  m.connected,
		Streaming:  m.streaming,
	}
}

func (m *MQTT) Connect(ctx context.Context) error {
	const op = "mqtt.Connect"
	if m.opts.Broker == "" {
		return errs.New(errs.KindConnection, op, "no broker configured")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.opts.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%d", m.opts.ClientID, time.Now().Unix()))
	if m.opts.Username != "" {
		opts.SetUsername(m.opts.Username)
		opts.SetPassword(m.opts.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(m.opts.Timeout)
	opts.SetAutoReconnect(false)
	opts.OnConnectionLost = m.onConnectionLost

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return errs.Wrap(ctx.Err(), errs.KindConnection, op, "connect "+m.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return errs.Wrap(err, errs.KindConnection, op, "connect "+m.opts.Broker)
	}

	m.mu.Lock()
	m.client = client
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.opts.Logger.Warn("mqtt connection lost", "broker", m.opts.Broker, "error", err)
	m.mu.Lock()
	m.connected = false
	m.streaming = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.fault(errs.Wrap(err, errs.KindConnection, "mqtt.onConnectionLost", "broker "+m.opts.Broker))
}

func (m *MQTT) Disconnect() error {
	m.StopStream()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
	m.connected = false
	return nil
}

func (m *MQTT) StartStream(ctx context.Context) error {
	const op = "mqtt.StartStream"
	m.mu.Lock()
	if err := m.canStart(op); err != nil {
		m.mu.Unlock()
		return err
	}
	client := m.client
	m.n = 0
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.streaming = true
	m.mu.Unlock()

	token := client.Subscribe(m.opts.Topic, m.opts.QoS, m.onMessage)
	select {
	case <-token.Done():
	case <-ctx.Done():
		m.StopStream()
		return errs.Wrap(ctx.Err(), errs.KindStream, op, "subscribe "+m.opts.Topic)
	}
	if err := token.Error(); err != nil {
		m.StopStream()
		return errs.Wrap(err, errs.KindStream, op, "subscribe "+m.opts.Topic)
	}
	return nil
}

func (m *MQTT) StopStream() error {
	m.mu.Lock()
	client := m.client
	wasStreaming := m.streaming
	m.streaming = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	if wasStreaming && client != nil && client.IsConnected() {
		client.Unsubscribe(m.opts.Topic).WaitTimeout(m.opts.Timeout)
	}
	return nil
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.mu.Lock()
	ctx := m.ctx
	streaming := m.streaming
	start := m.n
	m.mu.Unlock()
	if !streaming {
		return
	}

	chunk, err := ParseSamplePayload(msg.Payload(), start, m.opts.SampleRate)
	if err != nil {
		m.opts.Logger.Debug("mqtt payload rejected", "topic", msg.Topic(), "error", err)
		return
	}

	m.mu.Lock()
	m.n += len(chunk)
	m.mu.Unlock()

	// paho delivers messages on its own goroutine; a full queue drops
	// rather than stalling the client.
	select {
	case m.chunks <- chunk:
	case <-ctx.Done():
	default:
		if n := m.dropped.Add(1); n%100 == 1 {
			m.opts.Logger.Warn("mqtt chunk queue full, dropping", "dropped", n)
		}
	}
}

type mqttSample struct {
	T      *float64  `json:"t"`
	Values []float64 `json:"values"`
}

type mqttPayload struct {
	mqttSample
	Samples []mqttSample `json:"samples"`
}

// ParseSamplePayload decodes a gateway payload. start is the index of the
// first sample, used when the payload carries no timestamps.
func ParseSamplePayload(data []byte, start int, sampleRate float64) ([]Sample, error) {
	var p mqttPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	raw := p.Samples
	if len(raw) == 0 {
		if p.Values == nil {
			return nil, fmt.Errorf("payload has no samples")
		}
		raw = []mqttSample{p.mqttSample}
	}

	out := make([]Sample, len(raw))
	for i, s := range raw {
		ts := float64(start+i) / sampleRate
		if s.T != nil {
			ts = *s.T
		}
		out[i] = Sample{Timestamp: ts, Values: s.Values}
	}
	return out, nil
}
