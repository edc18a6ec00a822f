// Package device abstracts EEG hardware behind a uniform push interface.
// Each device family is an Adapter variant selected by configuration;
// vendor framing stays inside the variant.
package device

import (
	"context"
	"strings"
	"sync"

	"github.com/bci-mcp/backend/internal/config"
	errs "github.com/bci-mcp/backend/internal/errors"
)

// Sample is one multi-channel reading. Timestamp is seconds since the
// adapter's stream started.
type Sample struct {
	Timestamp float64
	Values    []float64
}

// Info describes an adapter and its current state.
type Info struct {
	Type       string  `json:"device_type"`
	Port       string  `json:"port"`
	Channels   int     `json:"channels"`
	SampleRate float64 `json:"sample_rate"`
	Connected  bool    `json:"connected"`
	Streaming  bool    `json:"streaming"`
}

// Adapter is the capability set every device family provides. Chunks
// delivers sample batches while streaming; Faults reports unrecoverable
// transport errors. Both channels live as long as the adapter.
type Adapter interface {
	Info() Info
	Connect(ctx context.Context) error
	Disconnect() error
	StartStream(ctx context.Context) error
	StopStream() error
	Chunks() <-chan []Sample
	Faults() <-chan error
}

const (
	TypeSimulated = "simulated"
	TypeSerial    = "serial"
	TypeMQTT      = "mqtt"

	chunkQueue = 64
)

// lifecycle holds the connect/stream state shared by all variants.
type lifecycle struct {
	mu        sync.Mutex
	connected bool
	streaming bool
	chunks    chan []Sample
	faults    chan error
}

func newLifecycle() lifecycle {
	return lifecycle{
		chunks: make(chan []Sample, chunkQueue),
		faults: make(chan error, 1),
	}
}

func (l *lifecycle) Chunks() <-chan []Sample { return l.chunks }

func (l *lifecycle) Faults() <-chan error { return l.faults }

// canStart must be called with l.mu held.
func (l *lifecycle) canStart(op string) error {
	if !l.connected {
		return errs.Wrap(errs.ErrNotConnected, errs.KindStream, op, "")
	}
	if l.streaming {
		return errs.Wrap(errs.ErrAlreadyStreaming, errs.KindStream, op, "")
	}
	return nil
}

// fault reports err once; later faults are dropped until the first is read.
func (l *lifecycle) fault(err error) {
	select {
	case l.faults <- err:
	default:
	}
}

// emit delivers a chunk unless ctx is done.
func (l *lifecycle) emit(ctx context.Context, chunk []Sample) bool {
	select {
	case l.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// New builds the adapter for kind. With no kind, an explicit port selects
// the variant by its form ("sim://", "mqtt://", "/dev/...") and otherwise
// the configured device type applies. An empty port falls back to the
// configured one.
func New(cfg *config.Config, kind, port string) (Adapter, error) {
	if kind == "" {
		kind = cfg.Device.Type
		if port != "" {
			kind = KindForPort(port, kind)
		}
	}
	if port == "" {
		port = cfg.Device.Port
	}
	switch kind {
	case TypeSimulated:
		if !strings.HasPrefix(port, "sim://") {
			port = ""
		}
		return NewSimulated(SimulatedOptions{
			SampleRate: cfg.Device.SampleRate,
			Channels:   cfg.Device.Channels,
			ChunkSize:  cfg.Device.ChunkSize,
			Port:       port,
		}), nil
	case TypeSerial:
		return NewSerial(SerialOptions{
			Port:       port,
			BaudRate:   cfg.Device.BaudRate,
			SampleRate: cfg.Device.SampleRate,
			Channels:   cfg.Device.Channels,
			ChunkSize:  cfg.Device.ChunkSize,
			Scale:      cfg.Device.Scale,
		}), nil
	case TypeMQTT:
		return NewMQTT(MQTTOptions{
			Broker:     cfg.MQTT.Broker,
			Topic:      mqttTopic(port, cfg.MQTT.Topic),
			ClientID:   cfg.MQTT.ClientID,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			QoS:        cfg.MQTT.QoS,
			SampleRate: cfg.Device.SampleRate,
			Channels:   cfg.Device.Channels,
		}), nil
	}
	return nil, errs.Wrap(errs.ErrUnknownDeviceType, errs.KindConfiguration, "device.New", "type "+kind)
}
