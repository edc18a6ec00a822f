package device

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
)

// Candidate is a connection identifier that connect_device accepts.
type Candidate struct {
	Port string `json:"port"`
	Type string `json:"type"`
}

// Discoverer lists candidate devices.
type Discoverer interface {
	Discover(ctx context.Context) ([]Candidate, error)
}

// GlobDiscoverer matches serial device nodes against glob patterns and
// always offers the simulated headset plus any configured MQTT topic.
type GlobDiscoverer struct {
	Patterns  []string
	MQTTTopic string
	glob      func(pattern string) ([]string, error)
}

func NewGlobDiscoverer(patterns []string, mqttTopic string) *GlobDiscoverer {
	return &GlobDiscoverer{Patterns: patterns, MQTTTopic: mqttTopic, glob: filepath.Glob}
}

func (d *GlobDiscoverer) Discover(ctx context.Context) ([]Candidate, error) {
	seen := make(map[string]bool)
	var ports []string
	for _, pattern := range d.Patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matches, err := d.glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				ports = append(ports, m)
			}
		}
	}
	sort.Strings(ports)

	out := make([]Candidate, 0, len(ports)+2)
	for _, p := range ports {
		out = append(out, Candidate{Port: p, Type: TypeSerial})
	}
	if d.MQTTTopic != "" {
		out = append(out, Candidate{Port: "mqtt://" + d.MQTTTopic, Type: TypeMQTT})
	}
	out = append(out, Candidate{Port: "sim://eeg", Type: TypeSimulated})
	return out, nil
}

// KindForPort infers the adapter type from a port identifier.
func KindForPort(port, fallback string) string {
	switch {
	case strings.HasPrefix(port, "sim://"):
		return TypeSimulated
	case strings.HasPrefix(port, "mqtt://"):
		return TypeMQTT
	case strings.HasPrefix(port, "/dev/"), strings.HasPrefix(port, "COM"):
		return TypeSerial
	}
	return fallback
}
