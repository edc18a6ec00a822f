package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	errs "github.com/bci-mcp/backend/internal/errors"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "127.0.0.1"
device:
  type: serial
  port: /dev/ttyUSB0
  sample_rate: 500
  channels: 4
filter:
  low: 0.5
  high: 40
  line_frequency: 50
detector:
  mode: amplitude
  threshold: 80
  cooldown: 250ms
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Device.Type != "serial" || cfg.Device.Port != "/dev/ttyUSB0" {
		t.Errorf("Device = %+v", cfg.Device)
	}
	if cfg.Device.Channels != 4 || cfg.Device.SampleRate != 500 {
		t.Errorf("Device geometry = %d ch @ %g Hz", cfg.Device.Channels, cfg.Device.SampleRate)
	}
	if cfg.Filter.LineFrequency != 50 {
		t.Errorf("Filter.LineFrequency = %g, want 50", cfg.Filter.LineFrequency)
	}
	if cfg.Detector.Cooldown != 250*time.Millisecond {
		t.Errorf("Detector.Cooldown = %v, want 250ms", cfg.Detector.Cooldown)
	}
	// Unset keys keep their defaults.
	if cfg.Detector.Window != 50 {
		t.Errorf("Detector.Window = %d, want default 50", cfg.Detector.Window)
	}
	if cfg.Filter.NotchQ != 30 {
		t.Errorf("Filter.NotchQ = %g, want default 30", cfg.Filter.NotchQ)
	}
	if got := cfg.BufferSamples(); got != 2500 {
		t.Errorf("BufferSamples() = %d, want 2500", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Device.SampleRate != 250 || cfg.Device.Channels != 1 {
		t.Errorf("defaults not applied: %+v", cfg.Device)
	}
	if cfg.Detector.Cooldown != 500*time.Millisecond {
		t.Errorf("Detector.Cooldown = %v, want 500ms", cfg.Detector.Cooldown)
	}
	if cfg.FeatureWindow() != 250 || cfg.CalibrationMinSamples() != 250 {
		t.Errorf("derived windows = %d/%d, want 250/250", cfg.FeatureWindow(), cfg.CalibrationMinSamples())
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errs.IsKind(err, errs.KindConfiguration) {
		t.Fatalf("Load() error = %v, want ConfigurationError", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BCI_PORT", "7000")
	t.Setenv("BCI_DEVICE_TYPE", "mqtt")
	t.Setenv("BCI_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("BCI_LINE_FREQUENCY", "50")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Device.Type != "mqtt" || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("mqtt overrides not applied: %+v %+v", cfg.Device, cfg.MQTT)
	}
	if cfg.Filter.LineFrequency != 50 {
		t.Errorf("Filter.LineFrequency = %g, want 50", cfg.Filter.LineFrequency)
	}
}

func TestEnvOverrideBadNumber(t *testing.T) {
	t.Setenv("BCI_PORT", "eighty")
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if !errs.IsKind(err, errs.KindConfiguration) {
		t.Fatalf("Load() error = %v, want ConfigurationError", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.Device.SampleRate = 0 }},
		{"no channels", func(c *Config) { c.Device.Channels = 0 }},
		{"unknown device", func(c *Config) { c.Device.Type = "openbci" }},
		{"inverted band", func(c *Config) { c.Filter.Low, c.Filter.High = 40, 1 }},
		{"high above nyquist", func(c *Config) { c.Filter.High = 130 }},
		{"line above nyquist", func(c *Config) { c.Filter.LineFrequency = 200 }},
		{"unknown policy", func(c *Config) { c.Artifact.Policy = "drop" }},
		{"unknown mode", func(c *Config) { c.Detector.Mode = "ml" }},
		{"tiny window", func(c *Config) { c.Detector.Window = 1 }},
		{"negative cooldown", func(c *Config) { c.Detector.Cooldown = -time.Second }},
		{"zero k", func(c *Config) { c.Calibration.K = 0 }},
	}

	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errs.IsKind(err, errs.KindConfiguration) {
				t.Errorf("Validate() = %v, want ConfigurationError", err)
			}
		})
	}
}
