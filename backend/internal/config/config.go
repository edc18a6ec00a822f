package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	errs "github.com/bci-mcp/backend/internal/errors"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Device      DeviceConfig      `yaml:"device"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Filter      FilterConfig      `yaml:"filter"`
	Artifact    ArtifactConfig    `yaml:"artifact"`
	Features    FeatureConfig     `yaml:"features"`
	Detector    DetectorConfig    `yaml:"detector"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Store       StoreConfig       `yaml:"store"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DeviceConfig selects the adapter variant and the session geometry.
type DeviceConfig struct {
	Type              string   `yaml:"type"` // simulated, serial, mqtt
	Port              string   `yaml:"port"`
	BaudRate          int      `yaml:"baud_rate"`
	SampleRate        float64  `yaml:"sample_rate"`
	Channels          int      `yaml:"channels"`
	ChunkSize         int      `yaml:"chunk_size"`
	Scale             float64  `yaml:"scale"`
	DiscoveryPatterns []string `yaml:"discovery_patterns"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

type FilterConfig struct {
	Low           float64 `yaml:"low"`
	High          float64 `yaml:"high"`
	LineFrequency float64 `yaml:"line_frequency"`
	NotchQ        float64 `yaml:"notch_q"`
}

type ArtifactConfig struct {
	MaxAmplitude float64 `yaml:"max_amplitude"`
	Policy       string  `yaml:"policy"` // flag, clip, reject
}

type FeatureConfig struct {
	Window int `yaml:"window"` // samples; 0 means one second
}

type DetectorConfig struct {
	Mode      string        `yaml:"mode"` // zscore, amplitude
	Threshold float64       `yaml:"threshold"`
	Window    int           `yaml:"window"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type CalibrationConfig struct {
	K               float64       `yaml:"k"`
	DefaultDuration time.Duration `yaml:"default_duration"`
	MinSamples      int           `yaml:"min_samples"` // 0 means one second
}

type StoreConfig struct {
	BufferSeconds float64 `yaml:"buffer_seconds"`
}

type ProtocolConfig struct {
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	SendQueue      int           `yaml:"send_queue"`
	MaxConnections int           `yaml:"max_connections"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second per connection
	RateBurst      int           `yaml:"rate_burst"`
	PushInterval   time.Duration `yaml:"push_interval"`
	CommandQueue   int           `yaml:"command_queue"`
}

type StorageConfig struct {
	Dir           string `yaml:"dir"`
	DefaultFormat string `yaml:"default_format"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8765,
			Host: "0.0.0.0",
		},
		Device: DeviceConfig{
			Type:       "simulated",
			Port:       "/dev/tty.usbmodem1101",
			BaudRate:   115200,
			SampleRate: 250,
			Channels:   1,
			ChunkSize:  10,
			Scale:      1,
			DiscoveryPatterns: []string{
				"/dev/ttyUSB*",
				"/dev/ttyACM*",
				"/dev/tty.usbmodem*",
				"/dev/tty.usbserial*",
			},
		},
		MQTT: MQTTConfig{
			Topic:    "bci/samples",
			ClientID: "bci-mcp",
			QoS:      0,
		},
		Filter: FilterConfig{
			Low:           1,
			High:          45,
			LineFrequency: 60,
			NotchQ:        30,
		},
		Artifact: ArtifactConfig{
			MaxAmplitude: 500,
			Policy:       "reject",
		},
		Detector: DetectorConfig{
			Mode:      "zscore",
			Threshold: 5,
			Window:    50,
			Cooldown:  500 * time.Millisecond,
		},
		Calibration: CalibrationConfig{
			K:               3,
			DefaultDuration: 10 * time.Second,
		},
		Store: StoreConfig{
			BufferSeconds: 5,
		},
		Protocol: ProtocolConfig{
			ToolTimeout:    15 * time.Second,
			SendQueue:      64,
			MaxConnections: 64,
			RateLimit:      50,
			RateBurst:      100,
			PushInterval:   100 * time.Millisecond,
			CommandQueue:   32,
		},
		Storage: StorageConfig{
			Dir:           "recordings",
			DefaultFormat: "npz",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path over the defaults, then applies any
// BCI_* environment overrides (a .env file in the working directory is
// loaded first when present). A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.Wrap(err, errs.KindConfiguration, "config.Load", "parse "+path)
		}
	case os.IsNotExist(err):
	default:
		return nil, errs.Wrap(err, errs.KindConfiguration, "config.Load", "read "+path)
	}

	// .env is optional; system environment still applies without it.
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = errs.Newf(errs.KindConfiguration, "config.applyEnv", "%s: %v", key, perr)
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				err = errs.Newf(errs.KindConfiguration, "config.applyEnv", "%s: %v", key, perr)
				return
			}
			*dst = f
		}
	}

	setString("BCI_HOST", &c.Server.Host)
	setInt("BCI_PORT", &c.Server.Port)
	setString("BCI_AUTH_TOKEN", &c.Server.AuthToken)
	if v, ok := os.LookupEnv("BCI_ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	setString("BCI_DEVICE_TYPE", &c.Device.Type)
	setString("BCI_DEVICE_PORT", &c.Device.Port)
	setFloat("BCI_SAMPLE_RATE", &c.Device.SampleRate)
	setInt("BCI_CHANNELS", &c.Device.Channels)
	setString("BCI_MQTT_BROKER", &c.MQTT.Broker)
	setString("BCI_MQTT_TOPIC", &c.MQTT.Topic)
	setString("BCI_MQTT_USERNAME", &c.MQTT.Username)
	setString("BCI_MQTT_PASSWORD", &c.MQTT.Password)
	setFloat("BCI_LINE_FREQUENCY", &c.Filter.LineFrequency)
	setString("BCI_STORAGE_DIR", &c.Storage.Dir)
	setString("BCI_POSTGRES_DSN", &c.Storage.PostgresDSN)
	setString("BCI_LOG_LEVEL", &c.Logging.Level)
	setString("BCI_LOG_FORMAT", &c.Logging.Format)
	return err
}

// Validate checks the parameters the pipeline and server cannot run without.
func (c *Config) Validate() error {
	const op = "config.Validate"
	fail := func(format string, args ...any) error {
		return errs.Newf(errs.KindConfiguration, op, format, args...)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fail("server.port %d out of range", c.Server.Port)
	}
	if c.Device.SampleRate <= 0 {
		return fail("device.sample_rate must be positive")
	}
	if c.Device.Channels <= 0 {
		return fail("device.channels must be positive")
	}
	if c.Device.ChunkSize <= 0 {
		return fail("device.chunk_size must be positive")
	}
	switch c.Device.Type {
	case "simulated", "serial", "mqtt":
	default:
		return fail("device.type %q not supported", c.Device.Type)
	}
	nyquist := c.Device.SampleRate / 2
	if c.Filter.Low <= 0 || c.Filter.High <= c.Filter.Low || c.Filter.High >= nyquist {
		return fail("filter band [%g, %g] invalid for sample rate %g", c.Filter.Low, c.Filter.High, c.Device.SampleRate)
	}
	if c.Filter.LineFrequency != 0 && (c.Filter.LineFrequency < 0 || c.Filter.LineFrequency >= nyquist) {
		return fail("filter.line_frequency %g invalid", c.Filter.LineFrequency)
	}
	if c.Filter.NotchQ <= 0 {
		return fail("filter.notch_q must be positive")
	}
	if c.Artifact.MaxAmplitude <= 0 {
		return fail("artifact.max_amplitude must be positive")
	}
	switch c.Artifact.Policy {
	case "flag", "clip", "reject":
	default:
		return fail("artifact.policy %q not supported", c.Artifact.Policy)
	}
	switch c.Detector.Mode {
	case "zscore", "amplitude":
	default:
		return fail("detector.mode %q not supported", c.Detector.Mode)
	}
	if c.Detector.Threshold <= 0 {
		return fail("detector.threshold must be positive")
	}
	if c.Detector.Window < 2 {
		return fail("detector.window must be at least 2")
	}
	if c.Detector.Cooldown < 0 {
		return fail("detector.cooldown must not be negative")
	}
	if c.Calibration.K <= 0 {
		return fail("calibration.k must be positive")
	}
	if c.Store.BufferSeconds <= 0 {
		return fail("store.buffer_seconds must be positive")
	}
	if c.Protocol.ToolTimeout <= 0 {
		return fail("protocol.tool_timeout must be positive")
	}
	return nil
}

// BufferSamples is the ring capacity in samples.
func (c *Config) BufferSamples() int {
	return int(c.Store.BufferSeconds * c.Device.SampleRate)
}

// FeatureWindow returns the feature window in samples.
func (c *Config) FeatureWindow() int {
	if c.Features.Window > 0 {
		return c.Features.Window
	}
	return int(c.Device.SampleRate)
}

// CalibrationMinSamples returns the minimum baseline size in samples.
func (c *Config) CalibrationMinSamples() int {
	if c.Calibration.MinSamples > 0 {
		return c.Calibration.MinSamples
	}
	return int(c.Device.SampleRate)
}

// Addr returns host:port for the listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
