package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"ppgstream/pkg/protocol"
	"ppgstream/pkg/samples"
)

const DefaultConfigPath = "ppgstream.toml"

type Config struct {
	Device    DeviceConfig    `toml:"device"`
	Transport TransportConfig `toml:"transport"`
	Buffer    BufferConfig    `toml:"buffer"`
	Stream    StreamConfig    `toml:"stream"`
	Outbox    OutboxConfig    `toml:"outbox"`
	Log       LogConfig       `toml:"log"`
	Foxglove  FoxgloveConfig  `toml:"foxglove"`
	NATS      NATSConfig      `toml:"nats"`
	Redis     RedisConfig     `toml:"redis"`

	configPath string
}

type DeviceConfig struct {
	ID     string `toml:"id"`
	Layout string `toml:"layout"`
}

type TransportConfig struct {
	Kind        string `toml:"kind"`
	Addr        string `toml:"addr"`
	SerialPort  string `toml:"serial_port"`
	Baud        int    `toml:"baud"`
	DialTimeout string `toml:"dial_timeout"`
	ReadTimeout string `toml:"read_timeout"`
	RetryDelay  string `toml:"retry_delay"`
	MaxFailures int    `toml:"max_failures"`
	ReadSize    int    `toml:"read_size"`
	Capture     string `toml:"capture,omitempty"`
}

type BufferConfig struct {
	Capacity int `toml:"capacity"`
}

type StreamConfig struct {
	MaxRate     int    `toml:"max_rate"`
	MaxDuration string `toml:"max_duration"`
}

type OutboxConfig struct {
	Limit int `toml:"limit"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSONL string `toml:"jsonl,omitempty"`
}

type FoxgloveConfig struct {
	Enabled     bool   `toml:"enabled"`
	WSAddr      string `toml:"ws_addr"`
	SampleTopic string `toml:"sample_topic"`
	ConfigTopic string `toml:"config_topic"`
	Interval    string `toml:"interval"`
}

type NATSConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Prefix  string `toml:"prefix"`
}

type RedisConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	DB      int    `toml:"db"`
	Prefix  string `toml:"prefix"`
	TTL     string `toml:"ttl"`
}

func Default() Config {
	return Config{
		Device: DeviceConfig{
			ID:     "ppg",
			Layout: "current",
		},
		Transport: TransportConfig{
			Kind:        "tcp",
			Addr:        "127.0.0.1:19022",
			Baud:        115200,
			DialTimeout: "5s",
			ReadTimeout: "200ms",
			RetryDelay:  "1s",
			MaxFailures: 5,
			ReadSize:    4096,
		},
		Buffer: BufferConfig{Capacity: 1 << 20},
		Stream: StreamConfig{
			MaxRate:     samples.DefaultMaxRate,
			MaxDuration: "10h",
		},
		Log: LogConfig{Level: "info"},
		Foxglove: FoxgloveConfig{
			WSAddr:      "127.0.0.1:8765",
			SampleTopic: "ppg/samples",
			ConfigTopic: "ppg/config",
			Interval:    "50ms",
		},
		NATS: NATSConfig{
			URL:    "nats://127.0.0.1:4222",
			Prefix: "ppg",
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "ppg",
			TTL:    "30s",
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path over the defaults. A missing file is not an error;
// exists reports whether it was found.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) Validate() error {
	if _, err := protocol.ParseLayout(cfg.Device.Layout); err != nil {
		return fmt.Errorf("device.layout: %w", err)
	}
	switch cfg.Transport.Kind {
	case "tcp":
		if cfg.Transport.Addr == "" {
			return fmt.Errorf("transport.addr is required for tcp")
		}
	case "serial":
		if cfg.Transport.SerialPort == "" {
			return fmt.Errorf("transport.serial_port is required for serial")
		}
	default:
		return fmt.Errorf("transport.kind must be tcp or serial, got %q", cfg.Transport.Kind)
	}
	if cfg.Transport.MaxFailures < 1 {
		return fmt.Errorf("transport.max_failures must be positive")
	}
	if minCap := protocol.FrameLen(protocol.MaxSamples) + cfg.Transport.ReadSize; cfg.Buffer.Capacity < minCap {
		return fmt.Errorf("buffer.capacity must be at least %d (largest frame plus transport.read_size), got %d", minCap, cfg.Buffer.Capacity)
	}

	durations := []struct {
		name  string
		value string
	}{
		{"transport.dial_timeout", cfg.Transport.DialTimeout},
		{"transport.read_timeout", cfg.Transport.ReadTimeout},
		{"transport.retry_delay", cfg.Transport.RetryDelay},
		{"stream.max_duration", cfg.Stream.MaxDuration},
		{"foxglove.interval", cfg.Foxglove.Interval},
		{"redis.ttl", cfg.Redis.TTL},
	}
	for _, d := range durations {
		if _, err := ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	if cfg.Outbox.Limit < 0 {
		return fmt.Errorf("outbox.limit must not be negative")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// ParseDuration accepts Go duration strings and rejects negative values.
func ParseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// MustDuration is for values already checked by Validate.
func MustDuration(raw string) time.Duration {
	d, err := ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func (cfg *Config) normalize(path string) {
	def := Default()

	cfg.Device.ID = strings.TrimSpace(cfg.Device.ID)
	if cfg.Device.ID == "" {
		cfg.Device.ID = def.Device.ID
	}
	cfg.Device.Layout = strings.ToLower(strings.TrimSpace(cfg.Device.Layout))
	if cfg.Device.Layout == "" {
		cfg.Device.Layout = def.Device.Layout
	}

	cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(cfg.Transport.Kind))
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = def.Transport.Kind
	}
	if cfg.Transport.Baud <= 0 {
		cfg.Transport.Baud = def.Transport.Baud
	}
	if cfg.Transport.DialTimeout == "" {
		cfg.Transport.DialTimeout = def.Transport.DialTimeout
	}
	if cfg.Transport.ReadTimeout == "" {
		cfg.Transport.ReadTimeout = def.Transport.ReadTimeout
	}
	if cfg.Transport.RetryDelay == "" {
		cfg.Transport.RetryDelay = def.Transport.RetryDelay
	}
	if cfg.Transport.MaxFailures == 0 {
		cfg.Transport.MaxFailures = def.Transport.MaxFailures
	}
	if cfg.Transport.ReadSize <= 0 {
		cfg.Transport.ReadSize = def.Transport.ReadSize
	}

	if cfg.Buffer.Capacity <= 0 {
		cfg.Buffer.Capacity = def.Buffer.Capacity
	}
	if cfg.Stream.MaxRate <= 0 {
		cfg.Stream.MaxRate = def.Stream.MaxRate
	}
	if cfg.Stream.MaxDuration == "" {
		cfg.Stream.MaxDuration = def.Stream.MaxDuration
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}

	if cfg.Foxglove.WSAddr == "" {
		cfg.Foxglove.WSAddr = def.Foxglove.WSAddr
	}
	if cfg.Foxglove.SampleTopic == "" {
		cfg.Foxglove.SampleTopic = def.Foxglove.SampleTopic
	}
	if cfg.Foxglove.ConfigTopic == "" {
		cfg.Foxglove.ConfigTopic = def.Foxglove.ConfigTopic
	}
	if cfg.Foxglove.Interval == "" {
		cfg.Foxglove.Interval = def.Foxglove.Interval
	}
	if cfg.NATS.Prefix == "" {
		cfg.NATS.Prefix = def.NATS.Prefix
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = def.Redis.Prefix
	}
	if cfg.Redis.TTL == "" {
		cfg.Redis.TTL = def.Redis.TTL
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path
}

// CapturePrefix resolves transport.capture relative to the config file.
func (cfg *Config) CapturePrefix() string {
	return cfg.resolve(cfg.Transport.Capture)
}

// JSONLPath resolves log.jsonl relative to the config file. "-" means stdout.
func (cfg *Config) JSONLPath() string {
	if cfg.Log.JSONL == "-" {
		return "-"
	}
	return cfg.resolve(cfg.Log.JSONL)
}

func (cfg *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(cfg.configPath), p)
}
