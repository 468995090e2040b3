package foxglove

import "time"

const SampleSchema = `{
  "type": "object",
  "properties": {
    "device": { "type": "string" },
    "start": { "type": "integer" },
    "time_ms": { "type": "array", "items": { "type": "number" } },
    "red_ua": { "type": "array", "items": { "type": "number" } },
    "ir_ua": { "type": "array", "items": { "type": "number" } }
  },
  "required": ["device", "time_ms", "red_ua", "ir_ua"]
}`

const ConfigSchema = `{
  "type": "object",
  "properties": {
    "device": { "type": "string" },
    "adc_range_na": { "type": "integer" },
    "sample_rate_hz": { "type": "integer" },
    "pulse_width_us": { "type": "integer" },
    "adc_bits": { "type": "integer" },
    "sample_avg": { "type": "integer" },
    "collection_period_ms": { "type": "integer" },
    "startup_timeout_s": { "type": "integer" },
    "red_led": { "type": "integer" },
    "ir_led": { "type": "integer" },
    "red_led_ma": { "type": "number" },
    "ir_led_ma": { "type": "number" }
  },
  "required": ["device", "sample_rate_hz"]
}`

type Config struct {
	WSAddr          string
	Name            string
	SampleTopic     string
	SampleChannelID uint64
	ConfigTopic     string
	ConfigChannelID uint64
	SchemaEncoding  string
	Encoding        string
	SendBuf         int
	Interval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		WSAddr:          "127.0.0.1:8765",
		Name:            "ppgstream",
		SampleTopic:     "ppg/samples",
		SampleChannelID: 1,
		ConfigTopic:     "ppg/config",
		ConfigChannelID: 2,
		SchemaEncoding:  "jsonschema",
		Encoding:        "json",
		SendBuf:         256,
		Interval:        50 * time.Millisecond,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = def.WSAddr
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.SampleTopic == "" {
		cfg.SampleTopic = def.SampleTopic
	}
	if cfg.SampleChannelID == 0 {
		cfg.SampleChannelID = def.SampleChannelID
	}
	if cfg.ConfigTopic == "" {
		cfg.ConfigTopic = def.ConfigTopic
	}
	if cfg.ConfigChannelID == 0 || cfg.ConfigChannelID == cfg.SampleChannelID {
		cfg.ConfigChannelID = cfg.SampleChannelID + 1
	}
	if cfg.SchemaEncoding == "" {
		cfg.SchemaEncoding = def.SchemaEncoding
	}
	if cfg.Encoding == "" {
		cfg.Encoding = def.Encoding
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = def.SendBuf
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return cfg
}
