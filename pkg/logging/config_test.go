package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"ppgstream/pkg/logging"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := logging.ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", raw, got, ok)
		}
	}
	if _, ok := logging.ParseLevel("loud"); ok {
		t.Fatalf("unexpected success for unknown level")
	}
	if _, ok := logging.ParseLevel(""); ok {
		t.Fatalf("empty level must not override")
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	log.Debug().Msg("hidden")
	log.Warn().Int("skipped", 3).Msg("resync")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected exactly one json record, got %q: %v", buf.String(), err)
	}
	if rec["message"] != "resync" || rec["level"] != "warn" || rec["skipped"] != float64(3) {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestResolveAppliesConfiguredLevel(t *testing.T) {
	t.Setenv(logging.EnvLogLevel, "")
	t.Setenv(logging.EnvLogJSON, "")

	cfg := logging.Resolve(logging.ProfileRuntime, "debug")
	if cfg.Level != zerolog.DebugLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	var buf bytes.Buffer
	cfg.Out = &buf
	cfg.JSON = true
	logger := logging.New(cfg)
	logger.Debug().Str("device", "ppg").Msg("sent command")
	if !bytes.Contains(buf.Bytes(), []byte(`"message":"sent command"`)) {
		t.Fatalf("debug record missing: %q", buf.String())
	}

	if cfg := logging.Resolve(logging.ProfileRuntime, "loud"); cfg.Level != zerolog.InfoLevel {
		t.Fatalf("unknown level should keep default, got %v", cfg.Level)
	}
}

func TestResolveEnvOverridesConfiguredLevel(t *testing.T) {
	t.Setenv(logging.EnvLogLevel, "warn")
	if cfg := logging.Resolve(logging.ProfileRuntime, "trace"); cfg.Level != zerolog.WarnLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
}
