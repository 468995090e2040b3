package command_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"ppgstream/pkg/command"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, kind := range []command.Kind{command.ADCRange, command.SampleRate, command.PulseWidth, command.SampleAvg} {
		for _, value := range command.Values(kind) {
			cmd, err := command.Encode(kind, value)
			if err != nil {
				t.Fatalf("encode %s=%d: %v", kind, value, err)
			}
			gotKind, gotValue, err := command.Decode(cmd.Bytes())
			if err != nil {
				t.Fatalf("decode %s=%d: %v", kind, value, err)
			}
			if gotKind != kind || gotValue != value {
				t.Fatalf("round trip mismatch: got (%s, %d) want (%s, %d)", gotKind, gotValue, kind, value)
			}
		}
	}

	for _, kind := range []command.Kind{command.NoOp, command.IRLEDPA, command.RedLEDPA, command.Reboot, command.CollectionMode} {
		for value := 0; value <= 0xFF; value++ {
			cmd, err := command.Encode(kind, value)
			if err != nil {
				t.Fatalf("encode %s=%d: %v", kind, value, err)
			}
			gotKind, gotValue, err := command.Decode(cmd.Bytes())
			if err != nil {
				t.Fatalf("decode %s=%d: %v", kind, value, err)
			}
			if gotKind != kind || gotValue != value {
				t.Fatalf("round trip mismatch: got (%s, %d) want (%s, %d)", gotKind, gotValue, kind, value)
			}
		}
	}
}

func TestEncodeWireBytes(t *testing.T) {
	cmd, err := command.Encode(command.SampleRate, 400)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b := cmd.Bytes()
	if len(b) != 2 || b[0] != 0x02 || b[1] != 0x0C {
		t.Fatalf("unexpected wire bytes: % x", b)
	}

	cmd, err = command.Encode(command.SampleAvg, 32)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b := cmd.Bytes(); b[0] != 0x08 || b[1] != 0xA0 {
		t.Fatalf("unexpected wire bytes: % x", b)
	}
}

func TestEncodeRejectsOutOfDomain(t *testing.T) {
	cases := []struct {
		kind  command.Kind
		value int
	}{
		{command.ADCRange, 1024},
		{command.ADCRange, 4095},
		{command.SampleRate, 0},
		{command.SampleRate, 150},
		{command.PulseWidth, 100},
		{command.SampleAvg, 3},
		{command.SampleAvg, 64},
		{command.IRLEDPA, 256},
		{command.RedLEDPA, -1},
		{command.Reboot, 300},
		{command.CollectionMode, 0x100},
		{command.Kind(0x03), 0},
	}
	for _, tc := range cases {
		_, err := command.Encode(tc.kind, tc.value)
		if !errors.Is(err, command.ErrOutOfDomain) {
			t.Fatalf("expected out-of-domain for %s=%d, got %v", tc.kind, tc.value, err)
		}
	}
}

func TestDecodeRejectsUnknownCodes(t *testing.T) {
	valid := map[command.Kind]map[byte]bool{
		command.ADCRange:   {0x00: true, 0x20: true, 0x40: true, 0x60: true},
		command.SampleRate: {0x00: true, 0x04: true, 0x08: true, 0x0C: true, 0x10: true, 0x14: true, 0x18: true, 0x1C: true},
		command.PulseWidth: {0x00: true, 0x01: true, 0x02: true, 0x03: true},
		command.SampleAvg:  {0x00: true, 0x20: true, 0x40: true, 0x60: true, 0x80: true, 0xA0: true},
	}
	for kind, codes := range valid {
		for b := 0; b <= 0xFF; b++ {
			_, _, err := command.Decode([]byte{byte(kind), byte(b)})
			if codes[byte(b)] {
				if err != nil {
					t.Fatalf("unexpected error for %s code 0x%02x: %v", kind, b, err)
				}
				continue
			}
			if !errors.Is(err, command.ErrUnknownCode) {
				t.Fatalf("expected unknown code for %s 0x%02x, got %v", kind, b, err)
			}
		}
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, _, err := command.Decode([]byte{0x03, 0x00})
	if !errors.Is(err, command.ErrUnknownCode) {
		t.Fatalf("expected unknown code error, got %v", err)
	}
	var decErr *command.DecodeError
	if !errors.As(err, &decErr) || decErr.Field != "kind" {
		t.Fatalf("expected kind decode error, got %#v", err)
	}
	if _, _, err := command.Decode([]byte{0x01}); !errors.Is(err, command.ErrUnknownCode) {
		t.Fatalf("expected length error, got %v", err)
	}
}

func TestCollectionMode(t *testing.T) {
	b, err := command.EncodeCollectionMode(3000, 30)
	if err != nil {
		t.Fatalf("encode collection mode: %v", err)
	}
	if b != 0x36 {
		t.Fatalf("unexpected collection byte: 0x%02x", b)
	}
	period, timeout := command.DecodeCollectionMode(0x36)
	if period != 3000 || timeout != 30 {
		t.Fatalf("unexpected decode: period=%d timeout=%d", period, timeout)
	}

	period, timeout = command.DecodeCollectionMode(0xFF)
	if period != 7500 || timeout != 150 {
		t.Fatalf("unexpected decode of 0xff: period=%d timeout=%d", period, timeout)
	}
}

func TestCollectionModeNamesViolatingField(t *testing.T) {
	cases := []struct {
		period, timeout int
		field           string
	}{
		{8000, 30, "collection_period"},
		{-500, 30, "collection_period"},
		{750, 30, "collection_period"},
		{3000, 160, "startup_timeout"},
		{3000, 15, "startup_timeout"},
	}
	for _, tc := range cases {
		_, err := command.NewCollectionMode(tc.period, tc.timeout)
		var domErr *command.DomainError
		if !errors.As(err, &domErr) {
			t.Fatalf("expected domain error for (%d, %d), got %v", tc.period, tc.timeout, err)
		}
		if domErr.Field != tc.field {
			t.Fatalf("unexpected field for (%d, %d): got %s want %s", tc.period, tc.timeout, domErr.Field, tc.field)
		}
	}
}

func TestADCBitsFollowPulseWidth(t *testing.T) {
	want := map[byte]int{0x00: 15, 0x01: 16, 0x02: 17, 0x03: 18}
	for code, bits := range want {
		got, err := command.DecodeADCBits(code)
		if err != nil {
			t.Fatalf("decode adc bits 0x%02x: %v", code, err)
		}
		if got != bits {
			t.Fatalf("unexpected adc bits for 0x%02x: got %d want %d", code, got, bits)
		}
	}
}

func TestLEDConversion(t *testing.T) {
	level, err := command.LEDLevel(command.RedLEDPA, 51)
	if err != nil {
		t.Fatalf("led level: %v", err)
	}
	if level != 255 {
		t.Fatalf("unexpected level: %d", level)
	}
	if got := command.LEDCurrent(255); got != 51 {
		t.Fatalf("unexpected current: %v", got)
	}
	if _, err := command.LEDLevel(command.RedLEDPA, 52); !errors.Is(err, command.ErrOutOfDomain) {
		t.Fatalf("expected out-of-domain, got %v", err)
	}
}

func TestLEDLevelErrorNamesChannelAndInput(t *testing.T) {
	_, err := command.LEDLevel(command.IRLEDPA, 51.5)
	var derr *command.DomainError
	if !errors.As(err, &derr) {
		t.Fatalf("expected domain error, got %v", err)
	}
	if derr.Kind != command.IRLEDPA || derr.Field != "led_current_ma" || derr.Input != "51.5" {
		t.Fatalf("unexpected domain error: %+v", derr)
	}
	if !strings.Contains(err.Error(), "IRLEDPA led_current_ma=51.5") {
		t.Fatalf("unexpected message: %v", err)
	}

	if _, err := command.LEDLevel(command.IRLEDPA, math.NaN()); !errors.Is(err, command.ErrOutOfDomain) {
		t.Fatalf("NaN current must be rejected, got %v", err)
	}
	if _, err := command.LEDLevel(command.SampleRate, 10); !errors.As(err, &derr) || derr.Field != "kind" {
		t.Fatalf("non-LED kind must be rejected, got %v", err)
	}
	if level, err := command.LEDLevel(command.IRLEDPA, 25.5); err != nil || level != 127 {
		t.Fatalf("unexpected IR level: %d %v", level, err)
	}
}

func TestParseKind(t *testing.T) {
	kind, err := command.ParseKind("samplerate")
	if err != nil || kind != command.SampleRate {
		t.Fatalf("unexpected parse: %v %v", kind, err)
	}
	kind, err = command.ParseKind("0x80")
	if err != nil || kind != command.CollectionMode {
		t.Fatalf("unexpected parse: %v %v", kind, err)
	}
	if _, err := command.ParseKind("bogus"); !errors.Is(err, command.ErrUnknownCode) {
		t.Fatalf("expected unknown code, got %v", err)
	}
}
