package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// SyncMarker opens every frame on the wire (0xDEADBEEF little-endian).
var SyncMarker = []byte{0xEF, 0xBE, 0xAD, 0xDE}

const (
	HeaderSize  = 20
	SampleWidth = 4
	MaxSamples  = 100

	// AdcFullScale is the raw count at the top of the ADC range (2^18).
	AdcFullScale = 1 << 18
)

var (
	ErrSyncLost     = errors.New("protocol: sync marker mismatch")
	ErrIncomplete   = errors.New("protocol: incomplete frame")
	ErrInvalidFrame = errors.New("protocol: invalid frame")
)

// Layout selects the header layout. It is chosen by the caller, never
// detected from the stream.
type Layout int

const (
	LayoutCurrent Layout = iota
	LayoutLegacy
)

func (l Layout) String() string {
	switch l {
	case LayoutCurrent:
		return "current"
	case LayoutLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ParseLayout accepts "current" (or empty) and "legacy".
func ParseLayout(raw string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "current":
		return LayoutCurrent, nil
	case "legacy", "old":
		return LayoutLegacy, nil
	default:
		return 0, fmt.Errorf("protocol: unknown layout %q", raw)
	}
}

// Status is the closed set of decode outcomes.
type Status int

const (
	StatusDecoded Status = iota
	StatusIncomplete
	StatusInvalidSync
	StatusInvalidFrame
)

func (s Status) String() string {
	switch s {
	case StatusDecoded:
		return "decoded"
	case StatusIncomplete:
		return "incomplete"
	case StatusInvalidSync:
		return "invalid_sync"
	case StatusInvalidFrame:
		return "invalid_frame"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Classify maps a Decode error onto its Status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusDecoded
	case errors.Is(err, ErrIncomplete):
		return StatusIncomplete
	case errors.Is(err, ErrSyncLost):
		return StatusInvalidSync
	default:
		return StatusInvalidFrame
	}
}

// Header carries the raw fixed-size fields of a frame.
type Header struct {
	DeviceTime     uint32 `json:"device_time"`
	PacketID       uint16 `json:"packet_id"`
	ConfigByte     byte   `json:"cfg"`
	FIFOByte       byte   `json:"fifo_cfg"`
	CollectionByte byte   `json:"cp_cfg"`
	RedLED         uint8  `json:"red_led"`
	IRLED          uint8  `json:"ir_led"`
}

// DeviceConfig is the operating state echoed by the device in every frame.
type DeviceConfig struct {
	ADCRange         int   `json:"adc_range_na"`
	SampleRate       int   `json:"sample_rate_hz"`
	PulseWidth       int   `json:"pulse_width_us"`
	ADCBits          int   `json:"adc_bits"`
	SampleAvg        int   `json:"sample_avg"`
	CollectionPeriod int   `json:"collection_period_ms"`
	StartupTimeout   int   `json:"startup_timeout_s"`
	RedLED           uint8 `json:"red_led"`
	IRLED            uint8 `json:"ir_led"`
}

// SampleInterval is the spacing between samples in milliseconds.
func (c DeviceConfig) SampleInterval() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(c.SampleAvg) / float64(c.SampleRate) * 1000
}

// CurrentScale converts a raw ADC count into µA for this range.
func (c DeviceConfig) CurrentScale() float64 {
	return -1.0 * float64(c.ADCRange) / 1000.0 / AdcFullScale
}

// Frame is one decoded packet.
type Frame struct {
	Header
	Count  int          `json:"n"`
	Len    int          `json:"len"`
	Config DeviceConfig `json:"config"`
	Times  []float64    `json:"time_ms"`
	Red    []float64    `json:"red_ua"`
	IR     []float64    `json:"ir_ua"`
}

// FrameLen is the total wire length of a frame carrying n samples.
func FrameLen(n int) int {
	return HeaderSize + n*SampleWidth*2
}
