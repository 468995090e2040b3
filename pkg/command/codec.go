package command

import (
	"fmt"
	"strconv"
)

type entry struct {
	value int
	code  byte
}

// Tables map human units to device codes. Codes are already shifted into
// their bit position inside the config bytes.
var (
	adcRangeTable = []entry{{2048, 0x00}, {4096, 0x20}, {8192, 0x40}, {16384, 0x60}}

	sampleRateTable = []entry{
		{50, 0x00}, {100, 0x04}, {200, 0x08}, {400, 0x0C},
		{800, 0x10}, {1000, 0x14}, {1600, 0x18}, {3200, 0x1C},
	}

	pulseWidthTable = []entry{{69, 0x00}, {118, 0x01}, {215, 0x02}, {411, 0x03}}

	// ADC resolution shares the pulse-width code.
	adcBitsTable = []entry{{15, 0x00}, {16, 0x01}, {17, 0x02}, {18, 0x03}}

	sampleAvgTable = []entry{{1, 0x00}, {2, 0x20}, {4, 0x40}, {8, 0x60}, {16, 0x80}, {32, 0xA0}}
)

const (
	CollectionPeriodMax  = 7500
	CollectionPeriodStep = 500
	StartupTimeoutMax    = 150
	StartupTimeoutStep   = 10

	// LEDCurrentMax is the drive current in mA at level 255.
	LEDCurrentMax = 51.0
)

func lookupValue(table []entry, kind Kind, field string, value int) (byte, error) {
	for _, e := range table {
		if e.value == value {
			return e.code, nil
		}
	}
	return 0, &DomainError{Kind: kind, Field: field, Value: value}
}

func lookupCode(table []entry, kind Kind, field string, code byte) (int, error) {
	for _, e := range table {
		if e.code == code {
			return e.value, nil
		}
	}
	return 0, &DecodeError{Kind: kind, Field: field, Code: code}
}

func EncodeADCRange(nA int) (byte, error) {
	return lookupValue(adcRangeTable, ADCRange, "adc_range", nA)
}

func DecodeADCRange(code byte) (int, error) {
	return lookupCode(adcRangeTable, ADCRange, "adc_range", code)
}

func EncodeSampleRate(hz int) (byte, error) {
	return lookupValue(sampleRateTable, SampleRate, "sample_rate", hz)
}

func DecodeSampleRate(code byte) (int, error) {
	return lookupCode(sampleRateTable, SampleRate, "sample_rate", code)
}

func EncodePulseWidth(us int) (byte, error) {
	return lookupValue(pulseWidthTable, PulseWidth, "pulse_width", us)
}

func DecodePulseWidth(code byte) (int, error) {
	return lookupCode(pulseWidthTable, PulseWidth, "pulse_width", code)
}

// DecodeADCBits maps a pulse-width code to the ADC resolution it implies.
func DecodeADCBits(code byte) (int, error) {
	return lookupCode(adcBitsTable, PulseWidth, "adc_bits", code)
}

func EncodeSampleAvg(n int) (byte, error) {
	return lookupValue(sampleAvgTable, SampleAvg, "sample_avg", n)
}

func DecodeSampleAvg(code byte) (int, error) {
	return lookupCode(sampleAvgTable, SampleAvg, "sample_avg", code)
}

// EncodeCollectionMode packs the collection period (low nibble, 500 ms steps)
// and startup timeout (high nibble, 10 s steps) into one byte.
func EncodeCollectionMode(periodMS int, timeoutS int) (byte, error) {
	if periodMS < 0 || periodMS > CollectionPeriodMax || periodMS%CollectionPeriodStep != 0 {
		return 0, &DomainError{Kind: CollectionMode, Field: "collection_period", Value: periodMS}
	}
	if timeoutS < 0 || timeoutS > StartupTimeoutMax || timeoutS%StartupTimeoutStep != 0 {
		return 0, &DomainError{Kind: CollectionMode, Field: "startup_timeout", Value: timeoutS}
	}
	cp := byte(periodMS / CollectionPeriodStep)
	st := byte(timeoutS/StartupTimeoutStep) << 4
	return cp | st, nil
}

// DecodeCollectionMode unpacks a collection-mode byte. Every byte is valid.
func DecodeCollectionMode(b byte) (periodMS int, timeoutS int) {
	periodMS = int(b&0x0F) * CollectionPeriodStep
	timeoutS = int((b&0xF0)>>4) * StartupTimeoutStep
	return periodMS, timeoutS
}

// LEDLevel converts a drive current in mA to the level byte for kind, which
// must be IRLEDPA or RedLEDPA.
func LEDLevel(kind Kind, mA float64) (int, error) {
	if kind != IRLEDPA && kind != RedLEDPA {
		return 0, &DomainError{Kind: kind, Field: "kind", Value: int(kind)}
	}
	if !(mA >= 0 && mA <= LEDCurrentMax) {
		return 0, &DomainError{
			Kind:  kind,
			Field: "led_current_ma",
			Value: int(mA),
			Input: strconv.FormatFloat(mA, 'g', -1, 64),
		}
	}
	return int(mA * 255.0 / LEDCurrentMax), nil
}

// LEDCurrent converts a device level byte to mA.
func LEDCurrent(level int) float64 {
	return float64(level) * LEDCurrentMax / 255.0
}

// Encode builds a command from a value in human units. LED levels, Reboot,
// NoOp and the packed CollectionMode byte pass through as 0..255.
func Encode(kind Kind, value int) (Command, error) {
	var (
		code byte
		err  error
	)
	switch kind {
	case ADCRange:
		code, err = EncodeADCRange(value)
	case SampleRate:
		code, err = EncodeSampleRate(value)
	case PulseWidth:
		code, err = EncodePulseWidth(value)
	case SampleAvg:
		code, err = EncodeSampleAvg(value)
	case NoOp, IRLEDPA, RedLEDPA, Reboot, CollectionMode:
		if value < 0 || value > 0xFF {
			return Command{}, &DomainError{Kind: kind, Field: "payload", Value: value}
		}
		code = byte(value)
	default:
		return Command{}, &DomainError{Kind: kind, Field: "kind", Value: int(kind)}
	}
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: kind, Payload: code}, nil
}

// NewCollectionMode validates and packs both collection sub-fields.
func NewCollectionMode(periodMS int, timeoutS int) (Command, error) {
	b, err := EncodeCollectionMode(periodMS, timeoutS)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: CollectionMode, Payload: b}, nil
}

// Decode parses 2 wire bytes back into a kind and a value in human units.
func Decode(b []byte) (Kind, int, error) {
	if len(b) != Size {
		return 0, 0, fmt.Errorf("%w: command length %d", ErrUnknownCode, len(b))
	}
	kind := Kind(b[0])
	payload := b[1]
	switch kind {
	case ADCRange:
		v, err := DecodeADCRange(payload)
		return kind, v, err
	case SampleRate:
		v, err := DecodeSampleRate(payload)
		return kind, v, err
	case PulseWidth:
		v, err := DecodePulseWidth(payload)
		return kind, v, err
	case SampleAvg:
		v, err := DecodeSampleAvg(payload)
		return kind, v, err
	case NoOp, IRLEDPA, RedLEDPA, Reboot, CollectionMode:
		return kind, int(payload), nil
	default:
		return 0, 0, &DecodeError{Kind: kind, Field: "kind", Code: b[0]}
	}
}

// Values lists the valid human values for a table-backed kind. Pass-through
// kinds return nil.
func Values(kind Kind) []int {
	var table []entry
	switch kind {
	case ADCRange:
		table = adcRangeTable
	case SampleRate:
		table = sampleRateTable
	case PulseWidth:
		table = pulseWidthTable
	case SampleAvg:
		table = sampleAvgTable
	default:
		return nil
	}
	out := make([]int, len(table))
	for i, e := range table {
		out[i] = e.value
	}
	return out
}
