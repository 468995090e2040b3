package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"ppgstream/pkg/command"
)

// Config byte masks.
const (
	cfgADCRangeMask   = 0x60
	cfgSampleRateMask = 0x1C
	cfgPulseWidthMask = 0x03
	fifoSampleAvgMask = 0xE0
)

// Decoder turns a window starting at a sync marker into a Frame.
type Decoder struct {
	Layout Layout
}

// Decode parses one frame from the start of window. Failures wrap exactly one
// of ErrSyncLost, ErrIncomplete or ErrInvalidFrame.
func (d Decoder) Decode(window []byte) (Frame, error) {
	if len(window) < len(SyncMarker) {
		if bytes.HasPrefix(SyncMarker, window) {
			return Frame{}, ErrIncomplete
		}
		return Frame{}, fmt.Errorf("%w: 0x%x", ErrSyncLost, window)
	}
	if !bytes.Equal(window[:len(SyncMarker)], SyncMarker) {
		return Frame{}, fmt.Errorf("%w: 0x%x", ErrSyncLost, window[:len(SyncMarker)])
	}
	if len(window) < HeaderSize {
		return Frame{}, ErrIncomplete
	}

	var (
		h Header
		n int
	)
	switch d.Layout {
	case LayoutLegacy:
		h.PacketID = binary.LittleEndian.Uint16(window[4:6])
		h.DeviceTime = binary.LittleEndian.Uint32(window[8:12])
		h.ConfigByte = window[12]
		h.FIFOByte = window[13]
		h.RedLED = window[14]
		h.IRLED = window[15]
		h.CollectionByte = 0x00
	default:
		h.DeviceTime = binary.LittleEndian.Uint32(window[4:8])
		h.PacketID = binary.LittleEndian.Uint16(window[8:10])
		h.ConfigByte = window[10]
		h.FIFOByte = window[11]
		h.CollectionByte = window[12]
		h.RedLED = window[13]
		h.IRLED = window[14]
	}
	n = int(binary.LittleEndian.Uint16(window[16:18]))

	if n < 1 || n > MaxSamples {
		return Frame{}, fmt.Errorf("%w: sample count %d", ErrInvalidFrame, n)
	}
	total := FrameLen(n)
	if len(window) < total {
		return Frame{}, fmt.Errorf("%w: have %d want %d", ErrIncomplete, len(window), total)
	}

	cfg, err := DecodeConfig(h)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	frame := Frame{
		Header: h,
		Count:  n,
		Len:    total,
		Config: cfg,
		Times:  make([]float64, n),
		Red:    make([]float64, n),
		IR:     make([]float64, n),
	}

	dt := cfg.SampleInterval()
	scale := cfg.CurrentScale()
	redOff := HeaderSize
	irOff := HeaderSize + n*SampleWidth
	for i := 0; i < n; i++ {
		frame.Times[i] = float64(h.DeviceTime) + float64(i)*dt
		red := binary.LittleEndian.Uint32(window[redOff+i*SampleWidth:])
		ir := binary.LittleEndian.Uint32(window[irOff+i*SampleWidth:])
		frame.Red[i] = float64(red) * scale
		frame.IR[i] = float64(ir) * scale
	}
	return frame, nil
}

// DecodeConfig expands the raw config bytes of a header.
func DecodeConfig(h Header) (DeviceConfig, error) {
	adcRange, err := command.DecodeADCRange(h.ConfigByte & cfgADCRangeMask)
	if err != nil {
		return DeviceConfig{}, err
	}
	rate, err := command.DecodeSampleRate(h.ConfigByte & cfgSampleRateMask)
	if err != nil {
		return DeviceConfig{}, err
	}
	pw, err := command.DecodePulseWidth(h.ConfigByte & cfgPulseWidthMask)
	if err != nil {
		return DeviceConfig{}, err
	}
	bits, err := command.DecodeADCBits(h.ConfigByte & cfgPulseWidthMask)
	if err != nil {
		return DeviceConfig{}, err
	}
	avg, err := command.DecodeSampleAvg(h.FIFOByte & fifoSampleAvgMask)
	if err != nil {
		return DeviceConfig{}, err
	}
	period, timeout := command.DecodeCollectionMode(h.CollectionByte)
	return DeviceConfig{
		ADCRange:         adcRange,
		SampleRate:       rate,
		PulseWidth:       pw,
		ADCBits:          bits,
		SampleAvg:        avg,
		CollectionPeriod: period,
		StartupTimeout:   timeout,
		RedLED:           h.RedLED,
		IRLED:            h.IRLED,
	}, nil
}

// EncodeConfig packs a DeviceConfig into the config, FIFO-config and
// collection-mode bytes.
func EncodeConfig(cfg DeviceConfig) (config byte, fifo byte, collection byte, err error) {
	adc, err := command.EncodeADCRange(cfg.ADCRange)
	if err != nil {
		return 0, 0, 0, err
	}
	rate, err := command.EncodeSampleRate(cfg.SampleRate)
	if err != nil {
		return 0, 0, 0, err
	}
	pw, err := command.EncodePulseWidth(cfg.PulseWidth)
	if err != nil {
		return 0, 0, 0, err
	}
	avg, err := command.EncodeSampleAvg(cfg.SampleAvg)
	if err != nil {
		return 0, 0, 0, err
	}
	collection, err = command.EncodeCollectionMode(cfg.CollectionPeriod, cfg.StartupTimeout)
	if err != nil {
		return 0, 0, 0, err
	}
	return adc | rate | pw, avg, collection, nil
}

// EncodeFrame serializes a header and raw channel samples in the given layout.
func EncodeFrame(layout Layout, h Header, red []uint32, ir []uint32) ([]byte, error) {
	n := len(red)
	if n != len(ir) {
		return nil, fmt.Errorf("%w: red has %d samples, ir has %d", ErrInvalidFrame, len(red), len(ir))
	}
	if n < 1 || n > MaxSamples {
		return nil, fmt.Errorf("%w: sample count %d", ErrInvalidFrame, n)
	}

	buf := make([]byte, FrameLen(n))
	copy(buf[0:4], SyncMarker)
	switch layout {
	case LayoutLegacy:
		binary.LittleEndian.PutUint16(buf[4:6], h.PacketID)
		binary.LittleEndian.PutUint32(buf[8:12], h.DeviceTime)
		buf[12] = h.ConfigByte
		buf[13] = h.FIFOByte
		buf[14] = h.RedLED
		buf[15] = h.IRLED
	default:
		binary.LittleEndian.PutUint32(buf[4:8], h.DeviceTime)
		binary.LittleEndian.PutUint16(buf[8:10], h.PacketID)
		buf[10] = h.ConfigByte
		buf[11] = h.FIFOByte
		buf[12] = h.CollectionByte
		buf[13] = h.RedLED
		buf[14] = h.IRLED
	}
	binary.LittleEndian.PutUint16(buf[16:18], uint16(n))

	irOff := HeaderSize + n*SampleWidth
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[HeaderSize+i*SampleWidth:], red[i])
		binary.LittleEndian.PutUint32(buf[irOff+i*SampleWidth:], ir[i])
	}
	return buf, nil
}
