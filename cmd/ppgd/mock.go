package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ppgstream/pkg/command"
	"ppgstream/pkg/protocol"
)

const (
	mockFrameInterval = 100 * time.Millisecond

	mockHeartRateHz = 1.2
	mockRedBase     = 120000.0
	mockIRBase      = 90000.0
	mockPulseAmp    = 4000.0
	mockIRPhaseRad  = math.Pi / 6.0
)

// mockDevice emulates the wearable: it streams frames with a synthetic pulse
// and applies every command it receives to the configuration it echoes.
type mockDevice struct {
	mu       sync.Mutex
	layout   protocol.Layout
	cfg      protocol.DeviceConfig
	packetID uint16
	deviceMS float64
	log      zerolog.Logger
}

func newMockDevice(layout protocol.Layout, log zerolog.Logger) *mockDevice {
	return &mockDevice{
		layout: layout,
		cfg: protocol.DeviceConfig{
			ADCRange:         4096,
			SampleRate:       100,
			PulseWidth:       411,
			ADCBits:          18,
			SampleAvg:        1,
			CollectionPeriod: 3000,
			StartupTimeout:   30,
			RedLED:           0x24,
			IRLED:            0x24,
		},
		log: log,
	}
}

func (m *mockDevice) config() protocol.DeviceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// apply updates the echoed configuration from one 2-byte command.
func (m *mockDevice) apply(b []byte) error {
	kind, value, err := command.Decode(b)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case command.NoOp:
	case command.ADCRange:
		m.cfg.ADCRange = value
	case command.SampleRate:
		m.cfg.SampleRate = value
	case command.PulseWidth:
		m.cfg.PulseWidth = value
		code, _ := command.EncodePulseWidth(value)
		m.cfg.ADCBits, _ = command.DecodeADCBits(code)
	case command.SampleAvg:
		m.cfg.SampleAvg = value
	case command.IRLEDPA:
		m.cfg.IRLED = uint8(value)
	case command.RedLEDPA:
		m.cfg.RedLED = uint8(value)
	case command.CollectionMode:
		m.cfg.CollectionPeriod, m.cfg.StartupTimeout = command.DecodeCollectionMode(byte(value))
	case command.Reboot:
		m.packetID = 0
		m.deviceMS = 0
	}
	m.log.Info().Stringer("kind", kind).Int("value", value).Msg("mock applied command")
	return nil
}

func (m *mockDevice) samplesPerFrame() int {
	perSecond := float64(m.cfg.SampleRate) / float64(m.cfg.SampleAvg)
	n := int(math.Round(perSecond * mockFrameInterval.Seconds()))
	return max(1, min(n, protocol.MaxSamples))
}

// nextFrame encodes the next frame and advances the device clock.
func (m *mockDevice) nextFrame() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfgByte, fifo, collection, err := protocol.EncodeConfig(m.cfg)
	if err != nil {
		return nil, err
	}
	n := m.samplesPerFrame()
	dt := m.cfg.SampleInterval()
	red := make([]uint32, n)
	ir := make([]uint32, n)
	for i := 0; i < n; i++ {
		t := (m.deviceMS + float64(i)*dt) / 1000.0
		phase := 2.0 * math.Pi * mockHeartRateHz * t
		red[i] = uint32(mockRedBase + mockPulseAmp*math.Sin(phase))
		ir[i] = uint32(mockIRBase + mockPulseAmp*math.Sin(phase+mockIRPhaseRad))
	}

	buf, err := protocol.EncodeFrame(m.layout, protocol.Header{
		DeviceTime:     uint32(m.deviceMS),
		PacketID:       m.packetID,
		ConfigByte:     cfgByte,
		FIFOByte:       fifo,
		CollectionByte: collection,
		RedLED:         m.cfg.RedLED,
		IRLED:          m.cfg.IRLED,
	}, red, ir)
	if err != nil {
		return nil, err
	}
	m.packetID++
	m.deviceMS += float64(n) * dt
	return buf, nil
}

// serveMock accepts one client at a time and streams frames to it until the
// client goes away or ctx ends.
func serveMock(ctx context.Context, ln net.Listener, dev *mockDevice, log zerolog.Logger) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mock accept: %w", err)
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("mock client connected")
		streamMock(ctx, conn, dev, log)
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("mock client gone")
	}
}

func streamMock(ctx context.Context, conn net.Conn, dev *mockDevice, log zerolog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	go func() {
		defer cancel()
		cmd := make([]byte, command.Size)
		for {
			if _, err := io.ReadFull(conn, cmd); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					log.Debug().Err(err).Msg("mock read ended")
				}
				return
			}
			if err := dev.apply(cmd); err != nil {
				log.Warn().Err(err).Hex("bytes", cmd).Msg("mock rejected command")
			}
		}
	}()

	ticker := time.NewTicker(mockFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buf, err := dev.nextFrame()
			if err != nil {
				log.Error().Err(err).Msg("mock frame encode failed")
				return
			}
			if _, err := conn.Write(buf); err != nil {
				return
			}
		}
	}
}
