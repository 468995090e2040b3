package main

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ppgstream/pkg/command"
	"ppgstream/pkg/protocol"
)

func TestMockFrameDecodes(t *testing.T) {
	dev := newMockDevice(protocol.LayoutCurrent, zerolog.Nop())
	buf, err := dev.nextFrame()
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	if len(buf) != protocol.FrameLen(10) {
		t.Fatalf("unexpected frame length: %d", len(buf))
	}
	frame, err := protocol.Decoder{Layout: protocol.LayoutCurrent}.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.PacketID != 0 || frame.Count != 10 || frame.Config != dev.config() {
		t.Fatalf("unexpected frame: %+v", frame.Header)
	}
	for i, v := range frame.Red {
		if v >= 0 {
			t.Fatalf("sample %d should scale to negative current: %v", i, v)
		}
	}

	next, err := dev.nextFrame()
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	second, err := protocol.Decoder{Layout: protocol.LayoutCurrent}.Decode(next)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.PacketID != 1 || second.DeviceTime != 100 {
		t.Fatalf("device clock did not advance: %+v", second.Header)
	}
}

func TestMockAppliesCommands(t *testing.T) {
	dev := newMockDevice(protocol.LayoutCurrent, zerolog.Nop())
	cmds := []struct {
		kind  command.Kind
		value int
	}{
		{command.SampleRate, 400},
		{command.SampleAvg, 4},
		{command.PulseWidth, 118},
		{command.RedLEDPA, 0x7F},
		{command.CollectionMode, 0x3A},
	}
	for _, c := range cmds {
		cmd, err := command.Encode(c.kind, c.value)
		if err != nil {
			t.Fatalf("encode %v: %v", c.kind, err)
		}
		if err := dev.apply(cmd.Bytes()); err != nil {
			t.Fatalf("apply %v: %v", c.kind, err)
		}
	}
	cfg := dev.config()
	if cfg.SampleRate != 400 || cfg.SampleAvg != 4 || cfg.PulseWidth != 118 || cfg.ADCBits != 16 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.RedLED != 0x7F || cfg.CollectionPeriod != 5000 || cfg.StartupTimeout != 30 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if n := dev.samplesPerFrame(); n != 10 {
		t.Fatalf("unexpected samples per frame: %d", n)
	}

	if err := dev.apply([]byte{0x03, 0x00}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestMockServesOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := newMockDevice(protocol.LayoutCurrent, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- serveMock(ctx, ln, dev, zerolog.Nop()) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, protocol.FrameLen(10))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if _, err := (protocol.Decoder{}).Decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}

	cmd, _ := command.Encode(command.IRLEDPA, 0x55)
	if _, err := conn.Write(cmd.Bytes()); err != nil {
		t.Fatalf("write command: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for dev.config().IRLED != 0x55 {
		if time.Now().After(deadline) {
			t.Fatalf("command not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("mock did not stop")
	}
}
