package transport_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"ppgstream/pkg/transport"
)

func TestTCPDialerReadWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	dialer := transport.NewTCPDialer(ln.Addr().String(),
		transport.WithDialTimeout(200*time.Millisecond),
		transport.WithReadTimeout(20*time.Millisecond),
	)
	if !strings.HasPrefix(dialer.String(), "tcp://127.0.0.1:") {
		t.Fatalf("unexpected dialer name: %s", dialer)
	}

	conn, err := dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	peer, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	defer peer.Close()

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("idle read should return (0, nil), got (%d, %v)", n, err)
	}

	if _, err := peer.Write([]byte{0xEF, 0xBE}); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
	got := readSome(t, conn, buf)
	if len(got) != 2 || got[0] != 0xEF || got[1] != 0xBE {
		t.Fatalf("unexpected read: % x", got)
	}

	if _, err := conn.Write([]byte{0x02, 0x04}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	cmd := make([]byte, 2)
	if _, err := peer.Read(cmd); err != nil || cmd[0] != 0x02 || cmd[1] != 0x04 {
		t.Fatalf("unexpected command at peer: % x (%v)", cmd, err)
	}

	_ = peer.Close()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
	t.Fatalf("expected error after peer close")
}

func TestTCPDialerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	dialer := transport.NewTCPDialer(addr, transport.WithDialTimeout(200*time.Millisecond))
	if _, err := dialer.Dial(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestSerialDialerMissingPort(t *testing.T) {
	dialer := transport.NewSerialDialer("/dev/ppgstream-does-not-exist", 0)
	if !strings.Contains(dialer.String(), "@115200") {
		t.Fatalf("unexpected default baud: %s", dialer)
	}
	_, err := dialer.Dial(context.Background())
	if err == nil {
		t.Fatalf("expected open error")
	}
	if !transport.IsPortGone(err) {
		t.Fatalf("missing port should count as gone: %v", err)
	}
	if transport.IsPortGone(errors.New("baud rate not supported")) {
		t.Fatalf("unrelated error reported as gone")
	}
}

func readSome(t *testing.T, conn transport.Conn, buf []byte) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if n > 0 {
			return buf[:n]
		}
	}
	t.Fatalf("timeout waiting for data")
	return nil
}
