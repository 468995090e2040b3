package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Conn is one live link to the device. Read returns (0, nil) when the read
// timeout elapses without data; any error means the link is gone.
type Conn interface {
	io.ReadWriteCloser
}

// Dialer opens a new Conn for every connection attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	String() string
}

type settings struct {
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

type Option func(*settings)

func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		dialTimeout:  5 * time.Second,
		readTimeout:  200 * time.Millisecond,
		writeTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// TCPDialer reaches the device through a serial-to-TCP bridge or the mock.
type TCPDialer struct {
	addr string
	cfg  settings
}

func NewTCPDialer(addr string, opts ...Option) *TCPDialer {
	return &TCPDialer{addr: addr, cfg: newSettings(opts)}
}

func (d *TCPDialer) String() string { return "tcp://" + d.addr }

func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := net.Dialer{Timeout: d.cfg.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.addr, err)
	}
	return &tcpConn{conn: conn, cfg: d.cfg}, nil
}

type tcpConn struct {
	conn net.Conn
	cfg  settings
}

func (c *tcpConn) Read(p []byte) (int, error) {
	if c.cfg.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.readTimeout))
	}
	n, err := c.conn.Read(p)
	if err != nil && n == 0 && IsTimeout(err) {
		return 0, nil
	}
	if err != nil && n > 0 {
		// surface the bytes now, the error again on the next read
		return n, nil
	}
	return n, err
}

func (c *tcpConn) Write(p []byte) (int, error) {
	if c.cfg.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
	}
	return c.conn.Write(p)
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
