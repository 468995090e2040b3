package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"ppgstream/pkg/transport"
)

const (
	InboundSuffix  = ".in.bin"
	OutboundSuffix = ".out.bin"
)

// Recorder tees every byte read from and written to the device into two
// files. One Recorder spans all connections of a session.
type Recorder struct {
	mu       sync.Mutex
	in       *os.File
	out      *os.File
	inBytes  int64
	outBytes int64
	closed   bool
}

// Open creates (or truncates) <prefix>.in.bin and <prefix>.out.bin.
func Open(prefix string) (*Recorder, error) {
	if prefix == "" {
		return nil, errors.New("capture: empty prefix")
	}
	in, err := os.Create(prefix + InboundSuffix)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	out, err := os.Create(prefix + OutboundSuffix)
	if err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("capture: %w", err)
	}
	return &Recorder{in: in, out: out}, nil
}

func (r *Recorder) record(f *os.File, counter *int64, p []byte) {
	if len(p) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if n, err := f.Write(p); err == nil {
		*counter += int64(n)
	}
}

// Counts returns the bytes captured in each direction.
func (r *Recorder) Counts() (in int64, out int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inBytes, r.outBytes
}

// Close flushes both files and removes any that stayed empty.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, f := range []struct {
		file *os.File
		n    int64
	}{{r.in, r.inBytes}, {r.out, r.outBytes}} {
		if err := f.file.Close(); err != nil {
			errs = append(errs, err)
		}
		if f.n == 0 {
			if err := os.Remove(f.file.Name()); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Wrap tees conn into the recorder.
func (r *Recorder) Wrap(conn transport.Conn) transport.Conn {
	return &recordedConn{Conn: conn, rec: r}
}

// Dialer wraps every connection produced by inner.
func (r *Recorder) Dialer(inner transport.Dialer) transport.Dialer {
	return &recordingDialer{inner: inner, rec: r}
}

type recordedConn struct {
	transport.Conn
	rec *Recorder
}

func (c *recordedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.rec.record(c.rec.in, &c.rec.inBytes, p[:n])
	return n, err
}

func (c *recordedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.rec.record(c.rec.out, &c.rec.outBytes, p[:n])
	return n, err
}

type recordingDialer struct {
	inner transport.Dialer
	rec   *Recorder
}

func (d *recordingDialer) Dial(ctx context.Context) (transport.Conn, error) {
	conn, err := d.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return d.rec.Wrap(conn), nil
}

func (d *recordingDialer) String() string { return d.inner.String() + " (captured)" }

// Replay feeds a captured inbound file to fn in chunks of chunkSize bytes,
// the way the transport would have delivered it.
func Replay(path string, chunkSize int, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	defer f.Close()

	if chunkSize <= 0 {
		chunkSize = 4096
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture: read %s: %w", path, err)
		}
	}
}
