package samples

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ppgstream/pkg/protocol"
)

const (
	// DefaultMaxRate is the fastest sample rate the device can be set to.
	DefaultMaxRate     = 3200
	DefaultMaxDuration = 10 * time.Hour

	blockSize = 4096
)

var ErrCapacityExceeded = errors.New("samples: stream capacity exceeded")

// TimeBase maps device milliseconds onto host time. DeviceOrigin is the
// device timestamp of the first sample seen on the connection.
type TimeBase struct {
	Connected    time.Time
	DeviceOrigin float64
}

func (b TimeBase) HostTime(deviceMS float64) time.Time {
	offset := time.Duration((deviceMS - b.DeviceOrigin) * float64(time.Millisecond))
	return b.Connected.Add(offset)
}

type block struct {
	time [blockSize]int64
	red  [blockSize]float64
	ir   [blockSize]float64
}

// Stream is an append-only series of (time, red, ir) samples. A single
// producer calls Append; any number of consumers call Snapshot with their
// own cursor. Blocks are allocated on demand and never move once published.
type Stream struct {
	capacity int
	blocks   []*block
	write    atomic.Int64
}

// New creates a stream that holds at most capacity samples.
func New(capacity int) *Stream {
	if capacity < 0 {
		capacity = 0
	}
	return &Stream{
		capacity: capacity,
		blocks:   make([]*block, (capacity+blockSize-1)/blockSize),
	}
}

// NewForRate sizes a stream for maxRate samples per second over maxDuration.
func NewForRate(maxRate int, maxDuration time.Duration) *Stream {
	if maxRate <= 0 {
		maxRate = DefaultMaxRate
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	return New(int(float64(maxRate) * maxDuration.Seconds()))
}

func (s *Stream) Cap() int { return s.capacity }

// Len returns the published write cursor.
func (s *Stream) Len() int { return int(s.write.Load()) }

// Append writes every sample of frame or none of them. The write cursor is
// stored only after all sample data is in place.
func (s *Stream) Append(frame protocol.Frame, base TimeBase) error {
	n := len(frame.Times)
	if n == 0 {
		return nil
	}
	if len(frame.Red) != n || len(frame.IR) != n {
		return fmt.Errorf("samples: frame %d has mismatched channels (%d/%d/%d)", frame.PacketID, n, len(frame.Red), len(frame.IR))
	}
	w := int(s.write.Load())
	if w+n > s.capacity {
		return fmt.Errorf("%w: %d of %d used, frame %d needs %d", ErrCapacityExceeded, w, s.capacity, frame.PacketID, n)
	}

	for i := 0; i < n; i++ {
		idx := w + i
		b := s.blocks[idx/blockSize]
		if b == nil {
			b = new(block)
			s.blocks[idx/blockSize] = b
		}
		off := idx % blockSize
		b.time[off] = base.HostTime(frame.Times[i]).UnixNano()
		b.red[off] = frame.Red[i]
		b.ir[off] = frame.IR[i]
	}
	s.write.Store(int64(w + n))
	return nil
}

// Segment is a copied-out run of samples starting at stream index Start.
type Segment struct {
	Start int
	Time  []time.Time
	Red   []float64
	IR    []float64
}

func (g Segment) Len() int { return len(g.Time) }

// Snapshot returns the samples in [cursor, Len()) and the cursor to pass next
// time. Cursors outside the published range are clamped.
func (s *Stream) Snapshot(cursor int) (Segment, int) {
	w := int(s.write.Load())
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= w {
		return Segment{Start: w}, w
	}

	n := w - cursor
	seg := Segment{
		Start: cursor,
		Time:  make([]time.Time, n),
		Red:   make([]float64, n),
		IR:    make([]float64, n),
	}
	for i := 0; i < n; i++ {
		idx := cursor + i
		b := s.blocks[idx/blockSize]
		off := idx % blockSize
		seg.Time[i] = time.Unix(0, b.time[off])
		seg.Red[i] = b.red[off]
		seg.IR[i] = b.ir[off]
	}
	return seg, w
}

// Reader holds one consumer's cursor. It is not safe for concurrent use;
// give each consumer its own.
type Reader struct {
	stream *Stream
	cursor int
}

func (s *Stream) NewReader() *Reader {
	return &Reader{stream: s}
}

// Next returns everything appended since the previous call.
func (r *Reader) Next() Segment {
	seg, next := r.stream.Snapshot(r.cursor)
	r.cursor = next
	return seg
}

func (r *Reader) Cursor() int { return r.cursor }
