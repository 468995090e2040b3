package reassembly

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/rs/zerolog"

	"ppgstream/pkg/protocol"
)

// DefaultCapacity holds well over a second of frames at the highest rate.
const DefaultCapacity = 1024 * 1024

// MinCapacity fits the largest frame the device can send.
var MinCapacity = protocol.FrameLen(protocol.MaxSamples)

var ErrBufferOverflow = errors.New("reassembly: buffer overflow")

// EventKind tags an Event.
type EventKind int

const (
	EventWaiting EventKind = iota
	EventDecoded
	EventResynced
)

func (k EventKind) String() string {
	switch k {
	case EventWaiting:
		return "waiting"
	case EventDecoded:
		return "decoded"
	case EventResynced:
		return "resynced"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one step of the scan. Frame is set for EventDecoded; Skipped and
// Err (the cause) are set for EventResynced.
type Event struct {
	Kind    EventKind
	Frame   protocol.Frame
	Skipped int
	Err     error
}

// Stats are cumulative counters, safe to read from any goroutine.
type Stats struct {
	Frames        uint64
	Resyncs       uint64
	SkippedBytes  uint64
	InvalidFrames uint64
	Overflows     uint64
	DroppedBytes  uint64
}

// Buffer reassembles frames from arbitrarily chunked input. It is owned by a
// single producer goroutine; only Stats may be called concurrently.
type Buffer struct {
	buf     []byte
	read    int
	write   int
	decoder protocol.Decoder
	log     zerolog.Logger

	frames        atomic.Uint64
	resyncs       atomic.Uint64
	skipped       atomic.Uint64
	invalidFrames atomic.Uint64
	overflows     atomic.Uint64
	dropped       atomic.Uint64
}

type Option func(*Buffer)

func WithLayout(layout protocol.Layout) Option {
	return func(b *Buffer) {
		b.decoder.Layout = layout
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(b *Buffer) {
		b.log = log
	}
}

// New creates a buffer of capacity bytes. Zero selects DefaultCapacity and
// anything smaller than MinCapacity is raised to it.
func New(capacity int, opts ...Option) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	capacity = max(capacity, MinCapacity)
	b := &Buffer{
		buf: make([]byte, capacity),
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Cap returns the fixed store size.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.write - b.read }

// Cursors returns the read and write positions.
func (b *Buffer) Cursors() (read int, write int) { return b.read, b.write }

// Reset drops all buffered bytes.
func (b *Buffer) Reset() {
	b.read = 0
	b.write = 0
}

// Append stores chunk after the unread bytes. Consumed bytes are compacted
// away first; if the chunk still does not fit, the buffer is reset to empty,
// the chunk is dropped and ErrBufferOverflow is returned.
func (b *Buffer) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if b.write+len(chunk) > len(b.buf) && b.read > 0 {
		n := copy(b.buf, b.buf[b.read:b.write])
		b.read = 0
		b.write = n
	}
	if b.write+len(chunk) > len(b.buf) {
		lost := b.write - b.read + len(chunk)
		b.Reset()
		b.overflows.Add(1)
		b.dropped.Add(uint64(lost))
		b.log.Warn().Int("dropped", lost).Int("capacity", len(b.buf)).Msg("reassembly buffer overflow, resetting")
		return fmt.Errorf("%w: dropped %d bytes", ErrBufferOverflow, lost)
	}
	b.write += copy(b.buf[b.write:], chunk)
	return nil
}

// Next performs one scan step. Every step either advances the read cursor or
// returns EventWaiting.
func (b *Buffer) Next() Event {
	unread := b.buf[b.read:b.write]
	idx := bytes.Index(unread, protocol.SyncMarker)
	if idx < 0 {
		return Event{Kind: EventWaiting}
	}
	if idx > 0 {
		b.read += idx
		return b.resynced(idx, protocol.ErrSyncLost)
	}

	frame, err := b.decoder.Decode(unread)
	switch protocol.Classify(err) {
	case protocol.StatusDecoded:
		b.read += frame.Len
		b.frames.Add(1)
		return Event{Kind: EventDecoded, Frame: frame}
	case protocol.StatusIncomplete:
		return Event{Kind: EventWaiting}
	case protocol.StatusInvalidFrame:
		b.invalidFrames.Add(1)
		b.log.Warn().Err(err).Int("offset", b.read).Msg("dropping invalid frame")
		b.read++
		return b.resynced(1, err)
	default:
		b.read++
		return b.resynced(1, err)
	}
}

func (b *Buffer) resynced(n int, cause error) Event {
	b.resyncs.Add(1)
	b.skipped.Add(uint64(n))
	b.log.Debug().Int("skipped", n).AnErr("cause", cause).Msg("resync")
	return Event{Kind: EventResynced, Skipped: n, Err: cause}
}

// Poll yields events until the unread region is exhausted, ending with one
// EventWaiting. Stopping early leaves the cursors consistent; calling Poll
// again resumes the scan.
func (b *Buffer) Poll() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev := b.Next()
			if !yield(ev) || ev.Kind == EventWaiting {
				return
			}
		}
	}
}

func (b *Buffer) Stats() Stats {
	return Stats{
		Frames:        b.frames.Load(),
		Resyncs:       b.resyncs.Load(),
		SkippedBytes:  b.skipped.Load(),
		InvalidFrames: b.invalidFrames.Load(),
		Overflows:     b.overflows.Load(),
		DroppedBytes:  b.dropped.Load(),
	}
}
