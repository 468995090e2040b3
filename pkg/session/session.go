package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ppgstream/pkg/command"
	"ppgstream/pkg/engine"
	"ppgstream/pkg/outbox"
	"ppgstream/pkg/protocol"
	"ppgstream/pkg/reassembly"
	"ppgstream/pkg/samples"
	"ppgstream/pkg/transport"
)

var (
	ErrDisconnected   = errors.New("session: transport disconnected")
	ErrTransportFatal = errors.New("session: transport lost")
)

// Collection mode assumed until the first CollectionMode command is sent.
const (
	DefaultCollectionPeriod = 3000
	DefaultStartupTimeout   = 30
)

type Config struct {
	Device      string
	Layout      protocol.Layout
	BufferSize  int
	ReadSize    int
	RetryDelay  time.Duration
	MaxFailures int
	MaxRate     int
	MaxDuration time.Duration
	OutboxLimit int
}

func DefaultConfig() Config {
	return Config{
		Device:      "ppg",
		Layout:      protocol.LayoutCurrent,
		BufferSize:  reassembly.DefaultCapacity,
		ReadSize:    4096,
		RetryDelay:  time.Second,
		MaxFailures: 5,
		MaxRate:     samples.DefaultMaxRate,
		MaxDuration: samples.DefaultMaxDuration,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Device == "" {
		c.Device = def.Device
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.ReadSize <= 0 {
		c.ReadSize = def.ReadSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = def.MaxFailures
	}
	if c.MaxRate <= 0 {
		c.MaxRate = def.MaxRate
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = def.MaxDuration
	}
	return c
}

type Stats struct {
	Connects        uint64
	Failures        uint64
	CommandsSent    uint64
	CommandsDropped uint64
	// Overflows counts receive buffer overflows across all connections.
	Overflows       uint64
	Buffer          reassembly.Stats
	Samples         int
}

// Session owns one device link: the transport read loop, frame reassembly
// and the sample stream consumers read from.
type Session struct {
	dialer transport.Dialer
	cfg    Config
	log    zerolog.Logger
	hub    *engine.Hub
	outbox *outbox.Outbox

	stream    atomic.Pointer[samples.Stream]
	buffer    atomic.Pointer[reassembly.Buffer]
	device    atomic.Pointer[protocol.DeviceConfig]
	connected atomic.Bool
	running   atomic.Bool

	connects atomic.Uint64
	failures atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
	overflow atomic.Uint64

	mu       sync.Mutex
	periodMS int
	timeoutS int
}

type Option func(*Session)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// WithHub publishes every decoded frame to hub. The hub must be running.
func WithHub(hub *engine.Hub) Option {
	return func(s *Session) {
		s.hub = hub
	}
}

func New(dialer transport.Dialer, cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		dialer:   dialer,
		cfg:      cfg,
		log:      zerolog.Nop(),
		outbox:   outbox.New(cfg.OutboxLimit),
		periodMS: DefaultCollectionPeriod,
		timeoutS: DefaultStartupTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Device() string { return s.cfg.Device }

// Stream returns the sample stream of the current (or last) connection, nil
// before the first connection.
func (s *Session) Stream() *samples.Stream { return s.stream.Load() }

// DeviceConfig returns the configuration echoed in the latest frame.
func (s *Session) DeviceConfig() (protocol.DeviceConfig, bool) {
	cfg := s.device.Load()
	if cfg == nil {
		return protocol.DeviceConfig{}, false
	}
	return *cfg, true
}

func (s *Session) Connected() bool { return s.connected.Load() }

func (s *Session) Stats() Stats {
	st := Stats{
		Connects:        s.connects.Load(),
		Failures:        s.failures.Load(),
		CommandsSent:    s.sent.Load(),
		CommandsDropped: s.dropped.Load(),
		Overflows:       s.overflow.Load(),
	}
	if b := s.buffer.Load(); b != nil {
		st.Buffer = b.Stats()
	}
	if stream := s.stream.Load(); stream != nil {
		st.Samples = stream.Len()
	}
	return st
}

// Run connects and reads until ctx ends, the sample stream is full, or the
// transport fails MaxFailures times in a row. Cancellation returns nil.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer s.running.Store(false)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		healthy, err := s.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, samples.ErrCapacityExceeded) {
			s.log.Error().Err(err).Msg("sample stream full, stopping session")
			return err
		}

		if healthy {
			failures = 0
		}
		failures++
		s.failures.Add(1)
		if failures == 1 {
			s.log.Warn().Err(err).Str("transport", s.dialer.String()).Msg("device disconnected, waiting for more data")
		} else {
			s.log.Debug().Err(err).Int("failures", failures).Msg("reconnect failed")
		}
		if failures >= s.cfg.MaxFailures {
			if n := s.outbox.Flush(); n > 0 {
				s.dropped.Add(uint64(n))
			}
			s.log.Error().Err(err).Int("failures", failures).Msg("device lost")
			return fmt.Errorf("%w after %d consecutive failures: %w", ErrTransportFatal, failures, err)
		}

		timer := time.NewTimer(s.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// serve runs one connection. healthy reports whether at least one frame was
// decoded on it.
func (s *Session) serve(ctx context.Context) (healthy bool, err error) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if n := s.outbox.Flush(); n > 0 {
		s.dropped.Add(uint64(n))
		s.log.Info().Int("dropped", n).Msg("discarded commands queued before connect")
	}

	buf := reassembly.New(s.cfg.BufferSize,
		reassembly.WithLayout(s.cfg.Layout),
		reassembly.WithLogger(s.log),
	)
	stream := samples.NewForRate(s.cfg.MaxRate, s.cfg.MaxDuration)
	s.buffer.Store(buf)
	s.stream.Store(stream)
	s.connects.Add(1)
	s.connected.Store(true)
	defer s.connected.Store(false)
	s.log.Info().Str("transport", s.dialer.String()).Int("stream_capacity", stream.Cap()).Msg("device connected")

	sendErr := make(chan error, 1)
	sendDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sendErr <- s.sendLoop(conn, sendDone)
	}()
	defer func() {
		close(sendDone)
		_ = conn.Close()
		wg.Wait()
	}()

	base := samples.TimeBase{Connected: time.Now()}
	haveOrigin := false
	chunk := make([]byte, s.cfg.ReadSize)

	for {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			if err := buf.Append(chunk[:n]); err != nil {
				s.overflow.Add(1)
				s.log.Warn().Err(err).
					Str("device", s.cfg.Device).
					Str("transport", s.dialer.String()).
					Msg("receive data lost")
			}
			for ev := range buf.Poll() {
				if ev.Kind != reassembly.EventDecoded {
					continue
				}
				frame := ev.Frame
				if !haveOrigin {
					base.DeviceOrigin = frame.Times[0]
					haveOrigin = true
				}
				if err := stream.Append(frame, base); err != nil {
					return healthy, err
				}
				cfg := frame.Config
				s.device.Store(&cfg)
				healthy = true
				if s.hub != nil {
					s.hub.Publish(ctx, engine.Packet{
						Device:   s.cfg.Device,
						Received: base.HostTime(frame.Times[0]),
						Frame:    frame,
					})
				}
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return healthy, ctx.Err()
			}
			select {
			case err := <-sendErr:
				if err != nil {
					return healthy, fmt.Errorf("%w: %w", ErrDisconnected, err)
				}
			default:
			}
			return healthy, fmt.Errorf("%w: %w", ErrDisconnected, rerr)
		}
	}
}

// sendLoop writes queued commands as soon as they are pushed. A failed write
// closes conn so the read loop ends too.
func (s *Session) sendLoop(conn transport.Conn, done <-chan struct{}) error {
	for {
		if err := s.sendPending(conn); err != nil {
			_ = conn.Close()
			return err
		}
		select {
		case <-done:
			return nil
		case <-s.outbox.Notify():
		}
	}
}

func (s *Session) sendPending(conn transport.Conn) error {
	cmds := s.outbox.Drain()
	for i, cmd := range cmds {
		if _, err := conn.Write(cmd.Bytes()); err != nil {
			s.dropped.Add(uint64(len(cmds) - i))
			return fmt.Errorf("send %s: %w", cmd, err)
		}
		s.sent.Add(1)
		if kind, value, err := command.Decode(cmd.Bytes()); err == nil {
			s.log.Info().Stringer("kind", kind).Int("value", value).Msg("sent command")
		} else {
			s.log.Info().Stringer("command", cmd).Msg("sent command")
		}
	}
	return nil
}

// Submit encodes and queues a parameter change. Out-of-domain values are
// rejected before anything is queued.
func (s *Session) Submit(kind command.Kind, value int) error {
	if kind == command.CollectionMode {
		if value < 0 || value > 0xFF {
			return &command.DomainError{Kind: kind, Field: "value", Value: value}
		}
		period, timeout := command.DecodeCollectionMode(byte(value))
		return s.SetCollectionMode(period, timeout)
	}
	cmd, err := command.Encode(kind, value)
	if err != nil {
		return err
	}
	return s.outbox.Push(cmd)
}

func (s *Session) SetCollectionMode(periodMS int, timeoutS int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushCollectionModeLocked(periodMS, timeoutS)
}

// SetCollectionPeriod changes the period and keeps the last startup timeout.
func (s *Session) SetCollectionPeriod(periodMS int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushCollectionModeLocked(periodMS, s.timeoutS)
}

// SetStartupTimeout changes the timeout and keeps the last period.
func (s *Session) SetStartupTimeout(timeoutS int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushCollectionModeLocked(s.periodMS, timeoutS)
}

// CollectionMode returns the last collection period and startup timeout
// queued for the device.
func (s *Session) CollectionMode() (periodMS int, timeoutS int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodMS, s.timeoutS
}

// pushCollectionModeLocked queues the command and records both sub-fields.
// s.mu must be held so the queued order matches the recorded state.
func (s *Session) pushCollectionModeLocked(periodMS int, timeoutS int) error {
	cmd, err := command.NewCollectionMode(periodMS, timeoutS)
	if err != nil {
		return err
	}
	if err := s.outbox.Push(cmd); err != nil {
		return err
	}
	s.periodMS, s.timeoutS = periodMS, timeoutS
	return nil
}

// SetLEDCurrent drives one LED (IRLEDPA or RedLEDPA) at mA milliamps.
func (s *Session) SetLEDCurrent(kind command.Kind, mA float64) error {
	level, err := command.LEDLevel(kind, mA)
	if err != nil {
		return err
	}
	return s.Submit(kind, level)
}

// Reboot asks the device to persist its configuration and restart.
func (s *Session) Reboot() error {
	return s.Submit(command.Reboot, 1)
}

// Pending returns the number of queued commands.
func (s *Session) Pending() int { return s.outbox.Len() }
