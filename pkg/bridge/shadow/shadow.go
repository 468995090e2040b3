// Package shadow mirrors the latest device state into a Redis hash so other
// services can read it without subscribing to the stream.
package shadow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ppgstream/pkg/engine"
)

const (
	DefaultPrefix = "ppg"
	DefaultTTL    = 30 * time.Second
)

// Store is the part of redis.Cmdable the shadow writes through.
type Store interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

type Shadow struct {
	store  Store
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

type Option func(*Shadow)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Shadow) {
		s.log = log
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Shadow) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func New(store Store, prefix string, opts ...Option) *Shadow {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Shadow{
		store:  store,
		prefix: prefix,
		ttl:    DefaultTTL,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key is <prefix>:shadow:<device>.
func (s *Shadow) Key(device string) string {
	return s.prefix + ":shadow:" + device
}

// Update writes the packet's state and refreshes the key's expiry.
func (s *Shadow) Update(ctx context.Context, pkt engine.Packet) error {
	key := s.Key(pkt.Device)
	if err := s.store.HSet(ctx, key, Fields(pkt)).Err(); err != nil {
		return fmt.Errorf("shadow: hset %s: %w", key, err)
	}
	if err := s.store.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("shadow: expire %s: %w", key, err)
	}
	return nil
}

// Run updates the shadow for every packet until in closes or ctx ends. Redis
// errors are logged and do not stop the loop.
func (s *Shadow) Run(ctx context.Context, in <-chan engine.Packet) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			if err := s.Update(ctx, pkt); err != nil {
				s.log.Warn().Err(err).Msg("shadow update failed")
			}
		}
	}
}

// Fields flattens a packet into hash fields.
func Fields(pkt engine.Packet) map[string]interface{} {
	f := pkt.Frame
	cfg := f.Config
	fields := map[string]interface{}{
		"ts":                   pkt.Received.UnixMilli(),
		"packet_id":            f.PacketID,
		"device_ms":            f.DeviceTime,
		"samples":              f.Count,
		"adc_range_na":         cfg.ADCRange,
		"sample_rate_hz":       cfg.SampleRate,
		"pulse_width_us":       cfg.PulseWidth,
		"sample_avg":           cfg.SampleAvg,
		"collection_period_ms": cfg.CollectionPeriod,
		"startup_timeout_s":    cfg.StartupTimeout,
		"red_led":              cfg.RedLED,
		"ir_led":               cfg.IRLED,
	}
	if n := len(f.Red); n > 0 {
		fields["red_ua"] = f.Red[n-1]
	}
	if n := len(f.IR); n > 0 {
		fields["ir_ua"] = f.IR[n-1]
	}
	return fields
}
