package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"ppgstream/pkg/command"
	"ppgstream/pkg/engine"
	"ppgstream/pkg/protocol"
)

// Conn is the part of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Submitter queues a parameter change for the device.
type Submitter interface {
	Submit(kind command.Kind, value int) error
}

type FrameMessage struct {
	Device   string    `json:"device"`
	Received string    `json:"received"`
	PacketID uint16    `json:"packet_id"`
	DeviceMS uint32    `json:"device_ms"`
	TimeMS   []float64 `json:"time_ms"`
	Red      []float64 `json:"red_ua"`
	IR       []float64 `json:"ir_ua"`
}

type ConfigMessage struct {
	Device string `json:"device"`
	protocol.DeviceConfig
}

// CommandRequest arrives on <prefix>.<device>.command. Kind is a command
// name ("SampleRate") or a hex code ("0x02").
type CommandRequest struct {
	Kind  string `json:"kind"`
	Value int    `json:"value"`
}

type CommandReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type Bridge struct {
	conn   Conn
	prefix string
	device string
	log    zerolog.Logger

	lastConfig protocol.DeviceConfig
	haveConfig bool
}

type Option func(*Bridge)

func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) {
		b.log = log
	}
}

func New(conn Conn, prefix string, device string, opts ...Option) *Bridge {
	b := &Bridge{
		conn:   conn,
		prefix: strings.Trim(prefix, "."),
		device: device,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subject builds <prefix>.<device>.<suffix>.
func (b *Bridge) Subject(suffix string) string {
	if b.prefix == "" {
		return b.device + "." + suffix
	}
	return b.prefix + "." + b.device + "." + suffix
}

// Run publishes every packet as a frame message, plus a config message each
// time the echoed configuration changes.
func (b *Bridge) Run(ctx context.Context, in <-chan engine.Packet) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			if err := b.Publish(pkt); err != nil {
				b.log.Warn().Err(err).Msg("nats publish failed")
			}
		}
	}
}

func (b *Bridge) Publish(pkt engine.Packet) error {
	f := pkt.Frame
	data, err := json.Marshal(FrameMessage{
		Device:   pkt.Device,
		Received: pkt.Received.UTC().Format(time.RFC3339Nano),
		PacketID: f.PacketID,
		DeviceMS: f.DeviceTime,
		TimeMS:   f.Times,
		Red:      f.Red,
		IR:       f.IR,
	})
	if err != nil {
		return fmt.Errorf("natsbridge: marshal frame: %w", err)
	}
	if err := b.conn.Publish(b.Subject("frame"), data); err != nil {
		return fmt.Errorf("natsbridge: publish frame: %w", err)
	}

	if b.haveConfig && f.Config == b.lastConfig {
		return nil
	}
	data, err = json.Marshal(ConfigMessage{Device: pkt.Device, DeviceConfig: f.Config})
	if err != nil {
		return fmt.Errorf("natsbridge: marshal config: %w", err)
	}
	if err := b.conn.Publish(b.Subject("config"), data); err != nil {
		return fmt.Errorf("natsbridge: publish config: %w", err)
	}
	b.lastConfig = f.Config
	b.haveConfig = true
	return nil
}

// ListenCommands subscribes to the command subject and forwards every valid
// request to target. Requests with a reply subject get a CommandReply.
func (b *Bridge) ListenCommands(target Submitter) (*nats.Subscription, error) {
	subject := b.Subject("command")
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := b.handleCommand(target, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := b.conn.Publish(msg.Reply, data); err != nil {
			b.log.Warn().Err(err).Msg("command reply failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("natsbridge: subscribe %s: %w", subject, err)
	}
	b.log.Info().Str("subject", subject).Msg("listening for commands")
	return sub, nil
}

func (b *Bridge) handleCommand(target Submitter, data []byte) CommandReply {
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		b.log.Warn().Err(err).Msg("malformed command request")
		return CommandReply{Error: err.Error()}
	}
	kind, err := command.ParseKind(req.Kind)
	if err != nil {
		return CommandReply{Error: err.Error()}
	}
	if err := target.Submit(kind, req.Value); err != nil {
		b.log.Warn().Err(err).Stringer("kind", kind).Int("value", req.Value).Msg("command rejected")
		return CommandReply{Error: err.Error()}
	}
	b.log.Info().Stringer("kind", kind).Int("value", req.Value).Msg("command queued")
	return CommandReply{OK: true}
}
