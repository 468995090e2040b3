package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"ppgstream/pkg/bridge/foxglove"
	"ppgstream/pkg/bridge/natsbridge"
	"ppgstream/pkg/bridge/shadow"
	"ppgstream/pkg/capture"
	"ppgstream/pkg/command"
	"ppgstream/pkg/config"
	"ppgstream/pkg/engine"
	"ppgstream/pkg/logger"
	"ppgstream/pkg/logging"
	"ppgstream/pkg/protocol"
	"ppgstream/pkg/reassembly"
	"ppgstream/pkg/samples"
	"ppgstream/pkg/session"
	"ppgstream/pkg/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		return runServer([]string{}, stdout, stderr)
	}

	switch args[0] {
	case "server":
		return runServer(args[1:], stdout, stderr)
	case "mock":
		return runMock(args[1:], stdout, stderr)
	case "encode":
		return runEncode(args[1:], stdout, stderr)
	case "decode":
		return runDecode(args[1:], stdout, stderr)
	case "replay":
		return runReplay(args[1:], stdout, stderr)
	case "ports":
		return runPorts(stdout, stderr)
	case "init":
		return runInit(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

func runServer(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", config.DefaultConfigPath, "config file path")
	addr := fs.String("addr", "", "device TCP address (overrides transport.addr)")
	serialPort := fs.String("serial", "", "serial port (selects the serial transport)")
	jsonlPath := fs.String("log", "", "JSONL output path, - for stdout (overrides log.jsonl)")
	capturePrefix := fs.String("capture", "", "raw capture prefix (overrides transport.capture)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, _, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "failed to load config:", err)
		return 1
	}
	applyServerOverrides(&cfg, *addr, *serialPort, *jsonlPath, *capturePrefix)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "invalid config:", err)
		return 2
	}

	logging.Configure(logging.ProfileRuntime, cfg.Log.Level)
	log := logging.Component("ppgd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer, err := newDialer(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "invalid transport:", err)
		return 2
	}
	if prefix := cfg.CapturePrefix(); prefix != "" {
		rec, err := capture.Open(prefix)
		if err != nil {
			fmt.Fprintln(stderr, "failed to open capture:", err)
			return 1
		}
		defer func() {
			in, out := rec.Counts()
			if err := rec.Close(); err != nil {
				log.Warn().Err(err).Msg("capture close failed")
			}
			log.Info().Int64("in_bytes", in).Int64("out_bytes", out).Str("prefix", prefix).Msg("capture closed")
		}()
		dialer = rec.Dialer(dialer)
	}

	hub := engine.NewHub()
	go hub.Run(ctx)

	sess := session.New(dialer, sessionConfig(cfg),
		session.WithLogger(logging.Component("session")),
		session.WithHub(hub),
	)

	if path := cfg.JSONLPath(); path != "" {
		var out io.Writer = stdout
		if path != "-" {
			file, err := os.Create(path)
			if err != nil {
				fmt.Fprintln(stderr, "failed to open log file:", err)
				return 1
			}
			defer file.Close()
			out = file
		}
		writer := logger.NewJSONLWriter(out, true)
		packets := hub.Subscribe()
		go func() {
			if err := writer.Consume(ctx, packets); err != nil {
				log.Error().Err(err).Msg("jsonl writer stopped")
			}
		}()
	}

	if cfg.Foxglove.Enabled {
		srv := foxglove.NewServer(foxgloveConfig(cfg), sess, foxglove.WithLogger(logging.Component("foxglove")))
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("foxglove bridge stopped")
			}
		}()
	}

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("ppgd "+cfg.Device.ID))
		if err != nil {
			fmt.Fprintln(stderr, "failed to connect to NATS:", err)
			return 1
		}
		defer nc.Close()
		bridge := natsbridge.New(nc, cfg.NATS.Prefix, cfg.Device.ID, natsbridge.WithLogger(logging.Component("nats")))
		sub, err := bridge.ListenCommands(sess)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer sub.Unsubscribe()
		packets := hub.Subscribe()
		go bridge.Run(ctx, packets)
		log.Info().Str("url", cfg.NATS.URL).Msg("nats bridge connected")
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			fmt.Fprintln(stderr, "failed to connect to Redis:", err)
			return 1
		}
		sh := shadow.New(rdb, cfg.Redis.Prefix,
			shadow.WithTTL(config.MustDuration(cfg.Redis.TTL)),
			shadow.WithLogger(logging.Component("shadow")),
		)
		packets := hub.Subscribe()
		go sh.Run(ctx, packets)
		log.Info().Str("addr", cfg.Redis.Addr).Str("key", sh.Key(cfg.Device.ID)).Msg("device shadow enabled")
	}

	log.Info().Str("device", cfg.Device.ID).Str("transport", dialer.String()).Msg("ppgd started")
	if err := sess.Run(ctx); err != nil {
		ev := log.Error().Err(err)
		if cfg.Transport.Kind == "serial" && transport.IsPortGone(err) {
			ev = ev.Str("hint", "serial port disappeared; check the cable or run `ppgd ports`")
		}
		ev.Msg("session stopped")
		return 1
	}
	return 0
}

func applyServerOverrides(cfg *config.Config, addr string, serialPort string, jsonlPath string, capturePrefix string) {
	if addr != "" {
		cfg.Transport.Kind = "tcp"
		cfg.Transport.Addr = addr
	}
	if serialPort != "" {
		cfg.Transport.Kind = "serial"
		cfg.Transport.SerialPort = serialPort
	}
	if jsonlPath != "" {
		cfg.Log.JSONL = jsonlPath
	}
	if capturePrefix != "" {
		cfg.Transport.Capture = capturePrefix
	}
}

func newDialer(cfg config.Config) (transport.Dialer, error) {
	opts := []transport.Option{
		transport.WithDialTimeout(config.MustDuration(cfg.Transport.DialTimeout)),
		transport.WithReadTimeout(config.MustDuration(cfg.Transport.ReadTimeout)),
	}
	switch cfg.Transport.Kind {
	case "tcp":
		return transport.NewTCPDialer(cfg.Transport.Addr, opts...), nil
	case "serial":
		return transport.NewSerialDialer(cfg.Transport.SerialPort, cfg.Transport.Baud, opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func sessionConfig(cfg config.Config) session.Config {
	layout, _ := protocol.ParseLayout(cfg.Device.Layout)
	return session.Config{
		Device:      cfg.Device.ID,
		Layout:      layout,
		BufferSize:  cfg.Buffer.Capacity,
		ReadSize:    cfg.Transport.ReadSize,
		RetryDelay:  config.MustDuration(cfg.Transport.RetryDelay),
		MaxFailures: cfg.Transport.MaxFailures,
		MaxRate:     cfg.Stream.MaxRate,
		MaxDuration: config.MustDuration(cfg.Stream.MaxDuration),
		OutboxLimit: cfg.Outbox.Limit,
	}
}

func foxgloveConfig(cfg config.Config) foxglove.Config {
	fc := foxglove.DefaultConfig()
	fc.WSAddr = cfg.Foxglove.WSAddr
	fc.SampleTopic = cfg.Foxglove.SampleTopic
	fc.ConfigTopic = cfg.Foxglove.ConfigTopic
	fc.Interval = config.MustDuration(cfg.Foxglove.Interval)
	return fc
}

func runMock(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("mock", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", config.Default().Transport.Addr, "listen address")
	layoutName := fs.String("layout", "current", "header layout: current or legacy")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	layout, err := protocol.ParseLayout(*layoutName)
	if err != nil {
		fmt.Fprintln(stderr, "invalid --layout:", err)
		return 2
	}

	logging.Configure(logging.ProfileRuntime, "")
	log := logging.Component("mock")

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintln(stderr, "failed to listen:", err)
		return 1
	}
	fmt.Fprintln(stdout, "mock device listening on", ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serveMock(ctx, ln, newMockDevice(layout, log), log); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runEncode(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "usage: ppgd encode <kind> <value>")
		return 2
	}
	kind, err := command.ParseKind(args[0])
	if err != nil {
		fmt.Fprintln(stderr, "invalid kind:", err)
		return 2
	}
	value, err := strconv.ParseInt(args[1], 0, 32)
	if err != nil {
		fmt.Fprintln(stderr, "invalid value:", err)
		return 2
	}
	cmd, err := command.Encode(kind, int(value))
	if err != nil {
		fmt.Fprintln(stderr, err)
		if valid := command.Values(kind); len(valid) > 0 {
			fmt.Fprintln(stderr, "valid values:", valid)
		}
		return 1
	}
	fmt.Fprintln(stdout, hex.EncodeToString(cmd.Bytes()))
	return 0
}

func runDecode(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: ppgd decode <hex>")
		return 2
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ReplaceAll(args[0], " ", ""), "0x"))
	if err != nil {
		fmt.Fprintln(stderr, "invalid hex:", err)
		return 2
	}
	kind, value, err := command.Decode(raw)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if kind == command.CollectionMode {
		period, timeout := command.DecodeCollectionMode(byte(value))
		fmt.Fprintf(stdout, "%s period=%dms timeout=%ds\n", kind, period, timeout)
		return 0
	}
	fmt.Fprintf(stdout, "%s %d\n", kind, value)
	return 0
}

func runReplay(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	layoutName := fs.String("layout", "current", "header layout: current or legacy")
	chunk := fs.Int("chunk", 4096, "bytes fed per read")
	device := fs.String("device", "replay", "device id written to records")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: ppgd replay [--layout current] [--chunk 4096] <prefix"+capture.InboundSuffix+">")
		return 2
	}
	layout, err := protocol.ParseLayout(*layoutName)
	if err != nil {
		fmt.Fprintln(stderr, "invalid --layout:", err)
		return 2
	}

	st, err := replayCapture(fs.Arg(0), layout, *chunk, *device, stdout)
	if err != nil {
		fmt.Fprintln(stderr, "replay failed:", err)
		return 1
	}
	fmt.Fprintf(stderr, "frames=%d resyncs=%d skipped=%d invalid=%d overflows=%d\n",
		st.Frames, st.Resyncs, st.SkippedBytes, st.InvalidFrames, st.Overflows)
	return 0
}

// replayCapture decodes a raw inbound capture and writes one JSONL record per
// frame. Times are placed relative to the start of the replay.
func replayCapture(path string, layout protocol.Layout, chunk int, device string, out io.Writer) (reassembly.Stats, error) {
	buf := reassembly.New(reassembly.DefaultCapacity, reassembly.WithLayout(layout))
	writer := logger.NewJSONLWriter(out, true)
	base := samples.TimeBase{Connected: time.Now()}
	haveOrigin := false

	log := logging.Component("replay")

	err := capture.Replay(path, chunk, func(b []byte) error {
		if err := buf.Append(b); err != nil {
			if !errors.Is(err, reassembly.ErrBufferOverflow) {
				return err
			}
			log.Warn().Err(err).Str("device", device).Str("capture", path).Msg("replay data lost")
		}
		for ev := range buf.Poll() {
			if ev.Kind != reassembly.EventDecoded {
				continue
			}
			if !haveOrigin {
				base.DeviceOrigin = ev.Frame.Times[0]
				haveOrigin = true
			}
			pkt := engine.Packet{Device: device, Received: base.HostTime(ev.Frame.Times[0]), Frame: ev.Frame}
			if err := writer.Write(pkt); err != nil {
				return err
			}
		}
		return nil
	})
	return buf.Stats(), err
}

func runPorts(stdout io.Writer, stderr io.Writer) int {
	ports, err := transport.SerialPorts()
	if err != nil {
		fmt.Fprintln(stderr, "failed to list serial ports:", err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Fprintln(stderr, "no serial ports found")
		return 0
	}
	for _, p := range ports {
		fmt.Fprintln(stdout, p)
	}
	return 0
}

func runInit(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", config.DefaultConfigPath, "config file path")
	force := fs.Bool("force", false, "overwrite an existing file")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if _, err := os.Stat(*configPath); err == nil && !*force {
		fmt.Fprintln(stderr, "config already exists:", *configPath)
		return 1
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg := config.Default()
	if err := cfg.Save(*configPath); err != nil {
		fmt.Fprintln(stderr, "failed to write config:", err)
		return 1
	}
	fmt.Fprintln(stdout, "wrote", *configPath)
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  ppgd server [--config ppgstream.toml] [--addr host:port | --serial /dev/ttyACM0] [--log file.jsonl] [--capture prefix]")
	fmt.Fprintln(w, "  ppgd mock [--addr 127.0.0.1:19022] [--layout current]")
	fmt.Fprintln(w, "  ppgd encode <kind> <value>")
	fmt.Fprintln(w, "  ppgd decode <hex>")
	fmt.Fprintln(w, "  ppgd replay [--layout current] [--chunk 4096] <capture.in.bin>")
	fmt.Fprintln(w, "  ppgd ports")
	fmt.Fprintln(w, "  ppgd init [--config ppgstream.toml] [--force]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   stream from the device and fan out to the enabled sinks")
	fmt.Fprintln(w, "  mock     run a TCP device emulator")
	fmt.Fprintln(w, "  encode   print the 2 command bytes for a parameter change")
	fmt.Fprintln(w, "  decode   explain 2 command bytes")
	fmt.Fprintln(w, "  replay   decode a raw inbound capture to JSONL")
	fmt.Fprintln(w, "  ports    list serial ports")
	fmt.Fprintln(w, "  init     write a default config file")
}
