package foxglove

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ppgstream/pkg/command"
	"ppgstream/pkg/protocol"
	"ppgstream/pkg/samples"
)

// Source is what the bridge pulls from; *session.Session satisfies it.
type Source interface {
	Device() string
	Stream() *samples.Stream
	DeviceConfig() (protocol.DeviceConfig, bool)
	Connected() bool
}

type SampleBatch struct {
	Device string    `json:"device"`
	Start  int       `json:"start"`
	TimeMS []float64 `json:"time_ms"`
	Red    []float64 `json:"red_ua"`
	IR     []float64 `json:"ir_ua"`
}

type ConfigMessage struct {
	Device string `json:"device"`
	protocol.DeviceConfig
	RedLEDmA float64 `json:"red_led_ma"`
	IRLEDmA  float64 `json:"ir_led_ma"`
}

type Server struct {
	cfg     Config
	src     Source
	log     zerolog.Logger
	clients map[*client]struct{}
	mu      sync.RWMutex

	// pump state, owned by the pump goroutine
	stream     *samples.Stream
	reader     *samples.Reader
	lastConfig protocol.DeviceConfig
	haveConfig bool
	connected  bool
}

type outbound struct {
	text bool
	data []byte
}

type client struct {
	conn *websocket.Conn
	send chan outbound
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func NewServer(cfg Config, src Source, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		src:     src,
		log:     zerolog.Nop(),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	httpServer := &http.Server{
		Addr:    s.cfg.WSAddr,
		Handler: mux,
	}

	go s.pumpLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.WSAddr).Msg("foxglove bridge listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"foxglove.websocket.v1"},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		c.close()
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		c.close()
		return
	}
	s.addClient(c)

	go c.writeLoop()
	c.readLoop(s.supportedChannels())

	c.close()
	s.removeClient(c)
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	return map[uint64]struct{}{
		s.cfg.SampleChannelID: {},
		s.cfg.ConfigChannelID: {},
	}
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		Metadata:           map[string]string{"device": s.src.Device()},
		SessionID:          fmt.Sprintf("%d", time.Now().UTC().UnixNano()),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	return AdvertiseMsg{Op: OpAdvertise, Channels: []Channel{
		{
			ID:             s.cfg.SampleChannelID,
			Topic:          s.cfg.SampleTopic,
			Encoding:       s.cfg.Encoding,
			SchemaName:     "ppgstream.SampleBatch",
			SchemaEncoding: s.cfg.SchemaEncoding,
			Schema:         SampleSchema,
		},
		{
			ID:             s.cfg.ConfigChannelID,
			Topic:          s.cfg.ConfigTopic,
			Encoding:       s.cfg.Encoding,
			SchemaName:     "ppgstream.DeviceConfig",
			SchemaEncoding: s.cfg.SchemaEncoding,
			Schema:         ConfigSchema,
		},
	}}
}

func (s *Server) pumpLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-ticker.C:
			s.pump(ts)
		}
	}
}

// pump forwards whatever the source gained since the previous call.
func (s *Server) pump(now time.Time) {
	if connected := s.src.Connected(); connected != s.connected {
		s.connected = connected
		if connected {
			s.broadcastStatus(StatusInfo, "device "+s.src.Device()+" connected")
		} else {
			s.broadcastStatus(StatusWarning, "device "+s.src.Device()+" disconnected")
		}
	}

	if stream := s.src.Stream(); stream != s.stream {
		s.stream = stream
		s.reader = nil
		if stream != nil {
			s.reader = stream.NewReader()
		}
	}
	if s.reader != nil {
		if seg := s.reader.Next(); seg.Len() > 0 {
			s.publishJSONToChannel(s.cfg.SampleChannelID, seg.Time[0], s.sampleBatch(seg))
		}
	}

	if cfg, ok := s.src.DeviceConfig(); ok && (!s.haveConfig || cfg != s.lastConfig) {
		s.lastConfig = cfg
		s.haveConfig = true
		s.publishJSONToChannel(s.cfg.ConfigChannelID, now, s.configMessage(cfg))
	}
}

func (s *Server) sampleBatch(seg samples.Segment) SampleBatch {
	batch := SampleBatch{
		Device: s.src.Device(),
		Start:  seg.Start,
		TimeMS: make([]float64, seg.Len()),
		Red:    seg.Red,
		IR:     seg.IR,
	}
	for i, ts := range seg.Time {
		batch.TimeMS[i] = float64(ts.UnixNano()) / float64(time.Millisecond)
	}
	return batch
}

func (s *Server) configMessage(cfg protocol.DeviceConfig) ConfigMessage {
	return ConfigMessage{
		Device:       s.src.Device(),
		DeviceConfig: cfg,
		RedLEDmA:     command.LEDCurrent(int(cfg.RedLED)),
		IRLEDmA:      command.LEDCurrent(int(cfg.IRLED)),
	}
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.log.Warn().Err(err).Uint64("channel", channelID).Msg("marshal foxglove message")
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(outbound{data: EncodeMessageData(subID, logTime, payload)})
		}
	}
}

func (s *Server) broadcastStatus(level int, message string) {
	payload, err := json.Marshal(StatusMsg{Op: OpStatus, Level: level, Message: message})
	if err != nil {
		return
	}
	for _, c := range s.snapshotClients() {
		c.trySend(outbound{text: true, data: payload})
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	if sendBuf <= 0 {
		sendBuf = DefaultConfig().SendBuf
	}
	return &client{
		conn: conn,
		send: make(chan outbound, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(supportedChannels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := supportedChannels[sub.ChannelID]; ok {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		kind := websocket.BinaryMessage
		if msg.text {
			kind = websocket.TextMessage
		}
		if err := c.conn.WriteMessage(kind, msg.data); err != nil {
			c.close()
			return
		}
	}
}

func (c *client) trySend(msg outbound) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
