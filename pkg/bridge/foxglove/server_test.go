package foxglove

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ppgstream/pkg/protocol"
	"ppgstream/pkg/samples"
)

type fakeSource struct {
	mu        sync.Mutex
	stream    *samples.Stream
	cfg       protocol.DeviceConfig
	haveCfg   bool
	connected bool
}

func (f *fakeSource) Device() string { return "wrist-01" }

func (f *fakeSource) Stream() *samples.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream
}

func (f *fakeSource) DeviceConfig() (protocol.DeviceConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, f.haveCfg
}

func (f *fakeSource) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func testFrame(n int) protocol.Frame {
	f := protocol.Frame{Count: n, Times: make([]float64, n), Red: make([]float64, n), IR: make([]float64, n)}
	for i := 0; i < n; i++ {
		f.Times[i] = float64(i * 10)
		f.Red[i] = -float64(i)
		f.IR[i] = -float64(2 * i)
	}
	return f
}

func TestAdvertiseSampleAndConfigChannels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfigChannelID = cfg.SampleChannelID
	srv := NewServer(cfg, &fakeSource{})
	msg := srv.advertise()
	if len(msg.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(msg.Channels))
	}
	if msg.Channels[0].ID == msg.Channels[1].ID {
		t.Fatalf("channel ids must be distinct: %+v", msg.Channels)
	}
	if msg.Channels[0].Topic != "ppg/samples" || msg.Channels[1].Topic != "ppg/config" {
		t.Fatalf("unexpected topics: %+v", msg.Channels)
	}
}

func TestSampleBatchAndConfigMessage(t *testing.T) {
	src := &fakeSource{stream: samples.New(16)}
	base := samples.TimeBase{Connected: time.UnixMilli(1_000_000)}
	if err := src.stream.Append(testFrame(3), base); err != nil {
		t.Fatalf("append: %v", err)
	}
	srv := NewServer(DefaultConfig(), src)
	seg, _ := src.stream.Snapshot(0)

	batch := srv.sampleBatch(seg)
	if batch.Device != "wrist-01" || len(batch.TimeMS) != 3 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if batch.TimeMS[0] != 1_000_000 || batch.TimeMS[2] != 1_000_020 {
		t.Fatalf("unexpected times: %v", batch.TimeMS)
	}

	msg := srv.configMessage(protocol.DeviceConfig{SampleRate: 100, RedLED: 255, IRLED: 0})
	if msg.RedLEDmA != 51 || msg.IRLEDmA != 0 {
		t.Fatalf("unexpected led currents: %+v", msg)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"sample_rate_hz":100`) {
		t.Fatalf("embedded config not flattened: %s", data)
	}
}

func TestWebsocketSubscribeReceivesSamples(t *testing.T) {
	src := &fakeSource{}
	srv := NewServer(DefaultConfig(), src)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	defer ts.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"foxglove.websocket.v1"}}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var info ServerInfoMsg
	if err := conn.ReadJSON(&info); err != nil || info.Op != OpServerInfo || info.Metadata["device"] != "wrist-01" {
		t.Fatalf("unexpected server info: %+v (%v)", info, err)
	}
	var adv AdvertiseMsg
	if err := conn.ReadJSON(&adv); err != nil || len(adv.Channels) != 2 {
		t.Fatalf("unexpected advertise: %+v (%v)", adv, err)
	}

	sub := SubscribeMsg{Op: OpSubscribe, Subscriptions: []Subscription{
		{ID: 7, ChannelID: adv.Channels[0].ID},
		{ID: 8, ChannelID: adv.Channels[1].ID},
		{ID: 9, ChannelID: 99},
	}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		clients := srv.snapshotClients()
		if len(clients) == 1 && len(clients[0].subIDsForChannel(srv.cfg.ConfigChannelID)) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stream := samples.New(64)
	if err := stream.Append(testFrame(4), samples.TimeBase{Connected: time.Unix(50, 0)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	src.mu.Lock()
	src.stream = stream
	src.connected = true
	src.cfg = protocol.DeviceConfig{SampleRate: 200, ADCRange: 8192}
	src.haveCfg = true
	src.mu.Unlock()
	srv.pump(time.Unix(60, 0))

	gotStatus, gotSamples, gotConfig := false, false, false
	for i := 0; i < 3; i++ {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message %d: %v", i, err)
		}
		if kind == websocket.TextMessage {
			var st StatusMsg
			if err := json.Unmarshal(data, &st); err != nil || st.Op != OpStatus || st.Level != StatusInfo {
				t.Fatalf("unexpected status: %s", data)
			}
			gotStatus = true
			continue
		}
		subID, _, payload, err := DecodeMessageData(data)
		if err != nil {
			t.Fatalf("decode message data: %v", err)
		}
		switch subID {
		case 7:
			var batch SampleBatch
			if err := json.Unmarshal(payload, &batch); err != nil || len(batch.Red) != 4 || batch.IR[3] != -6 {
				t.Fatalf("unexpected sample batch: %s", payload)
			}
			gotSamples = true
		case 8:
			var msg ConfigMessage
			if err := json.Unmarshal(payload, &msg); err != nil || msg.SampleRate != 200 || msg.ADCRange != 8192 {
				t.Fatalf("unexpected config message: %s", payload)
			}
			gotConfig = true
		default:
			t.Fatalf("unexpected subscription id %d", subID)
		}
	}
	if !gotStatus || !gotSamples || !gotConfig {
		t.Fatalf("missing messages: status=%v samples=%v config=%v", gotStatus, gotSamples, gotConfig)
	}

	// nothing new: no further messages
	srv.pump(time.Unix(61, 0))
	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected extra message: %q", data)
	}
}
