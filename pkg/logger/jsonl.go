package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"ppgstream/pkg/engine"
	"ppgstream/pkg/protocol"
)

// JSONLWriter writes one JSON record per decoded frame.
type JSONLWriter struct {
	enc        *json.Encoder
	withConfig bool
}

type jsonRecord struct {
	TS       string                 `json:"ts"`
	Device   string                 `json:"device"`
	PacketID uint16                 `json:"packet_id"`
	DeviceMS uint32                 `json:"device_ms"`
	Header   string                 `json:"header_hex"`
	Times    []float64              `json:"time_ms"`
	Red      []float64              `json:"red_ua"`
	IR       []float64              `json:"ir_ua"`
	Config   *protocol.DeviceConfig `json:"config,omitempty"`
}

// NewJSONLWriter creates a writer. When withConfig is set each record also
// carries the decoded device configuration.
func NewJSONLWriter(w io.Writer, withConfig bool) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{
		enc:        enc,
		withConfig: withConfig,
	}
}

func (j *JSONLWriter) Write(pkt engine.Packet) error {
	f := pkt.Frame
	rec := jsonRecord{
		TS:       pkt.Received.UTC().Format(time.RFC3339Nano),
		Device:   pkt.Device,
		PacketID: f.PacketID,
		DeviceMS: f.DeviceTime,
		Header:   formatHeader(f.Header),
		Times:    f.Times,
		Red:      f.Red,
		IR:       f.IR,
	}
	if j.withConfig {
		cfg := f.Config
		rec.Config = &cfg
	}
	return j.enc.Encode(rec)
}

// Consume writes packets from in until it closes or ctx ends. The first
// write error stops consumption and is returned.
func (j *JSONLWriter) Consume(ctx context.Context, in <-chan engine.Packet) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			if err := j.Write(pkt); err != nil {
				return fmt.Errorf("jsonl: %w", err)
			}
		}
	}
}

func formatHeader(h protocol.Header) string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x", h.ConfigByte, h.FIFOByte, h.CollectionByte, h.RedLED, h.IRLED)
}
