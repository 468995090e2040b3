package engine

import (
	"context"
	"time"

	"ppgstream/pkg/protocol"
)

// Packet is one decoded frame as delivered to sinks.
type Packet struct {
	Device   string         `json:"device"`
	Received time.Time      `json:"received"`
	Frame    protocol.Frame `json:"frame"`
}

// Hub fans decoded packets out to subscribers. Slow subscribers lose packets
// instead of stalling the producer.
type Hub struct {
	broadcast  chan Packet
	register   chan chan Packet
	unregister chan chan Packet
	clients    map[chan Packet]struct{}
	clientBuf  int
	done       chan struct{}
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan Packet, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan Packet, 256),
		register:   make(chan chan Packet),
		unregister: make(chan chan Packet),
		clients:    make(map[chan Packet]struct{}),
		clientBuf:  100,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case packet := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- packet:
				default:
				}
			}
		}
	}
}

func (h *Hub) Subscribe() chan Packet {
	return h.SubscribeWithBuffer(h.clientBuf)
}

// SubscribeWithBuffer returns a closed channel once the hub has stopped.
func (h *Hub) SubscribeWithBuffer(size int) chan Packet {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan Packet, size)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan Packet) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish queues a packet for broadcast. It returns false if ctx ends or the
// hub has stopped first.
func (h *Hub) Publish(ctx context.Context, packet Packet) bool {
	select {
	case h.broadcast <- packet:
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}
