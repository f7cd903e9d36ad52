// Package transport carries frames between the tick thread and the network.
//
// Substrates (QUIC, WebSocket, stream sockets) run their own reader
// goroutines and push decoded frames into a Hub. The tick thread polls the
// Hub without blocking and hands outbound frames back through it.
package transport

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"netsync/internal/protocol"
	"netsync/internal/ratelimit"
)

var (
	ErrHubFull       = errors.New("connection limit reached")
	ErrHubClosed     = errors.New("hub closed")
	ErrNoRoute       = errors.New("no connection for handle")
	ErrSlowConsumer  = errors.New("send queue full")
	ErrDuplicateConn = errors.New("handle already attached")
)

// Direction labels for telemetry
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Drop reasons for telemetry
const (
	DropInboxFull = "inbox_full"
	DropRateLimit = "rate_limit"
	DropMalformed = "malformed"
	DropNoRoute   = "no_route"
	DropSendError = "send_error"
)

// Conn is one connected peer on any substrate.
type Conn interface {
	Handle() protocol.Handle
	RemoteAddr() string
	// Send writes a complete frame. The channel picks the delivery path on
	// substrates that have more than one.
	Send(channel protocol.Channel, frame []byte) error
	Close() error
}

// Frame is one received batch payload, already stripped of its header.
type Frame struct {
	From    protocol.Handle
	Channel protocol.Channel
	Payload []byte
}

// EventKind distinguishes connection events
type EventKind uint8

const (
	Connected EventKind = iota
	Disconnected
)

func (k EventKind) String() string {
	if k == Connected {
		return "connected"
	}
	return "disconnected"
}

// Event reports a connection change to the tick thread.
type Event struct {
	Kind   EventKind
	Handle protocol.Handle
	Remote string
}

// Telemetry receives transport counts.
type Telemetry interface {
	RecordFrame(channel protocol.Channel, direction string, bytes int)
	RecordDroppedFrame(reason string)
	SetConnections(n int)
}

// NopTelemetry discards everything.
type NopTelemetry struct{}

func (NopTelemetry) RecordFrame(protocol.Channel, string, int) {}
func (NopTelemetry) RecordDroppedFrame(string)                 {}
func (NopTelemetry) SetConnections(int)                        {}

// HubConfig sizes a hub
type HubConfig struct {
	InboxSize      int
	MaxConnections int // 0 means unlimited
	RateLimit      ratelimit.Config
}

// DefaultHubConfig returns defaults matching config.DefaultProtocol
func DefaultHubConfig() HubConfig {
	return HubConfig{
		InboxSize:      4096,
		MaxConnections: 500,
		RateLimit: ratelimit.Config{
			PerSecond: 240,
			Burst:     480,
		},
	}
}

// Hub tracks connections and buffers inbound frames for the tick thread.
type Hub struct {
	cfg       HubConfig
	telemetry Telemetry

	mu     sync.RWMutex
	conns  map[protocol.Handle]Conn
	events []Event
	closed bool

	inbox   chan Frame
	limiter *ratelimit.Keyed[protocol.Handle]
}

// NewHub creates a hub.
func NewHub(cfg HubConfig, telemetry Telemetry) *Hub {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultHubConfig().InboxSize
	}
	if telemetry == nil {
		telemetry = NopTelemetry{}
	}
	h := &Hub{
		cfg:       cfg,
		telemetry: telemetry,
		conns:     make(map[protocol.Handle]Conn),
		inbox:     make(chan Frame, cfg.InboxSize),
	}
	if cfg.RateLimit.PerSecond > 0 {
		h.limiter = ratelimit.NewKeyed[protocol.Handle](cfg.RateLimit)
	}
	return h
}

// Attach registers a connection and queues a Connected event.
func (h *Hub) Attach(c Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if h.cfg.MaxConnections > 0 && len(h.conns) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return fmt.Errorf("attach %s: %w (%d)", c.RemoteAddr(), ErrHubFull, h.cfg.MaxConnections)
	}
	if _, ok := h.conns[c.Handle()]; ok {
		h.mu.Unlock()
		return fmt.Errorf("attach %s: %w", c.Handle(), ErrDuplicateConn)
	}
	h.conns[c.Handle()] = c
	h.events = append(h.events, Event{Kind: Connected, Handle: c.Handle(), Remote: c.RemoteAddr()})
	count := len(h.conns)
	h.mu.Unlock()

	h.telemetry.SetConnections(count)
	log.Printf("✅ Peer connected: %s from %s (total: %d)", c.Handle(), c.RemoteAddr(), count)
	return nil
}

// Detach removes a connection, closes it and queues a Disconnected event.
// Detaching an unknown handle is a no-op.
func (h *Hub) Detach(handle protocol.Handle) {
	h.mu.Lock()
	c, ok := h.conns[handle]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, handle)
	h.events = append(h.events, Event{Kind: Disconnected, Handle: handle, Remote: c.RemoteAddr()})
	count := len(h.conns)
	h.mu.Unlock()

	c.Close()
	if h.limiter != nil {
		h.limiter.Forget(handle)
	}
	h.telemetry.SetConnections(count)
	log.Printf("🔌 Peer disconnected: %s (remaining: %d)", handle, count)
}

// Deliver is called by substrate readers with a decoded frame payload.
// It never blocks. Unreliable frames over the rate limit or beyond inbox
// capacity are dropped and counted. A reliable frame cannot be dropped
// without desyncing the peer, so the peer is detached instead.
func (h *Hub) Deliver(from protocol.Handle, channel protocol.Channel, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	h.mu.RLock()
	_, ok := h.conns[from]
	h.mu.RUnlock()
	if !ok {
		h.telemetry.RecordDroppedFrame(DropNoRoute)
		return false
	}
	if h.limiter != nil && !h.limiter.Allow(from) {
		h.reject(from, channel, DropRateLimit)
		return false
	}

	select {
	case h.inbox <- Frame{From: from, Channel: channel, Payload: payload}:
		h.telemetry.RecordFrame(channel, DirectionIn, len(payload))
		return true
	default:
		h.reject(from, channel, DropInboxFull)
		return false
	}
}

func (h *Hub) reject(from protocol.Handle, channel protocol.Channel, reason string) {
	h.telemetry.RecordDroppedFrame(reason)
	if channel.Reliable() {
		log.Printf("⚠️ Reliable frame from %s dropped (%s), dropping peer", from, reason)
		go h.Detach(from)
	}
}

// Malformed counts a frame a substrate could not decode.
func (h *Hub) Malformed(from protocol.Handle, err error) {
	log.Printf("⚠️ Malformed frame from %s: %v", from, err)
	h.telemetry.RecordDroppedFrame(DropMalformed)
}

// Poll drains every buffered frame without blocking.
func (h *Hub) Poll() []Frame {
	var out []Frame
	for {
		select {
		case f := <-h.inbox:
			out = append(out, f)
		default:
			return out
		}
	}
}

// PollEvents drains connection events in the order they happened.
func (h *Hub) PollEvents() []Event {
	h.mu.Lock()
	out := h.events
	h.events = nil
	h.mu.Unlock()
	return out
}

// Send writes frame to dest. For a broadcast every connection is tried and
// failures are counted but do not stop the others. A unicast to a handle
// with no connection returns ErrNoRoute.
func (h *Hub) Send(dest protocol.Destination, channel protocol.Channel, frame []byte) error {
	if dest.Broadcast {
		for _, c := range h.snapshot() {
			h.sendTo(c, channel, frame)
		}
		return nil
	}

	h.mu.RLock()
	c, ok := h.conns[dest.Handle]
	h.mu.RUnlock()
	if !ok {
		h.telemetry.RecordDroppedFrame(DropNoRoute)
		return fmt.Errorf("send to %s: %w", dest.Handle, ErrNoRoute)
	}
	return h.sendTo(c, channel, frame)
}

func (h *Hub) sendTo(c Conn, channel protocol.Channel, frame []byte) error {
	if err := c.Send(channel, frame); err != nil {
		h.telemetry.RecordDroppedFrame(DropSendError)
		if channel.Reliable() {
			// A reliable frame that cannot be delivered leaves the peer
			// permanently out of sync.
			log.Printf("⚠️ Reliable send to %s failed, dropping peer: %v", c.Handle(), err)
			go h.Detach(c.Handle())
		}
		return err
	}
	h.telemetry.RecordFrame(channel, DirectionOut, len(frame))
	return nil
}

func (h *Hub) snapshot() []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Handles returns every connected handle.
func (h *Hub) Handles() []protocol.Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.Handle, 0, len(h.conns))
	for handle := range h.conns {
		out = append(out, handle)
	}
	return out
}

// Connected reports whether handle has a live connection.
func (h *Hub) Connected(handle protocol.Handle) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[handle]
	return ok
}

// Count returns the number of connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close closes every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := h.conns
	h.conns = make(map[protocol.Handle]Conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if h.limiter != nil {
		h.limiter.Stop()
	}
	h.telemetry.SetConnections(0)
}
