// Package codec binds message types to registry ids and moves them between
// typed queues and wire batches.
//
// Each registered type gets one handler in a runtime table keyed by
// (channel, TypeID). A handler holds type-erased encode, decode and deliver
// closures built by Register, so the table itself never needs to know T.
package codec

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"
	"github.com/vmihailenco/msgpack/v5"

	"netsync/internal/channel"
	"netsync/internal/protocol"
	"netsync/internal/registry"
)

var (
	ErrNotFrozen     = errors.New("codec table is not frozen")
	ErrSenderRole    = errors.New("message type cannot be sent from this side")
	ErrDuplicateType = errors.New("message type already registered")
)

// Named lets a message type choose its registry name. Both processes must
// agree on it; the default is the Go package path plus type name.
type Named interface {
	MessageName() string
}

// Options fix a message type's channel and sender at registration.
type Options struct {
	Name     string
	Sender   protocol.Sender
	Reliable bool
	Ordered  bool
}

// Meta describes where an inbound message came from.
type Meta struct {
	From    protocol.Handle
	Tick    uint8
	SubStep bool
	// Seq increases by one per delivered message across every type, so
	// queues of different types can be merged back into arrival order.
	Seq uint64
}

// Telemetry receives protocol-level drop and traffic counts.
type Telemetry interface {
	RecordMessages(channel protocol.Channel, direction string, n int)
	RecordDecodeFailure(channel protocol.Channel)
	RecordUnknownType(channel protocol.Channel)
	RecordRoleViolation(channel protocol.Channel)
}

// NopTelemetry discards everything.
type NopTelemetry struct{}

func (NopTelemetry) RecordMessages(protocol.Channel, string, int) {}
func (NopTelemetry) RecordDecodeFailure(protocol.Channel)         {}
func (NopTelemetry) RecordUnknownType(protocol.Channel)           {}
func (NopTelemetry) RecordRoleViolation(protocol.Channel)         {}

type pending struct {
	dest  protocol.Destination
	value any
}

type handler struct {
	name    string
	channel protocol.Channel
	sender  protocol.Sender
	id      registry.TypeID
	schema  *jsonschema.Schema

	encode  func(v any) ([]byte, error)
	decode  func(data []byte) (any, error)
	deliver func(meta Meta, v any)
	drain   func() []pending
}

// Table is the runtime handler table. Registration happens at startup;
// after Freeze the table is only touched by the tick thread.
type Table struct {
	role      protocol.Role
	reg       *registry.Registry
	telemetry Telemetry

	handlers []*handler
	byName   map[string]*handler
	byID     [protocol.ChannelCount]map[registry.TypeID]*handler
	ordered  []*handler
	frozen   bool
	seq      uint64
}

// NewTable creates a table for a process playing role.
func NewTable(role protocol.Role, reg *registry.Registry, telemetry Telemetry) *Table {
	if telemetry == nil {
		telemetry = NopTelemetry{}
	}
	if reg == nil {
		reg = registry.New()
	}
	t := &Table{
		role:      role,
		reg:       reg,
		telemetry: telemetry,
		byName:    make(map[string]*handler),
	}
	for i := range t.byID {
		t.byID[i] = make(map[registry.TypeID]*handler)
	}
	return t
}

// Role returns the side this table encodes for.
func (t *Table) Role() protocol.Role {
	return t.role
}

// Registry returns the underlying registry.
func (t *Table) Registry() *registry.Registry {
	return t.reg
}

// Register adds T to the table and the registry and returns its typed queue.
func Register[T any](t *Table, opts Options) (*Messages[T], error) {
	name := opts.Name
	if name == "" {
		name = typeName[T]()
	}
	if _, ok := t.byName[name]; ok {
		return nil, fmt.Errorf("register %q: %w", name, ErrDuplicateType)
	}

	ch := protocol.ChannelFor(opts.Reliable, opts.Ordered)
	if err := t.reg.Register(name, ch); err != nil {
		return nil, err
	}

	m := &Messages[T]{table: t}
	h := &handler{
		name:    name,
		channel: ch,
		sender:  opts.Sender,
		schema:  jsonschema.Reflect(new(T)),
		encode: func(v any) ([]byte, error) {
			return msgpack.Marshal(v.(T))
		},
		decode: func(data []byte) (any, error) {
			var v T
			if err := msgpack.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		deliver: func(meta Meta, v any) {
			m.inbound = append(m.inbound, Inbound[T]{Meta: meta, Message: v.(T)})
		},
		drain: func() []pending {
			out := m.outbound
			m.outbound = nil
			return out
		},
	}
	m.h = h

	t.handlers = append(t.handlers, h)
	t.byName[name] = h
	return m, nil
}

func typeName[T any]() string {
	var zero T
	if n, ok := any(zero).(Named); ok {
		return n.MessageName()
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.PkgPath() == "" {
		return typ.String()
	}
	return typ.PkgPath() + "." + typ.Name()
}

// Freeze generates registry ids and binds them into the table.
func (t *Table) Freeze() error {
	if !t.reg.Frozen() {
		if err := t.reg.Generate(); err != nil {
			return err
		}
	}
	for _, h := range t.handlers {
		id, ok := t.reg.Lookup(h.name)
		if !ok {
			return fmt.Errorf("freeze %q: %w", h.name, registry.ErrNotGenerated)
		}
		h.id = id
		t.byID[h.channel][id] = h
	}

	t.ordered = append([]*handler(nil), t.handlers...)
	sort.Slice(t.ordered, func(i, j int) bool {
		if t.ordered[i].channel != t.ordered[j].channel {
			return t.ordered[i].channel < t.ordered[j].channel
		}
		return t.ordered[i].id < t.ordered[j].id
	})

	t.frozen = true
	return nil
}

// Frozen reports whether Freeze has run.
func (t *Table) Frozen() bool {
	return t.frozen
}

// Flush serializes every queued outbound message into out. A message that
// fails to serialize is logged and dropped. Returns the number appended.
func (t *Table) Flush(out *channel.Outbox) int {
	if !t.frozen {
		return 0
	}

	n := 0
	var perChannel [protocol.ChannelCount]int
	for _, h := range t.ordered {
		for _, p := range h.drain() {
			data, err := h.encode(p.value)
			if err != nil {
				log.Printf("⚠️ Dropping outbound %s: %v", h.name, err)
				continue
			}
			out.Append(h.channel, p.dest, protocol.Envelope{Serialized: data, TypeID: uint16(h.id)})
			perChannel[h.channel]++
			n++
		}
	}
	for ch, count := range perChannel {
		if count > 0 {
			t.telemetry.RecordMessages(protocol.Channel(ch), "out", count)
		}
	}
	return n
}

// Dispatch decodes every envelope of a batch received on ch and delivers it
// to its typed queue. Unknown ids, undecodable payloads and messages the
// remote side is not allowed to send are logged and dropped individually.
// Returns the number delivered.
func (t *Table) Dispatch(from protocol.Handle, ch protocol.Channel, batch *protocol.Batch) int {
	if !t.frozen || !ch.Valid() || batch == nil {
		return 0
	}

	remote := protocol.RoleClient
	if t.role == protocol.RoleClient {
		remote = protocol.RoleServer
	}
	meta := Meta{From: from, Tick: batch.Tick, SubStep: batch.SubStep}

	delivered := 0
	for _, env := range batch.Messages {
		h, ok := t.byID[ch][registry.TypeID(env.TypeID)]
		if !ok {
			log.Printf("⚠️ Unknown type id %d on %s from %s", env.TypeID, ch, from)
			t.telemetry.RecordUnknownType(ch)
			continue
		}
		if !h.sender.CanSend(remote) {
			log.Printf("⚠️ %s cannot send %s, dropping", remote, h.name)
			t.telemetry.RecordRoleViolation(ch)
			continue
		}
		v, err := h.decode(env.Serialized)
		if err != nil {
			log.Printf("⚠️ Failed to decode %s from %s: %v", h.name, from, err)
			t.telemetry.RecordDecodeFailure(ch)
			continue
		}
		meta.Seq = t.seq
		t.seq++
		h.deliver(meta, v)
		delivered++
	}
	if delivered > 0 {
		t.telemetry.RecordMessages(ch, "in", delivered)
	}
	return delivered
}

// TypeInfo describes one registered type for the debug API.
type TypeInfo struct {
	Name    string             `json:"name"`
	Channel string             `json:"channel"`
	ID      registry.TypeID    `json:"id"`
	Sender  string             `json:"sender"`
	Schema  *jsonschema.Schema `json:"schema,omitempty"`
}

// Types returns every registered type in (channel, id) order.
func (t *Table) Types(withSchema bool) []TypeInfo {
	src := t.ordered
	if !t.frozen {
		src = t.handlers
	}
	out := make([]TypeInfo, 0, len(src))
	for _, h := range src {
		info := TypeInfo{
			Name:    h.name,
			Channel: h.channel.String(),
			ID:      h.id,
			Sender:  h.sender.String(),
		}
		if withSchema {
			info.Schema = h.schema
		}
		out = append(out, info)
	}
	return out
}

// Schemas returns the JSON schema of every registered type by name.
func (t *Table) Schemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(t.handlers))
	for _, h := range t.handlers {
		out[h.name] = h.schema
	}
	return out
}
