package codec

import (
	"fmt"

	"netsync/internal/protocol"
	"netsync/internal/registry"
)

// Inbound is a typed message received this tick.
type Inbound[T any] struct {
	Meta
	Message T
}

// Messages is the typed queue pair for one registered type.
// Send raises outbound messages for the next Flush; Drain returns what the
// last Dispatch delivered.
type Messages[T any] struct {
	table    *Table
	h        *handler
	outbound []pending
	inbound  []Inbound[T]
}

// Send queues msg for dest.
func (m *Messages[T]) Send(dest protocol.Destination, msg T) error {
	if !m.table.frozen {
		return fmt.Errorf("send %s: %w", m.h.name, ErrNotFrozen)
	}
	if !m.h.sender.CanSend(m.table.role) {
		return fmt.Errorf("send %s as %s: %w", m.h.name, m.table.role, ErrSenderRole)
	}
	m.outbound = append(m.outbound, pending{dest: dest, value: msg})
	return nil
}

// Broadcast queues msg for every connection.
func (m *Messages[T]) Broadcast(msg T) error {
	return m.Send(protocol.Broadcast, msg)
}

// Drain removes and returns every inbound message, in arrival order.
func (m *Messages[T]) Drain() []Inbound[T] {
	out := m.inbound
	m.inbound = nil
	return out
}

// Pending returns the number of queued outbound messages.
func (m *Messages[T]) Pending() int {
	return len(m.outbound)
}

// Name returns the registry name.
func (m *Messages[T]) Name() string {
	return m.h.name
}

// Channel returns the fixed channel.
func (m *Messages[T]) Channel() protocol.Channel {
	return m.h.channel
}

// ID returns the assigned type id; only meaningful after Freeze.
func (m *Messages[T]) ID() registry.TypeID {
	return m.h.id
}
