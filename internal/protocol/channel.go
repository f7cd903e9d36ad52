// Package protocol defines the replication wire format: channels, batches,
// frames and tick stamps shared by both ends of a connection.
//
// Channel ids are fixed constants. Server and client must agree on them
// without any negotiation, so never renumber an existing channel.
package protocol

import "fmt"

// Channel is a reliability/ordering class a message type is permanently bound to.
type Channel uint8

const (
	Unreliable        Channel = 0
	ReliableUnordered Channel = 1
	ReliableOrdered   Channel = 2
)

// ChannelCount is the number of channel classes.
const ChannelCount = 3

// Channels lists every channel in id order.
var Channels = [ChannelCount]Channel{Unreliable, ReliableUnordered, ReliableOrdered}

// ChannelFor derives the channel for a message type at registration time.
// Unreliable messages have no ordering guarantee, so ordered is ignored.
func ChannelFor(reliable, ordered bool) Channel {
	switch {
	case !reliable:
		return Unreliable
	case ordered:
		return ReliableOrdered
	default:
		return ReliableUnordered
	}
}

// Valid reports whether c is a known channel id.
func (c Channel) Valid() bool {
	return c < ChannelCount
}

// Reliable reports whether the transport must retransmit on this channel.
func (c Channel) Reliable() bool {
	return c == ReliableUnordered || c == ReliableOrdered
}

// String returns the channel name used in logs and metric labels.
func (c Channel) String() string {
	switch c {
	case Unreliable:
		return "unreliable"
	case ReliableUnordered:
		return "reliable_unordered"
	case ReliableOrdered:
		return "reliable_ordered"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Sender names which process is allowed to raise a message type.
type Sender uint8

const (
	SenderServer Sender = iota
	SenderClient
	SenderBoth
)

// Role is the side of the connection a process plays.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// CanSend reports whether a process playing role may raise messages declared with s.
func (s Sender) CanSend(role Role) bool {
	switch s {
	case SenderBoth:
		return true
	case SenderServer:
		return role == RoleServer
	case SenderClient:
		return role == RoleClient
	default:
		return false
	}
}

// String returns the sender name.
func (s Sender) String() string {
	switch s {
	case SenderServer:
		return "server"
	case SenderClient:
		return "client"
	case SenderBoth:
		return "both"
	default:
		return "unknown"
	}
}
