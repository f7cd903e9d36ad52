package protocol

import "github.com/google/uuid"

// Handle is an opaque identifier for a connected viewer.
// It is used for routing and per-viewer exclusion, and never sent on the wire.
type Handle uuid.UUID

// NoHandle is the zero handle. The server uses it as the sender of its own messages.
var NoHandle Handle

// NewHandle allocates a fresh random handle.
func NewHandle() Handle {
	return Handle(uuid.New())
}

// ParseHandle parses the textual form produced by String.
func ParseHandle(s string) (Handle, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NoHandle, err
	}
	return Handle(id), nil
}

// String returns the canonical UUID form.
func (h Handle) String() string {
	return uuid.UUID(h).String()
}

// IsZero reports whether h is NoHandle.
func (h Handle) IsZero() bool {
	return h == NoHandle
}

// Destination is where an outbound message goes: every connection, or one handle.
type Destination struct {
	Broadcast bool
	Handle    Handle
}

// Broadcast targets every connected viewer.
var Broadcast = Destination{Broadcast: true}

// To targets a single viewer.
func To(h Handle) Destination {
	return Destination{Handle: h}
}

// String returns "*" for a broadcast and the handle otherwise.
func (d Destination) String() string {
	if d.Broadcast {
		return "*"
	}
	return d.Handle.String()
}
