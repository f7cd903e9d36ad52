// Package registry assigns compact wire ids to message type names.
//
// Both processes run identical registration code and derive identical ids by
// sorting names, so nothing is negotiated at runtime. The registry is
// mutated only during startup; after Generate it is frozen and read-only,
// which makes concurrent lookups safe without locking.
package registry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"netsync/internal/protocol"
)

// TypeID is a message type's compact wire identity within its channel.
type TypeID uint16

// Id space per channel class.
const (
	MaxReliableTypes   = 1 << 16
	MaxUnreliableTypes = 1 << 8
)

var (
	ErrFrozen           = errors.New("registry is frozen")
	ErrNotGenerated     = errors.New("registry ids have not been generated")
	ErrClassConflict    = errors.New("name already registered on another channel")
	ErrEmptyName        = errors.New("type name must not be empty")
	ErrIDSpaceExhausted = errors.New("type id space exhausted")
)

// Entry is one frozen assignment.
type Entry struct {
	Name    string           `json:"name"`
	Channel protocol.Channel `json:"channel"`
	ID      TypeID           `json:"id"`
}

// Registry collects names per channel, then freezes them into ids.
// The zero value is not usable; call New.
type Registry struct {
	pending [protocol.ChannelCount][]string
	class   map[string]protocol.Channel

	frozen      bool
	ids         map[string]TypeID
	names       [protocol.ChannelCount][]string
	fingerprint string
}

// New creates an empty, unfrozen registry.
func New() *Registry {
	return &Registry{
		class: make(map[string]protocol.Channel),
	}
}

// Register appends name to the pending list for channel.
// Registering the same name twice on the same channel is a no-op.
func (r *Registry) Register(name string, channel protocol.Channel) error {
	if r.frozen {
		return fmt.Errorf("register %q: %w", name, ErrFrozen)
	}
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if !channel.Valid() {
		return fmt.Errorf("register %q: %w: %d", name, protocol.ErrUnknownChannel, channel)
	}
	if existing, ok := r.class[name]; ok {
		if existing != channel {
			return fmt.Errorf("register %q on %s: %w (%s)", name, channel, ErrClassConflict, existing)
		}
		return nil
	}

	r.class[name] = channel
	r.pending[channel] = append(r.pending[channel], name)
	return nil
}

// Generate sorts every pending list and assigns sequential ids from zero.
// It may run exactly once. A channel holding more names than its id type can
// represent fails the whole generation rather than wrapping.
func (r *Registry) Generate() error {
	if r.frozen {
		return fmt.Errorf("generate: %w", ErrFrozen)
	}

	for _, ch := range protocol.Channels {
		if n, max := len(r.pending[ch]), capacity(ch); n > max {
			return fmt.Errorf("generate %s: %w: %d names, capacity %d", ch, ErrIDSpaceExhausted, n, max)
		}
	}

	ids := make(map[string]TypeID, len(r.class))
	for _, ch := range protocol.Channels {
		names := append([]string(nil), r.pending[ch]...)
		sort.Strings(names)
		for i, name := range names {
			ids[name] = TypeID(i)
		}
		r.names[ch] = names
		r.pending[ch] = nil
	}

	r.ids = ids
	r.frozen = true
	r.fingerprint = r.computeFingerprint()
	return nil
}

func capacity(ch protocol.Channel) int {
	if ch == protocol.Unreliable {
		return MaxUnreliableTypes
	}
	return MaxReliableTypes
}

// Frozen reports whether Generate has run.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Lookup returns the id assigned to name.
func (r *Registry) Lookup(name string) (TypeID, bool) {
	if !r.frozen {
		return 0, false
	}
	id, ok := r.ids[name]
	return id, ok
}

// Identify reports whether id is the id assigned to name.
func (r *Registry) Identify(id TypeID, name string) bool {
	assigned, ok := r.Lookup(name)
	return ok && assigned == id
}

// Channel returns the channel name was registered on.
func (r *Registry) Channel(name string) (protocol.Channel, bool) {
	ch, ok := r.class[name]
	return ch, ok
}

// Name resolves an id on a channel back to its type name.
func (r *Registry) Name(channel protocol.Channel, id TypeID) (string, bool) {
	if !r.frozen || !channel.Valid() {
		return "", false
	}
	names := r.names[channel]
	if int(id) >= len(names) {
		return "", false
	}
	return names[id], true
}

// Names returns the frozen, id-ordered names of a channel.
func (r *Registry) Names(channel protocol.Channel) []string {
	if !channel.Valid() {
		return nil
	}
	return append([]string(nil), r.names[channel]...)
}

// Entries returns every assignment, channel by channel, in id order.
func (r *Registry) Entries() []Entry {
	var out []Entry
	for _, ch := range protocol.Channels {
		for i, name := range r.names[ch] {
			out = append(out, Entry{Name: name, Channel: ch, ID: TypeID(i)})
		}
	}
	return out
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	return len(r.class)
}

// Fingerprint is a hash of the frozen assignment table. Two processes with the
// same fingerprint decode each other's batches identically.
func (r *Registry) Fingerprint() string {
	return r.fingerprint
}

func (r *Registry) computeFingerprint() string {
	h := blake3.New(32, nil)
	for _, e := range r.Entries() {
		fmt.Fprintf(h, "%d:%s=%d\n", e.Channel, e.Name, e.ID)
	}
	return hex.EncodeToString(h.Sum(nil))
}
