package channel

import "netsync/internal/protocol"

// Latest keeps the most recent copy of monotonically overwritten state that
// arrives on the unreliable channel, per sender. Older or duplicate copies
// are ignored.
type Latest[T any] struct {
	values map[protocol.Handle]latestEntry[T]
}

type latestEntry[T any] struct {
	tick  uint64
	value T
}

// NewLatest creates an empty tracker.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{values: make(map[protocol.Handle]latestEntry[T])}
}

// Offer records value if it is newer than what is held for from.
// Returns true if the value was accepted.
func (l *Latest[T]) Offer(from protocol.Handle, tick uint64, value T) bool {
	if cur, ok := l.values[from]; ok && tick <= cur.tick {
		return false
	}
	l.values[from] = latestEntry[T]{tick: tick, value: value}
	return true
}

// Get returns the newest value from a sender.
func (l *Latest[T]) Get(from protocol.Handle) (T, uint64, bool) {
	e, ok := l.values[from]
	return e.value, e.tick, ok
}

// Forget drops a sender, e.g. on disconnect.
func (l *Latest[T]) Forget(from protocol.Handle) {
	delete(l.values, from)
}
