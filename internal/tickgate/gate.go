// Package tickgate buffers tick-stamped entity-creation messages per
// connection and releases them in tick order once the local simulation has
// reached their tick.
package tickgate

import "sort"

// State of a gate.
type State uint8

const (
	Idle State = iota
	Buffering
	Releasing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Buffering:
		return "buffering"
	case Releasing:
		return "releasing"
	default:
		return "idle"
	}
}

// StartCorrection asks collaborators to resimulate ticks StartTick..LastTick.
type StartCorrection struct {
	StartTick uint64 `json:"startTick"`
	LastTick  uint64 `json:"lastTick"`
}

// Entry is one released message with its authoritative tick.
type Entry[M any] struct {
	Tick    uint64
	Message M
}

// Gate is not safe for concurrent use; it lives on the tick thread.
type Gate[M any] struct {
	buckets map[uint64][]Entry[M]
	keys    []uint64 // ascending, unique

	state State

	drained    bool
	lastKey    uint64
	pending    int
	released   uint64
	lateCount  uint64
	reopenings uint64
}

// New creates an idle gate.
func New[M any]() *Gate[M] {
	return &Gate[M]{
		buckets: make(map[uint64][]Entry[M]),
	}
}

// Push buffers msg for tick.
//
// A message for a tick whose bucket was already drained is placed in the next
// undrained bucket instead, so no tick is ever released twice and release
// order stays non-decreasing. Its correction still uses the original tick.
func (g *Gate[M]) Push(tick uint64, msg M) {
	key := tick
	if g.drained && key <= g.lastKey {
		key = g.lastKey + 1
		g.reopenings++
	}

	if _, ok := g.buckets[key]; !ok {
		g.insertKey(key)
	}
	g.buckets[key] = append(g.buckets[key], Entry[M]{Tick: tick, Message: msg})
	g.pending++

	if g.state == Idle {
		g.state = Buffering
	}
}

func (g *Gate[M]) insertKey(key uint64) {
	i := sort.Search(len(g.keys), func(i int) bool { return g.keys[i] >= key })
	g.keys = append(g.keys, 0)
	copy(g.keys[i+1:], g.keys[i:])
	g.keys[i] = key
}

// Advance releases every bucket whose tick is <= localTick, lowest first,
// calling process for each message in arrival order. Messages stamped with a
// tick other than localTick are late and yield a StartCorrection spanning
// [tick-1, localTick].
func (g *Gate[M]) Advance(localTick uint64, process func(Entry[M])) []StartCorrection {
	var corrections []StartCorrection
	releasedAny := false

	for len(g.keys) > 0 && g.keys[0] <= localTick {
		key := g.keys[0]
		bucket := g.buckets[key]

		g.keys = g.keys[1:]
		delete(g.buckets, key)
		g.drained = true
		g.lastKey = key
		releasedAny = true

		for _, entry := range bucket {
			g.pending--
			g.released++
			if process != nil {
				process(entry)
			}
			if entry.Tick != localTick {
				g.lateCount++
				corrections = append(corrections, StartCorrection{
					StartTick: startTick(entry.Tick),
					LastTick:  localTick,
				})
			}
		}
	}

	switch {
	case len(g.keys) == 0:
		g.state = Idle
	case releasedAny:
		g.state = Releasing
	}

	return corrections
}

func startTick(tick uint64) uint64 {
	if tick == 0 {
		return 0
	}
	return tick - 1
}

// State returns the current state.
func (g *Gate[M]) State() State {
	return g.state
}

// Pending returns the number of buffered messages.
func (g *Gate[M]) Pending() int {
	return g.pending
}

// LowestTick returns the lowest buffered bucket tick.
func (g *Gate[M]) LowestTick() (uint64, bool) {
	if len(g.keys) == 0 {
		return 0, false
	}
	return g.keys[0], true
}

// Stats summarizes a gate for the debug API.
type Stats struct {
	State      string `json:"state"`
	Pending    int    `json:"pending"`
	Buckets    int    `json:"buckets"`
	Released   uint64 `json:"released"`
	Late       uint64 `json:"late"`
	Reopenings uint64 `json:"reopenings"`
}

// Stats returns counters for the debug API.
func (g *Gate[M]) Stats() Stats {
	return Stats{
		State:      g.state.String(),
		Pending:    g.pending,
		Buckets:    len(g.keys),
		Released:   g.released,
		Late:       g.lateCount,
		Reopenings: g.reopenings,
	}
}
