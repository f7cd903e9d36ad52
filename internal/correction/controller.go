// Package correction keeps a short history of authoritative spawn states so
// gameplay collaborators can resimulate ticks that were simulated before the
// spawn data arrived.
package correction

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"netsync/internal/tickgate"
)

// DefaultMaxCacheTicks is the retention window when none is configured.
const DefaultMaxCacheTicks = 64

// EntityID identifies a replicated entity on both ends.
type EntityID uint64

// Snapshot is the spawn-time physical state of an entity.
type Snapshot struct {
	Translation     mgl32.Vec3 `json:"translation"`
	Rotation        mgl32.Quat `json:"rotation"`
	LinearVelocity  mgl32.Vec3 `json:"linearVelocity"`
	AngularVelocity mgl32.Vec3 `json:"angularVelocity"`
}

// Controller owns the correction cache. Only the controller inserts and
// evicts; readers get copies.
type Controller struct {
	maxTicks uint64
	cache    map[uint64]map[EntityID]Snapshot

	recorded uint64
	evicted  uint64
}

// NewController creates a controller retaining maxTicks ticks of history.
func NewController(maxTicks int) *Controller {
	if maxTicks <= 0 {
		maxTicks = DefaultMaxCacheTicks
	}
	return &Controller{
		maxTicks: uint64(maxTicks),
		cache:    make(map[uint64]map[EntityID]Snapshot),
	}
}

// MaxTicks returns the retention window.
func (c *Controller) MaxTicks() uint64 {
	return c.maxTicks
}

// Record stores the spawn snapshot of entity at tick.
func (c *Controller) Record(tick uint64, entity EntityID, snap Snapshot) {
	bucket, ok := c.cache[tick]
	if !ok {
		bucket = make(map[EntityID]Snapshot)
		c.cache[tick] = bucket
	}
	bucket[entity] = snap
	c.recorded++
}

// Prune evicts every tick older than localTick - MaxTicks.
// It does nothing while localTick < MaxTicks. Returns the number of snapshots evicted.
func (c *Controller) Prune(localTick uint64) int {
	if localTick < c.maxTicks {
		return 0
	}
	cutoff := localTick - c.maxTicks

	n := 0
	for tick, bucket := range c.cache {
		if tick < cutoff {
			n += len(bucket)
			delete(c.cache, tick)
		}
	}
	c.evicted += uint64(n)
	return n
}

// Snapshot returns the cached state of entity at tick.
func (c *Controller) Snapshot(tick uint64, entity EntityID) (Snapshot, bool) {
	snap, ok := c.cache[tick][entity]
	return snap, ok
}

// TickSnapshots is every cached entity at one tick.
type TickSnapshots struct {
	Tick      uint64                `json:"tick"`
	Snapshots map[EntityID]Snapshot `json:"snapshots"`
}

// Span returns copies of every cached tick in [start, last], ascending.
func (c *Controller) Span(start, last uint64) []TickSnapshots {
	var out []TickSnapshots
	for tick, bucket := range c.cache {
		if tick < start || tick > last {
			continue
		}
		cp := make(map[EntityID]Snapshot, len(bucket))
		for id, snap := range bucket {
			cp[id] = snap
		}
		out = append(out, TickSnapshots{Tick: tick, Snapshots: cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out
}

// Resolvable reports whether every tick of corr is still inside the
// retention window at localTick. Unresolvable spans need a full resync.
func (c *Controller) Resolvable(corr tickgate.StartCorrection, localTick uint64) bool {
	if corr.StartTick > corr.LastTick {
		return false
	}
	if localTick < c.maxTicks {
		return true
	}
	return corr.StartTick >= localTick-c.maxTicks
}

// Len returns the number of cached snapshots.
func (c *Controller) Len() int {
	n := 0
	for _, bucket := range c.cache {
		n += len(bucket)
	}
	return n
}

// Stats summarizes the cache for the debug API.
type Stats struct {
	Ticks     int    `json:"ticks"`
	Snapshots int    `json:"snapshots"`
	Recorded  uint64 `json:"recorded"`
	Evicted   uint64 `json:"evicted"`
	MaxTicks  uint64 `json:"maxTicks"`
}

// Stats returns counters for the debug API.
func (c *Controller) Stats() Stats {
	return Stats{
		Ticks:     len(c.cache),
		Snapshots: c.Len(),
		Recorded:  c.recorded,
		Evicted:   c.evicted,
		MaxTicks:  c.maxTicks,
	}
}

// Coalesce merges the corrections raised in one tick into the widest span.
func Coalesce(corrections []tickgate.StartCorrection) (tickgate.StartCorrection, bool) {
	if len(corrections) == 0 {
		return tickgate.StartCorrection{}, false
	}
	merged := corrections[0]
	for _, c := range corrections[1:] {
		if c.StartTick < merged.StartTick {
			merged.StartTick = c.StartTick
		}
		if c.LastTick > merged.LastTick {
			merged.LastTick = c.LastTick
		}
	}
	return merged, true
}
