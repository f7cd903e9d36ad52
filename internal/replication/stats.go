package replication

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"netsync/internal/correction"
	"netsync/internal/entity"
	"netsync/internal/protocol"
	"netsync/internal/tickgate"
)

// Stats summarizes a context for the debug API.
type Stats struct {
	Role           string                    `json:"role"`
	Tick           uint64                    `json:"tick"`
	Entities       int                       `json:"entities"`
	Viewers        int                       `json:"viewers"`
	Connections    int                       `json:"connections"`
	BufferedSpawns int                       `json:"bufferedSpawns"`
	HeldUpdates    int                       `json:"heldUpdates"`
	Gates          map[string]tickgate.Stats `json:"gates,omitempty"`
	Cache          correction.Stats          `json:"cache"`
	Corrections    uint64                    `json:"corrections"`
	Resyncs        uint64                    `json:"resyncs"`
	LastCorrection *tickgate.StartCorrection `json:"lastCorrection,omitempty"`
	RTTMillis      map[string]float64        `json:"rttMillis,omitempty"`
	Types          int                       `json:"types"`
	Fingerprint    string                    `json:"fingerprint"`
}

// Stats returns a consistent snapshot. Safe from any goroutine.
func (c *Context) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Role:           c.cfg.Role.String(),
		Tick:           c.tick,
		Viewers:        len(c.viewers),
		Connections:    c.hub.Count(),
		Cache:          c.corrections.Stats(),
		Corrections:    c.correctionCount,
		Resyncs:        c.resyncCount,
		LastCorrection: c.lastCorrection,
		Types:          c.table.Registry().Len(),
		Fingerprint:    c.table.Registry().Fingerprint(),
	}
	if c.cfg.Role == protocol.RoleServer {
		s.Entities = len(c.entities)
	} else {
		s.Entities = len(c.mirrors)
	}
	for _, held := range c.held {
		s.HeldUpdates += len(held)
	}
	if len(c.gates) > 0 {
		s.Gates = make(map[string]tickgate.Stats, len(c.gates))
		for h, g := range c.gates {
			gs := g.Stats()
			s.Gates[h.String()] = gs
			s.BufferedSpawns += gs.Pending
		}
	}
	if len(c.rtt) > 0 {
		s.RTTMillis = make(map[string]float64, len(c.rtt))
		for h, d := range c.rtt {
			s.RTTMillis[h.String()] = float64(d.Microseconds()) / 1000
		}
	}
	return s
}

// EntitySummary describes one entity (server) or mirror (client).
type EntitySummary struct {
	ID        correction.EntityID `json:"id"`
	Owner     string              `json:"owner,omitempty"`
	Owned     bool                `json:"owned,omitempty"`
	Position  mgl32.Vec3          `json:"position"`
	SpawnTick uint64              `json:"spawnTick"`
	Viewers   int                 `json:"viewers,omitempty"`
	State     entity.NodeUpdates  `json:"state,omitempty"`
}

// Entities lists every entity in id order, without state. Safe from any
// goroutine.
func (c *Context) Entities() []EntitySummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []EntitySummary
	for _, id := range c.ids() {
		s, _ := c.summary(id, false)
		out = append(out, s)
	}
	return out
}

// EntitySummary returns one entity with its full state. Safe from any
// goroutine.
func (c *Context) EntitySummary(id correction.EntityID) (EntitySummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary(id, true)
}

func (c *Context) ids() []correction.EntityID {
	if len(c.entities) > 0 {
		return append([]correction.EntityID(nil), c.order...)
	}
	ids := make([]correction.EntityID, 0, len(c.mirrors))
	for id := range c.mirrors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Context) summary(id correction.EntityID, withState bool) (EntitySummary, bool) {
	if e, ok := c.entities[id]; ok {
		s := EntitySummary{
			ID:        e.ID,
			Position:  e.Position(),
			SpawnTick: e.spawnTick,
			Viewers:   len(e.visibleTo),
		}
		if !e.Owner.IsZero() {
			s.Owner = e.Owner.String()
		}
		if withState {
			s.State = e.Updates.Snapshot()
		}
		return s, true
	}
	if m, ok := c.mirrors[id]; ok {
		s := EntitySummary{
			ID:        m.ID,
			Owned:     m.Owned,
			Position:  m.Spawn.Translation,
			SpawnTick: m.SpawnTick,
		}
		if v, ok := m.Updates.Get(entity.RootNode, FieldTranslation); ok {
			if pos, ok := v.(entity.Vec3); ok {
				s.Position = mgl32.Vec3(pos)
			}
		}
		if withState {
			s.State = m.Updates.Snapshot()
		}
		return s, true
	}
	return EntitySummary{}, false
}
