package replication

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"netsync/internal/correction"
	"netsync/internal/entity"
	"netsync/internal/protocol"
)

// Field names written by the context itself on the root node.
const (
	FieldTranslation = "translation"
	FieldRotation    = "rotation"
)

// Entity is a server-side replicated entity. Gameplay hooks mutate Updates
// and call Move; the post-update phase diffs and fans out.
type Entity struct {
	ID      correction.EntityID
	Owner   protocol.Handle
	Rules   []Rule
	Updates *entity.EntityUpdates

	state     correction.Snapshot
	spawnTick uint64
	visibleTo map[protocol.Handle]bool
}

// Position returns the current translation.
func (e *Entity) Position() mgl32.Vec3 {
	return e.state.Translation
}

// State returns the current physical state.
func (e *Entity) State() correction.Snapshot {
	return e.state
}

// Move sets the physical state and mirrors translation and rotation into
// the replicated root node.
func (e *Entity) Move(s correction.Snapshot) {
	e.state = s
	e.Updates.Set(entity.RootNode, FieldTranslation, entity.Vec3(s.Translation))
	e.Updates.Set(entity.RootNode, FieldRotation, entity.Vec3(quatEuler(s.Rotation)))
}

// VisibleTo reports whether viewer currently has this entity spawned.
func (e *Entity) VisibleTo(viewer protocol.Handle) bool {
	return e.visibleTo[viewer]
}

func (e *Entity) allows(v *Viewer) bool {
	return allowAll(e.Rules, e, v)
}

// quatEuler converts to roll, pitch, yaw in radians.
func quatEuler(q mgl32.Quat) mgl32.Vec3 {
	q = q.Normalize()
	w, x, y, z := float64(q.W), float64(q.V[0]), float64(q.V[1]), float64(q.V[2])
	roll := math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	pitch := math.Asin(math.Max(-1, math.Min(1, 2*(w*y-z*x))))
	yaw := math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return mgl32.Vec3{float32(roll), float32(pitch), float32(yaw)}
}

// Spawn creates an entity owned by owner (NoHandle for server-owned). It
// becomes visible to viewers at the next post-update. Tick thread only.
func (c *Context) Spawn(owner protocol.Handle, s correction.Snapshot, rules ...Rule) *Entity {
	c.nextID++
	e := &Entity{
		ID:        c.nextID,
		Owner:     owner,
		Rules:     rules,
		Updates:   entity.NewEntityUpdates(),
		spawnTick: c.tick,
		visibleTo: make(map[protocol.Handle]bool),
	}
	e.Move(s)
	c.entities[e.ID] = e
	c.order = append(c.order, e.ID)
	return e
}

// Despawn removes an entity and tells every viewer that had it. Tick thread
// only.
func (c *Context) Despawn(id correction.EntityID) bool {
	e, ok := c.entities[id]
	if !ok {
		return false
	}
	for _, h := range sortedHandles(e.visibleTo) {
		c.send.despawns.Send(protocol.To(h), DespawnEntity{Entity: id})
	}
	delete(c.entities, id)
	i := sort.Search(len(c.order), func(i int) bool { return c.order[i] >= id })
	if i < len(c.order) && c.order[i] == id {
		c.order = append(c.order[:i], c.order[i+1:]...)
	}
	return true
}

// Entity returns a live entity. Tick thread only.
func (c *Context) Entity(id correction.EntityID) (*Entity, bool) {
	e, ok := c.entities[id]
	return e, ok
}

// OwnedBy returns every entity owned by handle, in id order. Tick thread only.
func (c *Context) OwnedBy(owner protocol.Handle) []*Entity {
	var out []*Entity
	for _, id := range c.order {
		if e := c.entities[id]; e.Owner == owner {
			out = append(out, e)
		}
	}
	return out
}

func sortedHandles(m map[protocol.Handle]bool) []protocol.Handle {
	out := make([]protocol.Handle, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Mirror is the client-side copy of a server entity.
type Mirror struct {
	ID        correction.EntityID
	Owned     bool
	SpawnTick uint64
	Spawn     correction.Snapshot
	Updates   *entity.EntityUpdates
}

func (m *Mirror) apply(u EntityUpdate) {
	if u.Full {
		m.Updates = entity.NewEntityUpdates()
	}
	m.Updates.Apply(u.Diff)
}

// Mirror returns the client-side copy of an entity. Tick thread only.
func (c *Context) Mirror(id correction.EntityID) (*Mirror, bool) {
	m, ok := c.mirrors[id]
	return m, ok
}

// OwnedMirrors returns the mirrors of entities this client owns, in id
// order. Tick thread only.
func (c *Context) OwnedMirrors() []*Mirror {
	var out []*Mirror
	for _, m := range c.mirrors {
		if m.Owned {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
