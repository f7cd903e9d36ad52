package replication

import (
	"github.com/go-gl/mathgl/mgl32"

	"netsync/internal/protocol"
)

// Viewer is a connected peer that entities may be replicated to.
type Viewer struct {
	Handle   protocol.Handle
	Focus    mgl32.Vec3 // where the viewer is looking from, for range rules
	HasFocus bool
	Joined   uint64 // tick of connection
}

// Rule decides whether an entity is sent to a viewer. An entity with no
// rules is sent to everyone.
type Rule interface {
	Allow(e *Entity, v *Viewer) bool
}

// ranged is implemented by rules that never allow viewers beyond a radius.
// The context uses it to query the interest grid instead of scanning every
// viewer.
type ranged interface {
	maxRange() (float32, bool)
}

// Always sends to every viewer.
type Always struct{}

func (Always) Allow(*Entity, *Viewer) bool { return true }

// OwnerOnly sends only to the owning connection.
type OwnerOnly struct{}

func (OwnerOnly) Allow(e *Entity, v *Viewer) bool {
	return !e.Owner.IsZero() && e.Owner == v.Handle
}

// WithinRange sends to viewers whose focus is within Radius of the entity.
// Viewers without a focus see nothing through this rule.
type WithinRange struct {
	Radius float32
}

func (r WithinRange) Allow(e *Entity, v *Viewer) bool {
	if !v.HasFocus {
		return false
	}
	return e.Position().Sub(v.Focus).Len() <= r.Radius
}

func (r WithinRange) maxRange() (float32, bool) {
	return r.Radius, true
}

// AllOf sends only when every rule allows.
type AllOf struct {
	Rules []Rule
}

func (a AllOf) Allow(e *Entity, v *Viewer) bool {
	return allowAll(a.Rules, e, v)
}

func (a AllOf) maxRange() (float32, bool) {
	return rangeOf(a.Rules)
}

func allowAll(rules []Rule, e *Entity, v *Viewer) bool {
	for _, r := range rules {
		if !r.Allow(e, v) {
			return false
		}
	}
	return true
}

// rangeOf returns the tightest radius bound of rules, if any rule has one.
func rangeOf(rules []Rule) (float32, bool) {
	var best float32
	found := false
	for _, r := range rules {
		rr, ok := r.(ranged)
		if !ok {
			continue
		}
		radius, ok := rr.maxRange()
		if !ok {
			continue
		}
		if !found || radius < best {
			best = radius
			found = true
		}
	}
	return best, found
}
