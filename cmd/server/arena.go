package main

import (
	"log"
	"math"
	"math/rand"

	"github.com/go-gl/mathgl/mgl32"

	"netsync/internal/correction"
	"netsync/internal/entity"
	"netsync/internal/protocol"
	"netsync/internal/replication"
)

const (
	arenaRadius   = 200
	avatarSpeed   = 8 // units per second at full input
	viewRadius    = 120
	orbitDegrees  = 20 // per second
	statsNode     = "stats"
	inventoryNode = "inventory"
)

// arena is a small demo world: one avatar per peer plus orbiting drones.
type arena struct {
	ctx  *replication.Context
	rng  *rand.Rand
	dt   float32
	tick int

	avatars map[protocol.Handle]*replication.Entity
	drones  []*drone
}

type drone struct {
	e      *replication.Entity
	center mgl32.Vec3
	radius float32
	angle  float32
}

func newArena(ctx *replication.Context, tickRate int, seed int64) *arena {
	a := &arena{
		ctx:     ctx,
		rng:     rand.New(rand.NewSource(seed)),
		dt:      1 / float32(tickRate),
		avatars: make(map[protocol.Handle]*replication.Entity),
	}
	ctx.OnConnect(a.join)
	ctx.OnDisconnect(a.leave)
	ctx.OnUpdate(a.update)
	return a
}

// populate spawns server-owned drones. Call before the loop starts.
func (a *arena) populate(n int) {
	for i := 0; i < n; i++ {
		center := a.randomPoint(arenaRadius * 0.8)
		d := &drone{
			center: center,
			radius: 5 + a.rng.Float32()*20,
			angle:  a.rng.Float32() * 360,
		}
		d.e = a.ctx.Spawn(protocol.NoHandle, d.snapshot(), replication.WithinRange{Radius: viewRadius})
		d.e.Updates.Set(statsNode, "kind", entity.String("drone"))
		a.drones = append(a.drones, d)
	}
	log.Printf("🛸 Spawned %d drones", n)
}

func (a *arena) join(h protocol.Handle) {
	snap := correction.Snapshot{
		Translation: a.randomPoint(arenaRadius * 0.5),
		Rotation:    mgl32.QuatIdent(),
	}
	e := a.ctx.Spawn(h, snap, replication.WithinRange{Radius: viewRadius})
	e.Updates.Set(statsNode, "kind", entity.String("avatar"))
	e.Updates.Set(statsNode, "health", entity.Int(100))
	e.Updates.Set(statsNode, "tint", entity.Color{R: 0.2 + a.rng.Float32()*0.8, G: 0.5, B: 1, A: 1})
	e.Updates.Set(inventoryNode, "items", entity.StringVec{"map", "torch"})

	// Inventories are private to their owner.
	for other, oe := range a.avatars {
		e.Updates.Exclude(inventoryNode, other)
		oe.Updates.Exclude(inventoryNode, h)
	}
	a.avatars[h] = e
	a.ctx.SetFocus(h, snap.Translation)

	log.Printf("🧍 Avatar %d joined for %s", e.ID, h)
}

func (a *arena) leave(h protocol.Handle) {
	for _, e := range a.ctx.OwnedBy(h) {
		a.ctx.Despawn(e.ID)
	}
	delete(a.avatars, h)
}

func (a *arena) update(ctx *replication.Context) {
	a.tick++

	for h, e := range a.avatars {
		in, ok := ctx.Input(h)
		if !ok {
			continue
		}
		move := in.Move
		if l := move.Len(); l > 1 {
			move = move.Mul(1 / l)
		}
		if move.Len() == 0 {
			continue
		}
		s := e.State()
		s.Translation = clampArena(s.Translation.Add(mgl32.Vec3{move.X(), 0, move.Y()}.Mul(avatarSpeed * a.dt)))
		s.LinearVelocity = mgl32.Vec3{move.X(), 0, move.Y()}.Mul(avatarSpeed)
		yaw := float32(math.Atan2(float64(move.X()), float64(move.Y())))
		s.Rotation = mgl32.QuatRotate(yaw, mgl32.Vec3{0, 1, 0})
		e.Move(s)
	}

	for _, d := range a.drones {
		d.angle += orbitDegrees * a.dt
		if d.angle >= 360 {
			d.angle -= 360
		}
		d.e.Move(d.snapshot())
	}

	// Health regenerates slowly so the diff stream carries more than motion.
	if a.tick%60 == 0 {
		for _, e := range a.avatars {
			if v, ok := e.Updates.Get(statsNode, "health"); ok {
				if hp, ok := v.(entity.Int); ok && hp < 100 {
					e.Updates.Set(statsNode, "health", hp+1)
				}
			}
		}
	}
}

func (d *drone) snapshot() correction.Snapshot {
	rad := mgl32.DegToRad(d.angle)
	sin, cos := float32(math.Sin(float64(rad))), float32(math.Cos(float64(rad)))
	speed := mgl32.DegToRad(orbitDegrees) * d.radius
	return correction.Snapshot{
		Translation:    d.center.Add(mgl32.Vec3{cos * d.radius, 10, sin * d.radius}),
		Rotation:       mgl32.QuatRotate(-rad, mgl32.Vec3{0, 1, 0}),
		LinearVelocity: mgl32.Vec3{-sin * speed, 0, cos * speed},
	}
}

func (a *arena) randomPoint(radius float32) mgl32.Vec3 {
	angle := a.rng.Float64() * 2 * math.Pi
	r := radius * float32(math.Sqrt(a.rng.Float64()))
	return mgl32.Vec3{r * float32(math.Cos(angle)), 0, r * float32(math.Sin(angle))}
}

func clampArena(p mgl32.Vec3) mgl32.Vec3 {
	flat := mgl32.Vec2{p.X(), p.Z()}
	if l := flat.Len(); l > arenaRadius {
		flat = flat.Mul(arenaRadius / l)
	}
	return mgl32.Vec3{flat.X(), p.Y(), flat.Y()}
}
