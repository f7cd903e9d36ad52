// Package replication runs the per-tick replication pipeline on top of the
// codec, entity, tickgate and correction packages.
//
// A Context owns everything one process needs: the registry and handler
// table, the outbox, the replicated entities (server) or their mirrors
// (client), one tick gate per connection and the correction cache. There are
// no package-level globals; everything flows through the Context.
//
// Tick runs three phases in order:
//
//	pre-update   poll transport, dispatch batches, gate spawns, emit corrections, prune
//	update       gameplay hooks
//	post-update  commit diffs, fan out to viewers, flush, hand frames to transport
package replication

import (
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"netsync/internal/channel"
	"netsync/internal/codec"
	"netsync/internal/correction"
	"netsync/internal/entity"
	"netsync/internal/protocol"
	"netsync/internal/registry"
	"netsync/internal/tickgate"
	"netsync/internal/transport"
)

// Config configures a Context
type Config struct {
	Role              protocol.Role
	MaxCacheTicks     int
	CompressThreshold int
	MaxBatchBytes     int
	InterestCellSize  float32
}

// Telemetry receives replication-level measurements.
type Telemetry interface {
	ObserveTick(d time.Duration)
	SetEntities(n int)
	SetBufferedSpawns(n int)
	RecordCorrection(span uint64)
	RecordResync()
	SetCacheSize(n int)
}

// NopTelemetry discards everything.
type NopTelemetry struct{}

func (NopTelemetry) ObserveTick(time.Duration) {}
func (NopTelemetry) SetEntities(int)           {}
func (NopTelemetry) SetBufferedSpawns(int)     {}
func (NopTelemetry) RecordCorrection(uint64)   {}
func (NopTelemetry) RecordResync()             {}
func (NopTelemetry) SetCacheSize(int)          {}

// Context is the explicit replication state of one process.
//
// Tick, and every hook it runs, hold the context lock. Methods documented
// as "tick thread only" must be called from hooks or before the loop
// starts. Stats, Entities and EntitySummary are safe from any goroutine.
type Context struct {
	mu sync.RWMutex

	cfg       Config
	table     *codec.Table
	outbox    *channel.Outbox
	framer    protocol.Framer
	hub       *transport.Hub
	telemetry Telemetry
	send      builtins

	tick    uint64
	synced  bool
	subStep bool

	// Server side
	entities map[correction.EntityID]*Entity
	order    []correction.EntityID // ascending
	nextID   correction.EntityID
	viewers  map[protocol.Handle]*Viewer
	joined   []protocol.Handle // connection order
	inputs   *channel.Latest[ClientInput]
	interest *InterestGrid

	// Client side
	gates       map[protocol.Handle]*tickgate.Gate[SpawnEntity]
	mirrors     map[correction.EntityID]*Mirror
	held        map[correction.EntityID][]EntityUpdate
	gated       map[correction.EntityID]int // spawns still behind a gate
	skip        map[correction.EntityID]int // gated spawns already despawned
	corrections *correction.Controller
	inputSeq    uint32

	// Both
	pingSeq uint32
	rtt     map[protocol.Handle]time.Duration

	correctionCount uint64
	resyncCount     uint64
	lastCorrection  *tickgate.StartCorrection

	onUpdate     []func(*Context)
	onCorrection []func(tickgate.StartCorrection)
	onResync     []func(tickgate.StartCorrection)
	onConnect    []func(protocol.Handle)
	onDisconnect []func(protocol.Handle)
}

// New creates a context and registers the built-in messages. Register any
// additional message types on Table() and then call Freeze.
func New(cfg Config, hub *transport.Hub, codecTelemetry codec.Telemetry, telemetry Telemetry) (*Context, error) {
	if telemetry == nil {
		telemetry = NopTelemetry{}
	}
	table := codec.NewTable(cfg.Role, registry.New(), codecTelemetry)
	send, err := registerBuiltins(table)
	if err != nil {
		return nil, err
	}

	return &Context{
		cfg:         cfg,
		table:       table,
		outbox:      channel.NewOutbox(cfg.MaxBatchBytes),
		framer:      protocol.Framer{Threshold: cfg.CompressThreshold},
		hub:         hub,
		telemetry:   telemetry,
		send:        send,
		entities:    make(map[correction.EntityID]*Entity),
		viewers:     make(map[protocol.Handle]*Viewer),
		inputs:      channel.NewLatest[ClientInput](),
		interest:    NewInterestGrid(cfg.InterestCellSize),
		gates:       make(map[protocol.Handle]*tickgate.Gate[SpawnEntity]),
		mirrors:     make(map[correction.EntityID]*Mirror),
		held:        make(map[correction.EntityID][]EntityUpdate),
		gated:       make(map[correction.EntityID]int),
		skip:        make(map[correction.EntityID]int),
		corrections: correction.NewController(cfg.MaxCacheTicks),
		rtt:         make(map[protocol.Handle]time.Duration),
	}, nil
}

// Table returns the handler table for registering extra message types.
func (c *Context) Table() *codec.Table {
	return c.table
}

// Freeze generates type ids. It fails if an id space is exhausted.
func (c *Context) Freeze() error {
	if err := c.table.Freeze(); err != nil {
		return err
	}
	log.Printf("🧾 Registry frozen: %d types, fingerprint %s", c.table.Registry().Len(), c.table.Registry().Fingerprint())
	return nil
}

// Role returns the side this context plays.
func (c *Context) Role() protocol.Role {
	return c.cfg.Role
}

// LocalTick returns the current tick. Tick thread only.
func (c *Context) LocalTick() uint64 {
	return c.tick
}

// SetSubStep marks this client's outgoing reliable batches as sub-step
// batches until cleared, typically while resimulating after a correction.
// Servers never mark batches. Tick thread only.
func (c *Context) SetSubStep(v bool) {
	c.subStep = v && c.cfg.Role == protocol.RoleClient
}

// Corrections returns the correction cache for resimulating collaborators.
// Tick thread only.
func (c *Context) Corrections() *correction.Controller {
	return c.corrections
}

// OnUpdate adds a gameplay hook run in the update phase.
func (c *Context) OnUpdate(fn func(*Context)) { c.onUpdate = append(c.onUpdate, fn) }

// OnCorrection adds a hook receiving resolvable correction spans.
func (c *Context) OnCorrection(fn func(tickgate.StartCorrection)) {
	c.onCorrection = append(c.onCorrection, fn)
}

// OnResync adds a hook receiving spans that fell outside the cache window.
func (c *Context) OnResync(fn func(tickgate.StartCorrection)) {
	c.onResync = append(c.onResync, fn)
}

// OnConnect adds a hook run when a connection appears.
func (c *Context) OnConnect(fn func(protocol.Handle)) { c.onConnect = append(c.onConnect, fn) }

// OnDisconnect adds a hook run when a connection goes away.
func (c *Context) OnDisconnect(fn func(protocol.Handle)) {
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Tick runs one simulation step.
func (c *Context) Tick() {
	start := time.Now()

	c.mu.Lock()
	c.tick++
	c.preUpdate()
	for _, fn := range c.onUpdate {
		fn(c)
	}
	c.postUpdate()
	c.mu.Unlock()

	c.telemetry.ObserveTick(time.Since(start))
}

// ============================================================================
// PRE-UPDATE
// ============================================================================

func (c *Context) preUpdate() {
	for _, ev := range c.hub.PollEvents() {
		if ev.Kind == transport.Connected {
			c.connect(ev.Handle)
		} else {
			c.disconnect(ev.Handle)
		}
	}

	for _, f := range c.hub.Poll() {
		batch, err := protocol.DecodeBatch(f.Payload)
		if err != nil {
			c.hub.Malformed(f.From, err)
			continue
		}
		if c.cfg.Role == protocol.RoleClient && !c.synced {
			// Adopt the server's clock modulo the wire width; both sides
			// then advance at the same rate.
			c.tick = uint64(batch.Tick)
			c.synced = true
		}
		c.table.Dispatch(f.From, f.Channel, batch)
	}

	c.receivePings()
	if c.cfg.Role == protocol.RoleServer {
		c.receiveInputs()
	} else {
		c.receiveEntities()
	}

	c.telemetry.SetCacheSize(c.corrections.Len())
}

func (c *Context) connect(h protocol.Handle) {
	if c.cfg.Role == protocol.RoleServer {
		c.viewers[h] = &Viewer{Handle: h, Joined: c.tick}
		c.joined = append(c.joined, h)
	}
	for _, fn := range c.onConnect {
		fn(h)
	}
}

func (c *Context) disconnect(h protocol.Handle) {
	for _, fn := range c.onDisconnect {
		fn(h)
	}
	delete(c.rtt, h)

	if c.cfg.Role == protocol.RoleServer {
		delete(c.viewers, h)
		for i, j := range c.joined {
			if j == h {
				c.joined = append(c.joined[:i], c.joined[i+1:]...)
				break
			}
		}
		c.inputs.Forget(h)
		for _, e := range c.entities {
			delete(e.visibleTo, h)
			e.Updates.Forget(h)
		}
		return
	}

	// A vanished server takes its pending spawns, and anything held for
	// them, with it.
	if g, ok := c.gates[h]; ok {
		delete(c.gates, h)
		if n := g.Pending(); n > 0 {
			g.Advance(math.MaxUint64, func(e tickgate.Entry[SpawnEntity]) {
				c.ungate(e.Message.Entity)
				delete(c.held, e.Message.Entity)
			})
			log.Printf("⚠️ Dropped %d gated spawns from %s", n, h)
		}
	}
}

func (c *Context) receivePings() {
	for _, in := range c.send.pings.Drain() {
		if in.Message.Echo {
			c.rtt[in.From] = time.Since(time.Unix(0, in.Message.SentAt))
			continue
		}
		echo := in.Message
		echo.Echo = true
		c.send.pings.Send(protocol.To(in.From), echo)
	}
}

func (c *Context) receiveInputs() {
	for _, in := range c.send.inputs.Drain() {
		if !c.inputs.Offer(in.From, uint64(in.Message.Seq), in.Message) {
			continue
		}
		if v, ok := c.viewers[in.From]; ok {
			v.Focus = in.Message.Focus
			v.HasFocus = true
		}
	}
}

// receiveEntities replays the reliable ordered entity stream in arrival
// order. The three message types land in separate queues, so they are merged
// back on their dispatch sequence before being applied.
func (c *Context) receiveEntities() {
	spawns := c.send.spawns.Drain()
	updates := c.send.updates.Drain()
	despawns := c.send.despawns.Drain()

	var i, j, k int
	for i < len(spawns) || j < len(updates) || k < len(despawns) {
		s, u, d := seqAt(spawns, i), seqAt(updates, j), seqAt(despawns, k)
		switch {
		case s < u && s < d:
			c.receiveSpawn(spawns[i])
			i++
		case u < d:
			c.receiveUpdate(updates[j].Message)
			j++
		default:
			c.receiveDespawn(despawns[k].Message)
			k++
		}
	}

	var corrs []tickgate.StartCorrection
	buffered := 0
	for _, g := range c.gates {
		corrs = append(corrs, g.Advance(c.tick, c.materialize)...)
		buffered += g.Pending()
	}
	c.telemetry.SetBufferedSpawns(buffered)

	if corr, ok := correction.Coalesce(corrs); ok {
		c.emitCorrection(corr)
	}
	c.corrections.Prune(c.tick)
}

func seqAt[T any](in []codec.Inbound[T], i int) uint64 {
	if i >= len(in) {
		return math.MaxUint64
	}
	return in[i].Seq
}

func (c *Context) receiveSpawn(in codec.Inbound[SpawnEntity]) {
	g, ok := c.gates[in.From]
	if !ok {
		g = tickgate.New[SpawnEntity]()
		c.gates[in.From] = g
	}
	c.gated[in.Message.Entity]++
	g.Push(protocol.ExpandTick(in.Tick, c.tick), in.Message)
}

// receiveUpdate applies u to the live mirror, or holds it until a gated
// spawn for the entity is released.
func (c *Context) receiveUpdate(u EntityUpdate) {
	if m, ok := c.mirrors[u.Entity]; ok {
		m.apply(u)
		return
	}
	if c.gated[u.Entity] > c.skip[u.Entity] {
		c.held[u.Entity] = append(c.held[u.Entity], u)
		return
	}
	log.Printf("⚠️ Update for unknown entity %d, dropping", u.Entity)
}

// receiveDespawn removes the mirror, or marks the newest gated spawn as
// dead so it is discarded on release.
func (c *Context) receiveDespawn(d DespawnEntity) {
	id := d.Entity
	delete(c.held, id)
	if _, ok := c.mirrors[id]; ok {
		delete(c.mirrors, id)
		return
	}
	if c.gated[id] > c.skip[id] {
		c.skip[id]++
	}
}

// ungate forgets one released or discarded gated spawn for id and reports
// whether it had already been despawned. Spawn and despawn alternate on the
// ordered channel, so the despawned ones are always the oldest gated.
func (c *Context) ungate(id correction.EntityID) (dead bool) {
	if c.gated[id]--; c.gated[id] <= 0 {
		delete(c.gated, id)
	}
	if c.skip[id] == 0 {
		return false
	}
	if c.skip[id]--; c.skip[id] == 0 {
		delete(c.skip, id)
	}
	return true
}

func (c *Context) materialize(e tickgate.Entry[SpawnEntity]) {
	sp := e.Message
	if c.ungate(sp.Entity) {
		return
	}

	c.corrections.Record(e.Tick, sp.Entity, sp.Snapshot)
	m := &Mirror{
		ID:        sp.Entity,
		Owned:     sp.Owned,
		SpawnTick: e.Tick,
		Spawn:     sp.Snapshot,
		Updates:   entity.NewEntityUpdates(),
	}
	for _, u := range c.held[sp.Entity] {
		m.apply(u)
	}
	delete(c.held, sp.Entity)
	c.mirrors[sp.Entity] = m
}

func (c *Context) emitCorrection(corr tickgate.StartCorrection) {
	c.lastCorrection = &corr
	if !c.corrections.Resolvable(corr, c.tick) {
		c.resyncCount++
		c.telemetry.RecordResync()
		log.Printf("⚠️ Correction %d..%d is outside the %d tick cache, resync needed",
			corr.StartTick, corr.LastTick, c.corrections.MaxTicks())
		for _, fn := range c.onResync {
			fn(corr)
		}
		return
	}

	c.correctionCount++
	c.telemetry.RecordCorrection(corr.LastTick - corr.StartTick)
	for _, fn := range c.onCorrection {
		fn(corr)
	}
}

// ============================================================================
// POST-UPDATE
// ============================================================================

func (c *Context) postUpdate() {
	if c.cfg.Role == protocol.RoleServer {
		c.replicate()
		c.telemetry.SetEntities(len(c.entities))
	} else {
		c.telemetry.SetEntities(len(c.mirrors))
	}

	c.table.Flush(c.outbox)
	for _, out := range c.outbox.Flush(protocol.WireTick(c.tick), c.subStep) {
		frame, err := c.framer.Encode(out.Channel, out.Batch)
		if err != nil {
			log.Printf("⚠️ Dropping %s batch for %s: %v", out.Channel, out.Destination, err)
			continue
		}
		if err := c.hub.Send(out.Destination, out.Channel, frame); err != nil && !errors.Is(err, transport.ErrNoRoute) {
			log.Printf("⚠️ Send %s to %s failed: %v", out.Channel, out.Destination, err)
		}
	}
}

func (c *Context) replicate() {
	viewers := make([]*Viewer, 0, len(c.joined))
	c.interest.Clear()
	for _, h := range c.joined {
		v := c.viewers[h]
		if v.HasFocus {
			c.interest.Insert(len(viewers), v.Focus)
		}
		viewers = append(viewers, v)
	}

	for _, id := range c.order {
		e := c.entities[id]
		diff, changed := e.Updates.Commit()
		e.Updates.DrainDifferences()

		for _, v := range c.candidates(e, viewers) {
			seen := e.visibleTo[v.Handle]
			switch allowed := e.allows(v); {
			case allowed && !seen:
				c.spawnFor(e, v)
			case allowed && changed:
				if d := entity.Personalise(diff, v.Handle, e.Updates); len(d) > 0 {
					c.send.updates.Send(protocol.To(v.Handle), EntityUpdate{Entity: e.ID, Diff: d})
				}
			case !allowed && seen:
				delete(e.visibleTo, v.Handle)
				c.send.despawns.Send(protocol.To(v.Handle), DespawnEntity{Entity: e.ID})
			}
		}
	}
}

// spawnFor sends the spawn and the whole visible state in the same ordered
// batch.
func (c *Context) spawnFor(e *Entity, v *Viewer) {
	e.visibleTo[v.Handle] = true
	dest := protocol.To(v.Handle)
	c.send.spawns.Send(dest, SpawnEntity{
		Entity:   e.ID,
		Owned:    e.Owner == v.Handle,
		Snapshot: e.state,
	})
	c.send.updates.Send(dest, EntityUpdate{
		Entity: e.ID,
		Full:   true,
		Diff:   entity.Personalise(e.Updates.Updates, v.Handle, e.Updates),
	})
}

// candidates narrows viewers through the interest grid when the entity's
// rules bound its range. Viewers that currently have the entity are always
// included so they can be sent a despawn.
func (c *Context) candidates(e *Entity, viewers []*Viewer) []*Viewer {
	radius, ok := rangeOf(e.Rules)
	if !ok {
		return viewers
	}

	picked := make(map[int]bool)
	for _, idx := range c.interest.QueryRadius(e.Position(), radius) {
		picked[idx] = true
	}
	out := make([]*Viewer, 0, len(picked)+len(e.visibleTo))
	for i, v := range viewers {
		if picked[i] || e.visibleTo[v.Handle] {
			out = append(out, v)
		}
	}
	return out
}

// ============================================================================
// OUTBOUND HELPERS
// ============================================================================

// SendInput queues the client's control state for the server. Seq is
// assigned here. Tick thread only.
func (c *Context) SendInput(in ClientInput) error {
	c.inputSeq++
	in.Seq = c.inputSeq
	return c.send.inputs.Broadcast(in)
}

// Input returns the newest input received from a client. Tick thread only.
func (c *Context) Input(h protocol.Handle) (ClientInput, bool) {
	in, _, ok := c.inputs.Get(h)
	return in, ok
}

// SetFocus overrides a viewer's focus point. Tick thread only.
func (c *Context) SetFocus(h protocol.Handle, focus mgl32.Vec3) {
	if v, ok := c.viewers[h]; ok {
		v.Focus = focus
		v.HasFocus = true
	}
}

// Ping queues a round trip probe to dest. Tick thread only.
func (c *Context) Ping(dest protocol.Destination) error {
	c.pingSeq++
	return c.send.pings.Send(dest, Ping{Seq: c.pingSeq, SentAt: time.Now().UnixNano()})
}
