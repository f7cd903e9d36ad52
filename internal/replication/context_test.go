package replication

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"netsync/internal/codec"
	"netsync/internal/correction"
	"netsync/internal/entity"
	"netsync/internal/protocol"
	"netsync/internal/tickgate"
	"netsync/internal/transport"
)

// linkConn delivers frames straight into the peer hub, as if the network
// had zero latency and no loss.
type linkConn struct {
	handle protocol.Handle
	peer   *transport.Hub
	remote *linkConn
	closed bool
}

func (l *linkConn) Handle() protocol.Handle { return l.handle }
func (l *linkConn) RemoteAddr() string      { return "link" }
func (l *linkConn) Close() error {
	l.closed = true
	return nil
}
func (l *linkConn) Send(_ protocol.Channel, frame []byte) error {
	ch, payload, err := protocol.DecodeFrame(frame)
	if err != nil {
		return err
	}
	l.peer.Deliver(l.remote.handle, ch, payload)
	return nil
}

type node struct {
	ctx *Context
	hub *transport.Hub
}

func newNode(t *testing.T, role protocol.Role, maxCache int) *node {
	t.Helper()
	hub := transport.NewHub(transport.HubConfig{InboxSize: 256}, nil)
	ctx, err := New(Config{Role: role, MaxCacheTicks: maxCache, CompressThreshold: 512}, hub, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := ctx.Freeze(); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	t.Cleanup(hub.Close)
	return &node{ctx: ctx, hub: hub}
}

// connect links a client to the server and returns the handle the server
// knows the client by.
func connect(t *testing.T, server, client *node) protocol.Handle {
	t.Helper()
	s := &linkConn{handle: protocol.NewHandle(), peer: client.hub}
	c := &linkConn{handle: protocol.NewHandle(), peer: server.hub}
	s.remote, c.remote = c, s
	if err := server.hub.Attach(s); err != nil {
		t.Fatal(err)
	}
	if err := client.hub.Attach(c); err != nil {
		t.Fatal(err)
	}
	return s.handle
}

func at(x, y, z float32) correction.Snapshot {
	return correction.Snapshot{Translation: mgl32.Vec3{x, y, z}, Rotation: mgl32.QuatIdent()}
}

func TestEndToEndSpawnUpdateDespawn(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	client := newNode(t, protocol.RoleClient, 64)
	connect(t, server, client)

	e := server.ctx.Spawn(protocol.NoHandle, at(1, 2, 3))
	e.Updates.Set(entity.RootNode, "name", entity.String("crate"))

	server.ctx.Tick()
	client.ctx.Tick()

	m, ok := client.ctx.Mirror(e.ID)
	if !ok {
		t.Fatal("Expected mirror after spawn")
	}
	if v, _ := m.Updates.Get(entity.RootNode, "name"); v == nil || !v.Equal(entity.String("crate")) {
		t.Errorf("Expected full state with name, got %v", v)
	}
	if v, _ := m.Updates.Get(entity.RootNode, FieldTranslation); v == nil || !v.Equal(entity.Vec3{1, 2, 3}) {
		t.Errorf("Expected translation [1 2 3], got %v", v)
	}
	if m.Owned {
		t.Error("Server-owned entity must not be marked owned")
	}
	if got := client.ctx.Stats().Corrections; got != 0 {
		t.Errorf("Expected no correction for an on-time spawn, got %d", got)
	}

	e.Updates.Set(entity.RootNode, "hp", entity.Int(5))
	server.ctx.Tick()
	client.ctx.Tick()

	if v, _ := m.Updates.Get(entity.RootNode, "hp"); v == nil || !v.Equal(entity.Int(5)) {
		t.Errorf("Expected hp 5 after update, got %v", v)
	}

	server.ctx.Despawn(e.ID)
	server.ctx.Tick()
	client.ctx.Tick()

	if _, ok := client.ctx.Mirror(e.ID); ok {
		t.Error("Expected mirror removed after despawn")
	}
}

func TestPersonalisedFanOut(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	c1 := newNode(t, protocol.RoleClient, 64)
	c2 := newNode(t, protocol.RoleClient, 64)
	h1 := connect(t, server, c1)
	connect(t, server, c2)

	e := server.ctx.Spawn(protocol.NoHandle, at(0, 0, 0))
	e.Updates.Set("weapon", "name", entity.String("sword"))
	e.Updates.Exclude("weapon", h1)

	server.ctx.Tick()
	c1.ctx.Tick()
	c2.ctx.Tick()

	m1, ok1 := c1.ctx.Mirror(e.ID)
	m2, ok2 := c2.ctx.Mirror(e.ID)
	if !ok1 || !ok2 {
		t.Fatal("Expected both clients to have the entity")
	}
	if _, ok := m1.Updates.Get("weapon", "name"); ok {
		t.Error("Expected weapon hidden from H1")
	}
	if _, ok := m2.Updates.Get("weapon", "name"); !ok {
		t.Error("Expected weapon visible to the other viewer")
	}
	if _, ok := e.Updates.Get("weapon", "name"); !ok {
		t.Error("Canonical state must be untouched")
	}

	// Later diffs stay personalised too.
	e.Updates.Set("weapon", "durability", entity.Int(3))
	server.ctx.Tick()
	c1.ctx.Tick()
	c2.ctx.Tick()
	if _, ok := m1.Updates.Get("weapon", "durability"); ok {
		t.Error("Expected weapon diff hidden from H1")
	}
	if _, ok := m2.Updates.Get("weapon", "durability"); !ok {
		t.Error("Expected weapon diff delivered")
	}
}

func TestOwnerOnlyRule(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	c1 := newNode(t, protocol.RoleClient, 64)
	c2 := newNode(t, protocol.RoleClient, 64)
	h1 := connect(t, server, c1)
	connect(t, server, c2)

	// Viewers only exist once the server has seen the connection.
	server.ctx.Tick()
	e := server.ctx.Spawn(h1, at(0, 0, 0), OwnerOnly{})
	server.ctx.Tick()
	c1.ctx.Tick()
	c2.ctx.Tick()

	m, ok := c1.ctx.Mirror(e.ID)
	if !ok || !m.Owned {
		t.Errorf("Expected owner to receive an owned mirror, got %v %+v", ok, m)
	}
	if _, ok := c2.ctx.Mirror(e.ID); ok {
		t.Error("Expected non-owner to receive nothing")
	}
	if got := server.ctx.OwnedBy(h1); len(got) != 1 || got[0] != e {
		t.Errorf("Expected OwnedBy to find the entity, got %v", got)
	}
}

func TestWithinRangeFollowsFocus(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	client := newNode(t, protocol.RoleClient, 64)
	connect(t, server, client)

	e := server.ctx.Spawn(protocol.NoHandle, at(0, 0, 0), WithinRange{Radius: 10})

	step := func(focus mgl32.Vec3) {
		if err := client.ctx.SendInput(ClientInput{Focus: focus}); err != nil {
			t.Fatal(err)
		}
		client.ctx.Tick()
		server.ctx.Tick()
		client.ctx.Tick()
	}

	step(mgl32.Vec3{100, 0, 0})
	if _, ok := client.ctx.Mirror(e.ID); ok {
		t.Fatal("Expected nothing while out of range")
	}

	step(mgl32.Vec3{1, 0, 1})
	if _, ok := client.ctx.Mirror(e.ID); !ok {
		t.Fatal("Expected spawn once in range")
	}

	step(mgl32.Vec3{100, 0, 0})
	if _, ok := client.ctx.Mirror(e.ID); ok {
		t.Error("Expected despawn after leaving range")
	}
}

func TestDespawnAndRespawnInOnePoll(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	client := newNode(t, protocol.RoleClient, 64)
	h := connect(t, server, client)

	e := server.ctx.Spawn(protocol.NoHandle, at(0, 0, 0), WithinRange{Radius: 10})
	e.Updates.Set(entity.RootNode, "name", entity.String("crate"))
	near, far := mgl32.Vec3{1, 0, 1}, mgl32.Vec3{100, 0, 0}

	server.ctx.Tick() // viewer joins
	server.ctx.SetFocus(h, near)
	server.ctx.Tick()
	client.ctx.Tick()
	if _, ok := client.ctx.Mirror(e.ID); !ok {
		t.Fatal("Expected mirror once in range")
	}

	// Out and back in before the client polls again.
	server.ctx.SetFocus(h, far)
	server.ctx.Tick()
	server.ctx.SetFocus(h, near)
	server.ctx.Tick()
	for i := 0; i < 3; i++ {
		client.ctx.Tick()
	}

	m, ok := client.ctx.Mirror(e.ID)
	if !ok {
		t.Fatal("Expected mirror after respawn")
	}
	if v, _ := m.Updates.Get(entity.RootNode, "name"); v == nil || !v.Equal(entity.String("crate")) {
		t.Errorf("Expected full state after respawn, got name=%v", v)
	}
	if held := client.ctx.Stats().HeldUpdates; held != 0 {
		t.Errorf("Expected no held updates, got %d", held)
	}
}

func TestDespawnDiscardsGatedSpawn(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	client := newNode(t, protocol.RoleClient, 64)
	h := connect(t, server, client)

	e := server.ctx.Spawn(protocol.NoHandle, at(0, 0, 0), WithinRange{Radius: 10})
	e.Updates.Set(entity.RootNode, "name", entity.String("crate"))
	near, far := mgl32.Vec3{1, 0, 1}, mgl32.Vec3{100, 0, 0}

	// Spawn, despawn and respawn all reach the client in one poll.
	server.ctx.Tick()
	server.ctx.SetFocus(h, near)
	server.ctx.Tick() // tick 2
	server.ctx.SetFocus(h, far)
	server.ctx.Tick() // tick 3
	server.ctx.SetFocus(h, near)
	server.ctx.Tick() // tick 4

	client.ctx.Tick() // adopts tick 2
	if _, ok := client.ctx.Mirror(e.ID); ok {
		t.Fatal("Expected the despawned first spawn to be discarded")
	}

	client.ctx.Tick()
	client.ctx.Tick()
	m, ok := client.ctx.Mirror(e.ID)
	if !ok {
		t.Fatal("Expected mirror from the second spawn")
	}
	if v, _ := m.Updates.Get(entity.RootNode, "name"); v == nil || !v.Equal(entity.String("crate")) {
		t.Errorf("Expected full state from the second spawn, got name=%v", v)
	}
	if len(client.ctx.gated) != 0 || len(client.ctx.skip) != 0 {
		t.Errorf("Expected gate bookkeeping cleared, got gated=%v skip=%v", client.ctx.gated, client.ctx.skip)
	}
}

func TestOrphanMessagesLeaveNoState(t *testing.T) {
	client := newNode(t, protocol.RoleClient, 64)
	c := client.ctx

	c.receiveDespawn(DespawnEntity{Entity: 42})
	c.receiveUpdate(EntityUpdate{Entity: 43})
	if len(c.skip) != 0 || len(c.held) != 0 {
		t.Errorf("Expected nothing recorded for unknown entities, got skip=%v held=%v", c.skip, c.held)
	}

	server := protocol.NewHandle()
	c.receiveSpawn(codec.Inbound[SpawnEntity]{
		Meta:    codec.Meta{From: server, Tick: 50},
		Message: SpawnEntity{Entity: 7},
	})
	c.receiveUpdate(EntityUpdate{Entity: 7, Full: true})
	if len(c.held[7]) != 1 {
		t.Fatalf("Expected update held behind the gate, got %d", len(c.held[7]))
	}

	c.disconnect(server)
	if len(c.held) != 0 || len(c.gated) != 0 || len(c.gates) != 0 {
		t.Errorf("Expected disconnect to clear gated state, got held=%d gated=%d gates=%d",
			len(c.held), len(c.gated), len(c.gates))
	}
}

// recordConn keeps every frame sent to it
type recordConn struct {
	handle protocol.Handle
	frames [][]byte
}

func (r *recordConn) Handle() protocol.Handle { return r.handle }
func (r *recordConn) RemoteAddr() string      { return "record" }
func (r *recordConn) Close() error            { return nil }
func (r *recordConn) Send(_ protocol.Channel, frame []byte) error {
	r.frames = append(r.frames, frame)
	return nil
}

func lastBatch(t *testing.T, r *recordConn) (protocol.Channel, *protocol.Batch) {
	t.Helper()
	if len(r.frames) == 0 {
		t.Fatal("Expected a frame")
	}
	ch, payload, err := protocol.DecodeFrame(r.frames[len(r.frames)-1])
	if err != nil {
		t.Fatal(err)
	}
	batch, err := protocol.DecodeBatch(payload)
	if err != nil {
		t.Fatal(err)
	}
	return ch, batch
}

func TestSubStepMarksClientBatchesOnly(t *testing.T) {
	for _, role := range []protocol.Role{protocol.RoleClient, protocol.RoleServer} {
		n := newNode(t, role, 64)
		peer := &recordConn{handle: protocol.NewHandle()}
		if err := n.hub.Attach(peer); err != nil {
			t.Fatal(err)
		}
		n.ctx.Tick() // pick up the connection

		n.ctx.SetSubStep(true)
		n.ctx.Ping(protocol.Broadcast)
		n.ctx.Tick()

		ch, batch := lastBatch(t, peer)
		if !ch.Reliable() {
			t.Fatalf("Expected ping on a reliable channel, got %s", ch)
		}
		want := role == protocol.RoleClient
		if batch.SubStep != want {
			t.Errorf("%s: expected sub_step=%v, got %v", role, want, batch.SubStep)
		}

		n.ctx.SetSubStep(false)
		n.ctx.Ping(protocol.Broadcast)
		n.ctx.Tick()
		if _, batch := lastBatch(t, peer); batch.SubStep {
			t.Errorf("%s: expected sub_step cleared", role)
		}
	}
}

func TestLateSpawnEmitsCorrection(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	client := newNode(t, protocol.RoleClient, 64)
	connect(t, server, client)

	var got []tickgate.StartCorrection
	client.ctx.OnCorrection(func(c tickgate.StartCorrection) { got = append(got, c) })

	// Sync the client clock on a ping batch stamped tick 1.
	server.ctx.Ping(protocol.Broadcast)
	server.ctx.Tick()
	client.ctx.Tick()

	// The client simulates ahead while the spawn is in flight.
	for i := 0; i < 5; i++ {
		client.ctx.Tick()
	}
	e := server.ctx.Spawn(protocol.NoHandle, at(4, 0, 0))
	server.ctx.Tick() // tick 2
	client.ctx.Tick() // tick 7

	if len(got) != 1 {
		t.Fatalf("Expected 1 correction, got %d", len(got))
	}
	if got[0].StartTick != 1 || got[0].LastTick != 7 {
		t.Errorf("Expected correction [1, 7], got %+v", got[0])
	}
	snap, ok := client.ctx.Corrections().Snapshot(2, e.ID)
	if !ok || snap.Translation != (mgl32.Vec3{4, 0, 0}) {
		t.Errorf("Expected spawn snapshot cached at tick 2, got %v %+v", ok, snap)
	}
	if _, ok := client.ctx.Mirror(e.ID); !ok {
		t.Error("Expected late spawn to still materialize")
	}
}

func TestCorrectionBeyondCacheIsResync(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	client := newNode(t, protocol.RoleClient, 4)
	connect(t, server, client)

	resyncs := 0
	corrections := 0
	client.ctx.OnResync(func(tickgate.StartCorrection) { resyncs++ })
	client.ctx.OnCorrection(func(tickgate.StartCorrection) { corrections++ })

	server.ctx.Ping(protocol.Broadcast)
	server.ctx.Tick()
	client.ctx.Tick()
	for i := 0; i < 10; i++ {
		client.ctx.Tick()
	}
	server.ctx.Spawn(protocol.NoHandle, at(0, 0, 0))
	server.ctx.Tick()
	client.ctx.Tick()

	if resyncs != 1 || corrections != 0 {
		t.Errorf("Expected 1 resync and no correction, got %d / %d", resyncs, corrections)
	}
	if client.ctx.Stats().Resyncs != 1 {
		t.Errorf("Expected resync counted, got %d", client.ctx.Stats().Resyncs)
	}
}

func TestPingRoundTrip(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	client := newNode(t, protocol.RoleClient, 64)
	connect(t, server, client)

	client.ctx.Ping(protocol.Broadcast)
	client.ctx.Tick()
	server.ctx.Tick()
	client.ctx.Tick()

	if len(client.ctx.Stats().RTTMillis) != 1 {
		t.Errorf("Expected one RTT sample, got %v", client.ctx.Stats().RTTMillis)
	}
}

func TestDisconnectForgetsViewer(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	client := newNode(t, protocol.RoleClient, 64)
	h := connect(t, server, client)

	disconnected := false
	server.ctx.OnDisconnect(func(got protocol.Handle) { disconnected = got == h })

	e := server.ctx.Spawn(protocol.NoHandle, at(0, 0, 0))
	e.Updates.Exclude("secret", h)
	server.ctx.Tick()
	if !e.VisibleTo(h) {
		t.Fatal("Expected entity visible before disconnect")
	}

	server.hub.Detach(h)
	server.ctx.Tick()

	if !disconnected {
		t.Error("Expected disconnect hook")
	}
	if e.VisibleTo(h) || e.Updates.IsExcluded("secret", h) {
		t.Error("Expected viewer forgotten")
	}
	if server.ctx.Stats().Viewers != 0 {
		t.Errorf("Expected 0 viewers, got %d", server.ctx.Stats().Viewers)
	}
}

func TestEntitySummaries(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	a := server.ctx.Spawn(protocol.NoHandle, at(1, 0, 0))
	server.ctx.Spawn(protocol.NoHandle, at(2, 0, 0))

	list := server.ctx.Entities()
	if len(list) != 2 || list[0].ID != a.ID {
		t.Fatalf("Expected 2 entities in id order, got %+v", list)
	}
	if list[0].State != nil {
		t.Error("Expected list without state")
	}
	one, ok := server.ctx.EntitySummary(a.ID)
	if !ok || one.State == nil {
		t.Errorf("Expected entity with state, got %v %+v", ok, one)
	}
	if _, ok := server.ctx.EntitySummary(999); ok {
		t.Error("Expected unknown id to be missing")
	}
}

func TestLoopStartStop(t *testing.T) {
	server := newNode(t, protocol.RoleServer, 64)
	loop := NewLoop(server.ctx, 200)

	loop.Start()
	loop.Start() // no-op
	time.Sleep(50 * time.Millisecond)
	loop.Stop()
	loop.Stop() // no-op

	if server.ctx.Stats().Tick == 0 {
		t.Error("Expected the loop to have ticked")
	}
	if loop.Running() {
		t.Error("Expected loop stopped")
	}
}
