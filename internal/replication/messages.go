package replication

import (
	"github.com/go-gl/mathgl/mgl32"

	"netsync/internal/codec"
	"netsync/internal/correction"
	"netsync/internal/entity"
	"netsync/internal/protocol"
)

// SpawnEntity announces an entity to a viewer. It is entity-creation class:
// the receiver gates it on the batch tick and may need to resimulate.
type SpawnEntity struct {
	Entity   correction.EntityID `msgpack:"e" json:"entity"`
	Owned    bool                `msgpack:"o" json:"owned"`
	Snapshot correction.Snapshot `msgpack:"s" json:"snapshot"`
}

func (SpawnEntity) MessageName() string { return "netsync.SpawnEntity" }

// DespawnEntity removes an entity from a viewer.
type DespawnEntity struct {
	Entity correction.EntityID `msgpack:"e" json:"entity"`
}

func (DespawnEntity) MessageName() string { return "netsync.DespawnEntity" }

// EntityUpdate carries a personalised diff, or the whole visible state when
// Full is set.
type EntityUpdate struct {
	Entity correction.EntityID `msgpack:"e" json:"entity"`
	Full   bool                `msgpack:"f,omitempty" json:"full,omitempty"`
	Diff   entity.NodeUpdates  `msgpack:"d" json:"diff"`
}

func (EntityUpdate) MessageName() string { return "netsync.EntityUpdate" }

// ClientInput is the client's latest control state. Seq increases by one
// per client tick; older copies arriving late are ignored.
type ClientInput struct {
	Seq     uint32     `msgpack:"q" json:"seq"`
	Move    mgl32.Vec2 `msgpack:"m" json:"move"`
	Focus   mgl32.Vec3 `msgpack:"f" json:"focus"`
	Actions uint32     `msgpack:"a,omitempty" json:"actions,omitempty"`
}

func (ClientInput) MessageName() string { return "netsync.ClientInput" }

// Ping measures round trip time. The receiver echoes it back unchanged with
// Echo set; SentAt is the sender's own clock.
type Ping struct {
	Seq    uint32 `msgpack:"q" json:"seq"`
	SentAt int64  `msgpack:"t" json:"sentAt"`
	Echo   bool   `msgpack:"e,omitempty" json:"echo,omitempty"`
}

func (Ping) MessageName() string { return "netsync.Ping" }

type builtins struct {
	spawns   *codec.Messages[SpawnEntity]
	despawns *codec.Messages[DespawnEntity]
	updates  *codec.Messages[EntityUpdate]
	inputs   *codec.Messages[ClientInput]
	pings    *codec.Messages[Ping]
}

func registerBuiltins(t *codec.Table) (builtins, error) {
	var b builtins
	var err error

	if b.spawns, err = codec.Register[SpawnEntity](t, codec.Options{Sender: protocol.SenderServer, Reliable: true, Ordered: true}); err != nil {
		return b, err
	}
	if b.despawns, err = codec.Register[DespawnEntity](t, codec.Options{Sender: protocol.SenderServer, Reliable: true, Ordered: true}); err != nil {
		return b, err
	}
	if b.updates, err = codec.Register[EntityUpdate](t, codec.Options{Sender: protocol.SenderServer, Reliable: true, Ordered: true}); err != nil {
		return b, err
	}
	if b.inputs, err = codec.Register[ClientInput](t, codec.Options{Sender: protocol.SenderClient}); err != nil {
		return b, err
	}
	if b.pings, err = codec.Register[Ping](t, codec.Options{Sender: protocol.SenderBoth, Reliable: true}); err != nil {
		return b, err
	}
	return b, nil
}
