package codec

import (
	"errors"
	"testing"

	"netsync/internal/channel"
	"netsync/internal/protocol"
	"netsync/internal/registry"
)

type chatLine struct {
	Author string
	Text   string
}

type cursor struct {
	X, Y float32
}

func (cursor) MessageName() string { return "test.cursor" }

type ping struct {
	Seq uint32
}

// mockTelemetry counts protocol events
type mockTelemetry struct {
	in, out       int
	decodeFailure int
	unknown       int
	role          int
}

func (m *mockTelemetry) RecordMessages(_ protocol.Channel, direction string, n int) {
	if direction == "in" {
		m.in += n
	} else {
		m.out += n
	}
}
func (m *mockTelemetry) RecordDecodeFailure(protocol.Channel) { m.decodeFailure++ }
func (m *mockTelemetry) RecordUnknownType(protocol.Channel)   { m.unknown++ }
func (m *mockTelemetry) RecordRoleViolation(protocol.Channel) { m.role++ }

type endpoint struct {
	table  *Table
	chat   *Messages[chatLine]
	cursor *Messages[cursor]
	ping   *Messages[ping]
	tel    *mockTelemetry
}

func newEndpoint(t *testing.T, role protocol.Role) *endpoint {
	t.Helper()
	tel := &mockTelemetry{}
	table := NewTable(role, registry.New(), tel)

	chat, err := Register[chatLine](table, Options{Sender: protocol.SenderServer, Reliable: true, Ordered: true})
	if err != nil {
		t.Fatalf("Register chat failed: %v", err)
	}
	cur, err := Register[cursor](table, Options{Sender: protocol.SenderClient})
	if err != nil {
		t.Fatalf("Register cursor failed: %v", err)
	}
	p, err := Register[ping](table, Options{Sender: protocol.SenderBoth, Reliable: true})
	if err != nil {
		t.Fatalf("Register ping failed: %v", err)
	}
	if err := table.Freeze(); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	return &endpoint{table: table, chat: chat, cursor: cur, ping: p, tel: tel}
}

func TestTypeNames(t *testing.T) {
	if got := typeName[chatLine](); got != "netsync/internal/codec.chatLine" {
		t.Errorf("Expected package-qualified name, got %q", got)
	}
	if got := typeName[cursor](); got != "test.cursor" {
		t.Errorf("Expected MessageName override, got %q", got)
	}
}

func TestChannelsFixedAtRegistration(t *testing.T) {
	ep := newEndpoint(t, protocol.RoleServer)

	if ep.chat.Channel() != protocol.ReliableOrdered {
		t.Errorf("Expected chat on reliable_ordered, got %s", ep.chat.Channel())
	}
	if ep.cursor.Channel() != protocol.Unreliable {
		t.Errorf("Expected cursor on unreliable, got %s", ep.cursor.Channel())
	}
	if ep.ping.Channel() != protocol.ReliableUnordered {
		t.Errorf("Expected ping on reliable_unordered, got %s", ep.ping.Channel())
	}
}

func TestServerToClientRoundTrip(t *testing.T) {
	server := newEndpoint(t, protocol.RoleServer)
	client := newEndpoint(t, protocol.RoleClient)

	if err := server.chat.Broadcast(chatLine{Author: "srv", Text: "hello"}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if err := server.chat.Broadcast(chatLine{Author: "srv", Text: "world"}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	outbox := channel.NewOutbox(0)
	if n := server.table.Flush(outbox); n != 2 {
		t.Fatalf("Expected 2 flushed, got %d", n)
	}
	batches := outbox.Flush(17, false)
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(batches))
	}

	from := protocol.NewHandle()
	if n := client.table.Dispatch(from, batches[0].Channel, batches[0].Batch); n != 2 {
		t.Fatalf("Expected 2 delivered, got %d", n)
	}

	got := client.chat.Drain()
	if len(got) != 2 {
		t.Fatalf("Expected 2 inbound, got %d", len(got))
	}
	if got[0].Message.Text != "hello" || got[1].Message.Text != "world" {
		t.Errorf("Expected arrival order preserved, got %+v", got)
	}
	if got[0].From != from || got[0].Tick != 17 {
		t.Errorf("Expected meta from %s at tick 17, got %+v", from, got[0].Meta)
	}
	if len(client.chat.Drain()) != 0 {
		t.Error("Drain must empty the queue")
	}
	if server.tel.out != 2 || client.tel.in != 2 {
		t.Errorf("Expected telemetry 2 out / 2 in, got %d / %d", server.tel.out, client.tel.in)
	}
}

func TestSeqFollowsArrivalAcrossTypes(t *testing.T) {
	server := newEndpoint(t, protocol.RoleServer)
	client := newEndpoint(t, protocol.RoleClient)
	from := protocol.NewHandle()
	outbox := channel.NewOutbox(0)

	deliver := func(tick uint8) {
		server.table.Flush(outbox)
		for _, out := range outbox.Flush(tick, false) {
			client.table.Dispatch(from, out.Channel, out.Batch)
		}
	}

	server.chat.Broadcast(chatLine{Text: "a"})
	deliver(1)
	server.ping.Broadcast(ping{Seq: 7})
	deliver(2)
	server.chat.Broadcast(chatLine{Text: "b"})
	deliver(3)

	chat := client.chat.Drain()
	pings := client.ping.Drain()
	if len(chat) != 2 || len(pings) != 1 {
		t.Fatalf("Expected 2 chat and 1 ping, got %d and %d", len(chat), len(pings))
	}
	if !(chat[0].Seq < pings[0].Seq && pings[0].Seq < chat[1].Seq) {
		t.Errorf("Expected seq in arrival order, got chat %d, ping %d, chat %d",
			chat[0].Seq, pings[0].Seq, chat[1].Seq)
	}
}

func TestSenderRoleEnforcedOnSend(t *testing.T) {
	client := newEndpoint(t, protocol.RoleClient)

	err := client.chat.Broadcast(chatLine{Text: "spoof"})
	if !errors.Is(err, ErrSenderRole) {
		t.Errorf("Expected ErrSenderRole, got %v", err)
	}
	if err := client.ping.Broadcast(ping{Seq: 1}); err != nil {
		t.Errorf("Both-sided message must be sendable by the client, got %v", err)
	}
}

func TestSenderRoleEnforcedOnReceive(t *testing.T) {
	server := newEndpoint(t, protocol.RoleServer)

	// A client claiming to send a server-only message.
	data := mustEncode(t, server.chat.h, chatLine{Text: "spoof"})
	batch := &protocol.Batch{Messages: []protocol.Envelope{{Serialized: data, TypeID: uint16(server.chat.ID())}}}

	if n := server.table.Dispatch(protocol.NewHandle(), protocol.ReliableOrdered, batch); n != 0 {
		t.Errorf("Expected spoofed message dropped, got %d delivered", n)
	}
	if server.tel.role != 1 {
		t.Errorf("Expected 1 role violation, got %d", server.tel.role)
	}
}

func TestUnknownIDDropped(t *testing.T) {
	client := newEndpoint(t, protocol.RoleClient)
	good := mustEncode(t, client.chat.h, chatLine{Text: "ok"})

	batch := &protocol.Batch{Messages: []protocol.Envelope{
		{Serialized: []byte{0x01}, TypeID: 999},
		{Serialized: good, TypeID: uint16(client.chat.ID())},
	}}

	if n := client.table.Dispatch(protocol.NewHandle(), protocol.ReliableOrdered, batch); n != 1 {
		t.Fatalf("Expected the known message to survive, got %d delivered", n)
	}
	if client.tel.unknown != 1 {
		t.Errorf("Expected 1 unknown id, got %d", client.tel.unknown)
	}
}

func TestDecodeFailureDropsOnlyThatMessage(t *testing.T) {
	client := newEndpoint(t, protocol.RoleClient)
	good := mustEncode(t, client.chat.h, chatLine{Text: "ok"})

	batch := &protocol.Batch{Messages: []protocol.Envelope{
		{Serialized: []byte{0xc1}, TypeID: uint16(client.chat.ID())},
		{Serialized: good, TypeID: uint16(client.chat.ID())},
	}}

	if n := client.table.Dispatch(protocol.NewHandle(), protocol.ReliableOrdered, batch); n != 1 {
		t.Fatalf("Expected 1 delivered, got %d", n)
	}
	if client.tel.decodeFailure != 1 {
		t.Errorf("Expected 1 decode failure, got %d", client.tel.decodeFailure)
	}
}

func TestSameIDDifferentChannel(t *testing.T) {
	client := newEndpoint(t, protocol.RoleClient)
	data := mustEncode(t, client.chat.h, chatLine{Text: "x"})

	// Chat is id 0 on reliable_ordered; id 0 on unreliable is the cursor.
	batch := &protocol.Batch{Messages: []protocol.Envelope{{Serialized: data, TypeID: uint16(client.chat.ID())}}}
	client.table.Dispatch(protocol.NewHandle(), protocol.Unreliable, batch)

	if len(client.chat.Drain()) != 0 {
		t.Error("Envelope must be routed by its arrival channel")
	}
}

func TestSendBeforeFreeze(t *testing.T) {
	table := NewTable(protocol.RoleServer, nil, nil)
	chat, err := Register[chatLine](table, Options{Reliable: true, Ordered: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := chat.Broadcast(chatLine{}); !errors.Is(err, ErrNotFrozen) {
		t.Errorf("Expected ErrNotFrozen, got %v", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	table := NewTable(protocol.RoleServer, nil, nil)
	if _, err := Register[chatLine](table, Options{Reliable: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := Register[chatLine](table, Options{Reliable: true}); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("Expected ErrDuplicateType, got %v", err)
	}
}

func TestTypesDescribeTable(t *testing.T) {
	ep := newEndpoint(t, protocol.RoleServer)

	types := ep.table.Types(true)
	if len(types) != 3 {
		t.Fatalf("Expected 3 types, got %d", len(types))
	}
	if types[0].Channel != "unreliable" {
		t.Errorf("Expected channel order, got %s first", types[0].Channel)
	}
	for _, ti := range types {
		if ti.Schema == nil {
			t.Errorf("Expected schema for %s", ti.Name)
		}
	}
}

func mustEncode(t *testing.T, h *handler, v any) []byte {
	t.Helper()
	data, err := h.encode(v)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return data
}

func TestSchemasByName(t *testing.T) {
	ep := newEndpoint(t, protocol.RoleServer)

	schemas := ep.table.Schemas()
	if _, ok := schemas["test.cursor"]; !ok {
		t.Errorf("Expected schema for test.cursor, got %d schemas", len(schemas))
	}
	if len(schemas) != 3 {
		t.Errorf("Expected 3 schemas, got %d", len(schemas))
	}
}
