package channel

import (
	"testing"

	"netsync/internal/protocol"
)

func env(id uint16, size int) protocol.Envelope {
	return protocol.Envelope{TypeID: id, Serialized: make([]byte, size)}
}

func TestFlushGroupsByChannelAndDestination(t *testing.T) {
	o := NewOutbox(0)
	h := protocol.NewHandle()

	o.Append(protocol.ReliableOrdered, protocol.Broadcast, env(1, 4))
	o.Append(protocol.Unreliable, protocol.Broadcast, env(2, 4))
	o.Append(protocol.ReliableOrdered, protocol.To(h), env(3, 4))
	o.Append(protocol.ReliableOrdered, protocol.Broadcast, env(4, 4))

	out := o.Flush(42, false)
	if len(out) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(out))
	}

	if out[0].Channel != protocol.Unreliable {
		t.Errorf("Expected unreliable batch first, got %s", out[0].Channel)
	}
	if !out[1].Destination.Broadcast || len(out[1].Batch.Messages) != 2 {
		t.Errorf("Expected broadcast ordered batch with 2 messages, got %+v", out[1])
	}
	if out[1].Batch.Messages[0].TypeID != 1 || out[1].Batch.Messages[1].TypeID != 4 {
		t.Error("Envelope order must be preserved within a batch")
	}
	if out[2].Destination.Handle != h {
		t.Errorf("Expected targeted batch for %s, got %s", h, out[2].Destination)
	}
	for _, b := range out {
		if b.Batch.Tick != 42 {
			t.Errorf("Expected tick 42, got %d", b.Batch.Tick)
		}
	}

	if o.Len() != 0 || len(o.Flush(43, false)) != 0 {
		t.Error("Flush must reset the outbox")
	}
}

func TestFlushSplitsLargeBatches(t *testing.T) {
	o := NewOutbox(200)
	for i := 0; i < 10; i++ {
		o.Append(protocol.ReliableOrdered, protocol.Broadcast, env(uint16(i), 50))
	}

	out := o.Flush(1, false)
	if len(out) < 2 {
		t.Fatalf("Expected the batch to be split, got %d batches", len(out))
	}

	next := uint16(0)
	for _, b := range out {
		if b.Batch.EstimateSize() > 200 {
			t.Errorf("Batch exceeds budget: %d", b.Batch.EstimateSize())
		}
		for _, e := range b.Batch.Messages {
			if e.TypeID != next {
				t.Fatalf("Expected envelope %d, got %d", next, e.TypeID)
			}
			next++
		}
	}
	if next != 10 {
		t.Errorf("Expected all 10 envelopes, got %d", next)
	}
}

func TestOversizedEnvelopeSentAlone(t *testing.T) {
	o := NewOutbox(100)
	o.Append(protocol.ReliableUnordered, protocol.Broadcast, env(1, 10))
	o.Append(protocol.ReliableUnordered, protocol.Broadcast, env(2, 500))
	o.Append(protocol.ReliableUnordered, protocol.Broadcast, env(3, 10))

	out := o.Flush(1, false)
	if len(out) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(out))
	}
	if len(out[1].Batch.Messages) != 1 || out[1].Batch.Messages[0].TypeID != 2 {
		t.Errorf("Expected oversized envelope alone, got %+v", out[1].Batch.Messages)
	}
}

func TestSubStepOnlyOnReliable(t *testing.T) {
	o := NewOutbox(0)
	o.Append(protocol.Unreliable, protocol.Broadcast, env(1, 1))
	o.Append(protocol.ReliableOrdered, protocol.Broadcast, env(1, 1))

	out := o.Flush(3, true)
	for _, b := range out {
		if b.Batch.SubStep != b.Channel.Reliable() {
			t.Errorf("Channel %s: expected sub step %v, got %v", b.Channel, b.Channel.Reliable(), b.Batch.SubStep)
		}
	}
}

func TestLatestKeepsNewest(t *testing.T) {
	l := NewLatest[string]()
	h := protocol.NewHandle()

	if !l.Offer(h, 5, "five") {
		t.Fatal("First value must be accepted")
	}
	if l.Offer(h, 4, "four") {
		t.Error("Older value must be rejected")
	}
	if l.Offer(h, 5, "five again") {
		t.Error("Duplicate tick must be rejected")
	}
	if !l.Offer(h, 6, "six") {
		t.Error("Newer value must be accepted")
	}

	v, tick, ok := l.Get(h)
	if !ok || v != "six" || tick != 6 {
		t.Errorf("Expected six@6, got %s@%d", v, tick)
	}

	l.Forget(h)
	if _, _, ok := l.Get(h); ok {
		t.Error("Forget must drop the sender")
	}
}
