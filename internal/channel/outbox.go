// Package channel batches outbound envelopes per channel and destination
// for the current tick.
package channel

import (
	"sort"

	"netsync/internal/protocol"
)

// DefaultMaxBatchBytes keeps an unreliable batch inside one datagram.
const DefaultMaxBatchBytes = 1100

// Outgoing is one batch ready to hand to the transport.
type Outgoing struct {
	Channel     protocol.Channel
	Destination protocol.Destination
	Batch       *protocol.Batch
}

type key struct {
	channel protocol.Channel
	dest    protocol.Destination
}

// Outbox collects the batches in progress for one tick.
// It is owned by the tick thread.
type Outbox struct {
	maxBytes int
	pending  map[key][]protocol.Envelope
	order    []key
}

// NewOutbox creates an empty outbox. maxBytes <= 0 uses DefaultMaxBatchBytes.
func NewOutbox(maxBytes int) *Outbox {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}
	return &Outbox{
		maxBytes: maxBytes,
		pending:  make(map[key][]protocol.Envelope),
	}
}

// Append adds env to the batch in progress for channel and dest.
func (o *Outbox) Append(channel protocol.Channel, dest protocol.Destination, env protocol.Envelope) {
	k := key{channel: channel, dest: dest}
	if _, ok := o.pending[k]; !ok {
		o.order = append(o.order, k)
	}
	o.pending[k] = append(o.pending[k], env)
}

// Len returns the number of queued envelopes.
func (o *Outbox) Len() int {
	n := 0
	for _, envs := range o.pending {
		n += len(envs)
	}
	return n
}

// Flush stamps every batch in progress with tick and resets the outbox.
//
// Batches come out ordered by channel, then in the order their destination
// was first used this tick. A batch that would exceed the byte budget is
// split into several batches with the same tick; envelope order is kept so
// the ordered channel stays ordered. An envelope larger than the budget is
// sent alone.
func (o *Outbox) Flush(tick uint8, subStep bool) []Outgoing {
	if len(o.order) == 0 {
		return nil
	}

	keys := o.order
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].channel < keys[j].channel })

	var out []Outgoing
	for _, k := range keys {
		envs := o.pending[k]
		batch := o.newBatch(tick, k.channel, subStep)
		size := batch.EstimateSize()

		for _, env := range envs {
			envSize := env.EstimateSize()
			if !batch.Empty() && size+envSize > o.maxBytes {
				out = append(out, Outgoing{Channel: k.channel, Destination: k.dest, Batch: batch})
				batch = o.newBatch(tick, k.channel, subStep)
				size = batch.EstimateSize()
			}
			batch.Messages = append(batch.Messages, env)
			size += envSize
		}
		out = append(out, Outgoing{Channel: k.channel, Destination: k.dest, Batch: batch})
	}

	o.pending = make(map[key][]protocol.Envelope, len(o.pending))
	o.order = o.order[:0]
	return out
}

func (o *Outbox) newBatch(tick uint8, channel protocol.Channel, subStep bool) *protocol.Batch {
	return &protocol.Batch{
		Tick:    tick,
		SubStep: subStep && channel.Reliable(),
	}
}
