package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is one serialized message tagged with its type id.
// Unreliable ids never exceed 255; they share the field with reliable ids.
type Envelope struct {
	Serialized []byte `msgpack:"s"`
	TypeID     uint16 `msgpack:"t"`
}

// Batch is the set of messages sent together for one tick on one channel.
// SubStep is only set on client-originated reliable batches.
type Batch struct {
	Messages []Envelope `msgpack:"m"`
	Tick     uint8      `msgpack:"k"`
	SubStep  bool       `msgpack:"u,omitempty"`
}

// envelopeOverhead approximates the msgpack cost of one envelope around its payload.
const envelopeOverhead = 14

// batchOverhead approximates the msgpack cost of an empty batch.
const batchOverhead = 16

// EstimateSize returns an upper bound on the encoded size of env inside a batch.
func (env Envelope) EstimateSize() int {
	return len(env.Serialized) + envelopeOverhead
}

// EstimateSize returns an upper bound on the encoded size of b.
func (b *Batch) EstimateSize() int {
	n := batchOverhead
	for _, env := range b.Messages {
		n += env.EstimateSize()
	}
	return n
}

// Empty reports whether the batch has no messages.
func (b *Batch) Empty() bool {
	return len(b.Messages) == 0
}

// EncodeBatch serializes a batch to its binary form.
func EncodeBatch(b *Batch) ([]byte, error) {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

// DecodeBatch parses a batch produced by EncodeBatch.
func DecodeBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	return &b, nil
}
