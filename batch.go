package pumpz

import (
	"math/rand/v2"
	"slices"
)

// Batch is the unit of work moved through the pipeline. A batch is
// immutable once produced and is consumed by exactly one consumer.
type Batch struct {
	Items      []int
	ProducerID int
}

// Clone returns a copy that shares no memory with b.
func (b Batch) Clone() Batch {
	return Batch{ProducerID: b.ProducerID, Items: slices.Clone(b.Items)}
}

// Equal reports whether two batches carry the same producer and items.
func (b Batch) Equal(other Batch) bool {
	return b.ProducerID == other.ProducerID && slices.Equal(b.Items, other.Items)
}

// Generator builds the next batch for a producer.
type Generator func(producerID int, rng *rand.Rand) Batch

// RandomGenerator returns a Generator emitting size values drawn uniformly
// from [minValue, maxValue].
func RandomGenerator(size, minValue, maxValue int) Generator {
	span := maxValue - minValue + 1
	return func(producerID int, rng *rand.Rand) Batch {
		items := make([]int, size)
		for i := range items {
			items[i] = minValue + rng.IntN(span)
		}
		return Batch{ProducerID: producerID, Items: items}
	}
}
