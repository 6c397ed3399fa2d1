// loadgen/interfaces.go

package loadgen

import "sync/atomic"

// PayloadGenerator produces the numeric payload for a producer's next sample.
// It is passed the producer so implementations can vary the value per id.
type PayloadGenerator interface {
	GeneratePayload(producer *Producer) int
}

// StaticPayload always returns the same value, as the reference harness does.
type StaticPayload int

func (s StaticPayload) GeneratePayload(_ *Producer) int { return int(s) }

// SequencePayload returns a monotonically increasing value starting at 1.
// A single SequencePayload may be shared by producers; values stay unique.
type SequencePayload struct {
	next atomic.Int64
}

func (s *SequencePayload) GeneratePayload(_ *Producer) int {
	return int(s.next.Add(1))
}
