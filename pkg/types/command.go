package types

import (
	"fmt"
	"time"
)

// CommandKind identifies which of the three messages a Command carries.
type CommandKind int

const (
	// KindSample carries a unit of work to persist.
	KindSample CommandKind = iota
	// KindFlushTick closes the current batch and opens a new one.
	KindFlushTick
	// KindShutdown closes the final batch and stops the consumer.
	KindShutdown
)

func (k CommandKind) String() string {
	switch k {
	case KindSample:
		return "sample"
	case KindFlushTick:
		return "flush_tick"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Sample is a single timestamped value emitted by a producer.
type Sample struct {
	ProducerID int
	Payload    int
	CreatedAt  time.Time
}

// Render formats the sample as the text stored in a Record's payload column.
func (s Sample) Render() string {
	return fmt.Sprintf("%d, %d", s.ProducerID, s.Payload)
}

// Command is the message type carried by the command bus.
// The kind is fixed at construction; use NewSample, FlushTick or Shutdown.
type Command struct {
	kind   CommandKind
	sample Sample
}

// NewSample builds a Sample command stamped with the current time.
func NewSample(producerID, payload int) Command {
	return Command{
		kind:   KindSample,
		sample: Sample{ProducerID: producerID, Payload: payload, CreatedAt: time.Now()},
	}
}

// FlushTick builds a payload-free batch boundary signal.
func FlushTick() Command {
	return Command{kind: KindFlushTick}
}

// Shutdown builds the terminal signal.
func Shutdown() Command {
	return Command{kind: KindShutdown}
}

// Kind reports which message this command carries.
func (c Command) Kind() CommandKind { return c.kind }

// Sample returns the carried sample and whether the command is a Sample.
func (c Command) Sample() (Sample, bool) {
	return c.sample, c.kind == KindSample
}

func (c Command) String() string {
	if c.kind == KindSample {
		return fmt.Sprintf("sample(%s)", c.sample.Render())
	}
	return c.kind.String()
}
