package commandbus

import (
	"context"
	"errors"
	"sync"

	"github.com/illmade-knight/sinkbench/pkg/types"
)

// DefaultCapacity matches the slot count used by the reference harness.
const DefaultCapacity = 32

// ErrChannelClosed is returned to senders once the receiving side has gone away.
// Callers treat it as "nobody is listening any more", never as a crash.
var ErrChannelClosed = errors.New("commandbus: receiver closed")

// Sender is the producing end of the bus. It is safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, cmd types.Command) error
}

// Receiver is the single consuming end of the bus.
type Receiver interface {
	Receive(ctx context.Context) (types.Command, error)
	CloseReceiver()
}

// Bus is a bounded FIFO queue with many senders and a single receiver.
// A full bus suspends senders until a slot frees; nothing is ever dropped
// while the receiver is alive.
type Bus struct {
	ch        chan types.Command
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a bus with the given number of slots. Non-positive capacities
// fall back to DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ch:   make(chan types.Command, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues cmd, blocking while the bus is full.
func (b *Bus) Send(ctx context.Context, cmd types.Command) error {
	// A departed receiver wins over a free slot, so late sends are never
	// silently buffered.
	select {
	case <-b.done:
		return ErrChannelClosed
	default:
	}

	select {
	case b.ch <- cmd:
		return nil
	case <-b.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until the next command is available.
func (b *Bus) Receive(ctx context.Context) (types.Command, error) {
	select {
	case cmd := <-b.ch:
		return cmd, nil
	case <-b.done:
		return types.Command{}, ErrChannelClosed
	case <-ctx.Done():
		return types.Command{}, ctx.Err()
	}
}

// CloseReceiver tears the bus down from the receiving side. Buffered
// commands are abandoned and every later Send returns ErrChannelClosed.
// The data channel itself is never closed, so concurrent senders cannot panic.
func (b *Bus) CloseReceiver() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Len reports the number of buffered commands.
func (b *Bus) Len() int { return len(b.ch) }

// Cap reports the bus capacity.
func (b *Bus) Cap() int { return cap(b.ch) }

var (
	_ Sender   = (*Bus)(nil)
	_ Receiver = (*Bus)(nil)
)
