package sink

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/sinkbench/pkg/types"
)

// MemoryStore keeps committed records in process. It measures pipeline
// overhead without any I/O and lets tests inspect what was committed.
type MemoryStore struct {
	name string

	mu      sync.Mutex
	nextID  int64
	records []types.Record
	batches []int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{name: name}
}

func (m *MemoryStore) Name() string { return m.name }

func (m *MemoryStore) Begin(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, txError("begin", err)
	}
	return &memoryBatch{store: m}, nil
}

func (m *MemoryStore) Close() error { return nil }

// Records returns a copy of every committed record.
func (m *MemoryStore) Records() []types.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Record, len(m.records))
	copy(out, m.records)
	return out
}

// BatchSizes returns the record count of each committed batch, in commit order.
func (m *MemoryStore) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.batches))
	copy(out, m.batches)
	return out
}

type memoryBatch struct {
	store   *MemoryStore
	pending []types.Record
	done    bool
}

func (b *memoryBatch) Insert(_ context.Context, payload string) (int64, error) {
	if b.done {
		return 0, txError("insert", errBatchClosed)
	}
	b.store.mu.Lock()
	b.store.nextID++
	id := b.store.nextID
	b.store.mu.Unlock()

	b.pending = append(b.pending, types.Record{ID: id, Payload: payload, CreatedAt: time.Now().UTC()})
	return id, nil
}

func (b *memoryBatch) Commit() error {
	if b.done {
		return txError("commit", errBatchClosed)
	}
	b.done = true
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.store.records = append(b.store.records, b.pending...)
	b.store.batches = append(b.store.batches, len(b.pending))
	return nil
}
