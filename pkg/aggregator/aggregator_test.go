package aggregator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/sinkbench/pkg/aggregator"
	"github.com/illmade-knight/sinkbench/pkg/commandbus"
	"github.com/illmade-knight/sinkbench/pkg/sink"
	"github.com/illmade-knight/sinkbench/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test store ---

// strictStore fails the test if a batch is opened while another is still open,
// and can be told to fail a given operation.
type strictStore struct {
	t *testing.T

	mu        sync.Mutex
	open      bool
	committed [][]string
	nextID    int64

	failBegin      error
	failInsertAt   int // fail the n-th insert overall (1-based), 0 = never
	failCommit     error
	inserts        int
	commitAttempts int
}

func (s *strictStore) Name() string { return "strict" }

func (s *strictStore) Begin(_ context.Context) (sink.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBegin != nil {
		return nil, &sink.TransactionError{Op: "begin", Err: s.failBegin}
	}
	if s.open {
		s.t.Errorf("Begin called while a batch is still open")
	}
	s.open = true
	return &strictBatch{store: s}, nil
}

func (s *strictStore) Close() error { return nil }

func (s *strictStore) batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

type strictBatch struct {
	store   *strictStore
	pending []string
}

func (b *strictBatch) Insert(_ context.Context, payload string) (int64, error) {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.failInsertAt > 0 && s.inserts == s.failInsertAt {
		return 0, &sink.TransactionError{Op: "insert", Err: errors.New("disk I/O error")}
	}
	s.nextID++
	b.pending = append(b.pending, payload)
	return s.nextID, nil
}

func (b *strictBatch) Commit() error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitAttempts++
	if s.failCommit != nil {
		return &sink.TransactionError{Op: "commit", Err: s.failCommit}
	}
	s.open = false
	s.committed = append(s.committed, b.pending)
	return nil
}

// --- Helpers ---

func enqueue(t *testing.T, bus *commandbus.Bus, cmds ...types.Command) {
	t.Helper()
	for _, cmd := range cmds {
		require.NoError(t, bus.Send(context.Background(), cmd))
	}
}

func sample(producer, payload int) types.Command {
	return types.NewSample(producer, payload)
}

func run(t *testing.T, bus *commandbus.Bus, store sink.Store, cfg aggregator.Config) (*aggregator.Report, error) {
	t.Helper()
	agg := aggregator.New(bus, store, cfg, nil, zerolog.Nop())
	report, err := agg.Run(context.Background())
	assert.Equal(t, aggregator.StateTerminated, agg.State())
	return report, err
}

// --- Tests ---

func TestAggregator_BatchBoundariesAreExact(t *testing.T) {
	bus := commandbus.New(16)
	store := &strictStore{t: t}

	enqueue(t, bus,
		sample(1, 1), sample(2, 1),
		types.FlushTick(),
		types.FlushTick(),
		sample(1, 2), sample(3, 1), sample(2, 2),
		types.FlushTick(),
		sample(3, 2),
		types.Shutdown(),
	)

	report, err := run(t, bus, store, aggregator.Config{})
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"1, 1", "2, 1"},
		nil,
		{"1, 2", "3, 1", "2, 2"},
		{"3, 2"},
	}, store.batches())
	assert.Equal(t, 6, report.Inserted)
	assert.Equal(t, 3, report.FlushTicks)
	assert.Equal(t, report.FlushTicks+1, report.Commits)
	assert.Equal(t, []int{2, 0, 3, 1}, report.BatchSizes)
	assert.Zero(t, report.EarlyCommits)
}

func TestAggregator_EmptyFlushTickStillCommits(t *testing.T) {
	bus := commandbus.New(4)
	store := sink.NewMemoryStore("mem")
	enqueue(t, bus, types.FlushTick(), types.Shutdown())

	report, err := run(t, bus, store, aggregator.Config{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, store.BatchSizes())
	assert.Equal(t, 2, report.Commits)
	assert.Zero(t, report.Inserted)
}

func TestAggregator_ShutdownAlwaysCommits(t *testing.T) {
	bus := commandbus.New(4)
	store := sink.NewMemoryStore("mem")
	enqueue(t, bus, types.Shutdown())

	report, err := run(t, bus, store, aggregator.Config{})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, store.BatchSizes())
	assert.Equal(t, 1, report.Commits)
}

func TestAggregator_ShutdownMidBatchFlushesPending(t *testing.T) {
	bus := commandbus.New(16)
	store := sink.NewMemoryStore("mem")
	enqueue(t, bus, types.FlushTick())
	for i := 0; i < 5; i++ {
		enqueue(t, bus, sample(i, 299))
	}
	enqueue(t, bus, types.Shutdown())

	report, err := run(t, bus, store, aggregator.Config{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5}, store.BatchSizes())
	assert.Len(t, store.Records(), 5)
	assert.Equal(t, 5, report.Inserted)
}

func TestAggregator_MaxBatchSizeCommitsEarly(t *testing.T) {
	bus := commandbus.New(16)
	store := &strictStore{t: t}
	for i := 0; i < 5; i++ {
		enqueue(t, bus, sample(1, i))
	}
	enqueue(t, bus, types.Shutdown())

	report, err := run(t, bus, store, aggregator.Config{MaxBatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, report.BatchSizes)
	assert.Equal(t, 2, report.EarlyCommits)
	assert.Len(t, store.batches(), 3)
}

func TestAggregator_StoreFailuresAreFatal(t *testing.T) {
	t.Run("begin", func(t *testing.T) {
		bus := commandbus.New(4)
		store := &strictStore{t: t, failBegin: errors.New("database is locked")}
		enqueue(t, bus, sample(1, 1))

		agg := aggregator.New(bus, store, aggregator.Config{}, nil, zerolog.Nop())
		_, err := agg.Run(context.Background())

		var txErr *sink.TransactionError
		require.ErrorAs(t, err, &txErr)
		assert.Equal(t, "begin", txErr.Op)
	})

	t.Run("insert", func(t *testing.T) {
		bus := commandbus.New(8)
		store := &strictStore{t: t, failInsertAt: 2}
		enqueue(t, bus, sample(1, 1), sample(1, 2), sample(1, 3), types.Shutdown())

		agg := aggregator.New(bus, store, aggregator.Config{}, nil, zerolog.Nop())
		report, err := agg.Run(context.Background())

		var txErr *sink.TransactionError
		require.ErrorAs(t, err, &txErr)
		assert.Equal(t, "insert", txErr.Op)
		assert.Equal(t, 1, report.Inserted)
		assert.Zero(t, store.commitAttempts, "no partial batch is salvaged")
		assert.ErrorIs(t, bus.Send(context.Background(), sample(1, 4)), commandbus.ErrChannelClosed)
	})

	t.Run("commit", func(t *testing.T) {
		bus := commandbus.New(8)
		store := &strictStore{t: t, failCommit: errors.New("disk full")}
		enqueue(t, bus, sample(1, 1), types.FlushTick(), sample(1, 2), types.Shutdown())

		agg := aggregator.New(bus, store, aggregator.Config{}, nil, zerolog.Nop())
		_, err := agg.Run(context.Background())

		var txErr *sink.TransactionError
		require.ErrorAs(t, err, &txErr)
		assert.Equal(t, "commit", txErr.Op)
		assert.Equal(t, 1, store.commitAttempts, "no retry after a failed commit")
	})
}

func TestAggregator_CancelledContextCommitsOpenBatch(t *testing.T) {
	bus := commandbus.New(8)
	store := sink.NewMemoryStore("mem")
	enqueue(t, bus, sample(1, 1), sample(2, 1))

	ctx, cancel := context.WithCancel(context.Background())
	agg := aggregator.New(bus, store, aggregator.Config{}, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := agg.Run(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return bus.Len() == 0 && agg.State() == aggregator.StateDraining }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop after cancellation")
	}
	assert.Equal(t, []int{2}, store.BatchSizes())
}

func TestAggregator_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := aggregator.NewMetrics(reg)

	bus := commandbus.New(8)
	enqueue(t, bus, sample(1, 1), sample(1, 2), types.FlushTick(), sample(1, 3), types.Shutdown())

	agg := aggregator.New(bus, sink.NewMemoryStore("mem"), aggregator.Config{}, metrics, zerolog.Nop())
	_, err := agg.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Inserted))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Commits))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FlushTicks))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.BatchSize))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.CommitLatency))
}

// Every sample accepted before Shutdown is persisted exactly once, whatever
// the interleaving of producers and flush ticks.
func TestAggregator_ConcurrentProducersNoLossNoDuplication(t *testing.T) {
	const producers, perProducer = 8, 200
	bus := commandbus.New(commandbus.DefaultCapacity)
	store := sink.NewMemoryStore("mem")
	agg := aggregator.New(bus, store, aggregator.Config{}, nil, zerolog.Nop())

	type result struct {
		report *aggregator.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := agg.Run(context.Background())
		done <- result{r, err}
	}()

	tickCtx, stopTicks := context.WithCancel(context.Background())
	var ticks sync.WaitGroup
	ticks.Add(1)
	go func() {
		defer ticks.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				_ = bus.Send(tickCtx, types.FlushTick())
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 1; p <= producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, bus.Send(context.Background(), sample(p, i)))
			}
		}(p)
	}
	wg.Wait()
	stopTicks()
	ticks.Wait()
	require.NoError(t, bus.Send(context.Background(), types.Shutdown()))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, producers*perProducer, res.report.Inserted)
	assert.Equal(t, res.report.FlushTicks+1, res.report.Commits)

	records := store.Records()
	require.Len(t, records, producers*perProducer)
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		assert.False(t, seen[r.Payload], "duplicate record %s", r.Payload)
		seen[r.Payload] = true
	}
	for p := 1; p <= producers; p++ {
		assert.True(t, seen[fmt.Sprintf("%d, %d", p, perProducer-1)])
	}

	total := 0
	for _, n := range store.BatchSizes() {
		total += n
	}
	assert.Equal(t, producers*perProducer, total)
}
