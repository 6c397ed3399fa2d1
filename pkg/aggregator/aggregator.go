package aggregator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/sinkbench/pkg/commandbus"
	"github.com/illmade-knight/sinkbench/pkg/sink"
	"github.com/illmade-knight/sinkbench/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the aggregator's tunables.
type Config struct {
	// MaxBatchSize commits a batch early once it holds this many records.
	// Zero leaves batches unbounded, so only FlushTick and Shutdown end them.
	MaxBatchSize int `yaml:"max_batch_size"`
}

// Report is the summary produced when the aggregator stops.
type Report struct {
	Inserted   int
	Commits    int
	FlushTicks int
	// EarlyCommits counts batches closed by MaxBatchSize rather than a signal.
	EarlyCommits int
	BatchSizes   []int
	Elapsed      time.Duration
}

// counters is owned by the Run goroutine alone.
type counters struct {
	start        time.Time
	inserted     int
	commits      int
	flushTicks   int
	earlyCommits int
	batchSizes   []int
}

func (c *counters) report() *Report {
	sizes := make([]int, len(c.batchSizes))
	copy(sizes, c.batchSizes)
	return &Report{
		Inserted:     c.inserted,
		Commits:      c.commits,
		FlushTicks:   c.flushTicks,
		EarlyCommits: c.earlyCommits,
		BatchSizes:   sizes,
		Elapsed:      time.Since(c.start),
	}
}

// Aggregator is the single consumer of the command bus. It owns the store,
// inserts samples into the open batch and commits on FlushTick or Shutdown.
type Aggregator struct {
	receiver commandbus.Receiver
	store    sink.Store
	config   Config
	metrics  *Metrics
	logger   zerolog.Logger
	state    atomic.Int32
}

// New creates an Aggregator. metrics may be nil.
func New(receiver commandbus.Receiver, store sink.Store, config Config, metrics *Metrics, logger zerolog.Logger) *Aggregator {
	if config.MaxBatchSize < 0 {
		logger.Warn().Int("provided_max_batch_size", config.MaxBatchSize).Msg("MaxBatchSize must not be negative, batches will be unbounded.")
		config.MaxBatchSize = 0
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Aggregator{
		receiver: receiver,
		store:    store,
		config:   config,
		metrics:  metrics,
		logger:   logger.With().Str("component", "Aggregator").Str("store", store.Name()).Logger(),
	}
}

// State reports the current step of the batch cycle.
func (a *Aggregator) State() State {
	return State(a.state.Load())
}

func (a *Aggregator) setState(s State) {
	a.state.Store(int32(s))
}

// Run drains the bus until Shutdown and returns the final report.
//
// Every sample received is inserted into the batch open at that moment and
// committed exactly once. Store failures are fatal: Run returns immediately
// and the open batch is abandoned. If ctx ends or the bus is torn down
// while draining, the open batch is still committed before Run returns the
// cause. When Run returns the receiver is closed, so late senders get
// commandbus.ErrChannelClosed.
func (a *Aggregator) Run(ctx context.Context) (*Report, error) {
	defer a.receiver.CloseReceiver()

	// Store calls are never cancelled mid-flight; database/sql would roll
	// back a transaction whose context ends.
	storeCtx := context.WithoutCancel(ctx)

	c := &counters{start: time.Now()}
	var (
		batch     sink.Batch
		pending   int
		terminate bool
		early     bool
		stopErr   error
	)

	a.logger.Info().Int("max_batch_size", a.config.MaxBatchSize).Msg("Aggregator starting")
	a.setState(StateOpeningBatch)
	for {
		switch a.State() {
		case StateOpeningBatch:
			b, err := a.store.Begin(storeCtx)
			if err != nil {
				a.logger.Error().Err(err).Msg("Failed to open batch")
				return c.report(), fmt.Errorf("open batch: %w", err)
			}
			batch, pending, early = b, 0, false
			a.setState(StateDraining)

		case StateDraining:
			cmd, err := a.receiver.Receive(ctx)
			if err != nil {
				a.logger.Warn().Err(err).Int("pending", pending).Msg("Receive interrupted, committing open batch")
				stopErr, terminate = err, true
				a.setState(StateFlushing)
				continue
			}

			switch cmd.Kind() {
			case types.KindSample:
				sample, _ := cmd.Sample()
				if _, err := batch.Insert(storeCtx, sample.Render()); err != nil {
					a.logger.Error().Err(err).Int("producer_id", sample.ProducerID).Int("pending", pending).Msg("Failed to insert sample")
					return c.report(), fmt.Errorf("insert sample: %w", err)
				}
				pending++
				c.inserted++
				a.metrics.Inserted.Inc()
				if a.config.MaxBatchSize > 0 && pending >= a.config.MaxBatchSize {
					early = true
					a.setState(StateFlushing)
				}
			case types.KindFlushTick:
				c.flushTicks++
				a.metrics.FlushTicks.Inc()
				a.logger.Debug().Int("pending", pending).Msg("Flush tick")
				a.setState(StateFlushing)
			case types.KindShutdown:
				a.logger.Info().Int("pending", pending).Msg("Shutdown received")
				terminate = true
				a.setState(StateFlushing)
			}

		case StateFlushing:
			commitStart := time.Now()
			if err := batch.Commit(); err != nil {
				a.logger.Error().Err(err).Int("batch_size", pending).Msg("Failed to commit batch")
				return c.report(), fmt.Errorf("commit batch: %w", err)
			}
			latency := time.Since(commitStart)
			batch = nil
			c.commits++
			c.batchSizes = append(c.batchSizes, pending)
			if early {
				c.earlyCommits++
			}
			a.metrics.Commits.Inc()
			a.metrics.BatchSize.Observe(float64(pending))
			a.metrics.CommitLatency.Observe(latency.Seconds())
			a.logger.Debug().Int("batch_size", pending).Dur("latency", latency).Bool("early", early).Msg("Batch committed")

			if terminate {
				a.setState(StateTerminated)
			} else {
				a.setState(StateOpeningBatch)
			}

		case StateTerminated:
			report := c.report()
			a.logger.Info().
				Int("records", report.Inserted).
				Int("commits", report.Commits).
				Int("flush_ticks", report.FlushTicks).
				Dur("elapsed", report.Elapsed).
				Msgf("Had %d entries in %d millisecs", report.Inserted, report.Elapsed.Milliseconds())
			return report, stopErr
		}
	}
}
