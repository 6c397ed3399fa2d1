package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/sinkbench/pkg/aggregator"
	"github.com/illmade-knight/sinkbench/pkg/commandbus"
	"github.com/illmade-knight/sinkbench/pkg/heartbeat"
	"github.com/illmade-knight/sinkbench/pkg/helpers/loadgen"
	"github.com/illmade-knight/sinkbench/pkg/sink"
	"github.com/illmade-knight/sinkbench/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrDrainIncomplete is returned when the aggregator has not finished its
// final commit by the end of the grace period.
var ErrDrainIncomplete = errors.New("aggregator did not finish within the grace period")

// OpenStoreFunc opens the run's store. sink.Open is the production implementation.
type OpenStoreFunc func(ctx context.Context, cfg sink.Config, start time.Time, logger zerolog.Logger) (sink.Store, error)

// Result describes a finished run.
type Result struct {
	RunID     string
	StoreName string
	// Report is nil when the aggregator did not terminate within the grace period.
	Report *aggregator.Report
	// SentBeforeShutdown counts samples accepted before Shutdown was sent;
	// all of them are persisted when the run drains.
	SentBeforeShutdown int
	// Sent counts every accepted sample, including ones that raced Shutdown.
	Sent     int
	Ticks    int
	Expected int
	Drained  bool
	Elapsed  time.Duration
}

// Coordinator wires the bus, store, aggregator, heartbeat and producers for one run.
type Coordinator struct {
	config    Config
	registry  prometheus.Registerer
	openStore OpenStoreFunc
	logger    zerolog.Logger
}

// NewCoordinator creates a Coordinator. registry may be nil to skip metrics registration.
func NewCoordinator(config Config, registry prometheus.Registerer, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		config:    config,
		registry:  registry,
		openStore: sink.Open,
		logger:    logger.With().Str("component", "Coordinator").Logger(),
	}
}

// WithStoreOpener replaces the store factory, e.g. to inject an in-memory store.
func (c *Coordinator) WithStoreOpener(open OpenStoreFunc) *Coordinator {
	c.openStore = open
	return c
}

type aggregatorResult struct {
	report *aggregator.Report
	err    error
}

// Run executes one load test: start everything, let producers run for the
// configured duration, send exactly one Shutdown and wait at most the grace
// period for the final commit. Producers and heartbeat are cancelled once
// the grace period is over.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	logger := c.logger.With().Str("run_id", runID).Logger()
	start := time.Now()

	result := &Result{RunID: runID, Expected: c.config.Expected()}

	bus := commandbus.New(c.config.ChannelCapacity)
	store, err := c.openStore(ctx, c.config.Sink, start, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", c.config.Sink.Driver).Msg("Failed to open store")
		return result, err
	}
	result.StoreName = store.Name()

	metrics := aggregator.NewMetrics(c.registry)
	if c.registry != nil {
		depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sinkbench_channel_depth",
			Help: "Commands buffered in the command bus.",
		}, func() float64 { return float64(bus.Len()) })
		if err := c.registry.Register(depth); err != nil {
			logger.Warn().Err(err).Msg("Failed to register channel depth gauge")
		}
	}

	logger.Info().
		Str("store", store.Name()).
		Int("producers", c.config.Producers).
		Dur("producer_interval", c.config.ProducerInterval).
		Dur("flush_interval", c.config.FlushInterval).
		Dur("duration", c.config.Duration).
		Int("channel_capacity", bus.Cap()).
		Msg("Starting run")

	agg := aggregator.New(bus, store, c.config.Aggregator, metrics, logger)
	aggDone := make(chan aggregatorResult, 1)
	go func() {
		report, err := agg.Run(ctx)
		aggDone <- aggregatorResult{report: report, err: err}
	}()

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()
	g, gCtx := errgroup.WithContext(taskCtx)

	lg := loadgen.NewLoadGenerator(bus, loadgen.NewProducers(c.config.Producers, c.config.ProducerInterval, c.payloadGenerator()), logger)
	hb := heartbeat.New(c.config.FlushInterval, bus, logger)
	g.Go(func() error {
		result.Ticks = hb.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		_, err := lg.Run(gCtx)
		return err
	})

	stopTasks := func() {
		cancelTasks()
		if err := g.Wait(); err != nil {
			logger.Warn().Err(err).Msg("Producer tasks reported an error")
		}
		result.Sent = lg.Sent()
		result.Elapsed = time.Since(start)
	}

	runTimer := time.NewTimer(c.config.Duration)
	defer runTimer.Stop()
	select {
	case <-runTimer.C:
	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("Run interrupted before its duration elapsed")
	case res := <-aggDone:
		// The aggregator only stops on its own after a fatal store error.
		stopTasks()
		result.Report = res.report
		result.Drained = true
		c.closeStore(store, logger)
		if res.err == nil {
			res.err = errors.New("aggregator stopped before shutdown")
		}
		return result, fmt.Errorf("aggregator failed: %w", res.err)
	}

	result.SentBeforeShutdown = lg.Sent()
	c.sendShutdown(ctx, bus, logger)

	graceTimer := time.NewTimer(c.config.Grace)
	defer graceTimer.Stop()
	var res aggregatorResult
	select {
	case res = <-aggDone:
		result.Drained = true
	case <-graceTimer.C:
	}
	stopTasks()

	if !result.Drained {
		// The aggregator still owns the store; leave both to process exit.
		logger.Warn().Dur("grace", c.config.Grace).Str("state", agg.State().String()).Msg("Final flush did not complete within the grace period")
		return result, ErrDrainIncomplete
	}

	result.Report = res.report
	c.closeStore(store, logger)
	if res.err != nil {
		return result, fmt.Errorf("aggregator failed: %w", res.err)
	}

	logger.Info().
		Int("persisted", res.report.Inserted).
		Int("expected", result.Expected).
		Int("sent_before_shutdown", result.SentBeforeShutdown).
		Int("commits", res.report.Commits).
		Dur("elapsed", result.Elapsed).
		Msg("Run complete")
	return result, nil
}

// sendShutdown delivers the single Shutdown command. A receiver that is
// already gone is not an error.
func (c *Coordinator) sendShutdown(ctx context.Context, bus commandbus.Sender, logger zerolog.Logger) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.Grace)
	defer cancel()
	if err := bus.Send(sendCtx, types.Shutdown()); err != nil {
		logger.Debug().Err(err).Msg("Shutdown not delivered")
	}
}

func (c *Coordinator) closeStore(store sink.Store, logger zerolog.Logger) {
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing store")
	}
}

func (c *Coordinator) payloadGenerator() loadgen.PayloadGenerator {
	if c.config.PayloadMode == PayloadSequence {
		return &loadgen.SequencePayload{}
	}
	return loadgen.StaticPayload(c.config.Payload)
}
