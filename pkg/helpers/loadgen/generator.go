// loadgen/loadgen.go

package loadgen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/sinkbench/pkg/commandbus"
	"github.com/illmade-knight/sinkbench/pkg/types"
	"github.com/rs/zerolog"
)

// Producer represents a single simulated sample source in the load test.
type Producer struct {
	ID               int
	Interval         time.Duration
	PayloadGenerator PayloadGenerator
}

// NewProducers builds count producers with ids 1..count sharing one interval and generator.
func NewProducers(count int, interval time.Duration, gen PayloadGenerator) []*Producer {
	producers := make([]*Producer, 0, count)
	for i := 1; i <= count; i++ {
		producers = append(producers, &Producer{ID: i, Interval: interval, PayloadGenerator: gen})
	}
	return producers
}

// LoadGenerator drives every producer against a shared command bus.
type LoadGenerator struct {
	sender    commandbus.Sender
	producers []*Producer
	logger    zerolog.Logger
	sentCount int64

	mu     sync.Mutex
	counts map[int]int
}

// NewLoadGenerator creates a new LoadGenerator.
func NewLoadGenerator(sender commandbus.Sender, producers []*Producer, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		sender:    sender,
		producers: producers,
		logger:    logger.With().Str("component", "LoadGenerator").Logger(),
		counts:    make(map[int]int, len(producers)),
	}
}

// Run starts one goroutine per producer and blocks until ctx is cancelled.
// It returns the number of samples the bus accepted.
func (lg *LoadGenerator) Run(ctx context.Context) (int, error) {
	atomic.StoreInt64(&lg.sentCount, 0)
	lg.logger.Info().Int("num_producers", len(lg.producers)).Msg("Starting load generator")

	var wg sync.WaitGroup
	for _, producer := range lg.producers {
		wg.Add(1)
		go func(p *Producer) {
			defer wg.Done()
			lg.runProducer(ctx, p)
		}(producer)
	}

	wg.Wait()
	finalCount := int(atomic.LoadInt64(&lg.sentCount))
	lg.logger.Info().Int("samples_sent", finalCount).Msg("Load generator finished")
	return finalCount, nil
}

// Sent reports the number of samples accepted so far.
func (lg *LoadGenerator) Sent() int {
	return int(atomic.LoadInt64(&lg.sentCount))
}

// Counts returns a copy of the accepted-sample count per producer id.
func (lg *LoadGenerator) Counts() map[int]int {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	out := make(map[int]int, len(lg.counts))
	for id, n := range lg.counts {
		out[id] = n
	}
	return out
}

// runProducer waits one interval, sends a sample, and repeats until ctx ends.
func (lg *LoadGenerator) runProducer(ctx context.Context, p *Producer) {
	if p.Interval <= 0 {
		lg.logger.Warn().Int("producer_id", p.ID).Msg("Producer has a non-positive interval, no samples will be sent")
		return
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	lg.logger.Debug().Int("producer_id", p.ID).Dur("interval", p.Interval).Msg("Producer starting")

	receiverGone := false
	for {
		select {
		case <-ctx.Done():
			lg.logger.Debug().Int("producer_id", p.ID).Msg("Producer stopping")
			return
		case <-ticker.C:
			if receiverGone {
				continue
			}
			err := lg.sender.Send(ctx, types.NewSample(p.ID, p.PayloadGenerator.GeneratePayload(p)))
			switch {
			case err == nil:
				atomic.AddInt64(&lg.sentCount, 1)
				lg.mu.Lock()
				lg.counts[p.ID]++
				lg.mu.Unlock()
			case errors.Is(err, commandbus.ErrChannelClosed):
				// The aggregator is gone; keep ticking until told to stop.
				receiverGone = true
				lg.logger.Debug().Int("producer_id", p.ID).Msg("Receiver gone, discarding further samples")
			case ctx.Err() != nil:
				return
			default:
				lg.logger.Error().Err(err).Int("producer_id", p.ID).Msg("Failed to send sample")
			}
		}
	}
}
