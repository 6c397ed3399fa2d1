package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/sinkbench/pkg/commandbus"
	"github.com/illmade-knight/sinkbench/pkg/types"
	"github.com/rs/zerolog"
)

// Heartbeat emits a FlushTick on a fixed interval, independent of producer
// timing. Its interval is the batch/commit granularity of the aggregator.
type Heartbeat struct {
	interval time.Duration
	sender   commandbus.Sender
	logger   zerolog.Logger
}

// New creates a Heartbeat that sends to sender every interval.
func New(interval time.Duration, sender commandbus.Sender, logger zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		interval: interval,
		sender:   sender,
		logger:   logger.With().Str("component", "Heartbeat").Logger(),
	}
}

// Run sends FlushTicks until ctx is cancelled and returns how many were accepted.
// A departed receiver is not an error: the heartbeat just stops sending.
func (h *Heartbeat) Run(ctx context.Context) int {
	if h.interval <= 0 {
		h.logger.Warn().Dur("interval", h.interval).Msg("Heartbeat interval must be positive, no flush ticks will be sent")
		return 0
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Msg("Heartbeat starting")
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Int("ticks", ticks).Msg("Heartbeat stopping")
			return ticks
		case <-ticker.C:
			err := h.sender.Send(ctx, types.FlushTick())
			switch {
			case err == nil:
				ticks++
			case errors.Is(err, commandbus.ErrChannelClosed):
				h.logger.Debug().Msg("Receiver gone, heartbeat idle until stopped")
				<-ctx.Done()
				return ticks
			case ctx.Err() != nil:
				return ticks
			default:
				h.logger.Error().Err(err).Msg("Failed to send flush tick")
			}
		}
	}
}
