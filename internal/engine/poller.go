package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"instapilot/internal/store"
)

// Poller re-drives events that were stored but never successfully processed,
// in bounded oldest-first batches. One event's failure never aborts the
// batch; stale events are skipped inside HandleEvent without side effects.
type Poller struct {
	engine    *Engine
	store     *store.Store
	outcomes  OutcomePublisher
	interval  time.Duration
	batchSize int
}

func NewPoller(e *Engine, st *store.Store, outcomes OutcomePublisher, interval time.Duration, batchSize int) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Poller{engine: e, store: st, outcomes: outcomes, interval: interval, batchSize: batchSize}
}

// Run loops until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	log.Info().Dur("interval", p.interval).Int("batchSize", p.batchSize).Msg("Reconciliation poller started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciliation poller stopped")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of unprocessed events.
func (p *Poller) Sweep(ctx context.Context) {
	events, err := p.store.UnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load unprocessed events")
		return
	}
	if len(events) == 0 {
		return
	}

	log.Info().Int("count", len(events)).Msg("Re-driving unprocessed events")
	for i := range events {
		ev := &events[i]
		res := p.engine.HandleEvent(ctx, ev)
		if !res.Success {
			log.Warn().
				Str("eventID", ev.ID).
				Str("detail", res.Detail).
				Msg("Re-driven event did not succeed")
		}
		if p.outcomes != nil {
			p.outcomes.PublishEventOutcome(ev, res.AccountID, res.Success, res.Delivered, res.Detail)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
