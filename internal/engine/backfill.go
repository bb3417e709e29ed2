package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"instapilot/internal/models"
	"instapilot/internal/store"
)

// Backfiller is the secondary ingestion path: it periodically fetches recent
// comments on known posts and feeds any comment the webhook never delivered
// through the engine.
type Backfiller struct {
	engine    *Engine
	store     *store.Store
	messaging Messaging
	outcomes  OutcomePublisher
	interval  time.Duration

	mu        sync.Mutex
	lastSweep time.Time
}

func NewBackfiller(e *Engine, st *store.Store, messaging Messaging, outcomes OutcomePublisher, interval time.Duration) *Backfiller {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Backfiller{
		engine:    e,
		store:     st,
		messaging: messaging,
		outcomes:  outcomes,
		interval:  interval,
		lastSweep: time.Now().Add(-interval),
	}
}

func (b *Backfiller) Run(ctx context.Context) {
	log.Info().Dur("interval", b.interval).Msg("Comment backfill sweep started")
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Comment backfill sweep stopped")
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep walks every connected account's known posts, pulling comments newer
// than the previous sweep. One account or post failing does not abort the
// rest.
func (b *Backfiller) Sweep(ctx context.Context) {
	b.mu.Lock()
	since := b.lastSweep
	b.lastSweep = time.Now()
	b.mu.Unlock()

	accounts, err := b.store.ListAccounts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Backfill: failed to list accounts")
		return
	}

	for i := range accounts {
		acct := &accounts[i]
		if !IsCredentialWellFormed(acct.AccessToken) {
			continue
		}

		posts, err := b.store.PostsByAccount(ctx, acct.ID)
		if err != nil {
			log.Error().Err(err).Str("accountID", acct.ID).Msg("Backfill: failed to list posts")
			continue
		}

		for j := range posts {
			b.sweepPost(ctx, acct, &posts[j], since)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (b *Backfiller) sweepPost(ctx context.Context, acct *models.Account, post *models.Post, since time.Time) {
	fetchCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	comments, err := b.messaging.FetchRecentComments(fetchCtx, acct.AccessToken, post.MediaID, since)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("mediaID", post.MediaID).Msg("Backfill: comment fetch failed")
		return
	}

	for _, c := range comments {
		if _, err := b.store.EventByExternalID(ctx, c.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("commentID", c.ID).Msg("Backfill: event lookup failed")
			continue
		}

		ev := &models.InboundEvent{
			ExternalID:   c.ID,
			Kind:         models.EventKindComment,
			SenderID:     c.AuthorID,
			SenderHandle: c.AuthorHandle,
			RecipientID:  acct.ExternalID,
			MediaID:      post.MediaID,
			Text:         c.Text,
			ReceivedAt:   c.Timestamp,
		}
		if err := b.store.InsertEvent(ctx, ev); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			log.Error().Err(err).Str("commentID", c.ID).Msg("Backfill: event insert failed")
			continue
		}

		res := b.engine.HandleEvent(ctx, ev)
		if b.outcomes != nil {
			b.outcomes.PublishEventOutcome(ev, res.AccountID, res.Success, res.Delivered, res.Detail)
		}
		log.Info().
			Str("commentID", c.ID).
			Bool("delivered", res.Delivered).
			Str("detail", res.Detail).
			Msg("Backfill: comment processed")
	}
}
