// Package engine converts inbound comment and message events into
// at-most-one outbound send each, with deduplication, trigger matching,
// rate limiting and retry around the remote messaging port.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"instapilot/internal/instagram"
	"instapilot/internal/models"
	"instapilot/internal/store"
)

// Messaging is the remote messaging port. The production implementation is
// the Graph API client; tests substitute a stub.
type Messaging interface {
	SendDirectMessage(ctx context.Context, token, accountExternalID, recipientExternalID, text string) error
	ReplyToComment(ctx context.Context, token, commentExternalID, text string) error
	FetchRecentComments(ctx context.Context, token, postExternalID string, since time.Time) ([]instagram.Comment, error)
	FetchUserHandle(ctx context.Context, token, userExternalID string) (string, error)
	FetchPostMetadata(ctx context.Context, token, mediaExternalID string) (instagram.PostMetadata, error)
	RefreshToken(ctx context.Context, token string) (string, time.Time, error)
}

// Result is what every HandleEvent call returns to its caller, webhook
// handler and poller alike. Never a panic, never a raw error. AccountID is
// set once the event's account resolved, so outcome publishers can route to
// per-account channels.
type Result struct {
	Success   bool   `json:"success"`
	Delivered bool   `json:"delivered"`
	AccountID string `json:"account_id,omitempty"`
	Detail    string `json:"detail"`
}

// OutcomePublisher receives the structured outcome of each processed event.
// The notify fan-out implements it; nil disables publishing.
type OutcomePublisher interface {
	PublishEventOutcome(ev *models.InboundEvent, accountID string, success, delivered bool, detail string)
}

const (
	maxSendAttempts = 3
	retryBackoff    = time.Second
	sendTimeout     = 5 * time.Second

	// staleAfter is the cutoff past which an unprocessed event is skipped
	// instead of delivered.
	staleAfter = 24 * time.Hour

	// messageDedupWindow bounds repeat sends per message automation per
	// recipient.
	messageDedupWindow = 24 * time.Hour

	defaultMessage      = "Thanks for reaching out! Here is what you asked for."
	defaultCommentReply = "Just sent you a DM!"
	brandingSuffix      = "Sent with InstaPilot"
)

type Engine struct {
	store     *store.Store
	messaging Messaging

	// posts caches resolved posts by media id; once created a post is never
	// re-fetched from the platform.
	posts   *cache.Cache
	handles *cache.Cache
}

func New(st *store.Store, messaging Messaging) *Engine {
	return &Engine{
		store:     st,
		messaging: messaging,
		posts:     cache.New(cache.NoExpiration, 0),
		handles:   cache.New(time.Hour, 10*time.Minute),
	}
}

// HandleEvent is the single entry point into the engine, used identically by
// the synchronous webhook path and the background poller. Repository errors
// are caught here, logged to a failure record, and surfaced as a generic
// failure result.
func (e *Engine) HandleEvent(ctx context.Context, ev *models.InboundEvent) Result {
	res, err := e.handle(ctx, ev)
	if err != nil {
		log.Error().Err(err).
			Str("eventID", ev.ID).
			Str("externalID", ev.ExternalID).
			Str("kind", string(ev.Kind)).
			Msg("Event processing failed")
		if ferr := e.store.RecordFailure(ctx, "engine", ev.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("eventID", ev.ID).Msg("Failed to record failure")
		}
		return Result{Success: false, Detail: "internal error"}
	}
	return res
}

func (e *Engine) handle(ctx context.Context, ev *models.InboundEvent) (Result, error) {
	if ev.Processed {
		return Result{Success: true, Detail: "event already processed"}, nil
	}

	if time.Since(ev.ReceivedAt) > staleAfter {
		if err := e.store.MarkEventProcessed(ctx, ev.ID, true, "stale event"); err != nil {
			return Result{}, err
		}
		log.Info().Str("eventID", ev.ID).Time("receivedAt", ev.ReceivedAt).Msg("Stale event skipped")
		return Result{Success: true, Detail: "stale event skipped"}, nil
	}

	switch ev.Kind {
	case models.EventKindComment:
		return e.handleComment(ctx, ev)
	case models.EventKindMessage:
		return e.handleMessage(ctx, ev)
	default:
		if err := e.store.MarkEventProcessed(ctx, ev.ID, true, "unsupported event kind"); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Detail: fmt.Sprintf("unsupported event kind %q", ev.Kind)}, nil
	}
}

// sendWithRetry drives one remote operation through the retry policy: up to
// maxSendAttempts tries, linear backoff (attempt number times the base), a
// bounded timeout per call. Transport errors and structured remote errors are
// treated identically.
func (e *Engine) sendWithRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := op(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Remote send attempt failed")
		if attempt < maxSendAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
	}
	return lastErr
}

// composeMessage builds the outbound DM body from the automation template,
// appending the branding suffix unless explicitly disabled.
func composeMessage(a *models.Automation) string {
	msg := a.Message
	if msg == "" {
		msg = defaultMessage
	}
	if a.BrandingEnabled() {
		msg = msg + "\n\n" + brandingSuffix
	}
	return msg
}
