// Package notify fans processing outcomes out to configured observers:
// per-account webhooks, a global webhook, and a RabbitMQ queue. Fan-out is
// observability plumbing and never feeds back into engine decisions.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"instapilot/internal/models"
	"instapilot/internal/store"
)

// Outcome is the structured result of one processed event.
type Outcome struct {
	EventID    string    `json:"event_id"`
	ExternalID string    `json:"external_id"`
	AccountID  string    `json:"account_id"`
	Kind       string    `json:"kind"`
	Success    bool      `json:"success"`
	Delivered  bool      `json:"delivered"`
	Detail     string    `json:"detail"`
	Timestamp  time.Time `json:"timestamp"`
}

type pendingOutcome struct {
	Outcome      Outcome   `json:"outcome"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAttempt  time.Time `json:"last_attempt,omitempty"`
}

type channelResult struct {
	channel string
	err     error
}

// Fanout delivers outcomes to every configured channel, retrying failed
// fan-outs in the background.
type Fanout struct {
	mu      sync.RWMutex
	pending map[string]*pendingOutcome

	store         *store.Store
	httpClient    *resty.Client
	globalWebhook string
	rabbit        *RabbitPublisher

	maxRetries   int
	retryBackoff time.Duration
	timeout      time.Duration
}

func NewFanout(st *store.Store, globalWebhook string, rabbit *RabbitPublisher) *Fanout {
	timeout := 5 * time.Second
	f := &Fanout{
		pending:       make(map[string]*pendingOutcome),
		store:         st,
		httpClient:    resty.New().SetTimeout(timeout),
		globalWebhook: globalWebhook,
		rabbit:        rabbit,
		maxRetries:    3,
		retryBackoff:  2 * time.Second,
		timeout:       timeout,
	}
	log.Info().
		Int("maxRetries", f.maxRetries).
		Dur("timeout", f.timeout).
		Bool("globalWebhook", globalWebhook != "").
		Bool("rabbitmq", rabbit != nil).
		Msg("Outcome fan-out initialized")
	return f
}

// Run drives background retries until the context is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	ticker := time.NewTicker(f.retryBackoff)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.RetryPending(ctx)
		}
	}
}

// Publish queues the outcome and delivers it in the background to avoid
// blocking the event path.
func (f *Fanout) Publish(o Outcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}

	f.mu.Lock()
	f.pending[o.EventID] = &pendingOutcome{Outcome: o, CreatedAt: time.Now()}
	f.mu.Unlock()

	go f.process(context.Background(), o.EventID)
}

// PublishEventOutcome builds the structured outcome for one processed event
// and queues it. Safe on a nil fan-out so background workers can run without
// one configured.
func (f *Fanout) PublishEventOutcome(ev *models.InboundEvent, accountID string, success, delivered bool, detail string) {
	if f == nil {
		return
	}
	f.Publish(Outcome{
		EventID:    ev.ID,
		ExternalID: ev.ExternalID,
		AccountID:  accountID,
		Kind:       string(ev.Kind),
		Success:    success,
		Delivered:  delivered,
		Detail:     detail,
		Timestamp:  time.Now(),
	})
}

func (f *Fanout) process(ctx context.Context, eventID string) {
	f.mu.RLock()
	entry, ok := f.pending[eventID]
	f.mu.RUnlock()
	if !ok {
		return
	}
	o := entry.Outcome

	payload, err := json.Marshal(o)
	if err != nil {
		log.Error().Err(err).Str("eventID", eventID).Msg("Failed to marshal outcome")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan channelResult, 3)

	if url := f.accountWebhookURL(callCtx, o.AccountID); url != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- channelResult{"account_webhook", f.postWebhook(callCtx, url, o, payload)}
		}()
	}
	if f.globalWebhook != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- channelResult{"global_webhook", f.postWebhook(callCtx, f.globalWebhook, o, payload)}
		}()
	}
	if f.rabbit != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- channelResult{"rabbitmq", f.rabbit.Publish(payload, o.AccountID, o.EventID)}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr string
	allSuccess := true
	channels := 0
	for r := range results {
		channels++
		if r.err != nil {
			allSuccess = false
			lastErr = fmt.Sprintf("%s: %v", r.channel, r.err)
			log.Warn().Err(r.err).Str("channel", r.channel).Str("eventID", eventID).Msg("Outcome channel delivery failed")
		} else {
			log.Debug().Str("channel", r.channel).Str("eventID", eventID).Msg("Outcome channel delivered")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok = f.pending[eventID]
	if !ok {
		return
	}
	if allSuccess || channels == 0 {
		delete(f.pending, eventID)
		return
	}
	entry.AttemptCount++
	entry.LastError = lastErr
	entry.LastAttempt = time.Now()
	if entry.AttemptCount >= f.maxRetries {
		delete(f.pending, eventID)
		log.Error().
			Str("eventID", eventID).
			Int("attempts", entry.AttemptCount).
			Str("lastError", lastErr).
			Msg("Outcome fan-out failed permanently")
	}
}

// RetryPending re-processes outcomes whose previous fan-out partially failed.
// The gate is anchored to the last attempt, not creation time, so successive
// retries stay spaced by the backoff.
func (f *Fanout) RetryPending(ctx context.Context) {
	f.mu.RLock()
	var retry []string
	for id, entry := range f.pending {
		if entry.AttemptCount > 0 && entry.AttemptCount < f.maxRetries &&
			time.Since(entry.LastAttempt) > f.retryBackoff {
			retry = append(retry, id)
		}
	}
	f.mu.RUnlock()

	for _, id := range retry {
		log.Info().Str("eventID", id).Msg("Retrying outcome fan-out")
		f.process(ctx, id)
	}
}

// PendingCount returns the number of outcomes awaiting delivery.
func (f *Fanout) PendingCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.pending)
}

// PendingOutcome returns the tracked state for an event id, if still pending.
func (f *Fanout) PendingOutcome(eventID string) (Outcome, int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.pending[eventID]
	if !ok {
		return Outcome{}, 0, false
	}
	return entry.Outcome, entry.AttemptCount, true
}

// ForceRetry resets the attempt counter for one pending outcome and
// re-processes it immediately. Returns false if the event is not pending.
func (f *Fanout) ForceRetry(eventID string) bool {
	f.mu.Lock()
	entry, ok := f.pending[eventID]
	if ok {
		entry.AttemptCount = 0
	}
	f.mu.Unlock()
	if !ok {
		return false
	}
	go f.process(context.Background(), eventID)
	return true
}

func (f *Fanout) accountWebhookURL(ctx context.Context, accountID string) string {
	if accountID == "" || f.store == nil {
		return ""
	}
	acct, err := f.store.AccountByID(ctx, accountID)
	if err != nil {
		log.Debug().Err(err).Str("accountID", accountID).Msg("Account webhook lookup failed")
		return ""
	}
	return acct.WebhookURL
}

func (f *Fanout) postWebhook(ctx context.Context, url string, o Outcome, payload []byte) error {
	_, err := f.httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"jsonData":  string(payload),
			"eventId":   o.EventID,
			"accountId": o.AccountID,
		}).
		Post(url)
	return err
}
