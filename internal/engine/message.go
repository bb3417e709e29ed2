package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"instapilot/internal/models"
	"instapilot/internal/store"
)

// handleMessage runs the message path. Unlike the comment path, message
// automations are evaluated independently: each may deliver once inside its
// own 24-hour window per recipient, so several automations can answer the
// same inbound message.
func (e *Engine) handleMessage(ctx context.Context, ev *models.InboundEvent) (Result, error) {
	acct, err := e.resolveMessageAccount(ctx, ev)
	if err != nil {
		detail := fmt.Sprintf("account resolution failed: %v", err)
		log.Error().Err(err).Str("recipientID", ev.RecipientID).Str("messageID", ev.ExternalID).Msg("Message account resolution failed")
		if rerr := e.store.RecordFailure(ctx, "message-resolution", ev.ID, detail); rerr != nil {
			return Result{}, rerr
		}
		if merr := e.store.MarkEventProcessed(ctx, ev.ID, true, detail); merr != nil {
			return Result{}, merr
		}
		return Result{Success: false, Detail: detail}, nil
	}

	verdict, reason, err := e.dedupCheck(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if verdict != dedupProceed {
		if err := e.store.MarkEventProcessed(ctx, ev.ID, true, reason); err != nil {
			return Result{}, err
		}
		log.Debug().Str("messageID", ev.ExternalID).Str("reason", reason).Msg("Message skipped")
		return Result{Success: true, AccountID: acct.ID, Detail: reason}, nil
	}

	if err := e.recordInbound(ctx, acct, ev); err != nil {
		return Result{}, err
	}

	autos, err := e.store.ActiveMessageAutomations(ctx, acct.ID)
	if err != nil {
		return Result{}, err
	}
	if len(autos) == 0 {
		if err := e.store.MarkEventProcessed(ctx, ev.ID, false, ""); err != nil {
			return Result{}, err
		}
		return Result{Success: true, AccountID: acct.ID, Detail: "no active automations"}, nil
	}

	delivered := false
	var failures []string

	for i := range autos {
		a := &autos[i]

		if !TriggerMatches(a.Keyword, ev.Text) {
			continue
		}

		recent, err := e.store.SentDeliveryExistsSince(ctx, a.ID, ev.SenderID, time.Now().Add(-messageDedupWindow))
		if err != nil {
			return Result{}, err
		}
		if recent {
			log.Debug().Str("automationID", a.ID).Str("sender", ev.SenderID).Msg("Recipient inside dedup window")
			continue
		}

		allowed, err := e.rateAllowed(ctx, a)
		if err != nil {
			return Result{}, err
		}
		if !allowed {
			log.Debug().Str("automationID", a.ID).Msg("Automation rate limit reached")
			continue
		}

		if !IsCredentialWellFormed(acct.AccessToken) {
			log.Warn().Str("accountID", acct.ID).Str("automationID", a.ID).Msg("Account credential malformed, skipping automation")
			continue
		}

		body := composeMessage(a)
		sendErr := e.sendWithRetry(ctx, func(callCtx context.Context) error {
			return e.messaging.SendDirectMessage(callCtx, acct.AccessToken, acct.ExternalID, ev.SenderID, body)
		})

		now := time.Now()
		rec := &models.DeliveryRecord{
			AutomationID:    a.ID,
			EventID:         ev.ExternalID,
			RecipientID:     ev.SenderID,
			RecipientHandle: ev.SenderHandle,
			Body:            body,
			Kind:            models.DeliveryKindDirect,
			SentAt:          now,
		}

		if sendErr != nil {
			rec.Status = models.DeliveryStatusFailed
			rec.ErrorDetail = sendErr.Error()
			if err := e.store.InsertDelivery(ctx, rec); err != nil {
				return Result{}, err
			}
			failures = append(failures, fmt.Sprintf("%s: %v", a.ID, sendErr))
			log.Error().Err(sendErr).Str("automationID", a.ID).Str("messageID", ev.ExternalID).Msg("Message DM send failed")
			continue
		}

		rec.Status = models.DeliveryStatusSent
		if err := e.store.InsertDelivery(ctx, rec); err != nil {
			return Result{}, err
		}
		if err := e.store.RecordAutomationTriggered(ctx, a.ID, now); err != nil {
			return Result{}, err
		}
		// Mirror the outbound reply into chat history for the UI.
		if err := e.store.AppendChatMessage(ctx, &models.ChatMessage{
			AccountID: acct.ID,
			SenderID:  ev.SenderID,
			Direction: "out",
			Body:      body,
			SentAt:    now,
		}); err != nil {
			return Result{}, err
		}
		log.Info().
			Str("automationID", a.ID).
			Str("messageID", ev.ExternalID).
			Str("recipient", ev.SenderID).
			Msg("Message automation delivered")
		delivered = true
	}

	if err := e.store.MarkEventProcessed(ctx, ev.ID, false, ""); err != nil {
		return Result{}, err
	}

	detail := "delivered"
	switch {
	case delivered && len(failures) > 0:
		detail = "delivered with failures: " + strings.Join(failures, "; ")
	case !delivered && len(failures) > 0:
		detail = "send failed: " + strings.Join(failures, "; ")
	case !delivered:
		detail = "no automation matched"
	}
	return Result{Success: true, Delivered: delivered, AccountID: acct.ID, Detail: detail}, nil
}

// resolveMessageAccount matches the event's recipient id against a known
// account. When no account carries that id, the first existing account is
// assumed and the id -> account mapping persisted for future lookups. This is
// a documented heuristic for installs where the connected account's platform
// id was never backfilled.
func (e *Engine) resolveMessageAccount(ctx context.Context, ev *models.InboundEvent) (*models.Account, error) {
	acct, err := e.store.AccountByExternalID(ctx, ev.RecipientID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	acct, err = e.store.FirstAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("no connected accounts: %w", err)
	}
	if err := e.store.SetAccountExternalID(ctx, acct.ID, ev.RecipientID); err != nil {
		return nil, err
	}
	acct.ExternalID = ev.RecipientID
	log.Info().Str("accountID", acct.ID).Str("externalID", ev.RecipientID).Msg("Recipient id mapped to first account")
	return acct, nil
}

// recordInbound upserts the sender's contact entry and mirrors the inbound
// text into chat history. Runs on every message that passes the dedup guard,
// whether or not any automation fires.
func (e *Engine) recordInbound(ctx context.Context, acct *models.Account, ev *models.InboundEvent) error {
	handle := ev.SenderHandle
	if handle == "" {
		handle = e.lookupHandle(ctx, acct.AccessToken, ev.SenderID)
	}

	if err := e.store.UpsertContact(ctx, &models.Contact{
		AccountID:     acct.ID,
		SenderID:      ev.SenderID,
		Handle:        handle,
		LastMessage:   ev.Text,
		LastMessageAt: ev.ReceivedAt,
		Unread:        true,
	}); err != nil {
		return err
	}

	return e.store.AppendChatMessage(ctx, &models.ChatMessage{
		AccountID: acct.ID,
		SenderID:  ev.SenderID,
		Direction: "in",
		Body:      ev.Text,
		SentAt:    ev.ReceivedAt,
	})
}

// lookupHandle resolves a sender id to a handle with a short-lived cache.
// Best effort: an unresolved handle is stored empty, never an error.
func (e *Engine) lookupHandle(ctx context.Context, token, userID string) string {
	if cached, ok := e.handles.Get(userID); ok {
		return cached.(string)
	}
	if !IsCredentialWellFormed(token) {
		return ""
	}
	lookupCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	handle, err := e.messaging.FetchUserHandle(lookupCtx, token, userID)
	cancel()
	if err != nil {
		log.Debug().Err(err).Str("userID", userID).Msg("Handle lookup failed")
		return ""
	}
	e.handles.Set(userID, handle, cache.DefaultExpiration)
	return handle
}
