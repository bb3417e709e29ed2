package engine

import (
	"context"
	"strings"

	"instapilot/internal/models"
)

// dedupVerdict is the guard's tri-state answer.
type dedupVerdict int

const (
	dedupProceed dedupVerdict = iota
	dedupSkipSelf
	dedupSkipDuplicate
)

// dedupCheck decides whether processing of the event must be skipped. Reads
// only; the returned reason is surfaced in the result detail.
//
// Skip-self covers the account's own activity: a sender handle matching any
// connected account's handle, or the platform's echo notification for a
// message this service itself sent. Skip-duplicate covers an event already
// marked processed and, for comment events, an existing sent delivery for the
// same event id across all automations.
func (e *Engine) dedupCheck(ctx context.Context, ev *models.InboundEvent) (dedupVerdict, string, error) {
	if ev.Processed {
		return dedupSkipDuplicate, "event already processed", nil
	}
	if ev.Echo {
		return dedupSkipSelf, "echo of own outbound message", nil
	}

	if ev.SenderHandle != "" {
		accounts, err := e.store.ListAccounts(ctx)
		if err != nil {
			return dedupProceed, "", err
		}
		for i := range accounts {
			if strings.EqualFold(accounts[i].Username, ev.SenderHandle) {
				return dedupSkipSelf, "sender is a connected account", nil
			}
		}
	}

	if ev.Kind == models.EventKindComment {
		exists, err := e.store.SentDeliveryExistsForEvent(ctx, ev.ExternalID)
		if err != nil {
			return dedupProceed, "", err
		}
		if exists {
			return dedupSkipDuplicate, "already delivered for this event", nil
		}
	}

	return dedupProceed, "", nil
}
