package engine

import (
	"context"
	"time"

	"instapilot/internal/models"
)

// rateAllowed reports whether the automation may send right now. The count is
// recomputed from sent delivery records in the trailing hour on every call;
// the automation's persisted cumulative counter is never consulted. The check
// and the subsequent send are not atomic, so concurrent evaluations can both
// pass: soft overshoot is accepted rather than serializing automations.
func (e *Engine) rateAllowed(ctx context.Context, a *models.Automation) (bool, error) {
	since := time.Now().Add(-time.Hour)
	count, err := e.store.SentDeliveryCountSince(ctx, a.ID, since)
	if err != nil {
		return false, err
	}
	return count < int64(a.EffectiveRateLimit()), nil
}
