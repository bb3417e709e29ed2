package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"instapilot/internal/store"
)

// refreshWindow is how close to expiry a token must be before the refresher
// exchanges it.
const refreshWindow = 7 * 24 * time.Hour

// Refresher sweeps accounts whose access token nears expiry and exchanges
// them for fresh ones. A failed exchange flags the account for manual
// reconnection instead of retrying in a loop.
type Refresher struct {
	store     *store.Store
	messaging Messaging
	interval  time.Duration
}

func NewRefresher(st *store.Store, messaging Messaging, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Refresher{store: st, messaging: messaging, interval: interval}
}

func (r *Refresher) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("Token refresher started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First sweep right away so a restart does not push refreshes out by a
	// full interval.
	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Token refresher stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Refresher) Sweep(ctx context.Context) {
	accounts, err := r.store.AccountsExpiringWithin(ctx, refreshWindow)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list accounts for token refresh")
		return
	}

	for i := range accounts {
		acct := &accounts[i]
		if !IsCredentialWellFormed(acct.AccessToken) {
			log.Warn().Str("accountID", acct.ID).Msg("Malformed token, flagging account for reconnection")
			if err := r.store.FlagAccountReconnect(ctx, acct.ID); err != nil {
				log.Error().Err(err).Str("accountID", acct.ID).Msg("Failed to flag account")
			}
			continue
		}

		refreshCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		token, expiry, err := r.messaging.RefreshToken(refreshCtx, acct.AccessToken)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("accountID", acct.ID).Msg("Token refresh failed, flagging account for reconnection")
			if ferr := r.store.FlagAccountReconnect(ctx, acct.ID); ferr != nil {
				log.Error().Err(ferr).Str("accountID", acct.ID).Msg("Failed to flag account")
			}
			continue
		}

		if err := r.store.SetAccountToken(ctx, acct.ID, token, expiry); err != nil {
			log.Error().Err(err).Str("accountID", acct.ID).Msg("Failed to persist refreshed token")
			continue
		}
		log.Info().Str("accountID", acct.ID).Time("expiresAt", expiry).Msg("Access token refreshed")

		if ctx.Err() != nil {
			return
		}
	}
}
