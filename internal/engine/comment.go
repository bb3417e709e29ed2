package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"instapilot/internal/models"
	"instapilot/internal/store"
)

// handleComment runs the comment path: resolve post and account, dedup,
// evaluate automations in stored order, first successful send wins. The
// comment is marked processed only after the full loop, whatever the outcome.
func (e *Engine) handleComment(ctx context.Context, ev *models.InboundEvent) (Result, error) {
	post, acct, err := e.resolvePost(ctx, ev)
	if err != nil {
		// Terminal for this event: a post is always creatable via remote
		// fetch, so a resolution failure is not retried.
		detail := fmt.Sprintf("resolution failed: %v", err)
		log.Error().Err(err).Str("mediaID", ev.MediaID).Str("commentID", ev.ExternalID).Msg("Comment resolution failed")
		if rerr := e.store.RecordFailure(ctx, "comment-resolution", ev.ID, detail); rerr != nil {
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
		log.Debug().Str("commentID", ev.ExternalID).Str("reason", reason).Msg("Comment skipped")
		return Result{Success: true, AccountID: acct.ID, Detail: reason}, nil
	}

	autos, err := e.store.ActiveCommentAutomations(ctx, acct.ID, post.ID)
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
	detail := "no automation matched"
	replyHandled := false

	for i := range autos {
		a := &autos[i]

		if !TriggerMatches(a.Keyword, ev.Text) {
			continue
		}

		// One send per event across all automations, not just this one.
		exists, err := e.store.SentDeliveryExistsForEvent(ctx, ev.ExternalID)
		if err != nil {
			return Result{}, err
		}
		if exists {
			detail = "already delivered for this event"
			break
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

		if a.ReplyToComments && !replyHandled {
			if err := e.replyToCommentOnce(ctx, acct, a, ev); err != nil {
				return Result{}, err
			}
			replyHandled = true
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
			Kind:            models.DeliveryKindOpening,
			SentAt:          now,
		}

		if sendErr != nil {
			rec.Status = models.DeliveryStatusFailed
			rec.ErrorDetail = sendErr.Error()
			if err := e.store.InsertDelivery(ctx, rec); err != nil {
				return Result{}, err
			}
			detail = fmt.Sprintf("send failed: %v", sendErr)
			log.Error().Err(sendErr).Str("automationID", a.ID).Str("commentID", ev.ExternalID).Msg("Comment DM send failed")
			continue
		}

		rec.Status = models.DeliveryStatusSent
		if err := e.store.InsertDelivery(ctx, rec); err != nil {
			return Result{}, err
		}
		if err := e.store.RecordAutomationTriggered(ctx, a.ID, now); err != nil {
			return Result{}, err
		}
		log.Info().
			Str("automationID", a.ID).
			Str("commentID", ev.ExternalID).
			Str("recipient", ev.SenderID).
			Msg("Comment automation delivered")
		delivered = true
		detail = "delivered"
		break
	}

	if err := e.store.MarkEventProcessed(ctx, ev.ID, false, ""); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Delivered: delivered, AccountID: acct.ID, Detail: detail}, nil
}

// resolvePost finds or lazily creates the post for the comment's media id,
// returning it with its owning account. Created posts are cached by media id
// and never re-fetched.
func (e *Engine) resolvePost(ctx context.Context, ev *models.InboundEvent) (*models.Post, *models.Account, error) {
	if ev.MediaID == "" {
		return nil, nil, errors.New("comment event has no media id")
	}

	if cached, ok := e.posts.Get(ev.MediaID); ok {
		post := cached.(*models.Post)
		acct, err := e.store.AccountByID(ctx, post.AccountID)
		if err != nil {
			return nil, nil, fmt.Errorf("account %s not resolved: %w", post.AccountID, err)
		}
		return post, acct, nil
	}

	post, err := e.store.PostByMediaID(ctx, ev.MediaID)
	if err == nil {
		acct, aerr := e.store.AccountByID(ctx, post.AccountID)
		if aerr != nil {
			return nil, nil, fmt.Errorf("account %s not resolved: %w", post.AccountID, aerr)
		}
		e.posts.Set(ev.MediaID, post, cache.NoExpiration)
		return post, acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	// First mention of this media: fetch metadata and create the post under
	// the account the event targets.
	acct, err := e.store.AccountByExternalID(ctx, ev.RecipientID)
	if err != nil {
		return nil, nil, fmt.Errorf("no account for recipient %s: %w", ev.RecipientID, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	meta, err := e.messaging.FetchPostMetadata(fetchCtx, acct.AccessToken, ev.MediaID)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("post metadata fetch for %s failed: %w", ev.MediaID, err)
	}

	post = &models.Post{
		AccountID: acct.ID,
		MediaID:   ev.MediaID,
		Caption:   meta.Caption,
		Permalink: meta.Permalink,
	}
	if err := e.store.InsertPost(ctx, post); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, nil, err
		}
		// Lost the insert race; reload the winner.
		post, err = e.store.PostByMediaID(ctx, ev.MediaID)
		if err != nil {
			return nil, nil, err
		}
	}
	e.posts.Set(ev.MediaID, post, cache.NoExpiration)

	log.Info().Str("mediaID", ev.MediaID).Str("accountID", acct.ID).Msg("Post created from remote metadata")
	return post, acct, nil
}

// replyToCommentOnce sends the public comment reply if none was attempted for
// this comment id yet. At most one reply record ever exists per comment, no
// matter how many automations ask for one.
func (e *Engine) replyToCommentOnce(ctx context.Context, acct *models.Account, a *models.Automation, ev *models.InboundEvent) error {
	exists, err := e.store.CommentReplyExists(ctx, ev.ExternalID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	text := a.CommentReply
	if text == "" {
		text = defaultCommentReply
	}

	sendErr := e.sendWithRetry(ctx, func(callCtx context.Context) error {
		return e.messaging.ReplyToComment(callCtx, acct.AccessToken, ev.ExternalID, text)
	})

	rec := &models.CommentReply{
		CommentID:    ev.ExternalID,
		AutomationID: a.ID,
		Body:         text,
		SentAt:       time.Now(),
	}
	if sendErr != nil {
		rec.Status = models.DeliveryStatusFailed
		rec.ErrorDetail = sendErr.Error()
		log.Error().Err(sendErr).Str("commentID", ev.ExternalID).Msg("Public comment reply failed")
	} else {
		rec.Status = models.DeliveryStatusSent
		log.Info().Str("commentID", ev.ExternalID).Str("automationID", a.ID).Msg("Public comment reply sent")
	}

	if err := e.store.InsertCommentReply(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return nil
}
