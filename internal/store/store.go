// Package store is the entity repository: typed accessors over every
// persisted collection, wrapped around a single gorm.DB constructed at
// process start and injected into the engine.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"instapilot/internal/models"
)

// ErrDuplicate is returned when an insert hits a unique index. Callers treat
// it as "someone else got there first", not as a failure.
var ErrDuplicate = errors.New("store: duplicate record")

// ErrNotFound is returned by single-record lookups with no match.
var ErrNotFound = errors.New("store: record not found")

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	default:
		return err
	}
}

func newID() string {
	return uuid.NewString()
}

// --- accounts ---

func (s *Store) AccountByID(ctx context.Context, id string) (*models.Account, error) {
	var acct models.Account
	err := s.db.WithContext(ctx).First(&acct, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

func (s *Store) AccountByExternalID(ctx context.Context, externalID string) (*models.Account, error) {
	var acct models.Account
	err := s.db.WithContext(ctx).First(&acct, "external_id = ?", externalID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

// FirstAccount returns the oldest non-disabled account. Used by the message
// path's documented fallback when no account matches a recipient id.
func (s *Store) FirstAccount(ctx context.Context) (*models.Account, error) {
	var acct models.Account
	err := s.db.WithContext(ctx).
		Where("disabled = ?", false).
		Order("created_at asc").
		First(&acct).Error
	if err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var accts []models.Account
	err := s.db.WithContext(ctx).Where("disabled = ?", false).Find(&accts).Error
	return accts, translate(err)
}

func (s *Store) InsertAccount(ctx context.Context, acct *models.Account) error {
	if acct.ID == "" {
		acct.ID = newID()
	}
	return translate(s.db.WithContext(ctx).Create(acct).Error)
}

func (s *Store) UpdateAccount(ctx context.Context, acct *models.Account) error {
	return translate(s.db.WithContext(ctx).Save(acct).Error)
}

// SetAccountExternalID persists the recipient-id -> account mapping learned
// by the message path fallback.
func (s *Store) SetAccountExternalID(ctx context.Context, accountID, externalID string) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("external_id", externalID).Error)
}

func (s *Store) SetAccountToken(ctx context.Context, accountID, token string, expiresAt time.Time) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"access_token":     token,
			"token_expires_at": expiresAt,
			"needs_reconnect":  false,
		}).Error)
}

func (s *Store) FlagAccountReconnect(ctx context.Context, accountID string) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("needs_reconnect", true).Error)
}

// AccountsExpiringWithin lists accounts whose token expires inside the window
// and that are not already flagged for reconnection.
func (s *Store) AccountsExpiringWithin(ctx context.Context, window time.Duration) ([]models.Account, error) {
	var accts []models.Account
	deadline := time.Now().Add(window)
	err := s.db.WithContext(ctx).
		Where("disabled = ? AND needs_reconnect = ? AND token_expires_at <= ?", false, false, deadline).
		Find(&accts).Error
	return accts, translate(err)
}

// --- posts ---

func (s *Store) PostByMediaID(ctx context.Context, mediaID string) (*models.Post, error) {
	var post models.Post
	err := s.db.WithContext(ctx).First(&post, "media_id = ?", mediaID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &post, nil
}

func (s *Store) InsertPost(ctx context.Context, post *models.Post) error {
	if post.ID == "" {
		post.ID = newID()
	}
	return translate(s.db.WithContext(ctx).Create(post).Error)
}

func (s *Store) PostsByAccount(ctx context.Context, accountID string) ([]models.Post, error) {
	var posts []models.Post
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&posts).Error
	return posts, translate(err)
}

// --- inbound events ---

func (s *Store) InsertEvent(ctx context.Context, ev *models.InboundEvent) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	return translate(s.db.WithContext(ctx).Create(ev).Error)
}

func (s *Store) EventByExternalID(ctx context.Context, externalID string) (*models.InboundEvent, error) {
	var ev models.InboundEvent
	err := s.db.WithContext(ctx).First(&ev, "external_id = ?", externalID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ev, nil
}

// MarkEventProcessed flips the processed flag. Re-marking an already
// processed event is a no-op, which keeps the transition monotonic.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string, skipped bool, skipReason string) error {
	updates := map[string]interface{}{"processed": true}
	if skipped {
		updates["skipped"] = true
		updates["skip_reason"] = skipReason
	}
	return translate(s.db.WithContext(ctx).
		Model(&models.InboundEvent{}).
		Where("id = ? AND processed = ?", eventID, false).
		Updates(updates).Error)
}

// UnprocessedEvents returns up to limit unprocessed events, oldest first.
func (s *Store) UnprocessedEvents(ctx context.Context, limit int) ([]models.InboundEvent, error) {
	var evs []models.InboundEvent
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("received_at asc").
		Limit(limit).
		Find(&evs).Error
	return evs, translate(err)
}

// --- contacts ---

func (s *Store) ContactBySender(ctx context.Context, accountID, senderID string) (*models.Contact, error) {
	var contact models.Contact
	err := s.db.WithContext(ctx).
		First(&contact, "account_id = ? AND sender_id = ?", accountID, senderID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &contact, nil
}

// UpsertContact creates the contact on first message from a sender and
// refreshes it on every subsequent one.
func (s *Store) UpsertContact(ctx context.Context, contact *models.Contact) error {
	if contact.ID == "" {
		contact.ID = newID()
	}
	return translate(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "sender_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"handle", "last_message", "last_message_at", "unread", "updated_at",
			}),
		}).
		Create(contact).Error)
}

// --- automations ---

// ActiveCommentAutomations loads active comment automations for the account,
// scoped to the post or unscoped. Stored order (creation order) is the
// evaluation order the engine relies on for its first-success tie-break.
func (s *Store) ActiveCommentAutomations(ctx context.Context, accountID, postID string) ([]models.Automation, error) {
	var autos []models.Automation
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND kind = ? AND active = ?", accountID, models.EventKindComment, true).
		Where("post_id IS NULL OR post_id = ?", postID).
		Order("created_at asc").
		Find(&autos).Error
	return autos, translate(err)
}

func (s *Store) ActiveMessageAutomations(ctx context.Context, accountID string) ([]models.Automation, error) {
	var autos []models.Automation
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND kind = ? AND active = ?", accountID, models.EventKindMessage, true).
		Order("created_at asc").
		Find(&autos).Error
	return autos, translate(err)
}

func (s *Store) InsertAutomation(ctx context.Context, auto *models.Automation) error {
	if auto.ID == "" {
		auto.ID = newID()
	}
	return translate(s.db.WithContext(ctx).Create(auto).Error)
}

// RecordAutomationTriggered bumps the cumulative counter and stamps the last
// trigger time after a successful send.
func (s *Store) RecordAutomationTriggered(ctx context.Context, automationID string, at time.Time) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Automation{}).
		Where("id = ?", automationID).
		Updates(map[string]interface{}{
			"sent_count":        gorm.Expr("sent_count + 1"),
			"last_triggered_at": at,
		}).Error)
}

// --- delivery records ---

// InsertDelivery records one send attempt. Writes are keyed on the
// (event id, automation id) unique index: a second attempt for the same pair
// overwrites the first instead of duplicating it, so a failed attempt that
// later succeeds converges on a single record.
func (s *Store) InsertDelivery(ctx context.Context, rec *models.DeliveryRecord) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	return translate(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "event_id"}, {Name: "automation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"body", "status", "error_detail", "kind", "sent_at",
			}),
		}).
		Create(rec).Error)
}

// SentDeliveryExistsForEvent reports whether any automation already delivered
// for the event id. Spans all automations; failed attempts do not count.
func (s *Store) SentDeliveryExistsForEvent(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.DeliveryRecord{}).
		Where("event_id = ? AND status = ?", eventID, models.DeliveryStatusSent).
		Count(&n).Error
	return n > 0, translate(err)
}

// SentDeliveryExistsSince reports whether the automation already delivered to
// the recipient inside the window. The message path's per-automation 24h
// dedup window reads through here.
func (s *Store) SentDeliveryExistsSince(ctx context.Context, automationID, recipientID string, since time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.DeliveryRecord{}).
		Where("automation_id = ? AND recipient_id = ? AND status = ? AND sent_at >= ?",
			automationID, recipientID, models.DeliveryStatusSent, since).
		Count(&n).Error
	return n > 0, translate(err)
}

// SentDeliveryCountSince counts sent records for the automation inside the
// window. The rate limiter recomputes this on every evaluation; no persisted
// counter is trusted for the decision.
func (s *Store) SentDeliveryCountSince(ctx context.Context, automationID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.DeliveryRecord{}).
		Where("automation_id = ? AND status = ? AND sent_at >= ?",
			automationID, models.DeliveryStatusSent, since).
		Count(&n).Error
	return n, translate(err)
}

func (s *Store) DeliveriesForEvent(ctx context.Context, eventID string) ([]models.DeliveryRecord, error) {
	var recs []models.DeliveryRecord
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Find(&recs).Error
	return recs, translate(err)
}

// --- comment replies ---

func (s *Store) CommentReplyExists(ctx context.Context, commentID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.CommentReply{}).
		Where("comment_id = ?", commentID).
		Count(&n).Error
	return n > 0, translate(err)
}

func (s *Store) InsertCommentReply(ctx context.Context, rec *models.CommentReply) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	return translate(s.db.WithContext(ctx).Create(rec).Error)
}

// --- chat history ---

func (s *Store) AppendChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = newID()
	}
	return translate(s.db.WithContext(ctx).Create(msg).Error)
}

// ChatHistory returns the thread with one remote user, oldest first.
func (s *Store) ChatHistory(ctx context.Context, accountID, senderID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND sender_id = ?", accountID, senderID).
		Order("sent_at asc").
		Find(&msgs).Error
	return msgs, translate(err)
}

// --- failures ---

func (s *Store) RecordFailure(ctx context.Context, scope, eventID, detail string) error {
	rec := models.FailureRecord{
		ID:        newID(),
		Scope:     scope,
		EventID:   eventID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	return translate(s.db.WithContext(ctx).Create(&rec).Error)
}

func (s *Store) FailuresForEvent(ctx context.Context, eventID string) ([]models.FailureRecord, error) {
	var recs []models.FailureRecord
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Find(&recs).Error
	return recs, translate(err)
}
