package models

import (
	"time"
)

// EventKind discriminates the two inbound event shapes.
type EventKind string

const (
	EventKindComment EventKind = "comment"
	EventKindMessage EventKind = "message"
)

// DeliveryStatus represents the outcome of one outbound send attempt.
type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "sent"
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// DeliveryKind classifies what kind of outbound message a record covers.
type DeliveryKind string

const (
	DeliveryKindOpening DeliveryKind = "opening"
	DeliveryKindDirect  DeliveryKind = "direct"
	DeliveryKindReply   DeliveryKind = "reply"
)

// TriggerAny is the sentinel keyword that matches every event text.
const TriggerAny = "any"

// Account is one connected Instagram identity. Accounts are created on OAuth
// connect (outside this service), mutated by token refresh, and soft-flagged
// instead of hard-deleted.
type Account struct {
	ID             string `gorm:"primaryKey"`
	ExternalID     string `gorm:"uniqueIndex;comment:IG user id on the platform side"`
	Username       string
	AccessToken    string
	TokenExpiresAt time.Time
	NeedsReconnect bool
	Disabled       bool
	WebhookURL     string `gorm:"comment:optional per-account outcome webhook"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Post is a piece of content owned by an Account, created lazily the first
// time a comment references an unknown media id.
type Post struct {
	ID        string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	MediaID   string `gorm:"uniqueIndex;comment:IG media id"`
	Caption   string
	Permalink string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InboundEvent is one received comment or message. The Processed flag moves
// unprocessed -> processed exactly once and never reverses.
type InboundEvent struct {
	ID           string    `gorm:"primaryKey"`
	ExternalID   string    `gorm:"uniqueIndex;comment:comment id or message id on the platform side"`
	Kind         EventKind `gorm:"index"`
	SenderID     string
	SenderHandle string
	RecipientID  string `gorm:"comment:IG id of the account the event targets"`
	MediaID      string `gorm:"comment:set for comment events only"`
	Text         string
	Echo         bool `gorm:"comment:platform notification of our own outbound message"`
	ReceivedAt   time.Time
	Processed    bool `gorm:"index"`
	Skipped      bool
	SkipReason   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contact is an account-scoped record of a remote user who has messaged in.
type Contact struct {
	ID            string `gorm:"primaryKey"`
	AccountID     string `gorm:"uniqueIndex:ux_account_sender,priority:1"`
	SenderID      string `gorm:"uniqueIndex:ux_account_sender,priority:2"`
	Handle        string
	LastMessage   string
	LastMessageAt time.Time
	Unread        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Automation is a user-defined keyword -> reply/DM rule.
type Automation struct {
	ID              string  `gorm:"primaryKey"`
	AccountID       string  `gorm:"index"`
	PostID          *string `gorm:"index;comment:nil means any post of the account"`
	Kind            EventKind
	Keyword         string `gorm:"default:any"`
	Active          bool   `gorm:"index"`
	Message         string
	AddBranding     *bool `gorm:"comment:nil defaults to true"`
	ReplyToComments bool
	CommentReply    string
	RateLimit       int `gorm:"comment:max sends per rolling hour, 0 means default"`
	SentCount       int
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BrandingEnabled reports whether the branding suffix should be appended.
// Only an explicit false disables it.
func (a *Automation) BrandingEnabled() bool {
	return a.AddBranding == nil || *a.AddBranding
}

// EffectiveRateLimit returns the per-hour send cap, applying the default.
func (a *Automation) EffectiveRateLimit() int {
	if a.RateLimit <= 0 {
		return DefaultRateLimit
	}
	return a.RateLimit
}

// DefaultRateLimit caps sends per automation per rolling hour when the rule
// does not set its own limit.
const DefaultRateLimit = 10

// DeliveryRecord logs one attempted outbound send. The composite unique index
// on (event id, automation id) closes the check-then-insert race at the
// storage layer: a second insert for the same pair fails instead of
// duplicating a send record.
type DeliveryRecord struct {
	ID              string `gorm:"primaryKey"`
	AutomationID    string `gorm:"uniqueIndex:ux_event_automation,priority:2"`
	EventID         string `gorm:"uniqueIndex:ux_event_automation,priority:1;comment:correlated comment or message id"`
	RecipientID     string `gorm:"index"`
	RecipientHandle string
	Body            string
	Status          DeliveryStatus `gorm:"index"`
	ErrorDetail     string
	Kind            DeliveryKind
	SentAt          time.Time `gorm:"index"`
}

// CommentReply logs one attempted public reply to a comment. Tracked apart
// from DM delivery so a comment is replied to at most once no matter how many
// automations match it.
type CommentReply struct {
	ID           string `gorm:"primaryKey"`
	CommentID    string `gorm:"uniqueIndex"`
	AutomationID string
	Body         string
	Status       DeliveryStatus
	ErrorDetail  string
	SentAt       time.Time
}

// ChatMessage mirrors one inbound or outbound DM for UI chat history.
type ChatMessage struct {
	ID        string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	SenderID  string `gorm:"index;comment:remote user the thread belongs to"`
	Direction string `gorm:"comment:in or out"`
	Body      string
	SentAt    time.Time
}

// FailureRecord captures a boundary error so the process never crashes on a
// repository or handler failure.
type FailureRecord struct {
	ID        string `gorm:"primaryKey"`
	Scope     string
	EventID   string
	Detail    string `gorm:"type:text"`
	CreatedAt time.Time
}

// AllModels lists every persisted type for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Account{},
		&Post{},
		&InboundEvent{},
		&Contact{},
		&Automation{},
		&DeliveryRecord{},
		&CommentReply{},
		&ChatMessage{},
		&FailureRecord{},
	}
}
