package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"instapilot/internal/engine"
	"instapilot/internal/instagram"
	"instapilot/internal/models"
)

// stubOutcomes records published outcomes in place of the fan-out.
type stubOutcomes struct {
	mu       sync.Mutex
	outcomes []publishedOutcome
}

type publishedOutcome struct {
	EventID   string
	AccountID string
	Success   bool
	Delivered bool
}

func (s *stubOutcomes) PublishEventOutcome(ev *models.InboundEvent, accountID string, success, delivered bool, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, publishedOutcome{
		EventID:   ev.ID,
		AccountID: accountID,
		Success:   success,
		Delivered: delivered,
	})
}

func (s *stubOutcomes) published() []publishedOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishedOutcome(nil), s.outcomes...)
}

func TestPollerReprocessesUnprocessedEvents(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acct := seedAccount(t, st)
	seedPost(t, st, acct)
	seedCommentAutomation(t, st, acct, nil)

	// Stored but never processed, as if the synchronous path died mid-way.
	ev := commentEvent(t, st, "c1", "send me the link")

	msg := &stubMessaging{}
	eng := engine.New(st, msg)
	poller := engine.NewPoller(eng, st, nil, time.Minute, 10)

	poller.Sweep(ctx)

	require.Equal(t, 1, msg.sentCount())
	stored, err := st.EventByExternalID(ctx, ev.ExternalID)
	require.NoError(t, err)
	require.True(t, stored.Processed)
}

func TestPollerSkipsStaleEvents(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acct := seedAccount(t, st)
	seedPost(t, st, acct)
	seedCommentAutomation(t, st, acct, nil)

	ev := &models.InboundEvent{
		ExternalID:   "old1",
		Kind:         models.EventKindComment,
		SenderID:     "u1",
		SenderHandle: "alice",
		RecipientID:  "ig-acct-1",
		MediaID:      "media-1",
		Text:         "link",
		ReceivedAt:   time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, st.InsertEvent(ctx, ev))

	msg := &stubMessaging{}
	eng := engine.New(st, msg)
	engine.NewPoller(eng, st, nil, time.Minute, 10).Sweep(ctx)

	require.Equal(t, 0, msg.sentCount())
	stored, err := st.EventByExternalID(ctx, "old1")
	require.NoError(t, err)
	require.True(t, stored.Processed)
	require.True(t, stored.Skipped)
}

func TestPollerIsolatesEventFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acct := seedAccount(t, st)
	seedPost(t, st, acct)
	seedCommentAutomation(t, st, acct, nil)

	// First event references an unknown media id and a recipient with no
	// account: terminal resolution failure. The second is fine.
	bad := &models.InboundEvent{
		ExternalID:  "bad1",
		Kind:        models.EventKindComment,
		SenderID:    "u2",
		RecipientID: "nobody",
		MediaID:     "mystery-media",
		Text:        "link",
		ReceivedAt:  time.Now().Add(-time.Minute),
	}
	require.NoError(t, st.InsertEvent(ctx, bad))
	good := commentEvent(t, st, "c1", "the link please")

	msg := &stubMessaging{}
	eng := engine.New(st, msg)
	engine.NewPoller(eng, st, nil, time.Minute, 10).Sweep(ctx)

	require.Equal(t, 1, msg.sentCount())

	storedBad, err := st.EventByExternalID(ctx, "bad1")
	require.NoError(t, err)
	require.True(t, storedBad.Processed)
	require.True(t, storedBad.Skipped)

	storedGood, err := st.EventByExternalID(ctx, good.ExternalID)
	require.NoError(t, err)
	require.True(t, storedGood.Processed)
}

func TestPollerPublishesOutcomes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acct := seedAccount(t, st)
	seedPost(t, st, acct)
	seedCommentAutomation(t, st, acct, nil)

	ev := commentEvent(t, st, "c1", "send me the link")

	msg := &stubMessaging{}
	eng := engine.New(st, msg)
	sink := &stubOutcomes{}
	engine.NewPoller(eng, st, sink, time.Minute, 10).Sweep(ctx)

	published := sink.published()
	require.Len(t, published, 1)
	require.Equal(t, ev.ID, published[0].EventID)
	require.Equal(t, acct.ID, published[0].AccountID)
	require.True(t, published[0].Success)
	require.True(t, published[0].Delivered)
}

func TestBackfillerIngestsMissedComments(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acct := seedAccount(t, st)
	seedPost(t, st, acct)
	seedCommentAutomation(t, st, acct, nil)

	msg := &stubMessaging{
		comments: []instagram.Comment{
			{ID: "c-missed", Text: "where is the link?", AuthorID: "u5", AuthorHandle: "bob", Timestamp: time.Now().Add(-time.Minute)},
		},
	}
	eng := engine.New(st, msg)
	engine.NewBackfiller(eng, st, msg, nil, time.Minute).Sweep(ctx)

	require.Equal(t, 1, msg.sentCount())
	stored, err := st.EventByExternalID(ctx, "c-missed")
	require.NoError(t, err)
	require.True(t, stored.Processed)

	// A second sweep returning the same comment must not re-ingest it.
	engine.NewBackfiller(eng, st, msg, nil, time.Minute).Sweep(ctx)
	require.Equal(t, 1, msg.sentCount())
}

func TestBackfillerPublishesOutcomes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acct := seedAccount(t, st)
	seedPost(t, st, acct)
	seedCommentAutomation(t, st, acct, nil)

	msg := &stubMessaging{
		comments: []instagram.Comment{
			{ID: "c-missed", Text: "link?", AuthorID: "u5", AuthorHandle: "bob", Timestamp: time.Now().Add(-time.Minute)},
		},
	}
	eng := engine.New(st, msg)
	sink := &stubOutcomes{}
	engine.NewBackfiller(eng, st, msg, sink, time.Minute).Sweep(ctx)

	published := sink.published()
	require.Len(t, published, 1)
	require.Equal(t, acct.ID, published[0].AccountID)
	require.True(t, published[0].Delivered)
}

func TestRefresherFlagsAccountOnFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acct := seedAccount(t, st)
	acct.TokenExpiresAt = time.Now().Add(24 * time.Hour) // inside the 7-day window
	require.NoError(t, st.UpdateAccount(ctx, acct))

	msg := &stubMessaging{refreshErr: context.DeadlineExceeded}
	engine.NewRefresher(st, msg, time.Hour).Sweep(ctx)

	updated, err := st.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, updated.NeedsReconnect)
}

func TestRefresherRotatesToken(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	acct := seedAccount(t, st)
	acct.TokenExpiresAt = time.Now().Add(24 * time.Hour)
	require.NoError(t, st.UpdateAccount(ctx, acct))

	msg := &stubMessaging{refreshed: "IGQVJnewtoken"}
	engine.NewRefresher(st, msg, time.Hour).Sweep(ctx)

	updated, err := st.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, "IGQVJnewtoken", updated.AccessToken)
	require.False(t, updated.NeedsReconnect)
	require.True(t, updated.TokenExpiresAt.After(time.Now().Add(30*24*time.Hour)))
}
