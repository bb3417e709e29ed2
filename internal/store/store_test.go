package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"instapilot/internal/db"
	"instapilot/internal/models"
	"instapilot/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.Open("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, models.AllModels()...))
	return store.New(gdb)
}

func TestInsertDeliveryConvergesOnSingleRecord(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first := &models.DeliveryRecord{
		AutomationID: "a1",
		EventID:      "c1",
		RecipientID:  "u1",
		Status:       models.DeliveryStatusFailed,
		ErrorDetail:  "timeout",
		Kind:         models.DeliveryKindOpening,
		SentAt:       time.Now().Add(-time.Minute),
	}
	require.NoError(t, st.InsertDelivery(ctx, first))

	// A later attempt for the same (event, automation) pair overwrites
	// instead of duplicating.
	second := &models.DeliveryRecord{
		AutomationID: "a1",
		EventID:      "c1",
		RecipientID:  "u1",
		Status:       models.DeliveryStatusSent,
		Kind:         models.DeliveryKindOpening,
		SentAt:       time.Now(),
	}
	require.NoError(t, st.InsertDelivery(ctx, second))

	recs, err := st.DeliveriesForEvent(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, models.DeliveryStatusSent, recs[0].Status)
}

func TestSentDeliveryExistsForEventIgnoresFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.InsertDelivery(ctx, &models.DeliveryRecord{
		AutomationID: "a1",
		EventID:      "c1",
		RecipientID:  "u1",
		Status:       models.DeliveryStatusFailed,
		Kind:         models.DeliveryKindOpening,
		SentAt:       time.Now(),
	}))

	exists, err := st.SentDeliveryExistsForEvent(ctx, "c1")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, st.InsertDelivery(ctx, &models.DeliveryRecord{
		AutomationID: "a2",
		EventID:      "c1",
		RecipientID:  "u1",
		Status:       models.DeliveryStatusSent,
		Kind:         models.DeliveryKindOpening,
		SentAt:       time.Now(),
	}))

	exists, err = st.SentDeliveryExistsForEvent(ctx, "c1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestSentDeliveryCountSinceWindow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now()
	for i, rec := range []*models.DeliveryRecord{
		{AutomationID: "a1", EventID: "e1", Status: models.DeliveryStatusSent, SentAt: now.Add(-10 * time.Minute)},
		{AutomationID: "a1", EventID: "e2", Status: models.DeliveryStatusSent, SentAt: now.Add(-50 * time.Minute)},
		{AutomationID: "a1", EventID: "e3", Status: models.DeliveryStatusSent, SentAt: now.Add(-2 * time.Hour)}, // outside window
		{AutomationID: "a1", EventID: "e4", Status: models.DeliveryStatusFailed, SentAt: now},                   // failed, no count
		{AutomationID: "a2", EventID: "e5", Status: models.DeliveryStatusSent, SentAt: now},                     // other automation
	} {
		rec.RecipientID = "u1"
		rec.Kind = models.DeliveryKindOpening
		require.NoError(t, st.InsertDelivery(ctx, rec), "record %d", i)
	}

	n, err := st.SentDeliveryCountSince(ctx, "a1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestMarkEventProcessedIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	ev := &models.InboundEvent{
		ExternalID: "c1",
		Kind:       models.EventKindComment,
		ReceivedAt: time.Now(),
	}
	require.NoError(t, st.InsertEvent(ctx, ev))

	require.NoError(t, st.MarkEventProcessed(ctx, ev.ID, false, ""))
	// Re-marking with a skip must not alter the already processed event.
	require.NoError(t, st.MarkEventProcessed(ctx, ev.ID, true, "late skip"))

	stored, err := st.EventByExternalID(ctx, "c1")
	require.NoError(t, err)
	require.True(t, stored.Processed)
	require.False(t, stored.Skipped)
	require.Empty(t, stored.SkipReason)
}

func TestUnprocessedEventsOldestFirst(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now()
	for _, ev := range []*models.InboundEvent{
		{ExternalID: "newest", Kind: models.EventKindComment, ReceivedAt: now},
		{ExternalID: "oldest", Kind: models.EventKindComment, ReceivedAt: now.Add(-2 * time.Hour)},
		{ExternalID: "middle", Kind: models.EventKindComment, ReceivedAt: now.Add(-time.Hour)},
	} {
		require.NoError(t, st.InsertEvent(ctx, ev))
	}

	evs, err := st.UnprocessedEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, "oldest", evs[0].ExternalID)
	require.Equal(t, "middle", evs[1].ExternalID)
}

func TestDuplicateEventInsertRejected(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.InsertEvent(ctx, &models.InboundEvent{
		ExternalID: "c1", Kind: models.EventKindComment, ReceivedAt: time.Now(),
	}))
	err := st.InsertEvent(ctx, &models.InboundEvent{
		ExternalID: "c1", Kind: models.EventKindComment, ReceivedAt: time.Now(),
	})
	require.ErrorIs(t, err, store.ErrDuplicate)
}

func TestUpsertContactUpdatesExisting(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.UpsertContact(ctx, &models.Contact{
		AccountID:     "acct1",
		SenderID:      "u1",
		Handle:        "alice",
		LastMessage:   "hi",
		LastMessageAt: time.Now().Add(-time.Hour),
		Unread:        true,
	}))
	require.NoError(t, st.UpsertContact(ctx, &models.Contact{
		AccountID:     "acct1",
		SenderID:      "u1",
		Handle:        "alice_renamed",
		LastMessage:   "hello again",
		LastMessageAt: time.Now(),
		Unread:        true,
	}))

	contact, err := st.ContactBySender(ctx, "acct1", "u1")
	require.NoError(t, err)
	require.Equal(t, "alice_renamed", contact.Handle)
	require.Equal(t, "hello again", contact.LastMessage)
}

func TestActiveCommentAutomationsScopingAndOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	postID := "post-1"
	otherPost := "post-2"
	for _, auto := range []*models.Automation{
		{AccountID: "acct1", Kind: models.EventKindComment, Keyword: "a", Active: true, PostID: &postID},
		{AccountID: "acct1", Kind: models.EventKindComment, Keyword: "b", Active: true},                      // unscoped, any post
		{AccountID: "acct1", Kind: models.EventKindComment, Keyword: "c", Active: true, PostID: &otherPost},  // other post
		{AccountID: "acct1", Kind: models.EventKindComment, Keyword: "d", Active: false, PostID: &postID},    // inactive
		{AccountID: "acct2", Kind: models.EventKindComment, Keyword: "e", Active: true, PostID: &postID},     // other account
		{AccountID: "acct1", Kind: models.EventKindMessage, Keyword: "f", Active: true},                      // wrong kind
	} {
		require.NoError(t, st.InsertAutomation(ctx, auto))
		time.Sleep(time.Millisecond) // keep created_at strictly ordered
	}

	autos, err := st.ActiveCommentAutomations(ctx, "acct1", postID)
	require.NoError(t, err)
	require.Len(t, autos, 2)
	require.Equal(t, "a", autos[0].Keyword)
	require.Equal(t, "b", autos[1].Keyword)
}

func TestAccountsExpiringWithin(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.InsertAccount(ctx, &models.Account{
		ExternalID: "soon", Username: "a", AccessToken: "t",
		TokenExpiresAt: time.Now().Add(3 * 24 * time.Hour),
	}))
	require.NoError(t, st.InsertAccount(ctx, &models.Account{
		ExternalID: "later", Username: "b", AccessToken: "t",
		TokenExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	}))
	require.NoError(t, st.InsertAccount(ctx, &models.Account{
		ExternalID: "flagged", Username: "c", AccessToken: "t",
		TokenExpiresAt: time.Now().Add(3 * 24 * time.Hour), NeedsReconnect: true,
	}))

	accts, err := st.AccountsExpiringWithin(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, accts, 1)
	require.Equal(t, "soon", accts[0].ExternalID)
}
