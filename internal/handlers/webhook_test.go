package handlers_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"instapilot/internal/db"
	"instapilot/internal/engine"
	"instapilot/internal/handlers"
	"instapilot/internal/models"
	"instapilot/internal/notify"
	"instapilot/internal/store"
)

type stubProcessor struct {
	mu        sync.Mutex
	accountID string
	events    []*models.InboundEvent
}

func (p *stubProcessor) HandleEvent(_ context.Context, ev *models.InboundEvent) engine.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return engine.Result{Success: true, Delivered: true, AccountID: p.accountID, Detail: "delivered"}
}

func (p *stubProcessor) handled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.Open("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, models.AllModels()...))
	return store.New(gdb)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func commentPayload(commentID string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "instagram",
		"entry": [{
			"id": "ig-acct-1",
			"time": %d,
			"changes": [{
				"field": "comments",
				"value": {
					"id": %q,
					"text": "send me the link please",
					"from": {"id": "user-9", "username": "buyer"},
					"media": {"id": "media-1"}
				}
			}]
		}]
	}`, time.Now().Unix(), commentID))
}

func TestVerifyHandshake(t *testing.T) {
	h := handlers.NewWebhookHandler(newTestStore(t), &stubProcessor{}, nil, "verify-me", "")

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/instagram?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	h.Verify(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "12345", rec.Body.String())
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	h := handlers.NewWebhookHandler(newTestStore(t), &stubProcessor{}, nil, "verify-me", "")

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/instagram?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	h.Verify(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	proc := &stubProcessor{}
	h := handlers.NewWebhookHandler(newTestStore(t), proc, nil, "verify-me", "app-secret")

	body := commentPayload("c1")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	h.Receive(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, proc.handled())
}

func TestReceiveStoresAndProcessesComment(t *testing.T) {
	st := newTestStore(t)
	proc := &stubProcessor{}
	h := handlers.NewWebhookHandler(st, proc, nil, "verify-me", "app-secret")

	body := commentPayload("c1")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	rec := httptest.NewRecorder()
	h.Receive(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "EVENT_RECEIVED", rec.Body.String())
	require.Equal(t, 1, proc.handled())

	stored, err := st.EventByExternalID(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, models.EventKindComment, stored.Kind)
	require.Equal(t, "user-9", stored.SenderID)
	require.Equal(t, "buyer", stored.SenderHandle)
	require.Equal(t, "media-1", stored.MediaID)
	require.Equal(t, "ig-acct-1", stored.RecipientID)
}

func TestReceiveIgnoresRedelivery(t *testing.T) {
	st := newTestStore(t)
	proc := &stubProcessor{}
	h := handlers.NewWebhookHandler(st, proc, nil, "verify-me", "app-secret")

	body := commentPayload("c1")
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
		rec := httptest.NewRecorder()
		h.Receive(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Equal(t, 1, proc.handled())
}

func TestReceiveNormalizesMessage(t *testing.T) {
	st := newTestStore(t)
	proc := &stubProcessor{}
	h := handlers.NewWebhookHandler(st, proc, nil, "verify-me", "")

	body := []byte(fmt.Sprintf(`{
		"object": "instagram",
		"entry": [{
			"id": "ig-acct-1",
			"time": %d,
			"messaging": [{
				"sender": {"id": "user-9"},
				"recipient": {"id": "ig-acct-1"},
				"timestamp": %d,
				"message": {"mid": "m1", "text": "what is the price", "is_echo": false}
			}]
		}]
	}`, time.Now().Unix(), time.Now().UnixMilli()))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Receive(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, proc.handled())

	stored, err := st.EventByExternalID(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, models.EventKindMessage, stored.Kind)
	require.False(t, stored.Echo)
	require.Equal(t, "what is the price", stored.Text)
}

func TestReceivePublishesToAccountWebhook(t *testing.T) {
	st := newTestStore(t)

	var hits atomic.Int32
	var lastEventID atomic.Value
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		lastEventID.Store(r.FormValue("eventId"))
	}))
	defer target.Close()

	acct := &models.Account{
		ExternalID:  "ig-acct-1",
		Username:    "shopowner",
		AccessToken: "IGQVJvalidtoken",
		WebhookURL:  target.URL,
	}
	require.NoError(t, st.InsertAccount(context.Background(), acct))

	proc := &stubProcessor{accountID: acct.ID}
	fanout := notify.NewFanout(st, "", nil)
	h := handlers.NewWebhookHandler(st, proc, fanout, "verify-me", "app-secret")

	body := commentPayload("c1")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	rec := httptest.NewRecorder()
	h.Receive(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		return hits.Load() == 1
	}, 2*time.Second, 20*time.Millisecond)

	stored, err := st.EventByExternalID(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, stored.ID, lastEventID.Load())
}

func TestReceiveIgnoresUnsupportedField(t *testing.T) {
	st := newTestStore(t)
	proc := &stubProcessor{}
	h := handlers.NewWebhookHandler(st, proc, nil, "verify-me", "")

	body := []byte(`{
		"object": "instagram",
		"entry": [{
			"id": "ig-acct-1",
			"changes": [{
				"field": "mentions",
				"value": {"id": "mention-1", "text": "look at this"}
			}]
		}]
	}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Receive(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, proc.handled())

	_, err := st.EventByExternalID(context.Background(), "mention-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReceiveRejectsMalformedJSON(t *testing.T) {
	h := handlers.NewWebhookHandler(newTestStore(t), &stubProcessor{}, nil, "verify-me", "")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.Receive(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
