package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"instapilot/internal/engine"
	"instapilot/internal/models"
	"instapilot/internal/notify"
	"instapilot/internal/store"
)

// EventProcessor is what the webhook handler drives; the engine in
// production, a stub in tests.
type EventProcessor interface {
	HandleEvent(ctx context.Context, ev *models.InboundEvent) engine.Result
}

// WebhookHandler receives Graph webhook deliveries, verifies them, and feeds
// normalized events through the processor.
type WebhookHandler struct {
	store       *store.Store
	processor   EventProcessor
	fanout      *notify.Fanout
	verifyToken string
	appSecret   string
}

func NewWebhookHandler(st *store.Store, processor EventProcessor, fanout *notify.Fanout, verifyToken, appSecret string) *WebhookHandler {
	if processor == nil {
		log.Fatal().Msg("EventProcessor cannot be nil for WebhookHandler")
	}
	return &WebhookHandler{
		store:       st,
		processor:   processor,
		fanout:      fanout,
		verifyToken: verifyToken,
		appSecret:   appSecret,
	}
}

// Verify answers the platform's GET subscription handshake by echoing the
// challenge when the verify token matches.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken {
		log.Info().Msg("Webhook subscription verified")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)
		return
	}
	log.Warn().Str("mode", mode).Msg("Webhook verification rejected")
	http.Error(w, "verification failed", http.StatusForbidden)
}

// isValidSignature checks the X-Hub-Signature-256 HMAC over the raw body.
func (h *WebhookHandler) isValidSignature(body []byte, signature string) bool {
	if h.appSecret == "" {
		log.Warn().Msg("Webhook app secret not configured, skipping signature validation")
		return true
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Receive handles POSTed webhook deliveries. Each normalized event is stored,
// processed synchronously, and its outcome published to the fan-out. The
// platform always gets a 200 once the payload parses: processing failures are
// our problem, not a reason to ask for redelivery of the whole batch.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read webhook body")
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	if !h.isValidSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		log.Warn().Msg("Invalid webhook signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error().Err(err).Msg("Failed to decode webhook payload")
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	events := normalizeEvents(&payload)
	log.Info().Str("object", payload.Object).Int("events", len(events)).Msg("Webhook delivery received")

	for _, ev := range events {
		h.dispatch(r.Context(), ev)
	}

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "EVENT_RECEIVED")
}

func (h *WebhookHandler) dispatch(ctx context.Context, ev *models.InboundEvent) {
	if err := h.store.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			log.Debug().Str("externalID", ev.ExternalID).Msg("Event already ingested, skipping")
			return
		}
		log.Error().Err(err).Str("externalID", ev.ExternalID).Msg("Failed to store inbound event")
		return
	}

	res := h.processor.HandleEvent(ctx, ev)
	log.Info().
		Str("externalID", ev.ExternalID).
		Str("kind", string(ev.Kind)).
		Bool("success", res.Success).
		Bool("delivered", res.Delivered).
		Str("detail", res.Detail).
		Msg("Webhook event processed")

	h.fanout.PublishEventOutcome(ev, res.AccountID, res.Success, res.Delivered, res.Detail)
}
