package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
)

// NewRouter wires the webhook and status endpoints behind the standard
// middleware chain.
func NewRouter(webhookPath string, webhook *WebhookHandler, status *StatusHandler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(webhookPath, webhook.Verify).Methods(http.MethodGet)
	r.HandleFunc(webhookPath, webhook.Receive).Methods(http.MethodPost)

	r.HandleFunc("/status/fanout", status.FanoutStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/fanout/events/{eventId}", status.OutcomeStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/fanout/events/{eventId}/retry", status.ForceRetry).Methods(http.MethodPost)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return alice.New(Recoverer, RequestLogger).Then(r)
}
