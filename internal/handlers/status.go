package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"instapilot/internal/notify"
)

// StatusHandler exposes fan-out state for monitoring and manual retries.
type StatusHandler struct {
	fanout *notify.Fanout
}

func NewStatusHandler(fanout *notify.Fanout) *StatusHandler {
	return &StatusHandler{fanout: fanout}
}

func (h *StatusHandler) respondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// FanoutStatus reports the fan-out's pending-outcome count.
func (h *StatusHandler) FanoutStatus(w http.ResponseWriter, r *http.Request) {
	if h.fanout == nil {
		http.Error(w, "fan-out not initialized", http.StatusServiceUnavailable)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "running",
		"pending_outcomes": h.fanout.PendingCount(),
	})
}

// OutcomeStatus reports the tracked state of one pending outcome.
func (h *StatusHandler) OutcomeStatus(w http.ResponseWriter, r *http.Request) {
	if h.fanout == nil {
		http.Error(w, "fan-out not initialized", http.StatusServiceUnavailable)
		return
	}
	eventID := mux.Vars(r)["eventId"]
	outcome, attempts, ok := h.fanout.PendingOutcome(eventID)
	if !ok {
		http.Error(w, "outcome not found or already delivered", http.StatusNotFound)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"outcome":  outcome,
		"attempts": attempts,
	})
}

// ForceRetry re-drives one pending outcome immediately.
func (h *StatusHandler) ForceRetry(w http.ResponseWriter, r *http.Request) {
	if h.fanout == nil {
		http.Error(w, "fan-out not initialized", http.StatusServiceUnavailable)
		return
	}
	eventID := mux.Vars(r)["eventId"]
	if !h.fanout.ForceRetry(eventID) {
		http.Error(w, "outcome not found", http.StatusNotFound)
		return
	}
	log.Info().Str("eventID", eventID).Msg("Manual fan-out retry triggered")
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "retry triggered"})
}
