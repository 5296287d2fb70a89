package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// requestTimeout bounds how long a handler waits on the provider; Subscribe
// and Unsubscribe apply their own exchange-confirmation timeout on top of
// this, so it is a backstop rather than the primary bound.
const requestTimeout = 15 * time.Second

// Handlers adapts HTTP requests onto a Provider.
type Handlers struct {
	provider Provider
	logger   *slog.Logger
}

// NewHandlers creates Handlers over provider.
func NewHandlers(provider Provider, logger *slog.Logger) *Handlers {
	return &Handlers{provider: provider, logger: logger.With("component", "control-handlers")}
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Now: time.Now().UTC()})
}

// HandleStatus answers the collector's current partition/connection state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, h.provider.Status(ctx))
}

// HandleSubscribe adds instruments to this collector's owned set.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	h.handleMembershipChange(w, r, h.provider.Subscribe)
}

// HandleUnsubscribe removes instruments from this collector's owned set.
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	h.handleMembershipChange(w, r, h.provider.Unsubscribe)
}

func (h *Handlers) handleMembershipChange(w http.ResponseWriter, r *http.Request, apply func(context.Context, []string) SubscribeResponse) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Success: false, Error: "method not allowed"})
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Success: false, Error: "invalid request body: " + err.Error()})
		return
	}
	if len(req.Instruments) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Success: false, Error: "instruments must not be empty"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, apply(ctx, req.Instruments))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
