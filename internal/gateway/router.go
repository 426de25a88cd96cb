package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"solana-custody/internal/observability"
)

const maxEventBytes = 64 << 10

// TokenHeader carries the shared bridge token.
const TokenHeader = "X-Gateway-Token"

type eventsResponse struct {
	Replies []Reply `json:"replies"`
}

type outboxResponse struct {
	Notifications []Notification `json:"notifications"`
}

// Routes returns the webhook API. A non-empty token is required on every
// request in TokenHeader.
func (h *Handler) Routes(token string, metrics *observability.Metrics) http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(timed(metrics))
	if token != "" {
		router.Use(requireToken(token))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.PostEvent)
		r.Get("/outbox/{owner}", h.GetOutbox)
	})
	return router
}

// PostEvent handles one chat event and returns its replies.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	var ev Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if ev.Owner == "" {
		respondError(w, http.StatusBadRequest, "owner is required")
		return
	}
	if ev.Kind != EventText && ev.Kind != EventCallback {
		respondError(w, http.StatusBadRequest, "kind must be text or callback")
		return
	}

	replies := h.Handle(r.Context(), ev)
	respondJSON(w, http.StatusOK, eventsResponse{Replies: replies})
}

// GetOutbox returns queued notifications after the optional ?after= sequence.
func (h *Handler) GetOutbox(w http.ResponseWriter, r *http.Request) {
	if h.Outbox == nil {
		respondError(w, http.StatusNotFound, "outbox disabled")
		return
	}
	owner := chi.URLParam(r, "owner")

	var after int64
	if s := r.URL.Query().Get("after"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	list, err := h.Outbox.Since(r.Context(), owner, after)
	if err != nil {
		h.log.WithError(err).WithField("owner", owner).Error("outbox read failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, outboxResponse{Notifications: list})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(TokenHeader))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// timed records request latency per route pattern.
func timed(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.RecordHTTPLatency("gateway", r.Method+" "+route, time.Since(start))
		})
	}
}
