package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Handler serves the read-only health surface: /healthz for a cheap
// liveness probe and /status for the full aggregated report. The report
// is cached briefly since the sub-checks issue several queries.
type Handler struct {
	agg *Aggregator

	mu        sync.Mutex
	cached    Report
	expiresAt time.Time
	cacheTTL  time.Duration
}

func NewHandler(agg *Aggregator, cacheTTL time.Duration) *Handler {
	if cacheTTL <= 0 {
		cacheTTL = 2 * time.Second
	}
	return &Handler{agg: agg, cacheTTL: cacheTTL}
}

// Register mounts the health routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleLiveness).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", h.handleStatus).Methods("GET", "OPTIONS")
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := h.report(r.Context())

	w.Header().Set("Content-Type", "application/json")
	switch report.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	case StatusDegraded:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}

func (h *Handler) report(ctx context.Context) Report {
	now := time.Now()
	h.mu.Lock()
	if now.Before(h.expiresAt) {
		cached := h.cached
		h.mu.Unlock()
		return cached
	}
	h.mu.Unlock()

	report := h.agg.Check(ctx)

	h.mu.Lock()
	h.cached = report
	h.expiresAt = time.Now().Add(h.cacheTTL)
	h.mu.Unlock()

	return report
}
