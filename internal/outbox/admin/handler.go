package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/model"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/repository"
	"github.com/gorilla/mux"
)

// Repo is the slice of Repository the admin surface needs.
type Repo interface {
	RedriveByEventType(ctx context.Context, eventType string) (int, error)
	RedriveById(ctx context.Context, id int64) (bool, error)
	FindByStatus(ctx context.Context, status model.Status, limit int) ([]model.Event, error)
	GetDeadLetterStats(ctx context.Context) ([]model.DeadLetterTypeStats, error)
}

// Sweeper triggers an out-of-band reaper pass; *reaper.Reaper satisfies
// this directly.
type Sweeper interface {
	SweepOnce(ctx context.Context) (int, error)
}

// Handler serves the operator endpoints: list dead-letter events, redrive
// by event type or by id, and trigger a manual reaper sweep.
type Handler struct {
	repo    Repo
	auth    *AuthMiddleware
	sweeper Sweeper // nil when the in-process reaper is disabled
}

func NewHandler(repo Repo, auth *AuthMiddleware, sweeper Sweeper) *Handler {
	return &Handler{repo: repo, auth: auth, sweeper: sweeper}
}

// Register mounts the admin routes behind the JWT middleware.
func (h *Handler) Register(r *mux.Router) {
	sub := r.PathPrefix("/admin").Subrouter()
	sub.Use(h.auth.Middleware)
	sub.HandleFunc("/dlq", h.handleListDeadLetter).Methods("GET", "OPTIONS")
	sub.HandleFunc("/dlq/stats", h.handleDeadLetterStats).Methods("GET", "OPTIONS")
	sub.HandleFunc("/dlq/redrive", h.handleRedriveByType).Methods("POST", "OPTIONS")
	sub.HandleFunc("/dlq/{id}/redrive", h.handleRedriveByID).Methods("POST", "OPTIONS")
	if h.sweeper != nil {
		sub.HandleFunc("/reaper/sweep", h.handleManualSweep).Methods("POST", "OPTIONS")
	}
}

func (h *Handler) handleManualSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.SweepOnce(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Printf("[admin] %s triggered a manual reaper sweep: %d event(s) recovered", SubjectFromContext(r.Context()), n)
	writeJSON(w, http.StatusOK, map[string]int{"recovered": n})
}

func (h *Handler) handleListDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit := 100
	events, err := h.repo.FindByStatus(r.Context(), model.StatusDeadLetter, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.GetDeadLetterStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type redriveByTypeRequest struct {
	EventType string `json:"event_type"`
}

func (h *Handler) handleRedriveByType(w http.ResponseWriter, r *http.Request) {
	var req redriveByTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	n, err := h.repo.RedriveByEventType(r.Context(), req.EventType)
	if err != nil {
		if err == repository.ErrMassRedriveRejected {
			http.Error(w, `{"error":"event_type is required; mass redrive without a filter is rejected"}`, http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Printf("[admin] %s redrove %d event(s) of type %q", SubjectFromContext(r.Context()), n, req.EventType)
	writeJSON(w, http.StatusOK, map[string]int{"redriven": n})
}

func (h *Handler) handleRedriveByID(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return
	}

	ok, err := h.repo.RedriveById(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"event not found in DEAD_LETTER"}`, http.StatusNotFound)
		return
	}

	log.Printf("[admin] %s redrove event %d", SubjectFromContext(r.Context()), id)
	writeJSON(w, http.StatusOK, map[string]bool{"redriven": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
