// Package api exposes the task service over HTTP. Handlers translate
// between JSON and the dispatcher; error kinds map onto status codes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/vnmchuo/llm-taskd/internal/archive"
	"github.com/vnmchuo/llm-taskd/internal/dispatcher"
	apperrors "github.com/vnmchuo/llm-taskd/internal/errors"
	"github.com/vnmchuo/llm-taskd/internal/task"
	"github.com/vnmchuo/llm-taskd/pkg/ratelimit"
)

// Service is the slice of the dispatcher the HTTP layer consumes.
type Service interface {
	Submit(ctx context.Context, prompt string) (*task.Task, error)
	Status(ctx context.Context, id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) error
	ListRecent(ctx context.Context) (*dispatcher.QueueSnapshot, error)
	Stats(ctx context.Context) (map[task.Status]int64, error)
	Health(ctx context.Context) error
}

type Handler struct {
	service Service
	history archive.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewHandler wires the HTTP surface. history may be nil, which disables
// the /tasks/history endpoint.
func NewHandler(service Service, history archive.Store, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		history: history,
		limiter: limiter,
		logger:  logger.With("component", "api"),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HandleIndex)
	r.Post("/submit", h.HandleSubmit)
	r.Get("/status/{task_id}", h.HandleStatus)
	r.Delete("/cancel/{task_id}", h.HandleCancel)
	r.Get("/tasks/recent", h.HandleRecent)
	r.Get("/tasks/stats", h.HandleStats)
	r.Get("/tasks/history", h.HandleHistory)
	r.Get("/health", h.HandleHealth)
	r.Get("/healthz", h.HandleHealthz)
	return r
}

func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "llm-taskd",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"submit":  "POST /submit",
			"status":  "GET /status/{task_id}",
			"cancel":  "DELETE /cancel/{task_id}",
			"recent":  "GET /tasks/recent",
			"stats":   "GET /tasks/stats",
			"history": "GET /tasks/history",
			"health":  "GET /health",
		},
	})
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}

	// Roughly four characters per token; charged before validation so
	// abusive clients burn budget either way.
	estimatedTokens := utf8.RuneCountInString(req.Prompt) / 4
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}

	allowed, err := h.limiter.Allow(r.Context(), clientIP(r), estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60s")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	rec, err := h.service.Submit(r.Context(), req.Prompt)
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "submit failed", "error", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"task_id": rec.ID,
		"status":  string(rec.Status),
		"message": "Task submitted successfully",
	})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	rec, err := h.service.Status(r.Context(), id)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	resp := map[string]interface{}{
		"task_id": rec.ID,
		"status":  string(rec.Status),
	}
	if rec.Result != nil {
		resp["result"] = rec.Result
	}
	if rec.Error != nil {
		resp["error"] = rec.Error
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	if err := h.service.Cancel(r.Context(), id); err != nil {
		h.logger.ErrorContext(r.Context(), "cancel failed", "task_id", id, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"message": fmt.Sprintf("Task %s cancellation requested", id),
	})
}

func (h *Handler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.ListRecent(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"active_tasks":    snap.Active,
		"scheduled_tasks": snap.Scheduled,
		"reserved_tasks":  snap.Reserved,
	})
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.Stats(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	resp := make(map[string]int64, len(counts))
	for state, n := range counts {
		resp[string(state)] = n
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "task history disabled"})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid 'limit' parameter"})
			return
		}
		limit = n
	}

	records, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "history query failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count": len(records),
		"tasks": records,
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Health(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "llm-taskd",
	})
}

func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// statusFor maps error kinds onto HTTP status codes. invalid_transition
// never reaches the API; the dispatcher swallows those races.
func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusUnprocessableEntity
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
