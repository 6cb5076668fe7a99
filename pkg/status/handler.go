package status

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tinypipe/tinypipe/pkg/httpx"
)

// Snapshot is the read-only view of pipeline state served to the
// external API layer.
type Snapshot struct {
	MinuteBufferSize int     `json:"minute_buffer_size"`
	SaveQueueSize    int     `json:"save_queue_size"`
	LastValue        float64 `json:"last_value"`
	LastSeenAt       string  `json:"last_seen_at,omitempty"`
	LastSavedMinute  string  `json:"last_saved_minute,omitempty"`
	LastSlot         string  `json:"last_slot,omitempty"`
	Processing       bool    `json:"is_processing"`
	FeedState        string  `json:"feed_state"`

	Accepted uint64 `json:"accepted_total"`
	Rejected uint64 `json:"rejected_total"`
	Dropped  uint64 `json:"dropped_total"`

	Jobs map[string]JobStatus `json:"jobs,omitempty"`
}

// Controller is the pipeline's operational surface: one snapshot query
// plus synchronous manual triggers for debugging.
type Controller interface {
	Snapshot() Snapshot
	ForceFlush(ctx context.Context) error
	ForceAggregate(ctx context.Context) (int, error)
	ForceDailyExport(ctx context.Context) error
	ForceBatchExport(ctx context.Context) error
	ForceCleanup(ctx context.Context) error
	ForceReconnect() error
}

// Handler serves the status/control HTTP surface.
type Handler struct {
	controller Controller
}

// NewHandler creates a handler over the given controller.
func NewHandler(c Controller) *Handler {
	return &Handler{controller: c}
}

// Register mounts the status and ops routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/ops/flush", h.opHandler(h.controller.ForceFlush)).Methods(http.MethodPost)
	r.HandleFunc("/v1/ops/aggregate", h.handleAggregate).Methods(http.MethodPost)
	r.HandleFunc("/v1/ops/export-daily", h.opHandler(h.controller.ForceDailyExport)).Methods(http.MethodPost)
	r.HandleFunc("/v1/ops/export-batch", h.opHandler(h.controller.ForceBatchExport)).Methods(http.MethodPost)
	r.HandleFunc("/v1/ops/cleanup", h.opHandler(h.controller.ForceCleanup)).Methods(http.MethodPost)
	r.HandleFunc("/v1/ops/reconnect", h.handleReconnect).Methods(http.MethodPost)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *Handler) opHandler(op func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	created, err := h.controller.ForceAggregate(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"status": "ok", "aggregates_created": created})
}

func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.ForceReconnect(); err != nil {
		httpx.RespondError(w, http.StatusConflict, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}
