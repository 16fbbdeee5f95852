// Package api serves the node's HTTP status and control API
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/edgedash/pkg/auth"
	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/metrics"
	"github.com/psantana5/edgedash/pkg/middleware"
	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/registry"
	"github.com/psantana5/edgedash/pkg/scheduler"
	"github.com/psantana5/edgedash/pkg/store"
	"github.com/psantana5/edgedash/pkg/tracing"
)

const defaultHistoryLimit = 50

// Endpoints is the registry surface the API controls
type Endpoints interface {
	All() []models.Endpoint
	Get(id string) (models.Endpoint, bool)
	Connect(ctx context.Context, id string) error
	Disconnect(id string) error
	Remove(id string) error
	ConfirmConnection(id string, accept bool) error
}

// Queue is the dispatcher surface the API reports on
type Queue interface {
	Queue() []models.Message
	DispatchCount() int
	Cancel(name string) bool
	History(limit int) ([]store.Record, error)
}

// Settings can be changed at runtime through the API
type Settings interface {
	SchedulingPolicy() scheduler.Key
	LocalProcessing() bool
	SetPolicy(k scheduler.Key)
	SetLocalProcessing(enabled bool)
}

// Options configure a Handler
type Options struct {
	DeviceName string
	Endpoints  Endpoints
	Queue      Queue
	Settings   Settings
	Metrics    *metrics.Metrics
	Tracer     *tracing.Provider
	Logger     *logging.Logger
	// RateLimit in requests per second per client; 0 disables limiting
	RateLimit float64
	Burst     int
	// Auth, when set, guards every route except /health and /metrics
	Auth *auth.TokenAuth
}

// Handler implements the API routes
type Handler struct {
	opts    Options
	logger  *logging.Logger
	started time.Time
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Handler{opts: opts, logger: opts.Logger.Component("api"), started: time.Now()}
}

// Router builds the mux router with tracing, rate limiting and token checks applied
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(tracing.HTTPMiddleware(h.opts.Tracer))
	if h.opts.RateLimit > 0 {
		r.Use(NewLimiter(h.opts.RateLimit, h.opts.Burst).Middleware(ClientIP))
	}
	if h.opts.Auth != nil {
		r.Use(middleware.RequireToken(h.opts.Auth, h.logger, "/health", "/metrics"))
	}
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/endpoints", h.ListEndpoints).Methods("GET")
	r.HandleFunc("/endpoints/{id}", h.GetEndpoint).Methods("GET")
	r.HandleFunc("/endpoints/{id}", h.RemoveEndpoint).Methods("DELETE")
	r.HandleFunc("/endpoints/{id}/connect", h.ConnectEndpoint).Methods("POST")
	r.HandleFunc("/endpoints/{id}/disconnect", h.DisconnectEndpoint).Methods("POST")
	r.HandleFunc("/endpoints/{id}/auth", h.AuthorizeEndpoint).Methods("POST")

	r.HandleFunc("/queue", h.ListQueue).Methods("GET")
	r.HandleFunc("/queue/{name}", h.CancelQueued).Methods("DELETE")
	r.HandleFunc("/history", h.ListHistory).Methods("GET")

	r.HandleFunc("/settings", h.GetSettings).Methods("GET")
	r.HandleFunc("/settings", h.UpdateSettings).Methods("PUT")

	r.Handle("/metrics", h.opts.Metrics.Handler()).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// registryError maps registry sentinels to HTTP statuses
func (h *Handler) registryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownEndpoint):
		http.Error(w, "Endpoint not found", http.StatusNotFound)
	case errors.Is(err, registry.ErrNotConnected),
		errors.Is(err, registry.ErrNotPending),
		errors.Is(err, registry.ErrAlreadyActive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(err.Error())
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

// Health reports liveness and a short summary
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	connected := 0
	for _, e := range h.opts.Endpoints.All() {
		if e.Connected() {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"device":    h.opts.DeviceName,
		"connected": connected,
		"queued":    len(h.opts.Queue.Queue()),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints := h.opts.Endpoints.All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": endpoints,
		"count":     len(endpoints),
	})
}

func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	e, ok := h.opts.Endpoints.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Endpoint not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) ConnectEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.opts.Endpoints.Connect(r.Context(), id); err != nil {
		h.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting", "endpoint": id})
}

func (h *Handler) DisconnectEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.opts.Endpoints.Disconnect(id); err != nil {
		h.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "endpoint": id})
}

func (h *Handler) RemoveEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.opts.Endpoints.Remove(id); err != nil {
		h.registryError(w, err)
		return
	}
	h.logger.Info(fmt.Sprintf("Endpoint %s removed", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "endpoint": id})
}

// AuthRequest confirms or rejects a pending connection
type AuthRequest struct {
	Accept bool `json:"accept"`
}

func (h *Handler) AuthorizeEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.opts.Endpoints.ConfirmConnection(id, req.Accept); err != nil {
		h.registryError(w, err)
		return
	}
	status := "rejected"
	if req.Accept {
		status = "accepted"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "endpoint": id})
}

func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	queue := h.opts.Queue.Queue()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":      queue,
		"count":      len(queue),
		"dispatched": h.opts.Queue.DispatchCount(),
	})
}

func (h *Handler) CancelQueued(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.opts.Queue.Cancel(name) {
		http.Error(w, "Video not queued", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "video": name})
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := h.opts.Queue.History(limit)
	if err != nil {
		h.logger.Error(fmt.Sprintf("Failed to read history: %v", err))
		http.Error(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// SettingsBody is the runtime-adjustable configuration
type SettingsBody struct {
	SchedulingAlgorithm *string `json:"scheduling_algorithm,omitempty"`
	LocalProcessing     *bool   `json:"local_processing,omitempty"`
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scheduling_algorithm": h.opts.Settings.SchedulingPolicy(),
		"local_processing":     h.opts.Settings.LocalProcessing(),
	})
}

func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SchedulingAlgorithm != nil {
		k, err := scheduler.ParseKey(*req.SchedulingAlgorithm)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.opts.Settings.SetPolicy(k)
		h.logger.Info(fmt.Sprintf("Scheduling algorithm set to %s", k))
	}
	if req.LocalProcessing != nil {
		h.opts.Settings.SetLocalProcessing(*req.LocalProcessing)
		h.logger.Info(fmt.Sprintf("Local processing set to %t", *req.LocalProcessing))
	}
	h.GetSettings(w, r)
}

// Server wraps the router in an http.Server listening on addr
func (h *Handler) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
