package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type contextKey string

const (
	requestIDContextKey contextKey = "requestID"

	defaultHealthTimeout = 2 * time.Second
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ConnectionState reports whether the message broker connection is up.
type ConnectionState interface {
	IsConnected() bool
}

// Handler serves the operational endpoints.
type Handler struct {
	database  Pinger
	messaging ConnectionState

	clock         func() time.Time
	healthTimeout time.Duration
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithHealthTimeout bounds the database check performed by the health endpoint.
func WithHealthTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.healthTimeout = d
		}
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(database Pinger, messaging ConnectionState, opts ...HandlerOption) *Handler {
	h := &Handler{
		database:  database,
		messaging: messaging,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		healthTimeout: defaultHealthTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// handleHealth answers 200 while the database is reachable. A missing broker
// connection only degrades the reported status.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
		Components: componentStatus{
			Database: "up",
			MQTT:     "connected",
		},
	}
	status := http.StatusOK

	if h.messaging == nil || !h.messaging.IsConnected() {
		resp.Components.MQTT = "disconnected"
		resp.Status = "degraded"
	}

	if h.database == nil {
		resp.Components.Database = "down"
	} else if err := h.database.PingContext(ctx); err != nil {
		resp.Components.Database = "down"
		resp.Details = err.Error()
	}
	if resp.Components.Database == "down" {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type componentStatus struct {
	Database string `json:"database"`
	MQTT     string `json:"mqtt"`
}

type healthResponse struct {
	Status     string          `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Components componentStatus `json:"components"`
	Details    string          `json:"details,omitempty"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}
