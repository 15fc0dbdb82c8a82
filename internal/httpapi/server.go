package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/humantasks/internal/config"
	"github.com/ent0n29/humantasks/internal/observability"
	"github.com/ent0n29/humantasks/internal/taskruntime"
	"github.com/ent0n29/humantasks/internal/tasks"
)

// PrincipalHeader carries the authenticated principal of the caller. The
// service trusts it; authentication happens in front of it.
const PrincipalHeader = "X-Principal"

type Server struct {
	cfg      config.Config
	tasks    *taskruntime.Service
	metrics  http.Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New builds the HTTP server. metricsHandler serves /metrics; the default
// Prometheus registry is used when it is nil.
func New(cfg config.Config, svc *taskruntime.Service, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if metricsHandler == nil {
		metricsHandler = observability.MetricsHandler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		tasks:   svc,
		metrics: metricsHandler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics)

	r.Get("/v1/definitions", s.handleListDefinitions)
	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/actions", s.handleSubmitAction)
	r.Get("/v1/tasks/{id}/events", s.handleListTaskEvents)
	r.Get("/v1/events/ws", s.handleEventsWS)
	r.Get("/v1/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"task_store_mode": s.tasks.StoreMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	stats := s.tasks.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"task_store_mode":   stats.StoreMode,
		"definitions":       stats.Definitions,
		"pending_deadlines": stats.PendingDeadlines,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.tasks.Stats())
}

// handleEventsWS streams lifecycle events as JSON text frames. The optional
// instance_id query parameter narrows the stream to one instance.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimSpace(r.URL.Query().Get("instance_id"))
	if instanceID != "" {
		if _, err := s.tasks.Get(r.Context(), instanceID); err != nil {
			s.respondTaskError(w, err)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, unsubscribe := s.tasks.Subscribe(instanceID)
	defer unsubscribe()

	// Clients only send control frames; reading keeps pongs and close frames flowing.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case ev, ok := <-stream:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondTaskError maps the rejection taxonomy onto HTTP statuses.
func (s *Server) respondTaskError(w http.ResponseWriter, err error) {
	reason := tasks.ReasonOf(err)
	status := http.StatusInternalServerError
	switch reason {
	case tasks.ReasonValidation:
		status = http.StatusUnprocessableEntity
	case tasks.ReasonInvalidInput:
		status = http.StatusBadRequest
	case tasks.ReasonDirectoryUnavailable:
		status = http.StatusServiceUnavailable
	case tasks.ReasonIllegalTransition, tasks.ReasonVersionConflict:
		status = http.StatusConflict
	case tasks.ReasonUnauthorized:
		status = http.StatusForbidden
	case tasks.ReasonNotFound:
		status = http.StatusNotFound
	}
	if !taskruntime.IsClientError(err) {
		s.logger.Error("task request failed", "reason", reason, "error", err)
	}
	respondError(w, status, reason, err.Error())
}

func principalOf(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(PrincipalHeader))
}

// reservedPrincipal reports whether p names the scheduler's own actor, which
// callers may not act as.
func reservedPrincipal(p string) bool {
	return strings.EqualFold(strings.TrimSpace(p), tasks.SystemActor)
}

func respondReservedPrincipal(w http.ResponseWriter, p string) {
	respondError(w, http.StatusForbidden, "reserved_principal", fmt.Sprintf("principal %q is reserved", p))
}
