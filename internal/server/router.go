package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/l0p7/readerguard/internal/lifecycle"
)

// StatusPath serves the lifecycle snapshot.
const StatusPath = "/_readerguard/status"

// StatusProvider exposes the lifecycle snapshot to the admin routes.
type StatusProvider interface {
	Status() lifecycle.Status
}

// HandlerOptions wire the admin routes around the interception handler.
type HandlerOptions struct {
	Status      StatusProvider
	Proxy       http.Handler
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

// NewHandler mounts the health, status and metrics routes ahead of the
// interception handler, which receives every other path.
func NewHandler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	admin := &adminRoutes{status: opts.Status, logger: logger.With(slog.String("agent", "admin"))}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", admin.serveHealth)
	r.Get(StatusPath, admin.serveStatus)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, opts.Metrics)
	}
	if opts.Proxy != nil {
		r.Handle("/*", opts.Proxy)
	}
	return r
}

type adminRoutes struct {
	status StatusProvider
	logger *slog.Logger
}

func (a *adminRoutes) serveHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"observedAt": time.Now().UTC()}
	status := http.StatusServiceUnavailable
	payload["status"] = "starting"
	if a.status != nil {
		snapshot := a.status.Status()
		if snapshot.Active != nil {
			status = http.StatusOK
			payload["status"] = "ok"
			payload["generation"] = snapshot.Active.Generation
		} else if snapshot.Installing != nil {
			payload["status"] = "installing"
		}
	}
	a.writeJSON(w, status, payload)
}

func (a *adminRoutes) serveStatus(w http.ResponseWriter, _ *http.Request) {
	if a.status == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "lifecycle unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, a.status.Status())
}

func (a *adminRoutes) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("admin response encode failed", slog.Any("error", err))
	}
}
