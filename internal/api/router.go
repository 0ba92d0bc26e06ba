package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/probes"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Probes *probes.Service
	Hub    *events.Hub
	Logger *zap.Logger

	// Repositories used directly by handlers that do not need service-layer logic.
	Monitors repositories.MonitorRepository
	Results  repositories.ResultRepository
	Orgs     repositories.OrgRepository

	// Metrics is the registry served at /metrics. Nil disables the endpoint.
	Metrics prometheus.Gatherer

	// UnsubscribeSecret signs the subscriber unsubscribe links. Must match
	// the maintenance notifier's signing secret.
	UnsubscribeSecret string
}

// NewRouter builds and returns the fully configured Chi router.
// The probe lease API lives under /api/probe/v1, heartbeat ingest under
// /api/v1, and the event stream, unsubscribe, and operational endpoints at
// the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy. The heartbeat
	// ingest handler records it as the ping source.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	probeHandler := NewProbeHandler(cfg.Probes, cfg.Logger)
	heartbeatHandler := NewHeartbeatHandler(cfg.Monitors, cfg.Results, cfg.Hub, cfg.Logger)
	subscriberHandler := NewSubscriberHandler(cfg.Orgs, cfg.UnsubscribeSecret, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	r.Route("/api/probe/v1", func(r chi.Router) {
		// Enrollment authenticates with the org secret in the body.
		r.Post("/register", probeHandler.Register)

		// Everything else requires the per-probe bearer token.
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateProbe(cfg.Probes))
			r.Post("/heartbeat", probeHandler.Heartbeat)
			r.Post("/jobs/claim", probeHandler.Claim)
			r.Post("/jobs/{jobID}/result", probeHandler.SubmitResult)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// GET is accepted alongside POST so a bare curl in a cron job can
		// report in.
		r.Post("/heartbeat/{monitorID}/{token}", heartbeatHandler.Ping)
		r.Get("/heartbeat/{monitorID}/{token}", heartbeatHandler.Ping)
	})

	r.Get("/unsubscribe", subscriberHandler.Unsubscribe)
	r.Get("/ws", wsHandler.ServeWS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	return r
}
