package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// eventPublisher is the slice of the hub the ingest handler needs.
type eventPublisher interface {
	Publish(topic string, msg events.Message)
}

// HeartbeatHandler records pings from external jobs against heartbeat
// monitors. The endpoint is meant to be hit from cron jobs and CI scripts,
// so it accepts GET as well as POST and carries its credentials in the URL.
type HeartbeatHandler struct {
	monitors repositories.MonitorRepository
	results  repositories.ResultRepository
	hub      eventPublisher
	logger   *zap.Logger
}

// NewHeartbeatHandler creates a new HeartbeatHandler.
func NewHeartbeatHandler(
	monitors repositories.MonitorRepository,
	results repositories.ResultRepository,
	hub eventPublisher,
	logger *zap.Logger,
) *HeartbeatHandler {
	return &HeartbeatHandler{
		monitors: monitors,
		results:  results,
		hub:      hub,
		logger:   logger.Named("heartbeat_handler"),
	}
}

// heartbeatAck is the body answered for a recorded ping.
type heartbeatAck struct {
	Status     string `json:"status"`
	ReceivedAt string `json:"receivedAt"`
}

// Ping handles POST and GET /api/v1/heartbeat/{monitorID}/{token}.
//
// Optional query parameters: status (start|complete|fail), exitCode (int),
// durationMs (int). Without an explicit status, a non-zero exit code counts
// as fail and everything else as complete. Unknown monitors, non-heartbeat
// monitors, and token mismatches all answer the same 404 so the endpoint
// does not confirm which monitor ids exist.
func (h *HeartbeatHandler) Ping(w http.ResponseWriter, r *http.Request) {
	monitorID, err := uuid.Parse(chi.URLParam(r, "monitorID"))
	if err != nil {
		ErrNotFound(w)
		return
	}

	monitor, err := h.monitors.GetByID(r.Context(), monitorID)
	if errors.Is(err, repositories.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("heartbeat monitor lookup failed",
			zap.String("monitor_id", monitorID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}
	if monitor.Type != checks.TypeHeartbeat || !h.tokenMatches(monitor, chi.URLParam(r, "token")) {
		ErrNotFound(w)
		return
	}

	ping, ok := h.buildPing(w, r, monitor.ID)
	if !ok {
		return
	}

	if err := h.results.CreatePing(r.Context(), ping); err != nil {
		h.logger.Error("heartbeat ping write failed",
			zap.String("monitor_id", monitorID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	now := time.Now().UTC()
	if h.hub != nil {
		h.hub.Publish(events.MonitorTopic(monitor.ID), events.Message{
			Type:  events.TypeMonitorHeartbeat,
			Topic: events.MonitorTopic(monitor.ID),
			Data: map[string]any{
				"monitorId": monitor.ID.String(),
				"status":    ping.Status,
				"timestamp": now.Format(time.RFC3339),
			},
		})
	}

	h.logger.Debug("heartbeat ping recorded",
		zap.String("monitor_id", monitorID.String()),
		zap.String("status", ping.Status),
		zap.String("source", ping.Source),
	)
	Ok(w, heartbeatAck{Status: ping.Status, ReceivedAt: now.Format(time.RFC3339)})
}

// tokenMatches compares the URL token against the pingToken field of the
// monitor's config in constant time. A monitor without a configured token
// accepts no pings.
func (h *HeartbeatHandler) tokenMatches(monitor *db.Monitor, token string) bool {
	var cfg struct {
		PingToken string `json:"pingToken"`
	}
	if err := json.Unmarshal([]byte(monitor.Config), &cfg); err != nil {
		return false
	}
	if cfg.PingToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cfg.PingToken), []byte(token)) == 1
}

// buildPing assembles the HeartbeatPing row from the request. Returns
// ok=false after writing an error response when a query parameter does not
// parse.
func (h *HeartbeatHandler) buildPing(w http.ResponseWriter, r *http.Request, monitorID uuid.UUID) (*db.HeartbeatPing, bool) {
	q := r.URL.Query()

	ping := &db.HeartbeatPing{
		MonitorID: monitorID,
		Source:    clientIP(r),
		UserAgent: r.UserAgent(),
	}

	if raw := q.Get("exitCode"); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			ErrBadRequest(w, "exitCode must be an integer")
			return nil, false
		}
		ping.ExitCode = &code
	}
	if raw := q.Get("durationMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ErrBadRequest(w, "durationMs must be an integer")
			return nil, false
		}
		ping.DurationMs = &ms
	}

	switch status := q.Get("status"); status {
	case "start", "complete", "fail":
		ping.Status = status
	case "":
		if ping.ExitCode != nil && *ping.ExitCode != 0 {
			ping.Status = "fail"
		} else {
			ping.Status = "complete"
		}
	default:
		ErrBadRequest(w, "status must be start, complete or fail")
		return nil, false
	}

	return ping, true
}

// clientIP strips the port from RemoteAddr. Behind a proxy the RealIP
// middleware has already rewritten RemoteAddr to the forwarded address,
// which may arrive without a port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
