package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/events"
)

// WSHandler handles the WebSocket upgrade endpoint GET /ws.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter and cannot change for the lifetime of the connection. Dashboards
// subscribe to the monitors and orgs they display:
//
//	ws://host/ws?topics=monitor:uuid1,org:uuid2
//
// Unknown topic strings are accepted and simply never receive messages.
type WSHandler struct {
	hub    *events.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *events.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /ws.
// It builds the topic list, upgrades the connection, and starts the client
// read/write pumps. The handler blocks until the connection closes; this
// is expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		ErrBadRequest(w, "at least one topic is required")
		return
	}

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. The pumps handle hub
	// unregistration internally.
	client.Run()

	h.logger.Info("ws client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// parseTopics splits the comma-separated topics parameter, trimming blanks
// and dropping duplicates while keeping the declared order.
func parseTopics(raw string) []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	return topics
}
