package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/maintenance"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// SubscriberHandler serves the unsubscribe links embedded in maintenance
// notices. The link carries a signed token addressing one subscriber; no
// other authentication is involved.
type SubscriberHandler struct {
	orgs   repositories.OrgRepository
	secret string
	logger *zap.Logger
}

// NewSubscriberHandler creates a new SubscriberHandler. secret must match
// the signing secret the maintenance notifier mints links with.
func NewSubscriberHandler(orgs repositories.OrgRepository, secret string, logger *zap.Logger) *SubscriberHandler {
	return &SubscriberHandler{
		orgs:   orgs,
		secret: secret,
		logger: logger.Named("subscriber_handler"),
	}
}

// unsubscribeResponse confirms the opt-out.
type unsubscribeResponse struct {
	Unsubscribed bool `json:"unsubscribed"`
}

// Unsubscribe handles GET /unsubscribe?token=<jwt>.
// Forged, expired, and already-rotated tokens all answer 404; the endpoint
// never reveals whether a subscriber exists.
func (h *SubscriberHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		ErrBadRequest(w, "token is required")
		return
	}

	subscriberID, jti, err := maintenance.ParseUnsubscribeToken(h.secret, token)
	if err != nil {
		ErrNotFound(w)
		return
	}

	err = h.orgs.UnsubscribeSubscriber(r.Context(), subscriberID, jti)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case err != nil:
		h.logger.Error("unsubscribe failed",
			zap.String("subscriber_id", subscriberID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
	default:
		h.logger.Info("subscriber unsubscribed",
			zap.String("subscriber_id", subscriberID.String()),
		)
		Ok(w, unsubscribeResponse{Unsubscribed: true})
	}
}
