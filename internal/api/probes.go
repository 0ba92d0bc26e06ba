package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/probes"
)

// ProbeHandler groups the remote-probe protocol endpoints. All of them
// delegate to the probe registry; this layer only translates between HTTP
// and the registry's sentinel errors.
type ProbeHandler struct {
	svc    *probes.Service
	logger *zap.Logger
}

// NewProbeHandler creates a new ProbeHandler.
func NewProbeHandler(svc *probes.Service, logger *zap.Logger) *ProbeHandler {
	return &ProbeHandler{
		svc:    svc,
		logger: logger.Named("probe_handler"),
	}
}

// Register handles POST /api/probe/v1/register.
// Enrollment authenticates with the org's enroll secret carried in the body,
// not a bearer token. The response is the only time the probe token is ever
// visible in plaintext.
func (h *ProbeHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req probes.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.svc.Register(r.Context(), &req)
	switch {
	case errors.Is(err, probes.ErrEnrollDenied):
		ErrForbidden(w, "enrollment rejected")
	case err != nil:
		h.logger.Error("probe registration failed", zap.Error(err))
		ErrInternal(w)
	default:
		Created(w, resp)
	}
}

// Heartbeat handles POST /api/probe/v1/heartbeat.
func (h *ProbeHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	probe := probeFromCtx(r.Context())

	var req probes.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.svc.Heartbeat(r.Context(), probe, &req)
	if err != nil {
		h.logger.Error("probe heartbeat failed",
			zap.String("probe_id", probe.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}
	Ok(w, resp)
}

// claimResponse wraps the leased job list. Jobs is never null on the wire;
// an empty claim answers with an empty array.
type claimResponse struct {
	Jobs []probes.ClaimedJob `json:"jobs"`
}

// Claim handles POST /api/probe/v1/jobs/claim.
// The registry long-polls internally, so this handler can hold the
// connection for up to the wait budget before answering.
func (h *ProbeHandler) Claim(w http.ResponseWriter, r *http.Request) {
	probe := probeFromCtx(r.Context())

	var req probes.ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	jobs, err := h.svc.Claim(r.Context(), probe, &req)
	if err != nil {
		// A probe that hangs up mid-poll cancels the request context;
		// there is nobody left to answer.
		if r.Context().Err() != nil {
			return
		}
		h.logger.Error("probe claim failed",
			zap.String("probe_id", probe.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}
	if jobs == nil {
		jobs = []probes.ClaimedJob{}
	}
	Ok(w, claimResponse{Jobs: jobs})
}

// SubmitResult handles POST /api/probe/v1/jobs/{jobID}/result.
// A 409 tells the agent its lease expired or moved; the agent drops the
// result and the server reissues the work.
func (h *ProbeHandler) SubmitResult(w http.ResponseWriter, r *http.Request) {
	probe := probeFromCtx(r.Context())

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		ErrBadRequest(w, "invalid job id")
		return
	}

	var req probes.ResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err = h.svc.SubmitResult(r.Context(), probe, jobID, &req)
	switch {
	case errors.Is(err, probes.ErrStaleJob):
		ErrConflict(w, "job expired or reassigned")
	case errors.Is(err, probes.ErrInvalidResult):
		ErrBadRequest(w, "invalid result status")
	case err != nil:
		h.logger.Error("probe result submit failed",
			zap.String("probe_id", probe.ID.String()),
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
	default:
		NoContent(w)
	}
}
