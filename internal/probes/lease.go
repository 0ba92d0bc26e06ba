package probes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
	"github.com/Unified-Projects/uni-status-sub002/internal/secrets"
)

// ClaimRequest asks for up to Max jobs, waiting up to WaitMs for one to
// appear. Both are clamped server-side.
type ClaimRequest struct {
	Max    int `json:"max"`
	WaitMs int `json:"waitMs"`
}

// ClaimedJob is one leased check. Input carries the probe's own region
// and fully resolved config; the lease is void after ExpiresAt.
type ClaimedJob struct {
	JobID     uuid.UUID     `json:"jobId"`
	MonitorID uuid.UUID     `json:"monitorId"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Input     *checks.Input `json:"input"`
}

// Claim leases pending jobs to the probe, polling until one appears or
// the wait budget runs out. An empty slice means nothing became due.
func (s *Service) Claim(ctx context.Context, probe *db.Probe, req *ClaimRequest) ([]ClaimedJob, error) {
	max := req.Max
	if max <= 0 {
		max = 1
	}
	if max > claimBatchCap {
		max = claimBatchCap
	}
	wait := time.Duration(req.WaitMs) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	if wait > claimWaitCap {
		wait = claimWaitCap
	}
	deadline := s.now().Add(wait)

	for {
		now := s.now()
		rows, err := s.cfg.Probes.ClaimPendingJobs(ctx, probe.ID, max, now, now.Add(claimTTL))
		if err != nil {
			return nil, fmt.Errorf("probes: claim jobs: %w", err)
		}
		if len(rows) > 0 {
			return s.leaseJobs(ctx, probe, rows), nil
		}
		if !s.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimPollEvery):
		}
	}
}

// leaseJobs converts claimed rows to the wire shape, stamping the probe's
// region and unsealing config. A job whose stored spec cannot be decoded
// or decrypted will never run anywhere, so it is buried immediately
// instead of cycling through expiry requeues.
func (s *Service) leaseJobs(ctx context.Context, probe *db.Probe, rows []db.ProbePendingJob) []ClaimedJob {
	jobs := make([]ClaimedJob, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		in, err := dispatch.DecodeJob([]byte(row.JobData))
		if err != nil {
			s.logger.Error("undecodable probe job",
				zap.String("job_id", row.ID.String()),
				zap.String("monitor_id", row.MonitorID.String()),
				zap.Error(err),
			)
			s.buryJob(ctx, probe, row, nil, "")
			continue
		}
		in.Region = probe.Region
		if err := secrets.Resolve(in.Config); err != nil {
			s.logger.Error("probe job config decryption failed",
				zap.String("job_id", row.ID.String()),
				zap.String("monitor_id", row.MonitorID.String()),
				zap.Error(err),
			)
			s.buryJob(ctx, probe, row, in, "config decryption failed")
			continue
		}
		jobs = append(jobs, ClaimedJob{
			JobID:     row.ID,
			MonitorID: row.MonitorID,
			ExpiresAt: row.ExpiresAt,
			Input:     in,
		})
	}
	return jobs
}

// buryJob completes a job the probe can never execute. When the input
// survived decoding, an errored result is ingested so the failure shows
// up on the monitor rather than vanishing with the job.
func (s *Service) buryJob(ctx context.Context, probe *db.Probe, row *db.ProbePendingJob, in *checks.Input, msg string) {
	if err := s.cfg.Probes.CompleteJob(ctx, row.ID, probe.ID); err != nil {
		s.logger.Error("bury job failed",
			zap.String("job_id", row.ID.String()),
			zap.Error(err),
		)
		return
	}
	if in == nil || s.cfg.Sink == nil {
		return
	}
	if err := s.cfg.Sink.Ingest(ctx, in, checks.Errored(checks.CodeInvalidConfig, msg)); err != nil {
		s.logger.Error("bury result ingest failed",
			zap.String("monitor_id", in.MonitorID),
			zap.Error(err),
		)
	}
}

// ResultRequest is the wire form of one executed check outcome.
type ResultRequest struct {
	Status         string         `json:"status"`
	ResponseTimeMs *int64         `json:"responseTimeMs,omitempty"`
	DNSLookupMs    *int64         `json:"dnsLookupMs,omitempty"`
	TCPConnectMs   *int64         `json:"tcpConnectMs,omitempty"`
	TLSHandshakeMs *int64         `json:"tlsHandshakeMs,omitempty"`
	StatusCode     *int           `json:"statusCode,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	ErrorCode      string         `json:"errorCode,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

func (r *ResultRequest) outcome() *checks.Outcome {
	return &checks.Outcome{
		Status:         r.Status,
		ResponseTimeMs: r.ResponseTimeMs,
		DNSLookupMs:    r.DNSLookupMs,
		TCPConnectMs:   r.TCPConnectMs,
		TLSHandshakeMs: r.TLSHandshakeMs,
		StatusCode:     r.StatusCode,
		ErrorMessage:   r.ErrorMessage,
		ErrorCode:      r.ErrorCode,
		Payload:        r.Payload,
	}
}

// ResultFromOutcome converts an executed outcome to its wire form. The
// probe agent posts results through this shape.
func ResultFromOutcome(out *checks.Outcome) *ResultRequest {
	return &ResultRequest{
		Status:         out.Status,
		ResponseTimeMs: out.ResponseTimeMs,
		DNSLookupMs:    out.DNSLookupMs,
		TCPConnectMs:   out.TCPConnectMs,
		TLSHandshakeMs: out.TLSHandshakeMs,
		StatusCode:     out.StatusCode,
		ErrorMessage:   out.ErrorMessage,
		ErrorCode:      out.ErrorCode,
		Payload:        out.Payload,
	}
}

// ErrInvalidResult rejects a result whose status is not a known check
// status.
var ErrInvalidResult = errors.New("probes: invalid result status")

func validStatus(status string) bool {
	switch status {
	case checks.StatusSuccess, checks.StatusDegraded, checks.StatusFailure,
		checks.StatusTimeout, checks.StatusError:
		return true
	}
	return false
}

// SubmitResult accepts one executed outcome for a job the probe still
// holds. The claimed -> completed transition is taken before ingest;
// a lease that expired or moved to another probe returns ErrStaleJob.
func (s *Service) SubmitResult(ctx context.Context, probe *db.Probe, jobID uuid.UUID, req *ResultRequest) error {
	if !validStatus(req.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidResult, req.Status)
	}

	job, err := s.cfg.Probes.GetPendingJob(ctx, jobID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrStaleJob
	}
	if err != nil {
		return fmt.Errorf("probes: load job: %w", err)
	}
	if job.ProbeID != probe.ID {
		return ErrStaleJob
	}

	err = s.cfg.Probes.CompleteJob(ctx, jobID, probe.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrStaleJob
	}
	if err != nil {
		return err
	}

	in, err := dispatch.DecodeJob([]byte(job.JobData))
	if err != nil {
		// The job is already completed; the stored spec rotted between
		// lease and submit. Nothing to ingest against.
		return fmt.Errorf("probes: decode job spec: %w", err)
	}
	in.Region = probe.Region
	if err := s.cfg.Sink.Ingest(ctx, in, req.outcome()); err != nil {
		return fmt.Errorf("probes: ingest result: %w", err)
	}

	s.logger.Debug("probe result ingested",
		zap.String("probe_id", probe.ID.String()),
		zap.String("monitor_id", in.MonitorID),
		zap.String("status", req.Status),
	)
	return nil
}
