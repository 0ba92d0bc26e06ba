// Package agent is the probe binary's core. It keeps two loops against
// the server's probe API: a heartbeat loop reporting liveness and host
// metrics, and a claim loop long-polling for leased check jobs, which are
// executed through the shared executor registry and posted back as
// results. Server outages are ridden out with exponential backoff and
// jitter; job leases expire server-side, so an agent that dies mid-check
// loses nothing but time.
package agent

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/probes"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff so a
	// fleet of probes does not reconnect in lockstep.
	jitterFraction = 0.2

	// submitAttempts bounds retries of a result post. The lease outlasts
	// the retry window; a result that still cannot land is abandoned to
	// the server's requeue.
	submitAttempts = 3
	submitRetryGap = 2 * time.Second
)

// Config carries the agent's runtime settings, resolved from flags and
// the PROBE_* environment by the command layer.
type Config struct {
	Region         string
	Version        string
	HeartbeatEvery time.Duration
	PollTimeout    time.Duration
	JobBatch       int
}

// Agent runs the heartbeat and claim loops over a protocol client.
type Agent struct {
	cfg    Config
	client *Client
	reg    *checks.Registry
	logger *zap.Logger
	start  time.Time
}

// New builds an agent. The registry decides which monitor types this
// probe can execute; jobs for anything else resolve to errored results.
func New(cfg Config, client *Client, reg *checks.Registry, logger *zap.Logger) *Agent {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 25 * time.Second
	}
	if cfg.JobBatch <= 0 {
		cfg.JobBatch = 8
	}
	return &Agent{
		cfg:    cfg,
		client: client,
		reg:    reg,
		logger: logger.Named("agent"),
		start:  time.Now(),
	}
}

// Run starts the loops and blocks until ctx is cancelled. Claimed jobs
// are executed by a pool of JobBatch workers so one slow target cannot
// stall the rest of a batch.
func (a *Agent) Run(ctx context.Context) error {
	jobs := make(chan probes.ClaimedJob)

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.JobBatch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				a.execute(ctx, job)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.claimLoop(ctx, jobs)
	close(jobs)
	wg.Wait()
	a.logger.Info("agent stopped")
	return nil
}

// heartbeatLoop beats immediately so a fresh probe comes online without
// waiting a full interval, then on the configured cadence.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.beat(ctx)

	ticker := time.NewTicker(a.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

func (a *Agent) beat(ctx context.Context) {
	resp, err := a.client.Heartbeat(ctx, &probes.HeartbeatRequest{
		Version: a.cfg.Version,
		Region:  a.cfg.Region,
		Metrics: collectMetrics(ctx, a.start),
	})
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", zap.Error(err))
		}
		return
	}
	a.logger.Debug("heartbeat sent",
		zap.Int64("pending_jobs", resp.PendingJobs),
		zap.Time("server_time", resp.ServerTime),
	)
}

// claimLoop long-polls for work. The server holds the call until a job
// shows up or the wait budget passes, so an empty round costs one request
// per PollTimeout. Errors back off exponentially and any successful call
// resets the backoff.
func (a *Agent) claimLoop(ctx context.Context, jobs chan<- probes.ClaimedJob) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := a.client.Claim(ctx, &probes.ClaimRequest{
			Max:    a.cfg.JobBatch,
			WaitMs: int(a.cfg.PollTimeout / time.Millisecond),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("claim failed, backing off",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial

		for _, job := range claimed {
			select {
			case <-ctx.Done():
				return
			case jobs <- job:
			}
		}
	}
}

// execute runs one leased check and posts the outcome. The registry
// enforces the per-check timeout; an executor error here means the run
// was cut short by shutdown, and the expiring lease hands the job back.
func (a *Agent) execute(ctx context.Context, job probes.ClaimedJob) {
	out, err := a.reg.Run(ctx, job.Input)
	if err != nil {
		a.logger.Warn("check aborted",
			zap.String("job_id", job.JobID.String()),
			zap.String("monitor_id", job.MonitorID.String()),
			zap.Error(err),
		)
		return
	}

	a.logger.Debug("check executed",
		zap.String("job_id", job.JobID.String()),
		zap.String("type", job.Input.Type),
		zap.String("status", out.Status),
	)
	a.submit(ctx, job, probes.ResultFromOutcome(out))
}

func (a *Agent) submit(ctx context.Context, job probes.ClaimedJob, res *probes.ResultRequest) {
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		err := a.client.SubmitResult(ctx, job.JobID, res)
		if err == nil {
			return
		}
		if errors.Is(err, ErrStale) || errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			a.logger.Warn("result dropped",
				zap.String("job_id", job.JobID.String()),
				zap.Error(err),
			)
			return
		}
		a.logger.Warn("result submit failed",
			zap.String("job_id", job.JobID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(submitRetryGap):
		}
	}
	a.logger.Error("result abandoned after retries",
		zap.String("job_id", job.JobID.String()),
		zap.String("monitor_id", job.MonitorID.String()),
	)
}

// nextBackoff doubles the wait, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter perturbs d by up to ±jitterFraction.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
