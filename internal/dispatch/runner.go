package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/secrets"
)

// ResultSink receives completed check outcomes. The result ingest service
// implements it; tests substitute a recorder.
type ResultSink interface {
	Ingest(ctx context.Context, in *checks.Input, out *checks.Outcome) error
}

// Runner is the queue handler bound to every check queue. One Runner is
// shared across all pools; it holds no per-job state.
type Runner struct {
	registry *checks.Registry
	sink     ResultSink
	log      *zap.Logger
}

// NewRunner creates a Runner executing against the given registry and
// delivering outcomes to sink.
func NewRunner(registry *checks.Registry, sink ResultSink, log *zap.Logger) *Runner {
	return &Runner{
		registry: registry,
		sink:     sink,
		log:      log.Named("dispatch"),
	}
}

// Handle decodes a check job, resolves its sealed config, runs the executor
// and ingests the outcome. Errors returned here put the job back on the
// queue with backoff; failures that retrying cannot fix are converted to
// errored check results so they surface on the monitor instead of looping.
func (r *Runner) Handle(ctx context.Context, job *queue.Job) error {
	in, err := DecodeJob(job.Payload)
	if err != nil {
		// A payload that does not decode will never decode; drop it.
		r.log.Error("dropping undecodable check job",
			zap.String("job_id", job.ID.String()),
			zap.String("queue", job.Queue),
			zap.Error(err),
		)
		return nil
	}

	var out *checks.Outcome
	if err := secrets.Resolve(in.Config); err != nil {
		// Wrong key or corrupt ciphertext; record it against the monitor.
		out = checks.Errored(checks.CodeInvalidConfig, "config decryption failed")
		r.log.Error("check config decryption failed",
			zap.String("monitor_id", in.MonitorID),
			zap.String("type", in.Type),
			zap.Error(err),
		)
	} else {
		out, err = r.registry.Run(ctx, in)
		if err != nil {
			return fmt.Errorf("dispatch: run %s check for monitor %s: %w", in.Type, in.MonitorID, err)
		}
	}

	if err := r.sink.Ingest(ctx, in, out); err != nil {
		return fmt.Errorf("dispatch: ingest result for monitor %s: %w", in.MonitorID, err)
	}
	return nil
}
