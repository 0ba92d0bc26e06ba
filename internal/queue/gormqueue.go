package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// GormQueue is the gorm-backed queue store shared by all workers in a
// process. WorkerID tags claimed rows so stuck locks can be attributed.
type GormQueue struct {
	db       *gorm.DB
	log      *zap.Logger
	workerID string
	lockTTL  time.Duration
}

// NewGormQueue returns a queue store over the provided database. workerID
// should be stable per process (hostname + pid works well).
func NewGormQueue(database *gorm.DB, log *zap.Logger, workerID string) *GormQueue {
	return &GormQueue{
		db:       database,
		log:      log.Named("queue"),
		workerID: workerID,
		lockTTL:  defaultLockTTL,
	}
}

// Enqueue inserts one job. A duplicate JobKey among unfinished jobs in the
// same queue is treated as already-enqueued and dropped silently.
func (q *GormQueue) Enqueue(ctx context.Context, queueName string, payload interface{}, opts Options) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	job := db.QueueJob{
		Queue:       queueName,
		JobKey:      opts.JobKey,
		Payload:     string(body),
		Status:      "pending",
		MaxAttempts: attempts,
		BackoffMs:   backoff.Milliseconds(),
		RunAt:       time.Now().UTC().Add(opts.Delay),
	}
	if err := q.db.WithContext(ctx).Create(&job).Error; err != nil {
		if isDuplicateKey(err) {
			q.log.Debug("duplicate job key, skipping enqueue",
				zap.String("queue", queueName),
				zap.String("jobKey", opts.JobKey))
			return nil
		}
		return fmt.Errorf("queue: enqueue %s: %w", queueName, err)
	}
	return nil
}

// claim transitions up to limit due jobs in the queue to processing and
// returns them. The per-row compare-and-set keeps concurrent claimers from
// double-delivering without SELECT FOR UPDATE, which sqlite lacks.
func (q *GormQueue) claim(ctx context.Context, queueName string, limit int) ([]Job, error) {
	now := time.Now().UTC()

	var candidates []db.QueueJob
	err := q.db.WithContext(ctx).
		Where("queue = ? AND status = ? AND run_at <= ?", queueName, "pending", now).
		Order("run_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("queue: claim %s: select: %w", queueName, err)
	}

	var jobs []Job
	for _, c := range candidates {
		res := q.db.WithContext(ctx).
			Model(&db.QueueJob{}).
			Where("id = ? AND status = ?", c.ID, "pending").
			Updates(map[string]interface{}{
				"status":    "processing",
				"attempts":  gorm.Expr("attempts + 1"),
				"locked_at": now,
				"locked_by": q.workerID,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("queue: claim %s: lock: %w", queueName, res.Error)
		}
		if res.RowsAffected == 1 {
			jobs = append(jobs, Job{
				ID:          c.ID,
				Queue:       c.Queue,
				Key:         c.JobKey,
				Payload:     []byte(c.Payload),
				Attempt:     c.Attempts + 1,
				MaxAttempts: c.MaxAttempts,
			})
		}
	}
	return jobs, nil
}

// complete marks a delivered job done.
func (q *GormQueue) complete(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	err := q.db.WithContext(ctx).
		Model(&db.QueueJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      "done",
			"locked_at":   nil,
			"locked_by":   "",
			"finished_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	return nil
}

// retry reschedules a failed delivery with exponential backoff, or marks
// the job failed once the attempt budget is exhausted.
func (q *GormQueue) retry(ctx context.Context, job Job, cause error) error {
	now := time.Now().UTC()

	if job.Attempt >= job.MaxAttempts {
		err := q.db.WithContext(ctx).
			Model(&db.QueueJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":      "failed",
				"locked_at":   nil,
				"locked_by":   "",
				"last_error":  cause.Error(),
				"finished_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("queue: fail: %w", err)
		}
		return nil
	}

	var stored db.QueueJob
	if err := q.db.WithContext(ctx).First(&stored, "id = ?", job.ID).Error; err != nil {
		return fmt.Errorf("queue: retry: load: %w", err)
	}
	delay := backoffFor(time.Duration(stored.BackoffMs)*time.Millisecond, job.Attempt)

	err := q.db.WithContext(ctx).
		Model(&db.QueueJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":     "pending",
			"locked_at":  nil,
			"locked_by":  "",
			"last_error": cause.Error(),
			"run_at":     now.Add(delay),
		}).Error
	if err != nil {
		return fmt.Errorf("queue: retry: %w", err)
	}
	return nil
}

// RequeueStale returns processing jobs whose lock outlived the TTL to
// pending. Crashed workers leave rows in processing; this is the recovery
// path that keeps delivery at-least-once.
func (q *GormQueue) RequeueStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-q.lockTTL)
	result := q.db.WithContext(ctx).
		Model(&db.QueueJob{}).
		Where("status = ? AND locked_at < ?", "processing", cutoff).
		Updates(map[string]interface{}{
			"status":    "pending",
			"locked_at": nil,
			"locked_by": "",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: requeue stale: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		q.log.Warn("requeued stale jobs", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// TrimFinished deletes done and failed rows older than the given age.
// Called by the retention job; finished rows are kept briefly for
// debugging, not forever.
func (q *GormQueue) TrimFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result := q.db.WithContext(ctx).
		Where("status IN ? AND finished_at < ?", []string{"done", "failed"}, cutoff).
		Delete(&db.QueueJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: trim finished: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Depth returns the number of runnable-or-running jobs in a queue. Exported
// for the metrics gauges.
func (q *GormQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).
		Model(&db.QueueJob{}).
		Where("queue = ? AND status IN ?", queueName, []string{"pending", "processing"}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return count, nil
}

// isDuplicateKey reports a uniqueness violation from either supported
// driver.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}
