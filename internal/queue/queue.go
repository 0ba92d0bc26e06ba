// Package queue implements the persistent work queue behind the scheduler,
// executors, and notification dispatch. Jobs live in the queue_jobs table;
// delivery is at-least-once with per-job retry, exponential backoff, delayed
// jobs, and dedupe by job key. Workers claim jobs with a compare-and-set on
// the row status, so any number of processes can share one database.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default retry policy applied when Options leaves the fields zero.
const (
	DefaultMaxAttempts  = 5
	DefaultBackoff      = time.Second
	maxBackoff          = 5 * time.Minute
	defaultPollInterval = time.Second
	defaultLockTTL      = 5 * time.Minute
)

// Options controls a single enqueue.
type Options struct {
	// JobKey deduplicates: enqueueing a key that is already pending or
	// processing in the same queue is a silent no-op. Empty disables
	// dedupe.
	JobKey string

	// Delay schedules the job to become runnable in the future.
	Delay time.Duration

	// Attempts is the delivery budget including the first run. Zero means
	// DefaultMaxAttempts.
	Attempts int

	// Backoff is the delay before the second attempt; it doubles per
	// subsequent attempt. Zero means DefaultBackoff.
	Backoff time.Duration
}

// Job is the unit of work handed to a Handler.
type Job struct {
	ID          uuid.UUID
	Queue       string
	Key         string
	Payload     []byte
	Attempt     int // 1-based
	MaxAttempts int
}

// Final reports whether this delivery is the job's last attempt. Handlers
// use it to write terminal records (e.g. a failed NotificationLog) before
// returning the error.
func (j *Job) Final() bool { return j.Attempt >= j.MaxAttempts }

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("queue: decode payload: %w", err)
	}
	return nil
}

// Handler processes one job delivery. A nil return completes the job; an
// error schedules a retry (or fails the job on the final attempt).
type Handler func(ctx context.Context, job *Job) error

// Enqueuer is the narrow producer interface handed to the scheduler,
// evaluator, and dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload interface{}, opts Options) error
}

// backoffFor returns the delay before the next attempt after `attempt`
// deliveries, doubling from base and capped at maxBackoff.
func backoffFor(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoff
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
