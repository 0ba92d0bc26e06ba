package queue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// binding couples a queue name to its handler and worker count.
type binding struct {
	queue       string
	concurrency int
	handler     Handler
}

// Registry owns the queue bindings for a process and runs the worker
// pools. Bind everything before Run; bindings are not safe to add after
// startup.
type Registry struct {
	store    *GormQueue
	log      *zap.Logger
	bindings []binding

	pollInterval  time.Duration
	reapInterval  time.Duration
	claimBatch    int
	onJobDone     func(queue string, err error, elapsed time.Duration)
}

// NewRegistry creates an empty registry over the given store.
func NewRegistry(store *GormQueue, log *zap.Logger) *Registry {
	return &Registry{
		store:        store,
		log:          log.Named("workers"),
		pollInterval: defaultPollInterval,
		reapInterval: 30 * time.Second,
		claimBatch:   10,
	}
}

// OnJobDone registers an observer invoked after every handler return,
// success or failure. Used to feed the Prometheus counters.
func (r *Registry) OnJobDone(fn func(queue string, err error, elapsed time.Duration)) {
	r.onJobDone = fn
}

// Bind registers a handler for a queue with the given worker count.
func (r *Registry) Bind(queueName string, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	r.bindings = append(r.bindings, binding{
		queue:       queueName,
		concurrency: concurrency,
		handler:     h,
	})
}

// Enqueue submits a job through the underlying store.
func (r *Registry) Enqueue(ctx context.Context, queueName string, payload interface{}, opts Options) error {
	return r.store.Enqueue(ctx, queueName, payload, opts)
}

// Store exposes the underlying queue store for maintenance jobs.
func (r *Registry) Store() *GormQueue {
	return r.store
}

// Run starts every bound worker pool plus the stale-lock reaper and blocks
// until the context is cancelled. In-flight handlers get to finish; no new
// jobs are claimed after cancellation.
func (r *Registry) Run(ctx context.Context) error {
	if len(r.bindings) == 0 {
		return fmt.Errorf("queue: run: no queues bound")
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, b := range r.bindings {
		b := b
		r.log.Info("starting workers",
			zap.String("queue", b.queue),
			zap.Int("concurrency", b.concurrency))
		for i := 0; i < b.concurrency; i++ {
			g.Go(func() error {
				r.workLoop(ctx, b)
				return nil
			})
		}
	}

	g.Go(func() error {
		r.reapLoop(ctx)
		return nil
	})

	return g.Wait()
}

// workLoop claims and runs jobs for one worker goroutine until cancelled.
// Poll sleeps are jittered so a pool of workers does not hit the table in
// lockstep.
func (r *Registry) workLoop(ctx context.Context, b binding) {
	for {
		if ctx.Err() != nil {
			return
		}

		jobs, err := r.store.claim(ctx, b.queue, r.claimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error("claim failed", zap.String("queue", b.queue), zap.Error(err))
			r.sleep(ctx, r.pollInterval)
			continue
		}

		if len(jobs) == 0 {
			r.sleep(ctx, r.pollInterval)
			continue
		}

		for _, job := range jobs {
			r.runOne(ctx, b, job)
		}
	}
}

// runOne executes a single claimed job and records the outcome.
func (r *Registry) runOne(ctx context.Context, b binding, job Job) {
	start := time.Now()
	err := r.invoke(ctx, b.handler, &job)
	elapsed := time.Since(start)

	if r.onJobDone != nil {
		r.onJobDone(b.queue, err, elapsed)
	}

	if err == nil {
		if cerr := r.store.complete(ctx, job.ID); cerr != nil {
			r.log.Error("complete failed", zap.String("queue", b.queue), zap.Error(cerr))
		}
		return
	}

	r.log.Warn("job failed",
		zap.String("queue", b.queue),
		zap.String("jobKey", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Int("maxAttempts", job.MaxAttempts),
		zap.Error(err))
	if rerr := r.store.retry(ctx, job, err); rerr != nil {
		r.log.Error("retry scheduling failed", zap.String("queue", b.queue), zap.Error(rerr))
	}
}

// invoke runs the handler with panic containment. A panicking handler
// counts as a failed attempt rather than taking the worker down.
func (r *Registry) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("queue: handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}

// reapLoop periodically returns stale processing jobs to pending.
func (r *Registry) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.store.RequeueStale(ctx); err != nil {
				r.log.Error("stale requeue failed", zap.Error(err))
			}
		}
	}
}

// sleep waits for roughly d, with up to 20% jitter, or until cancellation.
func (r *Registry) sleep(ctx context.Context, d time.Duration) {
	var jitter time.Duration
	if n := int64(d) / 5; n > 0 {
		jitter = time.Duration(rand.Int63n(n))
	}
	timer := time.NewTimer(d + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
