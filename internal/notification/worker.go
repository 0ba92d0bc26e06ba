package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/metrics"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// sendResult carries the transport-level evidence of one delivery.
type sendResult struct {
	responseCode *int
}

// sender delivers one alert payload through one channel type.
type sender interface {
	Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error)
}

// WorkerConfig holds the dependencies for a delivery Worker.
type WorkerConfig struct {
	Channels repositories.ChannelRepository
	Orgs     repositories.OrgRepository
	Platform PlatformCredentials
	Metrics  *metrics.Set
	Logger   *zap.Logger
}

// Worker executes delivery jobs. One Worker instance handles every
// notification queue; the per-kind queues only partition retry pressure
// and concurrency.
type Worker struct {
	channels repositories.ChannelRepository
	email    *emailSender
	senders  map[string]sender
	breakers map[string]*gobreaker.CircuitBreaker
	metrics  *metrics.Set
	logger   *zap.Logger
	now      func() time.Time
}

// NewWorker wires the sender catalog. The shared HTTP client bounds every
// HTTP-based delivery at ten seconds so a hung provider cannot hold a
// queue slot past the retry backoff.
func NewWorker(cfg WorkerConfig) *Worker {
	client := &http.Client{Timeout: 10 * time.Second}
	logger := cfg.Logger.Named("notification")

	email := newEmailSender(cfg.Orgs, cfg.Platform, client, logger)
	w := &Worker{
		channels: cfg.Channels,
		email:    email,
		senders: map[string]sender{
			"email":      email,
			"webhook":    newWebhookSender(client),
			"slack":      newSlackSender(client),
			"discord":    newDiscordSender(client),
			"teams":      newTeamsSender(client),
			"googlechat": newGoogleChatSender(client),
			"pagerduty":  newPagerDutySender(client),
			"ntfy":       newNtfySender(client),
			"sms":        newSMSSender(cfg.Orgs, cfg.Platform, client, logger),
			"irc":        newIRCSender(),
			"twitter":    newTwitterSender(),
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      time.Now,
	}
	for kind := range w.senders {
		w.breakers[kind] = newBreaker(kind)
	}
	return w
}

// newBreaker builds the per-channel-type circuit breaker. Five consecutive
// failures open it for a minute; while open, deliveries fail fast and ride
// the queue backoff instead of hammering a dead provider.
func newBreaker(kind string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-" + kind,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
}

// Handle is the queue handler bound to every notification queue.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var d deliveryJob
	if err := job.Decode(&d); err != nil {
		// Malformed forever; retrying cannot help.
		w.logger.Error("undecodable delivery job", zap.String("job_key", job.Key), zap.Error(err))
		return nil
	}
	switch d.Kind {
	case kindEmail:
		return w.handleDirectEmail(ctx, job, &d)
	case kindAlert, kindRecovery:
		return w.handleAlert(ctx, job, &d)
	default:
		w.logger.Error("unknown delivery kind", zap.String("kind", d.Kind), zap.String("job_key", job.Key))
		return nil
	}
}

func (w *Worker) handleAlert(ctx context.Context, job *queue.Job, d *deliveryJob) error {
	if d.Payload == nil {
		w.logger.Error("alert delivery without payload", zap.String("job_key", job.Key))
		return nil
	}

	// Rotation-addressed deliveries bypass the channel table.
	if d.DirectEmail != "" {
		res, err := w.throughBreaker("email", func() (*sendResult, error) {
			subject := renderSubject(d.Payload)
			return w.email.SendDirect(ctx, d.OrgID, []string{d.DirectEmail}, subject, renderBody(d.Payload))
		})
		return w.finish(ctx, job, d, "email", res, err)
	}

	ch, err := w.channels.GetChannel(ctx, d.ChannelID)
	if errors.Is(err, repositories.ErrNotFound) {
		w.logger.Warn("channel gone, dropping delivery",
			zap.String("channel_id", d.ChannelID.String()),
			zap.String("job_key", job.Key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("notification: load channel: %w", err)
	}
	if !ch.Enabled {
		return nil
	}

	s, ok := w.senders[ch.Type]
	if !ok {
		err := fmt.Errorf("%w: unsupported channel type %q", ErrInvalidConfig, ch.Type)
		w.writeLog(ctx, d, nil, err, job)
		w.metrics.IncNotification(ch.Type, "failed")
		w.logger.Error("unsupported channel type", zap.String("channel_type", ch.Type))
		return nil
	}

	res, err := w.throughBreaker(ch.Type, func() (*sendResult, error) {
		return s.Send(ctx, ch, d.Payload)
	})
	return w.finish(ctx, job, d, ch.Type, res, err)
}

func (w *Worker) handleDirectEmail(ctx context.Context, job *queue.Job, d *deliveryJob) error {
	_, err := w.throughBreaker("email", func() (*sendResult, error) {
		return w.email.SendDirect(ctx, d.OrgID, []string{d.To}, d.Subject, d.Body)
	})
	if err != nil {
		if job.Final() {
			w.metrics.IncNotification("email", "failed")
			w.logger.Error("email delivery exhausted retries",
				zap.String("job_key", job.Key),
				zap.String("to", d.To),
				zap.Error(err))
		}
		return err
	}
	w.metrics.IncNotification("email", "ok")
	return nil
}

// finish records the delivery outcome. A success writes the terminal log
// immediately; a failure writes it only once the attempt budget is gone,
// then returns the error so the queue schedules the retry.
func (w *Worker) finish(ctx context.Context, job *queue.Job, d *deliveryJob, channelType string, res *sendResult, err error) error {
	if err == nil {
		w.metrics.IncNotification(channelType, "ok")
		w.writeLog(ctx, d, res, nil, job)
		return nil
	}
	if job.Final() {
		w.metrics.IncNotification(channelType, "failed")
		w.writeLog(ctx, d, res, err, job)
	}
	return err
}

// writeLog persists the terminal NotificationLog row. ChannelID stays zero
// for rotation-addressed email. RetryCount counts retries after the first
// delivery attempt.
func (w *Worker) writeLog(ctx context.Context, d *deliveryJob, res *sendResult, sendErr error, job *queue.Job) {
	entry := &db.NotificationLog{
		AlertHistoryID: d.AlertID,
		ChannelID:      d.ChannelID,
		Success:        sendErr == nil,
		RetryCount:     job.Attempt - 1,
		SentAt:         w.now(),
	}
	if res != nil {
		entry.ResponseCode = res.responseCode
	}
	if sendErr != nil {
		entry.ErrorMessage = sendErr.Error()
	}
	if err := w.channels.CreateLog(ctx, entry); err != nil {
		w.logger.Error("notification log write failed",
			zap.String("alert_id", d.AlertID.String()),
			zap.Error(err))
	}
}

func (w *Worker) throughBreaker(kind string, fn func() (*sendResult, error)) (*sendResult, error) {
	cb, ok := w.breakers[kind]
	if !ok {
		return fn()
	}
	v, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if res, ok := v.(*sendResult); ok {
		return res, err
	}
	return nil, err
}
