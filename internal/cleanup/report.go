package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/enterprise"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// maxReportMonitors caps how many monitors one report covers. An org past
// the cap gets the newest page rather than an unbounded scan.
const maxReportMonitors = 500

// maxReportSpanDays caps the period a single run covers, so a report
// re-enabled after months off does not mail its whole backlog.
const maxReportSpanDays = 31

// Mailer enqueues one prerendered email. *notification.Dispatcher
// implements it.
type Mailer interface {
	EnqueueEmail(ctx context.Context, orgID uuid.UUID, jobKey, to, subject, body string) error
}

// ReporterConfig carries the report worker's stores and its outbound mail
// path.
type ReporterConfig struct {
	Reports  repositories.ReportRepository
	Channels repositories.ChannelRepository
	Monitors repositories.MonitorRepository
	Rollups  repositories.RollupRepository
	Mailer   Mailer
	Logger   *zap.Logger
}

// Reporter consumes the reports queue.
type Reporter struct {
	cfg    ReporterConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewReporter builds the report worker.
func NewReporter(cfg ReporterConfig) *Reporter {
	return &Reporter{
		cfg:    cfg,
		logger: cfg.Logger.Named("report"),
		now:    time.Now,
	}
}

// Handle renders and mails one scheduled report. Reports that vanished,
// got disabled, or point at a channel that cannot take email are dropped;
// store and enqueue failures bounce the job for retry. Deliveries carry a
// job key derived from the report and period, so a retried run cannot
// double-send the same summary.
func (r *Reporter) Handle(ctx context.Context, job *queue.Job) error {
	var payload dispatch.ReportJob
	if err := job.Decode(&payload); err != nil {
		r.logger.Error("dropping malformed report job",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return nil
	}
	reportID, err := uuid.Parse(payload.ReportID)
	if err != nil {
		r.logger.Error("dropping report job with bad report id",
			zap.String("report_id", payload.ReportID),
			zap.Error(err),
		)
		return nil
	}

	report, err := r.cfg.Reports.GetByID(ctx, reportID)
	if errors.Is(err, repositories.ErrNotFound) {
		// Report deleted between enqueue and delivery.
		return nil
	}
	if err != nil {
		return fmt.Errorf("report: load config: %w", err)
	}
	if !report.Enabled {
		return nil
	}

	recipients, err := r.recipients(ctx, report)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}

	now := r.now().UTC()
	periodStart, periodEnd := reportPeriod(report.LastRunAt, now)

	summary, err := r.buildSummary(ctx, report, periodStart, periodEnd)
	if err != nil {
		return err
	}

	subject, body, err := renderReport(ctx, summary)
	if err != nil {
		return fmt.Errorf("report: render: %w", err)
	}

	seen := make(map[string]struct{}, len(recipients))
	sent := 0
	for _, to := range recipients {
		addr := strings.ToLower(strings.TrimSpace(to))
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		jobKey := fmt.Sprintf("report-%s-%s-%s", report.ID, periodEnd.Format("2006-01-02"), addr)
		if err := r.cfg.Mailer.EnqueueEmail(ctx, report.OrgID, jobKey, addr, subject, body); err != nil {
			return fmt.Errorf("report: enqueue delivery: %w", err)
		}
		sent++
	}

	if err := r.cfg.Reports.UpdateLastRun(ctx, report.ID, now); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("report: record run: %w", err)
	}

	r.logger.Info("report enqueued",
		zap.String("report_id", report.ID.String()),
		zap.Time("period_start", periodStart),
		zap.Time("period_end", periodEnd),
		zap.Int("monitors", len(summary.Monitors)),
		zap.Int("recipients", sent),
	)
	return nil
}

// recipients resolves the report's channel into email addresses. Scheduled
// reports only ship over email, so a missing, disabled, non-email or
// unreadable channel resolves to none and the run is skipped with a log
// rather than retried.
func (r *Reporter) recipients(ctx context.Context, report *db.ReportConfig) ([]string, error) {
	channel, err := r.cfg.Channels.GetChannel(ctx, report.ChannelID)
	if errors.Is(err, repositories.ErrNotFound) {
		r.logger.Warn("report channel is gone",
			zap.String("report_id", report.ID.String()),
			zap.String("channel_id", report.ChannelID.String()),
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("report: load channel: %w", err)
	}
	if !channel.Enabled || channel.Type != "email" {
		r.logger.Warn("report channel cannot take email",
			zap.String("report_id", report.ID.String()),
			zap.String("channel_type", channel.Type),
			zap.Bool("enabled", channel.Enabled),
		)
		return nil, nil
	}

	var cfg struct {
		To []string `json:"to"`
	}
	raw := string(channel.Config)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		r.logger.Warn("report channel config is unreadable",
			zap.String("report_id", report.ID.String()),
			zap.String("channel_id", channel.ID.String()),
			zap.Error(err),
		)
		return nil, nil
	}
	return cfg.To, nil
}

// reportPeriod picks the window a run covers. Rollup rows are daily, so
// the window always ends at today's UTC midnight and spans whole days.
// The first run covers the trailing week; later runs pick up where the
// last one ended. A run on the same day as the previous one still covers
// at least yesterday.
func reportPeriod(lastRun *time.Time, now time.Time) (time.Time, time.Time) {
	end := now.UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -7)
	if lastRun != nil {
		start = lastRun.UTC().Truncate(24 * time.Hour)
	}
	if floor := end.AddDate(0, 0, -maxReportSpanDays); start.Before(floor) {
		start = floor
	}
	if !start.Before(end) {
		start = end.AddDate(0, 0, -1)
	}
	return start, end
}

// buildSummary folds the org's daily rollups over the period into the
// renderer input. Monitors with no checks in the period are left out.
func (r *Reporter) buildSummary(ctx context.Context, report *db.ReportConfig, from, to time.Time) (enterprise.ReportSummary, error) {
	monitors, _, err := r.cfg.Monitors.List(ctx, report.OrgID, repositories.ListOptions{Limit: maxReportMonitors})
	if err != nil {
		return enterprise.ReportSummary{}, fmt.Errorf("report: list monitors: %w", err)
	}

	summary := enterprise.ReportSummary{
		OrgID:       report.OrgID,
		ReportName:  report.Name,
		PeriodStart: from,
		PeriodEnd:   to,
	}
	for i := range monitors {
		monitor := &monitors[i]
		rows, err := r.cfg.Rollups.ListDailyRange(ctx, monitor.ID, from, to)
		if err != nil {
			return enterprise.ReportSummary{}, fmt.Errorf("report: list daily rollups: %w", err)
		}
		if line, ok := summarizeMonitor(monitor.Name, rows); ok {
			summary.Monitors = append(summary.Monitors, line)
		}
	}
	return summary, nil
}

// summarizeMonitor pools one monitor's daily rows into a report line.
// Uptime and average latency are re-weighted by check count rather than
// averaged across days. Daily p95s cannot be merged exactly, so the line
// carries the worst day's.
func summarizeMonitor(name string, rows []db.CheckResultDaily) (enterprise.MonitorSummary, bool) {
	var (
		total    int
		up       int
		weighted float64
		p95      int64
	)
	for i := range rows {
		row := &rows[i]
		total += row.TotalCount
		up += row.SuccessCount + row.DegradedCount
		weighted += row.AvgResponseTimeMs * float64(row.TotalCount)
		if row.P95ResponseTimeMs > p95 {
			p95 = row.P95ResponseTimeMs
		}
	}
	if total == 0 {
		return enterprise.MonitorSummary{}, false
	}
	return enterprise.MonitorSummary{
		Name:              name,
		UptimePercentage:  float64(up) / float64(total) * 100,
		AvgResponseTimeMs: weighted / float64(total),
		P95ResponseTimeMs: p95,
		TotalChecks:       total,
	}, true
}

// renderReport uses the registered enterprise renderer when one is
// installed, and falls back to the built-in plain text rendering.
func renderReport(ctx context.Context, summary enterprise.ReportSummary) (string, string, error) {
	if renderer := enterprise.Renderer(); renderer != nil {
		return renderer.Render(ctx, summary)
	}
	subject, body := renderPlainText(summary)
	return subject, body, nil
}

func renderPlainText(s enterprise.ReportSummary) (subject, body string) {
	subject = fmt.Sprintf("%s: uptime %s to %s",
		s.ReportName,
		s.PeriodStart.Format("Jan 2"),
		s.PeriodEnd.Format("Jan 2, 2006"),
	)

	var b strings.Builder
	fmt.Fprintf(&b, "Uptime report %q covering %s to %s (UTC).\n\n",
		s.ReportName,
		s.PeriodStart.Format("2006-01-02"),
		s.PeriodEnd.Format("2006-01-02"),
	)
	if len(s.Monitors) == 0 {
		b.WriteString("No monitors recorded checks in this period.\n")
		return subject, b.String()
	}
	for _, m := range s.Monitors {
		fmt.Fprintf(&b, "%s: %.2f%% uptime, avg %.0fms, p95 %dms, %d checks\n",
			m.Name, m.UptimePercentage, m.AvgResponseTimeMs, m.P95ResponseTimeMs, m.TotalChecks)
	}
	return subject, b.String()
}
