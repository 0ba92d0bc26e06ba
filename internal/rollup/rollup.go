// Package rollup compacts the check-result stream. The hourly job reduces
// one monitor-hour of raw results into a summary row per region; the daily
// job reduces a UTC day of hourly rows the same way. Both shapes arrive on
// the aggregation queue, enqueued by the scheduler for the previous
// complete hour and the previous UTC day.
//
// Every run recomputes its bucket from scratch and writes it with an
// upsert keyed on (monitor, region, bucket), so re-delivery and
// overlapping runs converge on identical rows. A bucket with no source
// rows writes nothing.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// Deps are the stores the aggregator reads and writes.
type Deps struct {
	Monitors repositories.MonitorRepository
	Results  repositories.ResultRepository
	Rollups  repositories.RollupRepository
}

// Service consumes the aggregation queue.
type Service struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New builds the aggregation service.
func New(deps Deps, logger *zap.Logger) *Service {
	return &Service{
		deps:   deps,
		logger: logger.Named("rollup"),
		now:    time.Now,
	}
}

// aggregationJob is the union of the two payload shapes the queue carries.
// Daily jobs set date (YYYY-MM-DD); hourly jobs set bucketStart.
type aggregationJob struct {
	MonitorID   string    `json:"monitorId"`
	BucketStart time.Time `json:"bucketStart"`
	Date        string    `json:"date"`
}

// Handle processes one aggregation job. Malformed payloads are dropped;
// store errors bounce the job back to the queue for retry.
func (s *Service) Handle(ctx context.Context, job *queue.Job) error {
	var payload aggregationJob
	if err := job.Decode(&payload); err != nil {
		s.logger.Error("dropping malformed aggregation job",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return nil
	}
	monitorID, err := uuid.Parse(payload.MonitorID)
	if err != nil {
		s.logger.Error("dropping aggregation job with bad monitor id",
			zap.String("monitor_id", payload.MonitorID),
			zap.Error(err),
		)
		return nil
	}

	monitor, err := s.deps.Monitors.GetByID(ctx, monitorID)
	if errors.Is(err, repositories.ErrNotFound) {
		// Monitor deleted between enqueue and delivery.
		return nil
	}
	if err != nil {
		return fmt.Errorf("rollup: load monitor: %w", err)
	}
	if monitor.Type == checks.TypeCT {
		// CT results carry log-id sets, not latency samples.
		return nil
	}

	if payload.Date != "" {
		date, err := time.ParseInLocation("2006-01-02", payload.Date, time.UTC)
		if err != nil {
			s.logger.Error("dropping daily aggregation job with bad date",
				zap.String("monitor_id", payload.MonitorID),
				zap.String("date", payload.Date),
				zap.Error(err),
			)
			return nil
		}
		return s.rollDaily(ctx, monitorID, date)
	}
	if payload.BucketStart.IsZero() {
		s.logger.Error("dropping aggregation job with no bucket",
			zap.String("monitor_id", payload.MonitorID),
		)
		return nil
	}
	return s.rollHourly(ctx, monitorID, payload.BucketStart.UTC().Truncate(time.Hour))
}

// rollHourly summarizes the raw results in [bucket, bucket+1h), one row
// per region seen in the window.
func (s *Service) rollHourly(ctx context.Context, monitorID uuid.UUID, bucket time.Time) error {
	results, err := s.deps.Results.ListRange(ctx, monitorID, bucket, bucket.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("rollup: list results: %w", err)
	}
	if len(results) == 0 {
		return nil
	}

	byRegion := make(map[string][]db.CheckResult)
	for _, r := range results {
		byRegion[r.Region] = append(byRegion[r.Region], r)
	}

	now := s.now()
	for region, rows := range byRegion {
		st := summarize(rows)
		row := &db.CheckResultHourly{
			MonitorID:         monitorID,
			Region:            region,
			BucketStart:       bucket,
			AvgResponseTimeMs: st.avg(),
			MinResponseTimeMs: st.min(),
			MaxResponseTimeMs: st.max(),
			P50ResponseTimeMs: nearestRank(st.samples, 50),
			P75ResponseTimeMs: nearestRank(st.samples, 75),
			P90ResponseTimeMs: nearestRank(st.samples, 90),
			P95ResponseTimeMs: nearestRank(st.samples, 95),
			P99ResponseTimeMs: nearestRank(st.samples, 99),
			SuccessCount:      st.success,
			DegradedCount:     st.degraded,
			FailureCount:      st.failure,
			TotalCount:        st.total(),
			UptimePercentage:  st.uptime(),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.deps.Rollups.UpsertHourly(ctx, row); err != nil {
			return err
		}
	}

	s.logger.Debug("hourly bucket rolled",
		zap.String("monitor_id", monitorID.String()),
		zap.Time("bucket", bucket),
		zap.Int("results", len(results)),
		zap.Int("regions", len(byRegion)),
	)
	return nil
}

// rollDaily pools the hourly rows of one UTC day, one row per region.
func (s *Service) rollDaily(ctx context.Context, monitorID uuid.UUID, date time.Time) error {
	hours, err := s.deps.Rollups.ListHourlyRange(ctx, monitorID, date, date.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("rollup: list hourly: %w", err)
	}
	if len(hours) == 0 {
		return nil
	}

	byRegion := make(map[string][]db.CheckResultHourly)
	for _, h := range hours {
		byRegion[h.Region] = append(byRegion[h.Region], h)
	}

	now := s.now()
	for region, rows := range byRegion {
		row := poolDaily(monitorID, region, date, rows)
		row.CreatedAt = now
		row.UpdatedAt = now
		if err := s.deps.Rollups.UpsertDaily(ctx, row); err != nil {
			return err
		}
	}

	s.logger.Debug("daily bucket rolled",
		zap.String("monitor_id", monitorID.String()),
		zap.Time("date", date),
		zap.Int("hours", len(hours)),
		zap.Int("regions", len(byRegion)),
	)
	return nil
}

// bucketStats accumulates one region's raw results for a single hour.
// samples holds the non-null response times, sorted ascending.
type bucketStats struct {
	success  int
	degraded int
	failure  int
	samples  []int64
}

func summarize(rows []db.CheckResult) bucketStats {
	var st bucketStats
	for _, r := range rows {
		switch r.Status {
		case checks.StatusSuccess:
			st.success++
		case checks.StatusDegraded:
			st.degraded++
		default:
			// failure, timeout and error all count as failures.
			st.failure++
		}
		if r.ResponseTimeMs != nil {
			st.samples = append(st.samples, *r.ResponseTimeMs)
		}
	}
	sort.Slice(st.samples, func(i, j int) bool { return st.samples[i] < st.samples[j] })
	return st
}

func (st *bucketStats) total() int { return st.success + st.degraded + st.failure }

func (st *bucketStats) uptime() float64 {
	t := st.total()
	if t == 0 {
		return 0
	}
	return float64(st.success+st.degraded) / float64(t) * 100
}

func (st *bucketStats) avg() float64 {
	if len(st.samples) == 0 {
		return 0
	}
	var sum int64
	for _, v := range st.samples {
		sum += v
	}
	return float64(sum) / float64(len(st.samples))
}

func (st *bucketStats) min() int64 {
	if len(st.samples) == 0 {
		return 0
	}
	return st.samples[0]
}

func (st *bucketStats) max() int64 {
	if len(st.samples) == 0 {
		return 0
	}
	return st.samples[len(st.samples)-1]
}

// poolDaily reduces one region's hourly rows into a daily row. Counts sum
// and the average weights each hour by its totalCount. An hour with no
// timed samples stores zeroed latency stats; it still counts toward totals
// and the weighted average but is skipped for min/max and the percentile
// pools. The daily percentiles take nearest-rank over the multiset of
// hourly percentile values, an approximation that avoids re-reading raw
// rows.
func poolDaily(monitorID uuid.UUID, region string, date time.Time, rows []db.CheckResultHourly) *db.CheckResultDaily {
	d := &db.CheckResultDaily{
		MonitorID:  monitorID,
		Region:     region,
		BucketDate: date,
	}
	var (
		weighted float64
		p50s     []int64
		p95s     []int64
		p99s     []int64
	)
	for _, h := range rows {
		d.SuccessCount += h.SuccessCount
		d.DegradedCount += h.DegradedCount
		d.FailureCount += h.FailureCount
		d.TotalCount += h.TotalCount
		weighted += h.AvgResponseTimeMs * float64(h.TotalCount)
		if h.MaxResponseTimeMs == 0 {
			continue
		}
		if d.MinResponseTimeMs == 0 || h.MinResponseTimeMs < d.MinResponseTimeMs {
			d.MinResponseTimeMs = h.MinResponseTimeMs
		}
		if h.MaxResponseTimeMs > d.MaxResponseTimeMs {
			d.MaxResponseTimeMs = h.MaxResponseTimeMs
		}
		p50s = append(p50s, h.P50ResponseTimeMs)
		p95s = append(p95s, h.P95ResponseTimeMs)
		p99s = append(p99s, h.P99ResponseTimeMs)
	}
	if d.TotalCount > 0 {
		d.AvgResponseTimeMs = weighted / float64(d.TotalCount)
		d.UptimePercentage = float64(d.SuccessCount+d.DegradedCount) / float64(d.TotalCount) * 100
	}
	sortInt64(p50s)
	sortInt64(p95s)
	sortInt64(p99s)
	d.P50ResponseTimeMs = nearestRank(p50s, 50)
	d.P95ResponseTimeMs = nearestRank(p95s, 95)
	d.P99ResponseTimeMs = nearestRank(p99s, 99)
	return d
}

func sortInt64(v []int64) {
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
}

// nearestRank returns the pth percentile of sorted using the nearest-rank
// method: the value at one-based rank ceil(p/100*n), clamped to [1, n].
// An empty sample set yields 0.
func nearestRank(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
