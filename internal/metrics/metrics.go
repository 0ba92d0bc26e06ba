// Package metrics defines the Prometheus collectors for the monitoring
// pipeline. A single Set is constructed in main against an explicit
// registry and handed to the packages that record into it; all recording
// methods are safe on a nil Set so tests and the probe agent can skip
// wiring entirely.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector the server registers.
type Set struct {
	checksTotal        *prometheus.CounterVec
	checkDuration      *prometheus.HistogramVec
	queueJobsTotal     *prometheus.CounterVec
	queueJobDuration   *prometheus.HistogramVec
	alertsTotal        *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	probesOnline       prometheus.Gauge
	wsClients          prometheus.GaugeFunc
}

// New builds the collector set and registers it with reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unistatus_checks_total",
				Help: "Check results ingested, by monitor type and outcome status.",
			},
			[]string{"type", "status"},
		),
		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unistatus_check_duration_seconds",
				Help:    "Measured check response time.",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),
		queueJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unistatus_queue_jobs_total",
				Help: "Queue jobs finished, by queue and outcome (ok, retry, dead).",
			},
			[]string{"queue", "outcome"},
		),
		queueJobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unistatus_queue_job_duration_seconds",
				Help:    "Wall time spent handling one queue job attempt.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unistatus_alerts_total",
				Help: "Alert lifecycle transitions, by kind (triggered, resolved).",
			},
			[]string{"transition"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unistatus_notifications_total",
				Help: "Terminal notification deliveries, by channel type and outcome.",
			},
			[]string{"channel", "outcome"},
		),
		probesOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "unistatus_probes_online",
				Help: "Probes currently in status active.",
			},
		),
	}
	reg.MustRegister(
		s.checksTotal,
		s.checkDuration,
		s.queueJobsTotal,
		s.queueJobDuration,
		s.alertsTotal,
		s.notificationsTotal,
		s.probesOnline,
	)
	return s
}

// ObserveWSClients registers a gauge that reports the connected WebSocket
// client count via fn. Separate from New because the hub is constructed
// later in the wiring order.
func (s *Set) ObserveWSClients(reg prometheus.Registerer, fn func() int) {
	if s == nil {
		return
	}
	s.wsClients = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "unistatus_websocket_clients",
			Help: "Currently connected WebSocket clients.",
		},
		func() float64 { return float64(fn()) },
	)
	reg.MustRegister(s.wsClients)
}

// IncCheck counts one ingested result.
func (s *Set) IncCheck(monitorType, status string) {
	if s == nil {
		return
	}
	s.checksTotal.WithLabelValues(monitorType, status).Inc()
}

// ObserveCheckDuration records a check's measured response time in seconds.
func (s *Set) ObserveCheckDuration(monitorType string, seconds float64) {
	if s == nil {
		return
	}
	s.checkDuration.WithLabelValues(monitorType).Observe(seconds)
}

// IncQueueJob counts one finished job attempt.
func (s *Set) IncQueueJob(queue, outcome string) {
	if s == nil {
		return
	}
	s.queueJobsTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveQueueJobDuration records one job attempt's handling time.
func (s *Set) ObserveQueueJobDuration(queue string, seconds float64) {
	if s == nil {
		return
	}
	s.queueJobDuration.WithLabelValues(queue).Observe(seconds)
}

// IncAlert counts an alert transition ("triggered" or "resolved").
func (s *Set) IncAlert(transition string) {
	if s == nil {
		return
	}
	s.alertsTotal.WithLabelValues(transition).Inc()
}

// IncNotification counts a terminal delivery outcome ("ok" or "failed").
func (s *Set) IncNotification(channelType, outcome string) {
	if s == nil {
		return
	}
	s.notificationsTotal.WithLabelValues(channelType, outcome).Inc()
}

// SetProbesOnline reports the current active probe count.
func (s *Set) SetProbesOnline(n int) {
	if s == nil {
		return
	}
	s.probesOnline.Set(float64(n))
}
