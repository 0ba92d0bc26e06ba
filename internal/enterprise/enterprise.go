// Package enterprise is the extension seam for capabilities that ship
// outside the open core: escalation chains, on-call rotations, and rendered
// report templates. Closed-source builds register implementations at init;
// the core consults the registry and degrades gracefully when a capability
// is absent.
package enterprise

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EscalationScheduler starts an escalation chain when an alert fires and
// cancels it when the alert resolves.
type EscalationScheduler interface {
	ScheduleEscalation(ctx context.Context, alertID uuid.UUID, escalationPolicyID string) error
	CancelEscalation(ctx context.Context, alertID uuid.UUID) error
}

// OncallResolver maps a rotation id to the email of whoever is currently on
// call.
type OncallResolver interface {
	ResolveEmail(ctx context.Context, rotationID string) (string, error)
}

// ReportSummary is the data handed to a report renderer.
type ReportSummary struct {
	OrgID       uuid.UUID
	ReportName  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Monitors    []MonitorSummary
}

// MonitorSummary is one monitor's aggregate figures for the report period.
type MonitorSummary struct {
	Name              string
	UptimePercentage  float64
	AvgResponseTimeMs float64
	P95ResponseTimeMs int64
	TotalChecks       int
}

// ReportRenderer turns a summary into a delivery-ready subject and body.
// The core falls back to a plain-text rendering when none is registered.
type ReportRenderer interface {
	Render(ctx context.Context, summary ReportSummary) (subject, body string, err error)
}

var (
	mu         sync.RWMutex
	escalation EscalationScheduler
	oncall     OncallResolver
	renderer   ReportRenderer
)

// RegisterEscalationScheduler installs the escalation capability.
func RegisterEscalationScheduler(s EscalationScheduler) {
	mu.Lock()
	defer mu.Unlock()
	escalation = s
}

// RegisterOncallResolver installs the on-call lookup capability.
func RegisterOncallResolver(r OncallResolver) {
	mu.Lock()
	defer mu.Unlock()
	oncall = r
}

// RegisterReportRenderer installs the report template capability.
func RegisterReportRenderer(r ReportRenderer) {
	mu.Lock()
	defer mu.Unlock()
	renderer = r
}

// Escalation returns the registered scheduler, or nil.
func Escalation() EscalationScheduler {
	mu.RLock()
	defer mu.RUnlock()
	return escalation
}

// Oncall returns the registered resolver, or nil.
func Oncall() OncallResolver {
	mu.RLock()
	defer mu.RUnlock()
	return oncall
}

// Renderer returns the registered report renderer, or nil.
func Renderer() ReportRenderer {
	mu.RLock()
	defer mu.RUnlock()
	return renderer
}
