// Package maintenance runs the subscriber-notification scan for planned
// maintenance windows. Each window owes up to three notices: an advance
// warning, one when work starts, and one when it ends. A scan claims the
// slot's once-only marker before sending anything, so concurrent scanners
// and restarts cannot resend; a notice lost between the claim and the
// enqueue stays lost rather than risking duplicates.
//
// The window's pause semantics live elsewhere: the scheduler excludes
// monitors under an active window from dispatch and the alert evaluator
// suppresses transitions for them. This package only talks to subscribers.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// endLookback bounds each scan: a window that ended more than this long
// ago no longer owes its end notice.
const endLookback = 24 * time.Hour

// Slot names stamped into the repository's once-only markers.
const (
	slotBeforeStart = "beforeStart"
	slotOnStart     = "onStart"
	slotOnEnd       = "onEnd"
)

// Mailer enqueues one prerendered subscriber email.
// *notification.Dispatcher implements it.
type Mailer interface {
	EnqueueEmail(ctx context.Context, orgID uuid.UUID, jobKey, to, subject, body string) error
}

// Publisher fans a window transition out to live subscribers. *events.Hub
// implements it.
type Publisher interface {
	Publish(topic string, msg events.Message)
}

// Config carries the notifier's collaborators. Hub and Audit may be nil;
// the corresponding step is skipped.
type Config struct {
	Windows  repositories.MaintenanceRepository
	Monitors repositories.MonitorRepository
	Orgs     repositories.OrgRepository
	Audit    repositories.AuditRepository
	Mailer   Mailer
	Hub      Publisher

	// UnsubscribeSecret signs the tokens carried by the unsubscribe links
	// appended to subscriber notices. Empty omits the links.
	UnsubscribeSecret string

	// StatusBaseURL prefixes unsubscribe links. Empty omits the links.
	StatusBaseURL string

	Logger *zap.Logger
}

// Notifier implements the scheduler's maintenance scan.
type Notifier struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Notifier.
func New(cfg Config) *Notifier {
	return &Notifier{
		cfg:    cfg,
		logger: cfg.Logger.Named("maintenance"),
	}
}

// Scan walks the windows that may still owe a notice and runs the one slot
// each owes at now. Per-window failures are logged and do not stop the
// scan; only the initial listing surfaces an error.
func (n *Notifier) Scan(ctx context.Context, now time.Time) error {
	windows, err := n.cfg.Windows.ListNotifiable(ctx, now.Add(-endLookback))
	if err != nil {
		return fmt.Errorf("maintenance: list notifiable: %w", err)
	}
	for i := range windows {
		w := &windows[i]
		if slot := dueSlot(w, now); slot != "" {
			n.runSlot(ctx, w, slot, now)
		}
	}
	return nil
}

// dueSlot returns the slot the window owes at now, or "". Slots are
// checked latest first: a notifier that was down across a whole window
// sends only the notice that still makes sense, and the skipped markers
// simply stay unset.
func dueSlot(w *db.MaintenanceWindow, now time.Time) string {
	switch {
	case w.NotifyOnEnd && w.OnEndSentAt == nil &&
		!now.Before(w.EndsAt):
		return slotOnEnd
	case w.NotifyOnStart && w.OnStartSentAt == nil &&
		!now.Before(w.StartsAt) && now.Before(w.EndsAt):
		return slotOnStart
	case w.NotifyBeforeStart && w.BeforeStartSentAt == nil &&
		!now.Before(w.StartsAt.Add(-time.Duration(w.BeforeStartMinutes)*time.Minute)) &&
		now.Before(w.StartsAt):
		return slotBeforeStart
	}
	return ""
}

// runSlot claims the slot marker and, having won it, announces the
// transition and fans the notice out. Losing the claim means another
// scanner owns the slot.
func (n *Notifier) runSlot(ctx context.Context, w *db.MaintenanceWindow, slot string, now time.Time) {
	err := n.cfg.Windows.MarkSlotSent(ctx, w.ID, slot, now)
	if errors.Is(err, repositories.ErrConflict) {
		return
	}
	if err != nil {
		n.logger.Error("slot claim failed",
			zap.String("window_id", w.ID.String()),
			zap.String("slot", slot),
			zap.Error(err),
		)
		return
	}

	n.announce(ctx, w, slot)

	if err := n.fanOut(ctx, w, slot, now); err != nil {
		n.logger.Error("subscriber fan-out failed",
			zap.String("window_id", w.ID.String()),
			zap.String("slot", slot),
			zap.Error(err),
		)
	}
}

// announce publishes the window transition on the org topic and writes the
// audit row. Only the start and end slots mark transitions; the advance
// warning is purely a subscriber courtesy.
func (n *Notifier) announce(ctx context.Context, w *db.MaintenanceWindow, slot string) {
	var eventType, action string
	switch slot {
	case slotOnStart:
		eventType, action = events.TypeMaintenanceStarted, "maintenance.started"
	case slotOnEnd:
		eventType, action = events.TypeMaintenanceEnded, "maintenance.ended"
	default:
		return
	}

	if n.cfg.Hub != nil {
		topic := events.OrgTopic(w.OrgID)
		n.cfg.Hub.Publish(topic, events.Message{
			Type:  eventType,
			Topic: topic,
			Data: map[string]any{
				"windowId": w.ID.String(),
				"name":     w.Name,
				"startsAt": w.StartsAt.UTC().Format(time.RFC3339),
				"endsAt":   w.EndsAt.UTC().Format(time.RFC3339),
			},
		})
	}

	if n.cfg.Audit != nil {
		entry := &db.AuditLog{
			OrgID:    w.OrgID,
			Actor:    "system",
			Action:   action,
			Entity:   "maintenance_window",
			EntityID: w.ID.String(),
		}
		if err := n.cfg.Audit.Create(ctx, entry); err != nil {
			n.logger.Warn("audit write failed",
				zap.String("window_id", w.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// fanOut enqueues one email per verified subscriber of the published
// status pages that list an affected monitor. A subscriber of several
// affected pages gets a single notice.
func (n *Notifier) fanOut(ctx context.Context, w *db.MaintenanceWindow, slot string, now time.Time) error {
	monitorIDs, err := n.cfg.Windows.MonitorIDs(ctx, w.ID)
	if err != nil {
		return err
	}
	if len(monitorIDs) == 0 {
		return nil
	}

	pages, err := n.cfg.Orgs.PublishedPagesForMonitors(ctx, monitorIDs)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return nil
	}
	pageIDs := make([]uuid.UUID, 0, len(pages))
	for _, p := range pages {
		pageIDs = append(pageIDs, p.ID)
	}

	subs, err := n.cfg.Orgs.VerifiedSubscribers(ctx, pageIDs)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	monitors, err := n.cfg.Monitors.ListByIDs(ctx, monitorIDs)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(monitors))
	for _, m := range monitors {
		names = append(names, m.Name)
	}

	subject, body := renderNotice(w, slot, names)
	seen := make(map[string]struct{}, len(subs))
	sent := 0
	for i := range subs {
		sub := &subs[i]
		addr := strings.ToLower(sub.Email)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		text := body
		if link := n.unsubscribeLink(sub, now); link != "" {
			text += "\nUnsubscribe: " + link + "\n"
		}
		jobKey := fmt.Sprintf("maintenance-%s-%s-%s", w.ID, slot, sub.ID)
		if err := n.cfg.Mailer.EnqueueEmail(ctx, w.OrgID, jobKey, sub.Email, subject, text); err != nil {
			n.logger.Error("notice enqueue failed",
				zap.String("window_id", w.ID.String()),
				zap.String("subscriber_id", sub.ID.String()),
				zap.Error(err),
			)
			continue
		}
		sent++
	}

	n.logger.Info("maintenance notices enqueued",
		zap.String("window_id", w.ID.String()),
		zap.String("slot", slot),
		zap.Int("subscribers", sent),
	)
	return nil
}

// renderNotice builds the subject and plain-text body for one slot.
func renderNotice(w *db.MaintenanceWindow, slot string, monitorNames []string) (subject, body string) {
	start := w.StartsAt.UTC().Format(time.RFC1123)
	end := w.EndsAt.UTC().Format(time.RFC1123)

	var sb strings.Builder
	switch slot {
	case slotBeforeStart:
		subject = fmt.Sprintf("Scheduled maintenance: %s", w.Name)
		fmt.Fprintf(&sb, "Maintenance %q is scheduled from %s to %s.\n", w.Name, start, end)
	case slotOnStart:
		subject = fmt.Sprintf("Maintenance started: %s", w.Name)
		fmt.Fprintf(&sb, "Maintenance %q started at %s and is expected to finish by %s.\n", w.Name, start, end)
	case slotOnEnd:
		subject = fmt.Sprintf("Maintenance completed: %s", w.Name)
		fmt.Fprintf(&sb, "Maintenance %q finished at %s.\n", w.Name, end)
	}
	if w.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", w.Description)
	}
	if len(monitorNames) > 0 {
		sb.WriteString("\nAffected services:\n")
		for _, name := range monitorNames {
			fmt.Fprintf(&sb, "  - %s\n", name)
		}
	}
	return subject, sb.String()
}
