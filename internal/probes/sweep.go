package probes

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/events"
)

// Sweep is the probe health pass, run from the scheduler's 1m timer.
// Expired claims return to pending (or are dropped once out of attempts),
// probes silent past the cutoff flip offline with an org event and an
// audit row, and the online gauge is refreshed.
func (s *Service) Sweep(ctx context.Context, now time.Time) error {
	requeued, dropped, err := s.cfg.Probes.RequeueExpired(ctx, now, now.Add(claimTTL), maxJobAttempts)
	if err != nil {
		return fmt.Errorf("probes: requeue expired: %w", err)
	}
	if requeued > 0 || dropped > 0 {
		s.logger.Info("expired probe jobs swept",
			zap.Int64("requeued", requeued),
			zap.Int64("dropped", dropped),
		)
	}

	stale, err := s.cfg.Probes.MarkOffline(ctx, now.Add(-offlineAfter))
	if err != nil {
		return fmt.Errorf("probes: mark offline: %w", err)
	}
	for i := range stale {
		p := &stale[i]
		s.logger.Warn("probe offline",
			zap.String("probe_id", p.ID.String()),
			zap.String("name", p.Name),
			zap.Timep("last_heartbeat_at", p.LastHeartbeatAt),
		)
		if s.cfg.Hub != nil {
			topic := events.OrgTopic(p.OrgID)
			data := map[string]any{
				"probeId": p.ID.String(),
				"name":    p.Name,
			}
			if p.LastHeartbeatAt != nil {
				data["lastHeartbeatAt"] = p.LastHeartbeatAt.UTC().Format(time.RFC3339)
			}
			s.cfg.Hub.Publish(topic, events.Message{
				Type:  events.TypeProbeOffline,
				Topic: topic,
				Data:  data,
			})
		}
		s.audit(ctx, p.OrgID, "probe.offline", p.ID, nil)
	}

	active, err := s.cfg.Probes.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("probes: count active: %w", err)
	}
	s.cfg.Metrics.SetProbesOnline(int(active))
	return nil
}
