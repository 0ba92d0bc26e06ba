package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// PingStore adapts the result repository to the heartbeat executor's
// checks.PingSource. A "start" ping counts as alive: the job has begun and
// is expected to report completion on its next ping.
type PingStore struct {
	results repositories.ResultRepository
}

// NewPingStore returns the heartbeat ping source backed by the result
// repository.
func NewPingStore(results repositories.ResultRepository) *PingStore {
	return &PingStore{results: results}
}

func (p *PingStore) LastPing(ctx context.Context, monitorID string) (*checks.HeartbeatPing, error) {
	id, err := uuid.Parse(monitorID)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse monitor id %q: %w", monitorID, err)
	}
	ping, err := p.results.LatestPing(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	status := "success"
	if ping.Status == "fail" {
		status = "fail"
	}
	return &checks.HeartbeatPing{At: ping.CreatedAt, Status: status}, nil
}

// MemberSource adapts the monitor repository to the aggregate executor's
// checks.StatusSource. Membership is the aggregate monitor's config key
// "monitorIds"; statuses are read live so the aggregate reflects the
// members' current state, not the state at config time.
type MemberSource struct {
	monitors repositories.MonitorRepository
	logger   *zap.Logger
}

// NewMemberSource returns the aggregate member source backed by the monitor
// repository.
func NewMemberSource(monitors repositories.MonitorRepository, logger *zap.Logger) *MemberSource {
	return &MemberSource{monitors: monitors, logger: logger.Named("ingest")}
}

func (m *MemberSource) MemberStatuses(ctx context.Context, monitorID string) ([]checks.MemberStatus, error) {
	id, err := uuid.Parse(monitorID)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse monitor id %q: %w", monitorID, err)
	}
	mon, err := m.monitors.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var cfg struct {
		MonitorIDs []string `json:"monitorIds"`
	}
	if mon.Config != "" {
		if err := json.Unmarshal([]byte(mon.Config), &cfg); err != nil {
			return nil, fmt.Errorf("ingest: parse aggregate config: %w", err)
		}
	}
	if len(cfg.MonitorIDs) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(cfg.MonitorIDs))
	for _, raw := range cfg.MonitorIDs {
		memberID, err := uuid.Parse(raw)
		if err != nil {
			m.logger.Warn("aggregate member id unparseable, skipping",
				zap.String("monitor_id", monitorID),
				zap.String("member_id", raw),
			)
			continue
		}
		ids = append(ids, memberID)
	}

	members, err := m.monitors.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	statuses := make([]checks.MemberStatus, 0, len(members))
	for _, member := range members {
		status := member.Status
		if member.Paused {
			status = "paused"
		}
		statuses = append(statuses, checks.MemberStatus{
			MonitorID: member.ID.String(),
			Name:      member.Name,
			Status:    status,
		})
	}
	return statuses, nil
}
