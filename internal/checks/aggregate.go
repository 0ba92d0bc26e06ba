package checks

import (
	"context"
	"fmt"
)

// MemberStatus is the current status of one monitor linked to an aggregate.
type MemberStatus struct {
	MonitorID string
	Name      string
	Status    string
}

// StatusSource loads the member monitors of an aggregate. Implemented by
// the monitor store.
type StatusSource interface {
	MemberStatuses(ctx context.Context, monitorID string) ([]MemberStatus, error)
}

// aggregateExecutor derives an aggregate monitor's state from its members.
// Paused and pending members are left out of the pool. Absolute mode counts
// unhealthy members against fixed thresholds; percentage mode compares the
// unhealthy share of the pool.
//
// Config keys: mode (absolute or percentage, default absolute),
// downThreshold (default 1), degradedThreshold (default 1),
// downThresholdPercent (default 50), degradedThresholdPercent (default 25),
// countDegradedAsDown.
type aggregateExecutor struct {
	source StatusSource
}

// NewAggregateExecutor returns the aggregate executor backed by the given
// status source.
func NewAggregateExecutor(source StatusSource) Executor {
	return &aggregateExecutor{source: source}
}

func (aggregateExecutor) Type() string { return TypeAggregate }

func (e *aggregateExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	members, err := e.source.MemberStatuses(ctx, in.MonitorID)
	if err != nil {
		return nil, fmt.Errorf("checks: aggregate: load members: %w", err)
	}

	var pool, downCount, degradedCount int
	var downMembers []string
	for _, member := range members {
		switch member.Status {
		case "paused", "pending":
			continue
		}
		pool++
		switch member.Status {
		case "down":
			downCount++
			downMembers = append(downMembers, member.Name)
		case "degraded":
			if in.ConfigBool("countDegradedAsDown", false) {
				downCount++
				downMembers = append(downMembers, member.Name)
			} else {
				degradedCount++
			}
		}
	}

	if pool == 0 {
		return Errored(CodeNoData, "aggregate has no active member monitors"), nil
	}

	out := Success(0)
	out.ResponseTimeMs = nil
	out.SetPayload("memberCount", pool)
	out.SetPayload("downCount", downCount)
	out.SetPayload("degradedCount", degradedCount)
	if len(downMembers) > 0 {
		out.SetPayload("downMembers", downMembers)
	}

	var down, degraded bool
	if in.ConfigString("mode", "absolute") == "percentage" {
		downPct := float64(downCount) / float64(pool) * 100
		unhealthyPct := float64(downCount+degradedCount) / float64(pool) * 100
		down = downPct >= in.ConfigFloat("downThresholdPercent", 50)
		degraded = unhealthyPct >= in.ConfigFloat("degradedThresholdPercent", 25)
	} else {
		down = downCount >= in.ConfigInt("downThreshold", 1)
		degraded = downCount+degradedCount >= in.ConfigInt("degradedThreshold", 1)
	}

	switch {
	case down:
		out.Status = StatusFailure
		out.ErrorCode = CodeUnhealthy
		out.ErrorMessage = fmt.Sprintf("%d of %d members are down", downCount, pool)
	case degraded:
		out.Status = StatusDegraded
		out.ErrorCode = CodeUnhealthy
		out.ErrorMessage = fmt.Sprintf("%d of %d members are unhealthy", downCount+degradedCount, pool)
	}
	return out, nil
}
