package checks

import (
	"context"
	"fmt"
	"time"
)

// HeartbeatPing is the most recent ping received for a heartbeat monitor.
type HeartbeatPing struct {
	At     time.Time
	Status string // "success" or "fail"
}

// PingSource loads the latest heartbeat ping for a monitor. Implemented by
// the heartbeat store; returns (nil, nil) when no ping was ever received.
type PingSource interface {
	LastPing(ctx context.Context, monitorID string) (*HeartbeatPing, error)
}

// heartbeatExecutor evaluates a passive heartbeat monitor. The monitored
// job pings us; the check only judges how long ago that happened. A ping
// explicitly reporting failure fails immediately, and silence beyond the
// expected interval plus grace is treated as the job being dead.
//
// Config keys: graceSeconds (default 300).
type heartbeatExecutor struct {
	source PingSource
}

// NewHeartbeatExecutor returns the heartbeat executor backed by the given
// ping source.
func NewHeartbeatExecutor(source PingSource) Executor {
	return &heartbeatExecutor{source: source}
}

func (heartbeatExecutor) Type() string { return TypeHeartbeat }

func (e *heartbeatExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	ping, err := e.source.LastPing(ctx, in.MonitorID)
	if err != nil {
		return nil, fmt.Errorf("checks: heartbeat: load last ping: %w", err)
	}
	if ping == nil {
		return Failure(CodeNoPings, "no heartbeat pings received yet"), nil
	}

	expected := time.Duration(in.IntervalSeconds) * time.Second
	grace := time.Duration(in.ConfigInt("graceSeconds", 300)) * time.Second
	sincePing := time.Since(ping.At)

	out := Success(0)
	out.ResponseTimeMs = nil
	out.SetPayload("lastPingAt", ping.At.UTC().Format(time.RFC3339))
	out.SetPayload("lastPingStatus", ping.Status)
	out.SetPayload("secondsSincePing", int64(sincePing.Seconds()))
	out.SetPayload("expectedIntervalSeconds", in.IntervalSeconds)
	out.SetPayload("graceSeconds", int64(grace.Seconds()))

	switch {
	case ping.Status == "fail":
		out.Status = StatusFailure
		out.ErrorCode = CodeJobFailed
		out.ErrorMessage = "last heartbeat ping reported failure"
	case sincePing > expected+grace:
		out.Status = StatusFailure
		out.ErrorCode = CodeOverdue
		out.ErrorMessage = fmt.Sprintf("last ping %s ago, expected every %s (+%s grace)",
			sincePing.Round(time.Second), expected, grace)
	case sincePing > expected:
		out.Status = StatusDegraded
		out.ErrorCode = CodeOverdue
		out.ErrorMessage = fmt.Sprintf("last ping %s ago is past the expected interval %s",
			sincePing.Round(time.Second), expected)
	}
	return out, nil
}
