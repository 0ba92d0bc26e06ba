package checks

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// icmpExecutor pings the target host. Unprivileged UDP ping is the default
// so the binary needs no capabilities; privileged raw-socket ping is opt-in
// for deployments that grant it.
//
// Config keys: count (default 3), privileged (default false),
// maxLossPercent (default 0: any loss short of total degrades).
type icmpExecutor struct{}

// NewICMPExecutor returns the ping executor.
func NewICMPExecutor() Executor { return &icmpExecutor{} }

func (icmpExecutor) Type() string { return TypeICMP }

func (e *icmpExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	host, err := targetHost(in.URL)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	pinger, err := probing.NewPinger(host)
	if err != nil {
		return Errored(CodeInvalidConfig, fmt.Sprintf("creating pinger: %v", err)), nil
	}
	pinger.Count = in.ConfigInt("count", 3)
	pinger.Timeout = in.Timeout()
	pinger.SetPrivileged(in.ConfigBool("privileged", false))

	start := time.Now()
	if err := pinger.RunWithContext(ctx); err != nil {
		return FromError(err, time.Since(start)), nil
	}

	stats := pinger.Statistics()
	out := &Outcome{
		Status:         StatusSuccess,
		ResponseTimeMs: ptrMs(stats.AvgRtt),
	}
	out.SetPayload("packetsSent", stats.PacketsSent)
	out.SetPayload("packetsReceived", stats.PacketsRecv)
	out.SetPayload("packetLossPercent", stats.PacketLoss)
	out.SetPayload("minRttMs", stats.MinRtt.Milliseconds())
	out.SetPayload("maxRttMs", stats.MaxRtt.Milliseconds())

	if stats.PacketsRecv == 0 {
		out.Status = StatusFailure
		out.ErrorCode = CodeHostUnreachable
		out.ErrorMessage = fmt.Sprintf("no reply from %s (%d packets sent)", host, stats.PacketsSent)
		out.ResponseTimeMs = nil
		return out, nil
	}

	maxLoss := in.ConfigFloat("maxLossPercent", 0)
	if stats.PacketLoss > maxLoss {
		out.Status = StatusDegraded
		out.ErrorCode = CodeHostUnreachable
		out.ErrorMessage = fmt.Sprintf("%.0f%% packet loss to %s", stats.PacketLoss, host)
	}
	return out, nil
}
