package agent

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Unified-Projects/uni-status-sub002/internal/probes"
)

// collectMetrics samples host utilization for the heartbeat payload.
// Sampling failures degrade to zeros; liveness matters more than the
// numbers.
func collectMetrics(ctx context.Context, start time.Time) probes.HeartbeatMetrics {
	m := probes.HeartbeatMetrics{
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(time.Since(start) / time.Second),
	}
	// Interval 0 measures against the previous call, so the first sample
	// of a fresh process reads zero.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.CPUPct = round1(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemPct = round1(vm.UsedPercent)
	}
	return m
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
