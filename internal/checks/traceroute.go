package checks

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// tracerouteExecutor shells out to the system traceroute binary and parses
// the hop list. The destination must be reached within maxHops for the
// check to pass.
//
// Config keys: maxHops (default 30), maxExpectedHops (degrade when the path
// grows beyond it), perHopTimeoutSeconds (default 2).
type tracerouteExecutor struct{}

// NewTracerouteExecutor returns the traceroute executor.
func NewTracerouteExecutor() Executor { return &tracerouteExecutor{} }

func (tracerouteExecutor) Type() string { return TypeTraceroute }

// tracerouteHop is one parsed line of traceroute output.
type tracerouteHop struct {
	Hop     int       `json:"hop"`
	Address string    `json:"address,omitempty"`
	RTTs    []float64 `json:"rttMs,omitempty"`
	Lost    bool      `json:"lost"`
}

func (e *tracerouteExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	host, err := targetHost(in.URL)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	maxHops := in.ConfigInt("maxHops", 30)
	wait := in.ConfigInt("perHopTimeoutSeconds", 2)

	start := time.Now()
	cmd := exec.CommandContext(ctx, "traceroute",
		"-n",
		"-m", strconv.Itoa(maxHops),
		"-w", strconv.Itoa(wait),
		"-q", "3",
		host,
	)
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)
	if ctx.Err() == context.DeadlineExceeded {
		return TimedOut(elapsed), nil
	}
	if err != nil && len(output) == 0 {
		// The binary itself failed to run; this is an environment problem,
		// not a verdict about the target.
		return nil, fmt.Errorf("checks: traceroute: %w", err)
	}

	destIP, hops := parseTraceroute(string(output))
	if len(hops) == 0 {
		out := Failure(CodeDestUnreachable, fmt.Sprintf("no hops parsed from traceroute output: %s", firstLine(string(output))))
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}

	out := Success(elapsed)
	out.SetPayload("destinationIp", destIP)
	out.SetPayload("hops", hops)
	out.SetPayload("hopCount", len(hops))

	last := hops[len(hops)-1]
	reached := !last.Lost && (destIP == "" || last.Address == destIP)
	if !reached {
		out.Status = StatusFailure
		out.ErrorCode = CodeDestUnreachable
		out.ErrorMessage = fmt.Sprintf("destination not reached within %d hops", maxHops)
		return out, nil
	}

	if expected := in.ConfigInt("maxExpectedHops", 0); expected > 0 && len(hops) > expected {
		out.Status = StatusDegraded
		out.ErrorCode = CodeHopCountMismatch
		out.ErrorMessage = fmt.Sprintf("path length %d exceeds expected maximum %d", len(hops), expected)
	}
	return out, nil
}

var (
	tracerouteHeaderRe = regexp.MustCompile(`traceroute to \S+ \(([^)]+)\)`)
	tracerouteRTTRe    = regexp.MustCompile(`([0-9.]+) ms`)
)

// parseTraceroute extracts the destination address from the header line and
// one hop per numbered line. Lines with only asterisks become lost hops.
func parseTraceroute(output string) (destIP string, hops []tracerouteHop) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := tracerouteHeaderRe.FindStringSubmatch(line); m != nil {
			destIP = m[1]
			continue
		}

		fields := strings.Fields(line)
		hopNum, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		hop := tracerouteHop{Hop: hopNum}
		for _, m := range tracerouteRTTRe.FindAllStringSubmatch(line, -1) {
			if rtt, err := strconv.ParseFloat(m[1], 64); err == nil {
				hop.RTTs = append(hop.RTTs, rtt)
			}
		}
		if len(fields) > 1 && fields[1] != "*" {
			hop.Address = fields[1]
		}
		hop.Lost = hop.Address == "" && len(hop.RTTs) == 0
		hops = append(hops, hop)
	}
	return destIP, hops
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
