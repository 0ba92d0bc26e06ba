package checks

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// tcpExecutor opens a TCP connection to the target and optionally runs a
// send/expect exchange over it.
//
// Config keys: sendData (written after connect), expectResponse (substring
// the reply must contain).
type tcpExecutor struct{}

// NewTCPExecutor returns the TCP port executor.
func NewTCPExecutor() Executor { return &tcpExecutor{} }

func (tcpExecutor) Type() string { return TypeTCP }

func (e *tcpExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	addr, _, err := targetAddr(in.URL, "")
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	dialer := &net.Dialer{}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer conn.Close()

	connected := time.Since(start)
	out := &Outcome{
		Status:         StatusSuccess,
		ResponseTimeMs: ptrMs(connected),
		TCPConnectMs:   ptrMs(connected),
	}

	sendData := in.ConfigString("sendData", "")
	if sendData == "" {
		return out, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte(sendData)); err != nil {
		return FromError(err, time.Since(start)), nil
	}

	expect := in.ConfigString("expectResponse", "")
	if expect == "" {
		out.ResponseTimeMs = ptrMs(time.Since(start))
		return out, nil
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	out.ResponseTimeMs = ptrMs(time.Since(start))

	reply := string(buf[:n])
	if !strings.Contains(reply, expect) {
		out.Status = StatusFailure
		out.ErrorCode = CodePatternMismatch
		out.ErrorMessage = fmt.Sprintf("response does not contain expected %q", expect)
	}
	return out, nil
}
