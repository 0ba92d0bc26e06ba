package checks

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// rdpExecutor checks an RDP server by sending an X.224 Connection Request
// (with an RDP negotiation request for TLS or NLA) inside a TPKT frame and
// waiting for the Connection Confirm. No session is established.
//
// Config keys: port (default 3389).
type rdpExecutor struct{}

// NewRDPExecutor returns the RDP executor.
func NewRDPExecutor() Executor { return &rdpExecutor{} }

func (rdpExecutor) Type() string { return TypeRDP }

// connectionRequest is a TPKT-framed X.224 CR TPDU carrying an RDP_NEG_REQ
// that offers TLS and CredSSP.
var connectionRequest = []byte{
	0x03, 0x00, 0x00, 0x13, // TPKT: version 3, length 19
	0x0e, 0xe0, // X.224: LI 14, CR TPDU
	0x00, 0x00, 0x00, 0x00, 0x00, // dst-ref, src-ref, class
	0x01, 0x00, 0x08, 0x00, // RDP_NEG_REQ: type 1, flags 0, length 8
	0x03, 0x00, 0x00, 0x00, // requested protocols: TLS | CredSSP
}

func (e *rdpExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	port := in.ConfigInt("port", 3389)
	addr, _, err := targetAddr(in.URL, strconv.Itoa(port))
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	start := time.Now()
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(connectionRequest); err != nil {
		return FromError(err, time.Since(start)), nil
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return FromError(err, time.Since(start)), nil
	}
	elapsed := time.Since(start)
	if header[0] != 0x03 {
		out := Failure(CodeUnhealthy, fmt.Sprintf("not a TPKT response (version byte 0x%02x)", header[0]))
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}

	total := int(binary.BigEndian.Uint16(header[2:4]))
	if total < 6 || total > 1024 {
		out := Failure(CodeUnhealthy, fmt.Sprintf("implausible TPKT length %d", total))
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}
	body := make([]byte, total-4)
	if _, err := io.ReadFull(conn, body); err != nil {
		return FromError(err, time.Since(start)), nil
	}
	elapsed = time.Since(start)

	// body[0] is the X.224 length indicator, body[1] the TPDU code.
	if len(body) < 2 || body[1]&0xf0 != 0xd0 {
		out := Failure(CodeUnhealthy, "no X.224 Connection Confirm in response")
		out.ResponseTimeMs = ptrMs(elapsed)
		return out, nil
	}

	out := Success(elapsed)

	// An RDP negotiation response follows the fixed 7-byte X.224 part when
	// the server understands RDP_NEG_REQ.
	if len(body) >= 15 {
		switch body[7] {
		case 0x02: // TYPE_RDP_NEG_RSP
			out.SetPayload("selectedProtocol", rdpProtocolName(binary.LittleEndian.Uint32(body[11:15])))
		case 0x03: // TYPE_RDP_NEG_FAILURE
			code := binary.LittleEndian.Uint32(body[11:15])
			failed := Failure(CodeUnhealthy, fmt.Sprintf("RDP negotiation failed (code %d)", code))
			failed.ResponseTimeMs = ptrMs(elapsed)
			return failed, nil
		}
	}
	return out, nil
}

func rdpProtocolName(proto uint32) string {
	switch proto {
	case 0:
		return "rdp"
	case 1:
		return "tls"
	case 2:
		return "credssp"
	case 8:
		return "rdstls"
	default:
		return fmt.Sprintf("unknown(%d)", proto)
	}
}
