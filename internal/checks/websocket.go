package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// websocketExecutor completes a WebSocket handshake against the target and
// optionally exchanges one message.
//
// Config keys: sendMessage, expectResponse (substring match on the first
// received message), tlsSkipVerify.
type websocketExecutor struct{}

// NewWebsocketExecutor returns the WebSocket executor.
func NewWebsocketExecutor() Executor { return &websocketExecutor{} }

func (websocketExecutor) Type() string { return TypeWebsocket }

func (e *websocketExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: in.Timeout(),
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: in.ConfigBool("tlsSkipVerify", false)},
	}

	header := http.Header{}
	for k, v := range in.Headers {
		header.Set(k, v)
	}

	start := time.Now()
	conn, resp, err := dialer.DialContext(ctx, in.URL, header)
	if err != nil {
		out := FromError(err, time.Since(start))
		if resp != nil {
			out.StatusCode = &resp.StatusCode
			if out.Status == StatusError {
				// The server answered but refused the upgrade.
				out.Status = StatusFailure
				out.ErrorCode = CodeStatusCode
				out.ErrorMessage = fmt.Sprintf("handshake rejected with status %d", resp.StatusCode)
			}
		}
		return out, nil
	}
	defer conn.Close()
	if resp != nil {
		defer resp.Body.Close()
	}

	out := &Outcome{
		Status:         StatusSuccess,
		ResponseTimeMs: ptrMs(time.Since(start)),
	}

	send := in.ConfigString("sendMessage", "")
	if send == "" {
		e.closeGracefully(conn)
		return out, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(send)); err != nil {
		return FromError(err, time.Since(start)), nil
	}

	expect := in.ConfigString("expectResponse", "")
	if expect != "" {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return FromError(err, time.Since(start)), nil
		}
		out.ResponseTimeMs = ptrMs(time.Since(start))
		if !strings.Contains(string(message), expect) {
			out.Status = StatusFailure
			out.ErrorCode = CodePatternMismatch
			out.ErrorMessage = fmt.Sprintf("reply does not contain expected %q", expect)
		}
	}

	e.closeGracefully(conn)
	return out, nil
}

func (e *websocketExecutor) closeGracefully(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
