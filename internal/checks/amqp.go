package checks

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpExecutor checks an AMQP broker (RabbitMQ) by opening a connection and
// a channel. When a queue name is configured the queue is inspected and must
// exist.
//
// Config keys: port (default 5672; 5671 implies TLS), tls, tlsSkipVerify,
// username (default guest), password (default guest), vhost (default /),
// queue, minConsumers.
type amqpExecutor struct{}

// NewAMQPExecutor returns the AMQP executor.
func NewAMQPExecutor() Executor { return &amqpExecutor{} }

func (amqpExecutor) Type() string { return TypeAMQP }

func (e *amqpExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	uri, host, err := e.brokerURI(in)
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	cfg := amqp.Config{
		Dial:      amqp.DefaultDial(in.Timeout()),
		Heartbeat: 10 * time.Second,
	}
	if strings.HasPrefix(uri, "amqps://") {
		cfg.TLSClientConfig = &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: in.ConfigBool("tlsSkipVerify", false),
		}
	}

	start := time.Now()
	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		elapsed := time.Since(start)
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
			out := Failure(CodeAuthFailed, fmt.Sprintf("AMQP access refused: %v", amqpErr))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		}
		return FromError(err, elapsed), nil
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return FromError(err, time.Since(start)), nil
	}
	defer ch.Close()

	out := Success(0)
	if queue := in.ConfigString("queue", ""); queue != "" {
		state, err := ch.QueueInspect(queue)
		if err != nil {
			elapsed := time.Since(start)
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
				failed := Failure(CodeQueueNotFound, fmt.Sprintf("queue %q not found", queue))
				failed.ResponseTimeMs = ptrMs(elapsed)
				return failed, nil
			}
			return FromError(err, elapsed), nil
		}
		out.SetPayload("queueMessages", state.Messages)
		out.SetPayload("queueConsumers", state.Consumers)
		if min := in.ConfigInt("minConsumers", 0); min > 0 && state.Consumers < min {
			out.Status = StatusDegraded
			out.ErrorCode = CodeUnhealthy
			out.ErrorMessage = fmt.Sprintf("queue %q has %d consumers, expected at least %d", queue, state.Consumers, min)
		}
	}

	out.ResponseTimeMs = ptrMs(time.Since(start))
	return out, nil
}

// brokerURI builds the amqp(s) URI from the monitor URL and config. A URL
// that already carries a scheme is used as-is apart from credential
// injection.
func (e *amqpExecutor) brokerURI(in *Input) (uri, host string, err error) {
	target := strings.TrimSpace(in.URL)
	if target == "" {
		return "", "", fmt.Errorf("amqp check requires a target URL")
	}

	if strings.Contains(target, "://") {
		parsed, err := amqp.ParseURI(target)
		if err != nil {
			return "", "", fmt.Errorf("invalid AMQP URI: %w", err)
		}
		if username := in.ConfigString("username", ""); username != "" {
			parsed.Username = username
			parsed.Password = in.ConfigString("password", "")
		}
		return parsed.String(), parsed.Host, nil
	}

	port := in.ConfigInt("port", 5672)
	addr, h, err := targetAddr(target, fmt.Sprintf("%d", port))
	if err != nil {
		return "", "", err
	}
	scheme := "amqp"
	if in.ConfigBool("tls", port == 5671) {
		scheme = "amqps"
	}
	username := in.ConfigString("username", "guest")
	password := in.ConfigString("password", "guest")
	vhost := in.ConfigString("vhost", "/")
	return fmt.Sprintf("%s://%s:%s@%s%s", scheme, username, password, addr, vhostPath(vhost)), h, nil
}

func vhostPath(vhost string) string {
	if vhost == "/" || vhost == "" {
		return "/"
	}
	return "/" + strings.TrimPrefix(vhost, "/")
}
