package notification

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

const (
	ircConnectTimeout = 30 * time.Second
	ircSessionBudget  = 60 * time.Second
)

// ircSender speaks just enough of RFC 1459 to connect, join one channel,
// announce the alert and part. Each delivery is its own short-lived
// session; nothing is held open between jobs.
type ircSender struct {
	dialer *net.Dialer
}

func newIRCSender() *ircSender {
	return &ircSender{dialer: &net.Dialer{Timeout: ircConnectTimeout}}
}

func (s *ircSender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg ircConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server == "" || cfg.Nick == "" || cfg.Channel == "" {
		return nil, fmt.Errorf("%w: irc channel needs server, nick and channel", ErrInvalidConfig)
	}

	conn, err := s.dial(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: irc dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(ircSessionBudget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := s.converse(conn, &cfg, p); err != nil {
		return nil, fmt.Errorf("%w: irc: %s", ErrSendFailed, err)
	}
	return &sendResult{}, nil
}

func (s *ircSender) dial(ctx context.Context, cfg *ircConfig) (net.Conn, error) {
	if !cfg.TLS {
		return s.dialer.DialContext(ctx, "tcp", cfg.Server)
	}
	host, _, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		host = cfg.Server
	}
	td := &tls.Dialer{
		NetDialer: s.dialer,
		Config:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
	}
	return td.DialContext(ctx, "tcp", cfg.Server)
}

// converse runs the registration handshake, joins and says its lines. The
// server may interleave PINGs anywhere during registration; those are
// answered inline.
func (s *ircSender) converse(conn net.Conn, cfg *ircConfig, p *AlertPayload) error {
	w := bufio.NewWriter(conn)
	send := func(format string, args ...any) error {
		if _, err := fmt.Fprintf(w, format+"\r\n", args...); err != nil {
			return err
		}
		return w.Flush()
	}

	if cfg.Password != "" {
		if err := send("PASS %s", cfg.Password); err != nil {
			return err
		}
	}
	if err := send("NICK %s", cfg.Nick); err != nil {
		return err
	}
	if err := send("USER %s 0 * :Uni Status", cfg.Nick); err != nil {
		return err
	}

	// Registered on 001 welcome, or on end or absence of MOTD.
	sc := bufio.NewScanner(conn)
	for registered := false; !registered; {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return err
			}
			return fmt.Errorf("connection closed before registration")
		}
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "PING"):
			if err := send("PONG %s", strings.TrimSpace(strings.TrimPrefix(line, "PING"))); err != nil {
				return err
			}
		case strings.Contains(line, " 001 "), strings.Contains(line, " 376 "), strings.Contains(line, " 422 "):
			registered = true
		case strings.Contains(line, " 433 "):
			return fmt.Errorf("nick %q already in use", cfg.Nick)
		case strings.HasPrefix(line, "ERROR"):
			return fmt.Errorf("server error: %s", line)
		}
	}

	target := cfg.Channel
	if !strings.HasPrefix(target, "#") && !strings.HasPrefix(target, "&") {
		target = "#" + target
	}
	if err := send("JOIN %s", target); err != nil {
		return err
	}
	// Newlines are forbidden inside an IRC message param; an embedded one
	// becomes its own PRIVMSG.
	for _, line := range strings.Split(renderText(p), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := send("PRIVMSG %s :%s", target, line); err != nil {
			return err
		}
	}
	return send("QUIT :Uni Status")
}
