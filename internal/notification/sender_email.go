package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

const resendEndpoint = "https://api.resend.com/emails"

// mailRoute is one resolved way of sending: a Resend API key or an SMTP
// server, plus the From address to stamp on the message.
type mailRoute struct {
	resendKey string
	smtp      *SMTPSettings
	from      string
}

// emailSender delivers email through the first usable credential tier:
// channel config, then the org's own credentials, then the platform
// fallback. Org credentials that fail to load or parse downgrade the
// delivery to the platform tier instead of failing it.
type emailSender struct {
	orgs     repositories.OrgRepository
	platform PlatformCredentials
	client   *http.Client
	logger   *zap.Logger
}

func newEmailSender(orgs repositories.OrgRepository, platform PlatformCredentials, client *http.Client, logger *zap.Logger) *emailSender {
	return &emailSender{orgs: orgs, platform: platform, client: client, logger: logger}
}

// Send delivers an alert notification through an email channel.
func (s *emailSender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg emailConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("%w: email channel has no recipients", ErrInvalidConfig)
	}

	route := s.resolveRoute(ctx, ch.OrgID, &cfg)
	if route == nil {
		return nil, fmt.Errorf("%w: no email credentials available", ErrInvalidConfig)
	}
	if cfg.From != "" {
		route.from = cfg.From
	}

	return s.deliver(ctx, route, cfg.To, renderSubject(p), renderBody(p))
}

// SendDirect delivers an arbitrary message, resolving credentials from the
// org tier downward. Maintenance notices, report deliveries and on-call
// routing all come through here.
func (s *emailSender) SendDirect(ctx context.Context, orgID uuid.UUID, to []string, subject, body string) (*sendResult, error) {
	route := s.resolveRoute(ctx, orgID, nil)
	if route == nil {
		return nil, fmt.Errorf("%w: no email credentials available", ErrInvalidConfig)
	}
	return s.deliver(ctx, route, to, subject, body)
}

// resolveRoute walks the credential tiers. Channel beats org beats
// platform; within a tier Resend beats SMTP.
func (s *emailSender) resolveRoute(ctx context.Context, orgID uuid.UUID, cfg *emailConfig) *mailRoute {
	if cfg != nil {
		if cfg.ResendAPIKey != "" {
			return &mailRoute{resendKey: cfg.ResendAPIKey, from: s.platform.EmailFrom}
		}
		if cfg.SMTP != nil && cfg.SMTP.valid() {
			return &mailRoute{smtp: cfg.SMTP, from: cfg.SMTP.From}
		}
	}
	if oc := loadOrgCredentials(ctx, s.orgs, orgID, s.logger); oc != nil {
		from := oc.EmailFrom
		if oc.ResendAPIKey != "" {
			if from == "" {
				from = s.platform.EmailFrom
			}
			return &mailRoute{resendKey: oc.ResendAPIKey, from: from}
		}
		if oc.SMTP != nil && oc.SMTP.valid() {
			if from == "" {
				from = oc.SMTP.From
			}
			return &mailRoute{smtp: oc.SMTP, from: from}
		}
	}
	if s.platform.ResendAPIKey != "" {
		return &mailRoute{resendKey: s.platform.ResendAPIKey, from: s.platform.EmailFrom}
	}
	if s.platform.SMTP != nil && s.platform.SMTP.valid() {
		return &mailRoute{smtp: s.platform.SMTP, from: s.platform.SMTP.From}
	}
	return nil
}

func (s *emailSender) deliver(ctx context.Context, route *mailRoute, to []string, subject, body string) (*sendResult, error) {
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidConfig)
	}
	if route.resendKey != "" {
		return s.sendResend(ctx, route, to, subject, body)
	}
	return s.sendSMTP(route.smtp, route.from, to, subject, body)
}

// sendResend posts the message through the Resend HTTP API.
func (s *emailSender) sendResend(ctx context.Context, route *mailRoute, to []string, subject, body string) (*sendResult, error) {
	reqBody, err := json.Marshal(map[string]any{
		"from":    route.from,
		"to":      to,
		"subject": subject,
		"text":    body,
	})
	if err != nil {
		return nil, fmt.Errorf("notification: encode resend request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("notification: build resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+route.resendKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: resend: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	code := resp.StatusCode
	res := &sendResult{responseCode: &code}
	if code < 200 || code >= 300 {
		return res, fmt.Errorf("%w: resend returned %d", ErrSendFailed, code)
	}
	return res, nil
}

// sendSMTP covers both connection modes. TLS true means implicit TLS from
// the first byte (port 465); otherwise smtp.SendMail negotiates STARTTLS
// when the server offers it (ports 25 and 587).
func (s *emailSender) sendSMTP(cfg *SMTPSettings, from string, to []string, subject, body string) (*sendResult, error) {
	msg := buildEmail(from, to, subject, body)
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	if cfg.TLS {
		if err := s.smtpImplicitTLS(addr, cfg, from, to, msg); err != nil {
			return nil, err
		}
		return &sendResult{}, nil
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, from, to, msg); err != nil {
		return nil, fmt.Errorf("%w: smtp.SendMail: %s", ErrSendFailed, err)
	}
	return &sendResult{}, nil
}

// smtpImplicitTLS establishes the TLS connection before the SMTP handshake,
// for servers that expect TLS from the first byte.
func (s *emailSender) smtpImplicitTLS(addr string, cfg *SMTPSettings, from string, to []string, msg []byte) error {
	tlsCfg := &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("%w: tls.Dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("%w: smtp.NewClient: %s", ErrSendFailed, err)
	}
	defer client.Close()

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %s", ErrSendFailed, err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %s", ErrSendFailed, err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("%w: RCPT TO %s: %s", ErrSendFailed, r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %s", ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: write body: %s", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close DATA: %s", ErrSendFailed, err)
	}
	return client.Quit()
}

// buildEmail composes a minimal RFC 5322 message.
func buildEmail(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
