package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// SMTPSettings is one SMTP credential set. It appears in three places with
// the same JSON shape: a channel's config, an org's stored credentials,
// and the platform fallback.
type SMTPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	TLS      bool   `json:"tls"` // true = implicit TLS (465), false = plaintext/STARTTLS
}

func (s *SMTPSettings) valid() bool {
	return s != nil && s.Host != "" && s.Port > 0 && s.From != ""
}

// TwilioSettings is one SMS carrier credential set.
type TwilioSettings struct {
	AccountSID string `json:"accountSid"`
	AuthToken  string `json:"authToken"`
	From       string `json:"from"`
}

func (s *TwilioSettings) valid() bool {
	return s != nil && s.AccountSID != "" && s.AuthToken != "" && s.From != ""
}

// PlatformCredentials are the operator-level fallbacks used when neither
// the channel nor its org brings delivery credentials. All fields are
// optional; an empty set simply narrows what can be delivered.
type PlatformCredentials struct {
	SMTP         *SMTPSettings
	ResendAPIKey string
	EmailFrom    string // From address for hosted-API email
	Twilio       *TwilioSettings
}

// orgCredentials is the decrypted shape of Organization.Credentials.
// Orgs may bring their own SMTP relay, hosted email API key, or SMS
// carrier account.
type orgCredentials struct {
	SMTP         *SMTPSettings   `json:"smtp"`
	ResendAPIKey string          `json:"resendApiKey"`
	EmailFrom    string          `json:"emailFrom"`
	Twilio       *TwilioSettings `json:"twilio"`
}

// Per-channel config shapes, decoded from AlertChannel.Config after the
// row scan decrypted it.

type emailConfig struct {
	To           []string      `json:"to"`
	From         string        `json:"from"`
	SMTP         *SMTPSettings `json:"smtp"`
	ResendAPIKey string        `json:"resendApiKey"`
}

type webhookConfig struct {
	URL        string `json:"url"`
	Method     string `json:"method"` // POST default, GET allowed
	SigningKey string `json:"signingKey"`
}

// chatConfig covers the incoming-webhook family: slack, discord, teams,
// googlechat.
type chatConfig struct {
	WebhookURL string `json:"webhookUrl"`
}

type ntfyConfig struct {
	ServerURL string `json:"serverUrl"` // default https://ntfy.sh
	Topic     string `json:"topic"`
	Token     string `json:"token"`
	Priority  string `json:"priority"`
}

type pagerdutyConfig struct {
	RoutingKey string `json:"routingKey"`
}

type smsConfig struct {
	To     []string        `json:"to"`
	Twilio *TwilioSettings `json:"twilio"`
}

type ircConfig struct {
	Server   string `json:"server"` // host:port
	TLS      bool   `json:"tls"`
	Nick     string `json:"nick"`
	Password string `json:"password"`
	Channel  string `json:"channel"`
}

type twitterConfig struct {
	ConsumerKey       string `json:"consumerKey"`
	ConsumerSecret    string `json:"consumerSecret"`
	AccessToken       string `json:"accessToken"`
	AccessTokenSecret string `json:"accessTokenSecret"`
}

// decodeConfig unmarshals a channel's decrypted config into v.
func decodeConfig(ch *db.AlertChannel, v any) error {
	raw := string(ch.Config)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: channel %s: %v", ErrInvalidConfig, ch.ID, err)
	}
	return nil
}

// loadOrgCredentials fetches and parses an org's encrypted credential
// blob. A lookup or decode failure returns nil so the caller falls
// through to the platform tier; broken stored credentials are reported,
// not retried.
func loadOrgCredentials(ctx context.Context, orgs repositories.OrgRepository, orgID uuid.UUID, logger *zap.Logger) *orgCredentials {
	if orgs == nil || orgID == uuid.Nil {
		return nil
	}
	org, err := orgs.GetByID(ctx, orgID)
	if err != nil {
		logger.Error("org credential lookup failed, using platform credentials",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return nil
	}
	if org.Credentials == "" {
		return nil
	}
	var creds orgCredentials
	if err := json.Unmarshal([]byte(org.Credentials), &creds); err != nil {
		logger.Error("org credentials unparsable, using platform credentials",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return nil
	}
	return &creds
}
