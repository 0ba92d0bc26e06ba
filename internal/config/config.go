// Package config holds the typed process configuration for both binaries.
// Values load from the environment (UNISTATUS_ for the server, PROBE_ for
// the probe) and the cobra layer binds flags on top of the loaded values,
// so a flag always wins over its variable. Validation runs once at
// startup; nothing here is re-read while the process runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Unified-Projects/uni-status-sub002/internal/notification"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Server is the unistatus-server configuration.
type Server struct {
	DBDriver string `validate:"required,oneof=sqlite postgres"`
	DBDSN    string `validate:"required"`

	// SecretKey seals credentials at rest with AES-256-GCM and must be
	// exactly 32 bytes.
	SecretKey string `validate:"required"`

	ListenAddr string `validate:"required"`

	// DefaultRegion stamps results produced by the in-process runner.
	// Remote probes carry their own region.
	DefaultRegion string `validate:"required"`

	// RetentionDays bounds raw check results and heartbeat pings. Zero
	// means the 90 day default.
	RetentionDays int `validate:"gte=0,lte=3650"`

	// StatusBaseURL prefixes subscriber-facing links (unsubscribe,
	// status pages). Empty leaves those links out of outbound mail.
	StatusBaseURL string `validate:"omitempty,url"`

	// UnsubscribeSecret signs subscriber-facing tokens. Empty falls back
	// to SecretKey; see TokenSecret.
	UnsubscribeSecret string

	LogLevel string `validate:"oneof=debug info warn error"`

	// Platform-tier delivery credentials, used when an org brings none
	// of its own.
	SMTPHost         string
	SMTPPort         int `validate:"gte=0,lte=65535"`
	SMTPUsername     string
	SMTPPassword     string
	SMTPFrom         string
	SMTPTLS          bool
	ResendAPIKey     string
	EmailFrom        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
}

// ServerFromEnv loads the server configuration from UNISTATUS_ variables,
// applying defaults. Malformed numeric variables are an error rather than
// a silent fallback.
func ServerFromEnv() (Server, error) {
	var errs envErrors
	cfg := Server{
		DBDriver:          envOrDefault("UNISTATUS_DB_DRIVER", "sqlite"),
		DBDSN:             envOrDefault("UNISTATUS_DB_DSN", "./unistatus.db"),
		SecretKey:         os.Getenv("UNISTATUS_SECRET_KEY"),
		ListenAddr:        envOrDefault("UNISTATUS_LISTEN_ADDR", ":8080"),
		DefaultRegion:     envOrDefault("UNISTATUS_DEFAULT_REGION", "uk"),
		RetentionDays:     errs.int("UNISTATUS_RETENTION_DAYS", 90),
		StatusBaseURL:     os.Getenv("UNISTATUS_STATUS_BASE_URL"),
		UnsubscribeSecret: os.Getenv("UNISTATUS_UNSUBSCRIBE_SECRET"),
		LogLevel:          envOrDefault("UNISTATUS_LOG_LEVEL", "info"),
		SMTPHost:          os.Getenv("UNISTATUS_SMTP_HOST"),
		SMTPPort:          errs.int("UNISTATUS_SMTP_PORT", 587),
		SMTPUsername:      os.Getenv("UNISTATUS_SMTP_USERNAME"),
		SMTPPassword:      os.Getenv("UNISTATUS_SMTP_PASSWORD"),
		SMTPFrom:          os.Getenv("UNISTATUS_SMTP_FROM"),
		SMTPTLS:           errs.boolean("UNISTATUS_SMTP_TLS", false),
		ResendAPIKey:      os.Getenv("UNISTATUS_RESEND_API_KEY"),
		EmailFrom:         os.Getenv("UNISTATUS_EMAIL_FROM"),
		TwilioAccountSID:  os.Getenv("UNISTATUS_TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("UNISTATUS_TWILIO_AUTH_TOKEN"),
		TwilioFrom:        os.Getenv("UNISTATUS_TWILIO_FROM"),
	}
	return cfg, errs.first
}

// Validate reports the first problem with the configuration.
func (c *Server) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: server: %w", err)
	}
	// Byte length, not rune count; validator's len tag measures runes.
	if n := len(c.SecretKey); n != 32 {
		return fmt.Errorf("config: server: secret key must be exactly 32 bytes, got %d", n)
	}
	return nil
}

// TokenSecret returns the key that signs subscriber-facing JWTs.
func (c *Server) TokenSecret() string {
	if c.UnsubscribeSecret != "" {
		return c.UnsubscribeSecret
	}
	return c.SecretKey
}

// PlatformCredentials assembles the operator-level delivery fallbacks.
// SMTP and Twilio are only present when their host/account variable is
// set, so half-configured blocks surface as missing rather than broken.
func (c *Server) PlatformCredentials() notification.PlatformCredentials {
	creds := notification.PlatformCredentials{
		ResendAPIKey: c.ResendAPIKey,
		EmailFrom:    c.EmailFrom,
	}
	if c.SMTPHost != "" {
		creds.SMTP = &notification.SMTPSettings{
			Host:     c.SMTPHost,
			Port:     c.SMTPPort,
			Username: c.SMTPUsername,
			Password: c.SMTPPassword,
			From:     c.SMTPFrom,
			TLS:      c.SMTPTLS,
		}
	}
	if c.TwilioAccountSID != "" {
		creds.Twilio = &notification.TwilioSettings{
			AccountSID: c.TwilioAccountSID,
			AuthToken:  c.TwilioAuthToken,
			From:       c.TwilioFrom,
		}
	}
	return creds
}

// Probe is the unistatus-probe configuration.
type Probe struct {
	ServerURL string `validate:"required,url"`
	Token     string `validate:"required"`
	Region    string `validate:"required"`

	// HeartbeatMS is the interval between heartbeats. The server marks a
	// probe offline after missing a few of these.
	HeartbeatMS int `validate:"gte=1000,lte=300000"`

	// PollTimeoutMS bounds one claim long-poll. The server holds a claim
	// open for up to 30s, so the default stays under that.
	PollTimeoutMS int `validate:"gte=1000,lte=60000"`

	// JobBatch is the most jobs claimed, and run concurrently, per poll.
	JobBatch int `validate:"gte=1,lte=64"`

	LogLevel string `validate:"oneof=debug info warn error"`
}

// ProbeFromEnv loads the probe configuration from PROBE_ variables,
// applying defaults.
func ProbeFromEnv() (Probe, error) {
	var errs envErrors
	cfg := Probe{
		ServerURL:     os.Getenv("PROBE_SERVER_URL"),
		Token:         os.Getenv("PROBE_TOKEN"),
		Region:        envOrDefault("PROBE_REGION", "uk"),
		HeartbeatMS:   errs.int("PROBE_HEARTBEAT_MS", 30000),
		PollTimeoutMS: errs.int("PROBE_POLL_TIMEOUT_MS", 25000),
		JobBatch:      errs.int("PROBE_JOB_BATCH", 8),
		LogLevel:      envOrDefault("PROBE_LOG_LEVEL", "info"),
	}
	return cfg, errs.first
}

// Validate reports the first problem with the configuration.
func (c *Probe) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: probe: %w", err)
	}
	return nil
}

// HeartbeatEvery is HeartbeatMS as a duration.
func (c *Probe) HeartbeatEvery() time.Duration {
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

// PollTimeout is PollTimeoutMS as a duration.
func (c *Probe) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envErrors accumulates parse failures across one FromEnv pass so a load
// reports the first bad variable instead of silently taking a default.
type envErrors struct {
	first error
}

func (e *envErrors) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if e.first == nil {
			e.first = fmt.Errorf("config: %s: not an integer: %q", key, v)
		}
		return def
	}
	return n
}

func (e *envErrors) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if e.first == nil {
			e.first = fmt.Errorf("config: %s: not a boolean: %q", key, v)
		}
		return def
	}
	return b
}
