package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serverEnvKeys = []string{
	"UNISTATUS_DB_DRIVER", "UNISTATUS_DB_DSN", "UNISTATUS_SECRET_KEY",
	"UNISTATUS_LISTEN_ADDR", "UNISTATUS_DEFAULT_REGION", "UNISTATUS_RETENTION_DAYS",
	"UNISTATUS_STATUS_BASE_URL", "UNISTATUS_UNSUBSCRIBE_SECRET", "UNISTATUS_LOG_LEVEL",
	"UNISTATUS_SMTP_HOST", "UNISTATUS_SMTP_PORT", "UNISTATUS_SMTP_USERNAME",
	"UNISTATUS_SMTP_PASSWORD", "UNISTATUS_SMTP_FROM", "UNISTATUS_SMTP_TLS",
	"UNISTATUS_RESEND_API_KEY", "UNISTATUS_EMAIL_FROM",
	"UNISTATUS_TWILIO_ACCOUNT_SID", "UNISTATUS_TWILIO_AUTH_TOKEN", "UNISTATUS_TWILIO_FROM",
}

var probeEnvKeys = []string{
	"PROBE_SERVER_URL", "PROBE_TOKEN", "PROBE_REGION",
	"PROBE_HEARTBEAT_MS", "PROBE_POLL_TIMEOUT_MS", "PROBE_JOB_BATCH", "PROBE_LOG_LEVEL",
}

// clearEnv blanks the given variables for the test. Empty and unset read
// the same through os.Getenv, which is all the loaders look at.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func validServer() Server {
	return Server{
		DBDriver:      "sqlite",
		DBDSN:         "./unistatus.db",
		SecretKey:     strings.Repeat("k", 32),
		ListenAddr:    ":8080",
		DefaultRegion: "uk",
		RetentionDays: 90,
		LogLevel:      "info",
	}
}

func TestServerFromEnvDefaults(t *testing.T) {
	clearEnv(t, serverEnvKeys...)

	cfg, err := ServerFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "./unistatus.db", cfg.DBDSN)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "uk", cfg.DefaultRegion)
	assert.Equal(t, 90, cfg.RetentionDays)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Empty(t, cfg.SecretKey, "the secret has no default")
}

func TestServerFromEnvOverrides(t *testing.T) {
	clearEnv(t, serverEnvKeys...)
	t.Setenv("UNISTATUS_DB_DRIVER", "postgres")
	t.Setenv("UNISTATUS_DB_DSN", "postgres://status:pw@db:5432/status")
	t.Setenv("UNISTATUS_LISTEN_ADDR", ":9000")
	t.Setenv("UNISTATUS_DEFAULT_REGION", "eu-west")
	t.Setenv("UNISTATUS_RETENTION_DAYS", "30")
	t.Setenv("UNISTATUS_SMTP_HOST", "smtp.acme.example")
	t.Setenv("UNISTATUS_SMTP_TLS", "true")

	cfg, err := ServerFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://status:pw@db:5432/status", cfg.DBDSN)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "eu-west", cfg.DefaultRegion)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, "smtp.acme.example", cfg.SMTPHost)
	assert.True(t, cfg.SMTPTLS)
}

func TestServerFromEnvRejectsMalformedValues(t *testing.T) {
	clearEnv(t, serverEnvKeys...)
	t.Setenv("UNISTATUS_RETENTION_DAYS", "ninety")

	_, err := ServerFromEnv()
	assert.ErrorContains(t, err, "UNISTATUS_RETENTION_DAYS")

	clearEnv(t, serverEnvKeys...)
	t.Setenv("UNISTATUS_SMTP_TLS", "yep")

	_, err = ServerFromEnv()
	assert.ErrorContains(t, err, "UNISTATUS_SMTP_TLS")
}

func TestServerValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Server)
		wantErr string
	}{
		{"valid", nil, ""},
		{"secret key measured in bytes", func(c *Server) { c.SecretKey = strings.Repeat("é", 16) }, ""},
		{"driver must be known", func(c *Server) { c.DBDriver = "mysql" }, "oneof"},
		{"dsn required", func(c *Server) { c.DBDSN = "" }, "required"},
		{"secret key required", func(c *Server) { c.SecretKey = "" }, "required"},
		{"secret key must be 32 bytes", func(c *Server) { c.SecretKey = "too-short" }, "32 bytes"},
		{"retention cannot go negative", func(c *Server) { c.RetentionDays = -1 }, "gte"},
		{"status base url must parse", func(c *Server) { c.StatusBaseURL = "not a url" }, "url"},
		{"log level must be known", func(c *Server) { c.LogLevel = "chatty" }, "oneof"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validServer()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestTokenSecretFallsBackToSecretKey(t *testing.T) {
	cfg := validServer()
	assert.Equal(t, cfg.SecretKey, cfg.TokenSecret())

	cfg.UnsubscribeSecret = "dedicated-signing-key"
	assert.Equal(t, "dedicated-signing-key", cfg.TokenSecret())
}

func TestPlatformCredentialsAssembly(t *testing.T) {
	cfg := validServer()

	creds := cfg.PlatformCredentials()
	assert.Nil(t, creds.SMTP, "no host, no SMTP block")
	assert.Nil(t, creds.Twilio, "no account sid, no Twilio block")
	assert.Empty(t, creds.ResendAPIKey)

	cfg.SMTPHost = "smtp.acme.example"
	cfg.SMTPPort = 465
	cfg.SMTPFrom = "status@acme.example"
	cfg.SMTPTLS = true
	cfg.ResendAPIKey = "re_123"
	cfg.EmailFrom = "alerts@acme.example"
	cfg.TwilioAccountSID = "AC0123456789"
	cfg.TwilioAuthToken = "twilio-token"
	cfg.TwilioFrom = "+447700900123"

	creds = cfg.PlatformCredentials()
	require.NotNil(t, creds.SMTP)
	assert.Equal(t, "smtp.acme.example", creds.SMTP.Host)
	assert.Equal(t, 465, creds.SMTP.Port)
	assert.Equal(t, "status@acme.example", creds.SMTP.From)
	assert.True(t, creds.SMTP.TLS)
	require.NotNil(t, creds.Twilio)
	assert.Equal(t, "AC0123456789", creds.Twilio.AccountSID)
	assert.Equal(t, "+447700900123", creds.Twilio.From)
	assert.Equal(t, "re_123", creds.ResendAPIKey)
	assert.Equal(t, "alerts@acme.example", creds.EmailFrom)
}

func TestProbeFromEnvDefaults(t *testing.T) {
	clearEnv(t, probeEnvKeys...)
	t.Setenv("PROBE_SERVER_URL", "https://status.acme.example")
	t.Setenv("PROBE_TOKEN", "3c9f2b8a54e1d7c6")

	cfg, err := ProbeFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "uk", cfg.Region)
	assert.Equal(t, 30000, cfg.HeartbeatMS)
	assert.Equal(t, 25000, cfg.PollTimeoutMS)
	assert.Equal(t, 8, cfg.JobBatch)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatEvery())
	assert.Equal(t, 25*time.Second, cfg.PollTimeout())
}

func TestProbeFromEnvOverrides(t *testing.T) {
	clearEnv(t, probeEnvKeys...)
	t.Setenv("PROBE_SERVER_URL", "https://status.acme.example")
	t.Setenv("PROBE_TOKEN", "3c9f2b8a54e1d7c6")
	t.Setenv("PROBE_REGION", "us-east")
	t.Setenv("PROBE_HEARTBEAT_MS", "10000")
	t.Setenv("PROBE_POLL_TIMEOUT_MS", "5000")
	t.Setenv("PROBE_JOB_BATCH", "16")

	cfg, err := ProbeFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "us-east", cfg.Region)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatEvery())
	assert.Equal(t, 5*time.Second, cfg.PollTimeout())
	assert.Equal(t, 16, cfg.JobBatch)

	clearEnv(t, probeEnvKeys...)
	t.Setenv("PROBE_JOB_BATCH", "plenty")
	_, err = ProbeFromEnv()
	assert.ErrorContains(t, err, "PROBE_JOB_BATCH")
}

func TestProbeValidate(t *testing.T) {
	valid := func() Probe {
		return Probe{
			ServerURL:     "https://status.acme.example",
			Token:         "3c9f2b8a54e1d7c6",
			Region:        "uk",
			HeartbeatMS:   30000,
			PollTimeoutMS: 25000,
			JobBatch:      8,
			LogLevel:      "info",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Probe)
		wantErr string
	}{
		{"valid", nil, ""},
		{"server url required", func(c *Probe) { c.ServerURL = "" }, "required"},
		{"server url must parse", func(c *Probe) { c.ServerURL = "not a url" }, "url"},
		{"token required", func(c *Probe) { c.Token = "" }, "required"},
		{"heartbeat cannot go subsecond", func(c *Probe) { c.HeartbeatMS = 100 }, "gte"},
		{"job batch needs at least one slot", func(c *Probe) { c.JobBatch = 0 }, "gte"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
