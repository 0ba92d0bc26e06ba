// Package checks contains the per-protocol check executors. Each executor
// receives an Input (a self-contained snapshot of the monitor, safe to
// serialize into a probe job) and produces an Outcome. Network and protocol
// failures are never Go errors: they are classified into the Outcome's
// status and error code, because a failed check is the product, not an
// exception. An executor's error return is reserved for control-plane
// problems (a backing store read failed) and makes the job retry.
//
// The package is shared between the server worker pool and the probe agent.
// It deliberately knows nothing about the database; the heartbeat and
// aggregate executors declare narrow source interfaces that the server
// wires to its repositories.
package checks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Monitor types. The scheduler routes each type to its queue; the registry
// routes each type to its executor.
const (
	TypeHTTP          = "http"
	TypeDNS           = "dns"
	TypeTCP           = "tcp"
	TypeICMP          = "icmp"
	TypeSSL           = "ssl"
	TypeCT            = "ct"
	TypeWebsocket     = "websocket"
	TypeGRPC          = "grpc"
	TypeSMTP          = "smtp"
	TypeIMAP          = "imap"
	TypePOP3          = "pop3"
	TypeSSH           = "ssh"
	TypeLDAP          = "ldap"
	TypeRDP           = "rdp"
	TypeMQTT          = "mqtt"
	TypeAMQP          = "amqp"
	TypePostgres      = "postgres"
	TypeMySQL         = "mysql"
	TypeMongoDB       = "mongodb"
	TypeRedis         = "redis"
	TypeElasticsearch = "elasticsearch"
	TypePrometheus    = "prometheus"
	TypeTraceroute    = "traceroute"
	TypeEmailAuth     = "email_auth"
	TypeHeartbeat     = "heartbeat"
	TypeAggregate     = "aggregate"

	// TypePrometheusRemoteWrite is passive: results arrive by remote write,
	// the scheduler advances the monitor without enqueueing anything.
	TypePrometheusRemoteWrite = "prometheus_remote_write"
)

// Check result statuses.
const (
	StatusSuccess  = "success"
	StatusDegraded = "degraded"
	StatusFailure  = "failure"
	StatusTimeout  = "timeout"
	StatusError    = "error"
)

// Stable error codes. Executors map low-level errors onto these; alerting
// and the UI key off them.
const (
	CodeTimeout          = "TIMEOUT"
	CodeConnRefused      = "CONNECTION_REFUSED"
	CodeConnReset        = "CONNECTION_RESET"
	CodeConnFailed       = "CONNECTION_FAILED"
	CodeHostNotFound     = "HOST_NOT_FOUND"
	CodeHostUnreachable  = "HOST_UNREACHABLE"
	CodeDNSError         = "DNS_ERROR"
	CodeSSLError         = "SSL_ERROR"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeUnsupportedType  = "UNSUPPORTED_TYPE"
	CodeExecutorError    = "EXECUTOR_ERROR"
	CodeStatusCode       = "STATUS_CODE_MISMATCH"
	CodePatternMismatch  = "PATTERN_MISMATCH"
	CodeSlowResponse     = "SLOW_RESPONSE"
	CodeRowCountMismatch = "ROW_COUNT_MISMATCH"
	CodeQueueNotFound    = "QUEUE_NOT_FOUND"
	CodeUnhealthy        = "UNHEALTHY"
	CodeNoData           = "NO_DATA"
	CodeThresholdWarn    = "THRESHOLD_WARNING"
	CodeThresholdCrit    = "THRESHOLD_CRITICAL"

	CodeCertExpired         = "CERT_EXPIRED"
	CodeCertExpiringWarn    = "CERT_EXPIRING_WARNING"
	CodeCertExpiringCrit    = "CERT_EXPIRING_CRITICAL"
	CodeCertHostMismatch    = "CERT_HOSTNAME_MISMATCH"
	CodeCertChainInvalid    = "CERT_CHAIN_INVALID"
	CodeCertChainIncomplete = "CERT_CHAIN_INCOMPLETE"
	CodeTLSVersionTooLow    = "TLS_VERSION_TOO_LOW"
	CodeCipherBlocked       = "CIPHER_BLOCKED"
	CodeOCSPStapleMissing   = "OCSP_STAPLE_MISSING"
	CodeOCSPUnreachable     = "OCSP_UNREACHABLE"
	CodeOCSPRevoked         = "OCSP_REVOKED"
	CodeCRLUnreachable      = "CRL_UNREACHABLE"
	CodeCAAInvalid          = "CAA_INVALID"

	CodeCTFetchFailed      = "CT_FETCH_FAILED"
	CodeCTUnexpectedIssuer = "CT_UNEXPECTED_ISSUER"
	CodeCTNewCertificate   = "CT_NEW_CERTIFICATE"

	CodeOverdue   = "OVERDUE"
	CodeJobFailed = "JOB_FAILED"
	CodeNoPings   = "NO_PINGS"

	CodeSPFMissing   = "SPF_MISSING"
	CodeDMARCMissing = "DMARC_MISSING"
	CodeWeakAuth     = "WEAK_EMAIL_AUTH"

	CodeDestUnreachable  = "DEST_UNREACHABLE"
	CodeHopCountMismatch = "HOP_COUNT_MISMATCH"
)

// Input is the executor's view of one monitor at dispatch time. It is
// self-contained and JSON-serializable so the same struct travels to remote
// probes inside ProbePendingJob.JobData. Any sensitive values inside Config
// arrive already decrypted.
type Input struct {
	MonitorID           string            `json:"monitorId"`
	OrgID               string            `json:"orgId,omitempty"`
	Type                string            `json:"type"`
	URL                 string            `json:"url"`
	Method              string            `json:"method,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	Body                string            `json:"body,omitempty"`
	TimeoutMs           int               `json:"timeoutMs"`
	DegradedThresholdMs int               `json:"degradedThresholdMs,omitempty"`
	IntervalSeconds     int               `json:"intervalSeconds,omitempty"`
	Region              string            `json:"region,omitempty"`
	Assertions          []Assertion       `json:"assertions,omitempty"`
	Config              map[string]any    `json:"config,omitempty"`

	// PriorCTLogIDs carries the certificate ids seen by the previous CT
	// check; the dispatcher fills it from the last stored result so the CT
	// executor stays stateless.
	PriorCTLogIDs []int64 `json:"priorCtLogIds,omitempty"`
}

// Timeout returns the hard wall-clock bound for this check.
func (in *Input) Timeout() time.Duration {
	if in.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(in.TimeoutMs) * time.Millisecond
}

// ConfigString reads a string value from the per-type config.
func (in *Input) ConfigString(key, def string) string {
	if v, ok := in.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigInt reads an integer value from the per-type config. JSON numbers
// decode as float64, so both forms are accepted.
func (in *Input) ConfigInt(key string, def int) int {
	switch v := in.Config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// ConfigFloat reads a float value from the per-type config.
func (in *Input) ConfigFloat(key string, def float64) float64 {
	switch v := in.Config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// ConfigNumber reads a numeric value and reports whether it was present.
// Used where absence and zero mean different things, such as thresholds.
func (in *Input) ConfigNumber(key string) (float64, bool) {
	switch v := in.Config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// ConfigBool reads a boolean from the per-type config.
func (in *Input) ConfigBool(key string, def bool) bool {
	if v, ok := in.Config[key].(bool); ok {
		return v
	}
	return def
}

// ConfigStrings reads a string array from the per-type config.
func (in *Input) ConfigStrings(key string) []string {
	raw, ok := in.Config[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Outcome is the product of one check execution. It maps 1:1 onto a
// CheckResult row. Payload carries protocol-specific metadata (certificate
// details, traceroute hops, auth scores) that the UI renders.
type Outcome struct {
	Status         string
	ResponseTimeMs *int64
	DNSLookupMs    *int64
	TCPConnectMs   *int64
	TLSHandshakeMs *int64
	StatusCode     *int
	ErrorMessage   string
	ErrorCode      string
	Payload        map[string]any
}

// Success builds a success outcome with the measured latency.
func Success(elapsed time.Duration) *Outcome {
	return &Outcome{Status: StatusSuccess, ResponseTimeMs: ptrMs(elapsed)}
}

// Failure builds a failure outcome.
func Failure(code, message string) *Outcome {
	return &Outcome{Status: StatusFailure, ErrorCode: code, ErrorMessage: message}
}

// Errored builds an error outcome (misconfiguration or uncategorised
// transport failure).
func Errored(code, message string) *Outcome {
	return &Outcome{Status: StatusError, ErrorCode: code, ErrorMessage: message}
}

// TimedOut builds a timeout outcome with the elapsed time at expiry.
func TimedOut(elapsed time.Duration) *Outcome {
	return &Outcome{
		Status:         StatusTimeout,
		ErrorCode:      CodeTimeout,
		ErrorMessage:   fmt.Sprintf("check timed out after %s", elapsed.Round(time.Millisecond)),
		ResponseTimeMs: ptrMs(elapsed),
	}
}

// ApplyDegradedThreshold downgrades a success outcome to degraded when the
// response time exceeds the monitor's soft threshold. Exactly at the
// threshold is still success; the comparison is strictly greater.
func (o *Outcome) ApplyDegradedThreshold(thresholdMs int) *Outcome {
	if o.Status != StatusSuccess || thresholdMs <= 0 || o.ResponseTimeMs == nil {
		return o
	}
	if *o.ResponseTimeMs > int64(thresholdMs) {
		o.Status = StatusDegraded
		o.ErrorCode = CodeSlowResponse
		o.ErrorMessage = fmt.Sprintf("response time %dms exceeded degraded threshold %dms", *o.ResponseTimeMs, thresholdMs)
	}
	return o
}

// SetPayload lazily initialises the payload map and stores one entry.
func (o *Outcome) SetPayload(key string, value any) *Outcome {
	if o.Payload == nil {
		o.Payload = map[string]any{}
	}
	o.Payload[key] = value
	return o
}

func ptrMs(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

// Executor is one protocol implementation. Check must honour ctx (the
// registry attaches the monitor's timeout as the deadline) and must not
// return an error for network or protocol failures; those become Outcome
// statuses. Errors are reserved for control-plane failures and make the
// delivery retry.
type Executor interface {
	Type() string
	Check(ctx context.Context, in *Input) (*Outcome, error)
}

// Registry routes monitor types to their executors and enforces the hard
// timeout around every run.
type Registry struct {
	executors map[string]Executor
	log       *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		executors: map[string]Executor{},
		log:       log.Named("checks"),
	}
}

// Register adds an executor, replacing any previous one for the same type.
func (r *Registry) Register(e Executor) {
	r.executors[e.Type()] = e
}

// Types returns the registered monitor types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether an executor is registered for the type.
func (r *Registry) Supports(monitorType string) bool {
	_, ok := r.executors[monitorType]
	return ok
}

// Run executes the check for in.Type under the monitor's timeout. The
// deadline is a hard bound: when it expires the run resolves to a timeout
// outcome immediately and a late executor return is discarded, so a slow
// socket can never double-write a result. A panicking executor resolves to
// an error outcome instead of taking the worker down.
func (r *Registry) Run(ctx context.Context, in *Input) (*Outcome, error) {
	ex, ok := r.executors[in.Type]
	if !ok {
		return Errored(CodeUnsupportedType, fmt.Sprintf("no executor registered for monitor type %q", in.Type)), nil
	}

	timeout := in.Timeout()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("executor panic",
					zap.String("type", in.Type),
					zap.String("monitorId", in.MonitorID),
					zap.Any("panic", rec))
				done <- result{out: Errored(CodeExecutorError, fmt.Sprintf("executor panic: %v", rec))}
			}
		}()
		out, err := ex.Check(cctx, in)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("checks: %s: %w", in.Type, res.err)
		}
		out := res.out
		if out == nil {
			out = Errored(CodeExecutorError, "executor returned no outcome")
		}
		if out.ResponseTimeMs == nil && out.Status != StatusFailure && out.Status != StatusError {
			out.ResponseTimeMs = ptrMs(time.Since(start))
		}
		return out.ApplyDegradedThreshold(in.DegradedThresholdMs), nil

	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return TimedOut(time.Since(start)), nil
		}
		// Parent cancellation (shutdown): let the broker redeliver.
		return nil, fmt.Errorf("checks: %s: %w", in.Type, cctx.Err())
	}
}

// IsPassive reports whether the type receives data instead of being probed.
// The scheduler advances passive monitors without enqueueing jobs.
func IsPassive(monitorType string) bool {
	return monitorType == TypePrometheusRemoteWrite
}

// ServerEvaluated reports whether the type must run inside the core (it
// reads platform state) and is therefore never dispatched to remote probes.
func ServerEvaluated(monitorType string) bool {
	return monitorType == TypeHeartbeat || monitorType == TypeAggregate
}

// Classify maps a transport error onto the stable code taxonomy. The second
// return is a human-readable message.
func Classify(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	message = err.Error()

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, message
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CodeTimeout, message
		}
		return CodeHostNotFound, message
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused, message
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return CodeConnReset, message
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return CodeHostUnreachable, message
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout, message
	}

	if isTLSError(err) {
		return CodeSSLError, message
	}

	return CodeConnFailed, message
}

// FromError converts a transport error into a terminal outcome: timeouts
// become status timeout, recognised network failures become status failure,
// anything uncategorised becomes status error.
func FromError(err error, elapsed time.Duration) *Outcome {
	code, msg := Classify(err)
	switch code {
	case CodeTimeout:
		return TimedOut(elapsed)
	case CodeConnFailed:
		out := Errored(code, msg)
		out.ResponseTimeMs = ptrMs(elapsed)
		return out
	default:
		out := Failure(code, msg)
		out.ResponseTimeMs = ptrMs(elapsed)
		return out
	}
}
