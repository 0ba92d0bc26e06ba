package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"
)

// maxBodyBytes caps how much of the response body is read for assertions.
const maxBodyBytes = 1 << 20

const defaultUserAgent = "UniStatusBot/1.0 (+https://unistatus.dev)"

// httpExecutor probes HTTP and HTTPS endpoints. Beyond the status check it
// evaluates body assertions, captures per-phase timings via httptrace, and
// for HTTPS targets records the served certificate so the ingest path can
// publish a monitor:certificate event alongside the check.
//
// Config keys: followRedirects (default true), maxRedirects (default 10),
// tlsSkipVerify (default false).
type httpExecutor struct{}

// NewHTTPExecutor returns the HTTP(S) executor.
func NewHTTPExecutor() Executor { return &httpExecutor{} }

func (httpExecutor) Type() string { return TypeHTTP }

// phaseTimings collects httptrace callbacks. Callbacks can fire on
// different goroutines, so access is mutex-guarded. Only the first
// connection of a redirect chain is recorded.
type phaseTimings struct {
	mu       sync.Mutex
	dnsStart time.Time
	dnsMs    *int64
	tcpStart time.Time
	tcpMs    *int64
	tlsStart time.Time
	tlsMs    *int64
}

func (p *phaseTimings) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			p.mu.Lock()
			if p.dnsStart.IsZero() {
				p.dnsStart = time.Now()
			}
			p.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			p.mu.Lock()
			if !p.dnsStart.IsZero() && p.dnsMs == nil {
				ms := time.Since(p.dnsStart).Milliseconds()
				p.dnsMs = &ms
			}
			p.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			p.mu.Lock()
			if p.tcpStart.IsZero() {
				p.tcpStart = time.Now()
			}
			p.mu.Unlock()
		},
		ConnectDone: func(_, _ string, err error) {
			p.mu.Lock()
			if err == nil && !p.tcpStart.IsZero() && p.tcpMs == nil {
				ms := time.Since(p.tcpStart).Milliseconds()
				p.tcpMs = &ms
			}
			p.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			p.mu.Lock()
			if p.tlsStart.IsZero() {
				p.tlsStart = time.Now()
			}
			p.mu.Unlock()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			p.mu.Lock()
			if err == nil && !p.tlsStart.IsZero() && p.tlsMs == nil {
				ms := time.Since(p.tlsStart).Milliseconds()
				p.tlsMs = &ms
			}
			p.mu.Unlock()
		},
	}
}

func (p *phaseTimings) apply(out *Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out.DNSLookupMs = p.dnsMs
	out.TCPConnectMs = p.tcpMs
	out.TLSHandshakeMs = p.tlsMs
}

func (e *httpExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if in.Body != "" {
		bodyReader = strings.NewReader(in.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, in.URL, bodyReader)
	if err != nil {
		return Errored(CodeInvalidConfig, fmt.Sprintf("invalid request: %v", err)), nil
	}

	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "*/*")
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	timings := &phaseTimings{}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), timings.trace()))

	follow := in.ConfigBool("followRedirects", true)
	maxRedirects := in.ConfigInt("maxRedirects", 10)

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: in.ConfigBool("tlsSkipVerify", false)},
			DisableKeepAlives: true,
			Proxy:             http.ProxyFromEnvironment,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !follow {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		out := FromError(err, time.Since(start))
		timings.apply(out)
		return out, nil
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start)

	out := &Outcome{
		Status:         StatusSuccess,
		ResponseTimeMs: ptrMs(elapsed),
		StatusCode:     &resp.StatusCode,
	}
	timings.apply(out)

	if resp.TLS != nil {
		out.SetPayload("certificate", certificatePayload(resp.TLS))
	}

	if readErr != nil {
		code, msg := Classify(readErr)
		out.Status = StatusFailure
		out.ErrorCode = code
		out.ErrorMessage = fmt.Sprintf("reading response body: %s", msg)
		return out, nil
	}

	if v := evalAssertions(in.Assertions, resp.StatusCode, string(body), elapsed.Milliseconds()); v != nil {
		if v.code == CodeInvalidConfig {
			out.Status = StatusError
		} else {
			out.Status = StatusFailure
		}
		out.ErrorCode = v.code
		out.ErrorMessage = v.message
	}

	return out, nil
}
