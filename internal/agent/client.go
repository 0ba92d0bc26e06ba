package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Unified-Projects/uni-status-sub002/internal/probes"
)

var (
	// ErrUnauthorized means the server rejected the bearer token. The
	// agent cannot recover without a new token; backoff keeps retrying in
	// case the probe was temporarily disabled.
	ErrUnauthorized = errors.New("agent: token rejected")

	// ErrStale means the lease on a submitted job had already expired or
	// moved. The result is dropped; the server reissues the work.
	ErrStale = errors.New("agent: job no longer claimable")
)

const (
	requestTimeout = 15 * time.Second

	// pollTimeout bounds a claim call. It sits above the server's 30s
	// long-poll cap so the server, not the transport, ends the wait.
	pollTimeout = 45 * time.Second
)

// Client speaks the server's probe API. All calls carry the bearer token
// except Register, which authenticates with the enrollment secret in its
// body.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	poll    *http.Client
}

// NewClient builds a client for the given server. token may be empty for
// a client used only to register.
func NewClient(serverURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/") + "/api/probe/v1",
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		poll:    &http.Client{Timeout: pollTimeout},
	}
}

// Register enrolls this agent and returns the probe id and its one-time
// bearer token.
func (c *Client) Register(ctx context.Context, req *probes.RegisterRequest) (*probes.RegisterResponse, error) {
	var out probes.RegisterResponse
	if err := c.do(ctx, c.http, "/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports liveness and host metrics.
func (c *Client) Heartbeat(ctx context.Context, req *probes.HeartbeatRequest) (*probes.HeartbeatResponse, error) {
	var out probes.HeartbeatResponse
	if err := c.do(ctx, c.http, "/heartbeat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Claim long-polls for leased jobs. An empty slice means nothing became
// due within the wait budget.
func (c *Client) Claim(ctx context.Context, req *probes.ClaimRequest) ([]probes.ClaimedJob, error) {
	var out struct {
		Jobs []probes.ClaimedJob `json:"jobs"`
	}
	if err := c.do(ctx, c.poll, "/jobs/claim", req, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// SubmitResult posts one executed outcome. ErrStale reports a lease the
// server no longer honors.
func (c *Client) SubmitResult(ctx context.Context, jobID uuid.UUID, res *probes.ResultRequest) error {
	return c.do(ctx, c.http, "/jobs/"+jobID.String()+"/result", res, nil)
}

// do runs one POST against the probe API and decodes the {"data": ...}
// envelope into out when out is non-nil.
func (c *Client) do(ctx context.Context, hc *http.Client, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("agent: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("agent: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusConflict:
		return ErrStale
	case resp.StatusCode >= 400:
		return fmt.Errorf("agent: post %s: %s", path, apiError(resp.Body))
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("agent: decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("agent: decode payload: %w", err)
	}
	return nil
}

// apiError extracts the message from an error envelope, falling back to a
// generic string for bodies that are not the expected shape.
func apiError(r io.Reader) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&envelope); err != nil || envelope.Error.Message == "" {
		return "unexpected server response"
	}
	return envelope.Error.Message
}
