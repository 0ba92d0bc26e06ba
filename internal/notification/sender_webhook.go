package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// webhookSender delivers the raw alert payload to a customer endpoint.
// When a signing key is configured the body is signed with HMAC-SHA256,
// following the GitHub/Stripe webhook convention, so the receiver can
// verify authenticity and reject replays via the timestamp header.
type webhookSender struct {
	client *http.Client
	now    func() time.Time
}

func newWebhookSender(client *http.Client) *webhookSender {
	return &webhookSender{client: client, now: time.Now}
}

func (s *webhookSender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg webhookConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook channel has no url", ErrInvalidConfig)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	var (
		body []byte
		err  error
	)
	if method != http.MethodGet {
		body, err = json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("notification: encode webhook payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build webhook request: %s", ErrSendFailed, err)
	}
	req.Header.Set("User-Agent", "Uni-Status-Webhook/1.0")
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
		if cfg.SigningKey != "" {
			req.Header.Set("X-Uni-Status-Signature", "sha256="+hmacSHA256(body, cfg.SigningKey))
			req.Header.Set("X-Uni-Status-Timestamp", strconv.FormatInt(s.now().Unix(), 10))
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook request: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	code := resp.StatusCode
	res := &sendResult{responseCode: &code}
	if code < 200 || code >= 300 {
		return res, fmt.Errorf("%w: webhook returned %d", ErrSendFailed, code)
	}
	return res, nil
}

// hmacSHA256 computes an HMAC-SHA256 signature of data using key, returned
// as a lowercase hex string.
func hmacSHA256(data []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
