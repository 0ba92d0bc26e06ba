package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dghubble/oauth1"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

const (
	tweetEndpoint = "https://api.twitter.com/2/tweets"
	tweetLimit    = 280
)

// twitterSender posts the alert as a tweet from the org's own account.
// OAuth1 signing needs its own transport, so this sender builds a client
// per delivery instead of sharing the worker's; the request context still
// bounds the call.
type twitterSender struct{}

func newTwitterSender() *twitterSender { return &twitterSender{} }

func (s *twitterSender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg twitterConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" || cfg.AccessToken == "" || cfg.AccessTokenSecret == "" {
		return nil, fmt.Errorf("%w: twitter channel needs all four oauth credentials", ErrInvalidConfig)
	}

	oc := oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret)
	client := oc.Client(ctx, oauth1.NewToken(cfg.AccessToken, cfg.AccessTokenSecret))
	client.Timeout = 10 * time.Second

	body, err := json.Marshal(map[string]string{
		"text": truncateRunes(renderText(p), tweetLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("notification: encode tweet: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tweetEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build tweet request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: twitter request: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	code := resp.StatusCode
	res := &sendResult{responseCode: &code}
	if code != http.StatusCreated {
		return res, fmt.Errorf("%w: twitter returned %d", ErrSendFailed, code)
	}
	return res, nil
}
