package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

const (
	pagerdutyEndpoint = "https://events.pagerduty.com/v2/enqueue"
	ntfyDefaultServer = "https://ntfy.sh"
)

// postJSON posts a JSON document and maps unexpected status codes to
// ErrSendFailed. The response code is captured even on failure so the
// delivery log shows what the provider answered.
func postJSON(ctx context.Context, client *http.Client, provider, url string, body any, expect ...int) (*sendResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("notification: encode %s payload: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: build %s request: %s", ErrSendFailed, provider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s request: %s", ErrSendFailed, provider, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	code := resp.StatusCode
	res := &sendResult{responseCode: &code}
	if !statusExpected(code, expect) {
		return res, fmt.Errorf("%w: %s returned %d", ErrSendFailed, provider, code)
	}
	return res, nil
}

func statusExpected(code int, expect []int) bool {
	if len(expect) == 0 {
		return code >= 200 && code < 300
	}
	for _, e := range expect {
		if code == e {
			return true
		}
	}
	return false
}

// slackSender posts through a Slack incoming webhook. The attachment color
// mirrors the alert state so triggered and resolved read apart at a glance.
type slackSender struct {
	client *http.Client
}

func newSlackSender(client *http.Client) *slackSender {
	return &slackSender{client: client}
}

func (s *slackSender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg chatConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("%w: slack channel has no webhook url", ErrInvalidConfig)
	}

	color := "danger"
	if p.Status == "resolved" {
		color = "good"
	}
	msg := &slack.WebhookMessage{
		Username: "Uni Status",
		Attachments: []slack.Attachment{{
			Color: color,
			Title: renderSubject(p),
			Text:  renderText(p),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, cfg.WebhookURL, s.client, msg); err != nil {
		return nil, fmt.Errorf("%w: slack: %s", ErrSendFailed, err)
	}
	return &sendResult{}, nil
}

// discordSender posts through a Discord incoming webhook.
type discordSender struct {
	client *http.Client
}

func newDiscordSender(client *http.Client) *discordSender {
	return &discordSender{client: client}
}

func (s *discordSender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg chatConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("%w: discord channel has no webhook url", ErrInvalidConfig)
	}
	return postJSON(ctx, s.client, "discord", cfg.WebhookURL, map[string]any{
		"username": "Uni Status",
		"content":  renderText(p),
	})
}

// teamsSender posts a legacy MessageCard to a Microsoft Teams incoming
// webhook. Teams rejects cards without a summary field.
type teamsSender struct {
	client *http.Client
}

func newTeamsSender(client *http.Client) *teamsSender {
	return &teamsSender{client: client}
}

func (s *teamsSender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg chatConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("%w: teams channel has no webhook url", ErrInvalidConfig)
	}
	theme := "E81123"
	if p.Status == "resolved" {
		theme = "107C10"
	}
	return postJSON(ctx, s.client, "teams", cfg.WebhookURL, map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    renderSubject(p),
		"themeColor": theme,
		"title":      renderSubject(p),
		"text":       renderText(p),
	})
}

// googleChatSender posts a plain text message to a Google Chat space
// webhook.
type googleChatSender struct {
	client *http.Client
}

func newGoogleChatSender(client *http.Client) *googleChatSender {
	return &googleChatSender{client: client}
}

func (s *googleChatSender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg chatConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("%w: googlechat channel has no webhook url", ErrInvalidConfig)
	}
	return postJSON(ctx, s.client, "googlechat", cfg.WebhookURL, map[string]any{
		"text": renderText(p),
	})
}

// pagerdutySender raises and resolves incidents through the PagerDuty
// Events v2 API. The alert history id doubles as the dedup key, so the
// recovery delivery resolves the same PagerDuty incident the trigger
// opened.
type pagerdutySender struct {
	client *http.Client
}

func newPagerDutySender(client *http.Client) *pagerdutySender {
	return &pagerdutySender{client: client}
}

func (s *pagerdutySender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg pagerdutyConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if cfg.RoutingKey == "" {
		return nil, fmt.Errorf("%w: pagerduty channel has no routing key", ErrInvalidConfig)
	}

	action := "trigger"
	if p.Status == "resolved" {
		action = "resolve"
	}
	return postJSON(ctx, s.client, "pagerduty", pagerdutyEndpoint, map[string]any{
		"routing_key":  cfg.RoutingKey,
		"event_action": action,
		"dedup_key":    p.AlertHistoryID,
		"payload": map[string]any{
			"summary":   renderSubject(p),
			"source":    p.MonitorURL,
			"severity":  "critical",
			"timestamp": p.Timestamp,
		},
	}, http.StatusAccepted)
}

// ntfySender publishes to an ntfy topic, on ntfy.sh or a self-hosted
// server.
type ntfySender struct {
	client *http.Client
}

func newNtfySender(client *http.Client) *ntfySender {
	return &ntfySender{client: client}
}

func (s *ntfySender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg ntfyConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: ntfy channel has no topic", ErrInvalidConfig)
	}
	server := strings.TrimRight(cfg.ServerURL, "/")
	if server == "" {
		server = ntfyDefaultServer
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/"+cfg.Topic, strings.NewReader(renderText(p)))
	if err != nil {
		return nil, fmt.Errorf("%w: build ntfy request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Title", renderSubject(p))
	if cfg.Priority != "" {
		req.Header.Set("Priority", cfg.Priority)
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: ntfy request: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	code := resp.StatusCode
	res := &sendResult{responseCode: &code}
	if code < 200 || code >= 300 {
		return res, fmt.Errorf("%w: ntfy returned %d", ErrSendFailed, code)
	}
	return res, nil
}
