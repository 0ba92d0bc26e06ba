package notification

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// Twilio rejects bodies past the concatenated-segment limit.
const smsBodyLimit = 1600

// smsSender delivers SMS through the Twilio REST API. Carrier credentials
// cascade the same way email does: channel config, then the org's own
// Twilio account, then the platform account.
type smsSender struct {
	orgs     repositories.OrgRepository
	platform PlatformCredentials
	client   *http.Client
	logger   *zap.Logger
}

func newSMSSender(orgs repositories.OrgRepository, platform PlatformCredentials, client *http.Client, logger *zap.Logger) *smsSender {
	return &smsSender{orgs: orgs, platform: platform, client: client, logger: logger}
}

func (s *smsSender) Send(ctx context.Context, ch *db.AlertChannel, p *AlertPayload) (*sendResult, error) {
	var cfg smsConfig
	if err := decodeConfig(ch, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("%w: sms channel has no recipients", ErrInvalidConfig)
	}

	tw := cfg.Twilio
	if !tw.valid() {
		if oc := loadOrgCredentials(ctx, s.orgs, ch.OrgID, s.logger); oc != nil && oc.Twilio.valid() {
			tw = oc.Twilio
		} else {
			tw = s.platform.Twilio
		}
	}
	if !tw.valid() {
		return nil, fmt.Errorf("%w: no twilio credentials available", ErrInvalidConfig)
	}

	body := truncateRunes(renderText(p), smsBodyLimit)
	var res *sendResult
	for _, to := range cfg.To {
		r, err := s.sendOne(ctx, tw, to, body)
		if r != nil {
			res = r
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *smsSender) sendOne(ctx context.Context, tw *TwilioSettings, to, body string) (*sendResult, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", tw.From)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", url.PathEscape(tw.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build twilio request: %s", ErrSendFailed, err)
	}
	req.SetBasicAuth(tw.AccountSID, tw.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: twilio request: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	code := resp.StatusCode
	res := &sendResult{responseCode: &code}
	if code != http.StatusCreated {
		return res, fmt.Errorf("%w: twilio returned %d", ErrSendFailed, code)
	}
	return res, nil
}
