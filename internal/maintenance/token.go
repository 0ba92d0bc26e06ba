package maintenance

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// unsubscribeTokenTTL is how long an emailed unsubscribe link stays valid.
const unsubscribeTokenTTL = 30 * 24 * time.Hour

const tokenIssuer = "uni-status"

// MintUnsubscribeToken signs a token addressing one subscriber. The
// subscriber's stored token rides as the jti claim, so rotating it in the
// row invalidates every link already sent.
func MintUnsubscribeToken(secret string, sub *db.StatusPageSubscriber, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   sub.ID.String(),
		ID:        sub.UnsubscribeToken,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(unsubscribeTokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("maintenance: sign unsubscribe token: %w", err)
	}
	return signed, nil
}

// ParseUnsubscribeToken verifies a token and returns the subscriber id and
// the jti it was minted against. The caller compares the jti with the
// subscriber row's current token before acting.
func ParseUnsubscribeToken(secret, token string) (subscriberID uuid.UUID, jti string, err error) {
	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (interface{}, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("maintenance: parse unsubscribe token: %w", err)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("maintenance: parse unsubscribe token: bad subject: %w", err)
	}
	return id, claims.ID, nil
}

// unsubscribeLink mints the signed unsubscribe URL appended to a notice.
// Returns "" when the notifier has no secret or base URL configured.
func (n *Notifier) unsubscribeLink(sub *db.StatusPageSubscriber, now time.Time) string {
	if n.cfg.UnsubscribeSecret == "" || n.cfg.StatusBaseURL == "" {
		return ""
	}
	token, err := MintUnsubscribeToken(n.cfg.UnsubscribeSecret, sub, now)
	if err != nil {
		n.logger.Warn("unsubscribe token signing failed",
			zap.String("subscriber_id", sub.ID.String()),
			zap.Error(err),
		)
		return ""
	}
	return fmt.Sprintf("%s/unsubscribe?token=%s", n.cfg.StatusBaseURL, token)
}
