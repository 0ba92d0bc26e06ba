package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/probes"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyProbe is the context key under which the authenticated
	// *db.Probe is stored after successful token validation.
	contextKeyProbe contextKey = iota
)

// AuthenticateProbe is a middleware that validates the probe bearer token in
// the Authorization header against the probe registry. On success it stores
// the probe row in the request context so downstream handlers can retrieve
// it via probeFromCtx. On failure it writes a 401 and stops the chain.
//
// Token format: "Authorization: Bearer <token>"
func AuthenticateProbe(svc *probes.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			probe, err := svc.Authenticate(r.Context(), parts[1])
			if err != nil {
				if errors.Is(err, probes.ErrUnauthorized) {
					ErrUnauthorized(w)
				} else {
					ErrInternal(w)
				}
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyProbe, probe)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// probeFromCtx retrieves the probe stored by the AuthenticateProbe
// middleware. Returns nil if the request is unauthenticated.
func probeFromCtx(ctx context.Context) *db.Probe {
	probe, _ := ctx.Value(contextKeyProbe).(*db.Probe)
	return probe
}
