package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/appetiteclub/orderdesk/internal/auth"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type claimsKey struct{}

// Authenticate requires a bearer token signed with secret and stores its
// claims on the request context.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				respondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := auth.Parse(secret, token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "token has expired"
				}
				respondError(w, http.StatusUnauthorized, msg)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFrom returns the claims Authenticate stored, if any.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
