package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// SubjectControlPlane identifies callers presenting the raw sandbox token.
const SubjectControlPlane = "control-plane"

type commandClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Auth accepts either the sandbox auth token itself or an HS256 JWT signed
// with it whose sid claim names this session.
func Auth(secret, sessionID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tok := extractBearer(r); tok != "" && secret != "" {
				if subtle.ConstantTimeCompare([]byte(tok), []byte(secret)) == 1 {
					next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), sessionID, SubjectControlPlane)))
					return
				}

				ctx, ok := authenticateJWT(r.Context(), tok, secret, sessionID)
				if ok {
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			log.Debug().Str("remote_addr", r.RemoteAddr).Str("path", r.URL.Path).Msg("middleware.Auth: rejected request")
			http.Error(w, `{"title":"Unauthorized","status":401,"detail":"missing or invalid credentials"}`, http.StatusUnauthorized)
		})
	}
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return auth[7:]
	}
	return ""
}

func authenticateJWT(ctx context.Context, tokenStr, secret, sessionID string) (context.Context, bool) {
	claims := &commandClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return ctx, false
	}

	if claims.SessionID != sessionID {
		return ctx, false
	}

	return withIdentity(ctx, claims.SessionID, claims.Subject), true
}

func withIdentity(ctx context.Context, sessionID, subject string) context.Context {
	ctx = context.WithValue(ctx, ContextKeySessionID, sessionID)
	ctx = context.WithValue(ctx, ContextKeySubject, subject)
	return ctx
}
