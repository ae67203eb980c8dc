// Package auth implements the EventfoldDB bearer-token gate: header-only
// lookup, `Bearer` scheme only, HS256 only, `sub` and `exp` claims
// required, zero clock leeway. Every one of those choices is fixed rather
// than left to a caller to configure.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
)

// Gate validates the `authorization: Bearer <token>` header of incoming
// requests. A Gate constructed with an empty secret passes every request
// unchecked — authentication is opt-in via configuration.
type Gate struct {
	secret []byte
	logger *slog.Logger
}

// New constructs a Gate. Pass an empty secret to disable authentication
// entirely.
func New(secret string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{secret: []byte(secret), logger: logger}
}

// Enabled reports whether this Gate enforces authentication.
func (g *Gate) Enabled() bool { return len(g.secret) > 0 }

// Authenticate checks the request's bearer token. A nil error means the
// request is authorized to proceed; a non-nil error is always
// *eventfold.UnauthenticatedError and distinguishes, for logging only, one
// of four rejection causes: missing header, missing-Bearer-prefix, bad
// signature, and expired token.
func (g *Gate) Authenticate(r *http.Request) error {
	if !g.Enabled() {
		return nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		g.logger.Debug("auth rejected: missing authorization header")
		return &eventfold.UnauthenticatedError{Reason: "missing authorization header"}
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		g.logger.Debug("auth rejected: missing Bearer prefix")
		return &eventfold.UnauthenticatedError{Reason: "authorization header must use the Bearer scheme"}
	}
	tokenString := strings.TrimPrefix(header, prefix)

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(0))
	_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, &eventfold.UnauthenticatedError{Reason: "unexpected signing method"}
		}
		return g.secret, nil
	})
	if err != nil {
		g.logger.Debug("auth rejected: invalid or expired token", "error", err)
		return &eventfold.UnauthenticatedError{Reason: "invalid or expired token"}
	}

	if _, ok := claims["sub"]; !ok {
		g.logger.Debug("auth rejected: missing sub claim")
		return &eventfold.UnauthenticatedError{Reason: "token missing sub claim"}
	}
	if _, ok := claims["exp"]; !ok {
		g.logger.Debug("auth rejected: missing exp claim")
		return &eventfold.UnauthenticatedError{Reason: "token missing exp claim"}
	}

	return nil
}

// Middleware wraps next so that every request passes through Authenticate
// first, replying 401 on rejection.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Authenticate(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="eventfolddb", error="invalid_token"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthenticated","message":"invalid or missing token"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
