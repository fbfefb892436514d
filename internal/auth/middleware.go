package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// SessionCookie is the HttpOnly cookie login sets for browser clients.
const SessionCookie = "token"

// contextKey is an unexported type used for context keys in this package.
type contextKey string

const userIDKey contextKey = "userID"

// ErrNoCredential means the request carried neither a bearer token nor a session cookie.
var ErrNoCredential = errors.New("auth: no session credential")

// RequireAuth enforces a valid session token on protected routes.
//
// The token is taken from "Authorization: Bearer <jwt>" first and the
// SessionCookie second. Only tokens minted for AudienceSession pass, so a
// verification link cannot stand in for a login. On failure the chain stops
// with 401 and the standard error body.
func RequireAuth(sessions *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := extractUserID(r, sessions)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="bot-catalog"`)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","code":"unauthenticated","message":"valid authentication required"}` + "\n"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// OptionalAuth attaches the caller's identity when a valid session token is
// present and lets anonymous requests through untouched.
func OptionalAuth(sessions *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID, err := extractUserID(r, sessions); err == nil {
				r = r.WithContext(WithUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUserID returns a copy of ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext retrieves the authenticated user's ID from the request context.
// Returns ("", false) for anonymous requests.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// TokenFromRequest returns the raw session credential carried by r.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
		return "", ErrNoCredential
	}

	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return "", ErrNoCredential
	}
	return cookie.Value, nil
}

func extractUserID(r *http.Request, sessions *TokenService) (string, error) {
	raw, err := TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	claims, err := sessions.Validate(raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
