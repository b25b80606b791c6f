package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when no credential source yields a user.
var ErrUnauthenticated = errors.New("unauthenticated")

const (
	MethodBearer = "bearer"
	MethodCookie = "cookie"
	MethodQuery  = "query"
)

// Identity is a verified user.
type Identity struct {
	UserID      string
	DisplayName string
	Method      string
}

// SessionStore resolves a browser session id to a user id.
type SessionStore interface {
	LookupSession(ctx context.Context, sessionID string) (string, error)
}

// UserDirectory resolves a user id to a display name.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Authenticator resolves an upgrade request to an Identity by trying, in
// order, a bearer token, a session cookie and a token query parameter.
// A failure in one method falls through to the next.
type Authenticator struct {
	tokens     *TokenVerifier
	sessions   SessionStore
	users      UserDirectory
	cookieName string
	queryParam string
}

// NewAuthenticator builds an Authenticator. sessions may be nil, in which
// case cookie authentication is skipped.
func NewAuthenticator(tokens *TokenVerifier, sessions SessionStore, users UserDirectory, cookieName, queryParam string) *Authenticator {
	return &Authenticator{
		tokens:     tokens,
		sessions:   sessions,
		users:      users,
		cookieName: cookieName,
		queryParam: queryParam,
	}
}

func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	ctx := r.Context()

	methods := []struct {
		name    string
		resolve func() (string, error)
	}{
		{MethodBearer, func() (string, error) { return a.fromToken(BearerToken(r)) }},
		{MethodCookie, func() (string, error) { return a.fromCookie(ctx, r) }},
		{MethodQuery, func() (string, error) { return a.fromToken(r.URL.Query().Get(a.queryParam)) }},
	}

	for _, m := range methods {
		userID, err := m.resolve()
		if err != nil {
			if !errors.Is(err, errNoCredential) {
				slog.Debug("authentication method failed", "method", m.name, "error", err)
			}
			continue
		}
		name, err := a.users.DisplayName(ctx, userID)
		if err != nil {
			slog.Debug("user lookup failed", "method", m.name, "user_id", userID, "error", err)
			continue
		}
		return Identity{UserID: userID, DisplayName: name, Method: m.name}, nil
	}

	return Identity{}, ErrUnauthenticated
}

var errNoCredential = errors.New("no credential")

func (a *Authenticator) fromToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errNoCredential
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (a *Authenticator) fromCookie(ctx context.Context, r *http.Request) (string, error) {
	if a.sessions == nil || a.cookieName == "" {
		return "", errNoCredential
	}
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return "", errNoCredential
	}
	userID, err := a.sessions.LookupSession(ctx, cookie.Value)
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	if userID == "" {
		return "", fmt.Errorf("session %q has no user", cookie.Value)
	}
	return userID, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
