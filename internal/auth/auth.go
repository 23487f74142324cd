// Package auth resolves the calling user from a request's session credential.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/RichardoC/streamchat/internal/db"
	"github.com/RichardoC/streamchat/internal/models"
)

// CookieName is the cookie carrying the session token for browser callers.
const CookieName = "session"

// ErrUnauthenticated means the request carried no valid session.
var ErrUnauthenticated = errors.New("unauthenticated")

// SessionStore looks up the user owning a session token.
type SessionStore interface {
	UserBySession(ctx context.Context, token string) (*models.User, error)
}

type Authenticator struct {
	store SessionStore
}

func New(store SessionStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate returns the user for the request's bearer token or session
// cookie. Unknown or missing tokens yield ErrUnauthenticated; store failures
// are returned as-is so callers can tell them apart.
func (a *Authenticator) Authenticate(r *http.Request) (*models.User, error) {
	token := Token(r)
	if token == "" {
		return nil, ErrUnauthenticated
	}

	user, err := a.store.UserBySession(r.Context(), token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	return user, nil
}

// Token extracts the raw session token from r, preferring the Authorization header.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}
