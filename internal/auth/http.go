// ABOUTME: HTTP middleware enforcing session authentication on forum endpoints
// ABOUTME: Mandatory-user, optional-user and mandatory-admin modes over bearer session tokens

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/forum-auth/internal/session"
	"github.com/2389/forum-auth/internal/store"
)

// SessionStore resolves and revokes bearer session tokens.
type SessionStore interface {
	Resolve(ctx context.Context, token string) (*session.Session, error)
	Revoke(ctx context.Context, token string) error
}

// IdentityReader loads identities. Every call must be a fresh read.
type IdentityReader interface {
	GetIdentity(ctx context.Context, id string) (*store.Identity, error)
}

// Gateway builds authentication middleware.
type Gateway struct {
	sessions   SessionStore
	identities IdentityReader
	logger     *slog.Logger
}

// NewGateway creates a Gateway. A nil logger discards failure logs.
func NewGateway(sessions SessionStore, identities IdentityReader, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{sessions: sessions, identities: identities, logger: logger}
}

// authFailure is why a request could not be authenticated.
type authFailure struct {
	status  int
	message string
	reason  string // log attribute
	err     error
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// authenticate resolves the request's session and re-reads its identity.
func (g *Gateway) authenticate(r *http.Request) (*AuthContext, *authFailure) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return nil, &authFailure{http.StatusUnauthorized, errMsg, "token_extraction_failed", nil}
	}

	sess, err := g.sessions.Resolve(r.Context(), token)
	if errors.Is(err, session.ErrUnauthorized) {
		return nil, &authFailure{http.StatusUnauthorized, "invalid or expired session", "session_invalid", nil}
	}
	if err != nil {
		return nil, &authFailure{http.StatusServiceUnavailable, "authentication unavailable", "session_store_unavailable", err}
	}

	identity, err := g.identities.GetIdentity(r.Context(), sess.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		// The identity was removed out from under a live session.
		if rerr := g.sessions.Revoke(r.Context(), token); rerr != nil {
			g.logger.Warn("failed to revoke orphaned session", "owner_id", sess.OwnerID, "error", rerr)
		}
		return nil, &authFailure{http.StatusUnauthorized, "invalid or expired session", "identity_not_found", nil}
	}
	if err != nil {
		return nil, &authFailure{http.StatusServiceUnavailable, "authentication unavailable", "identity_store_unavailable", err}
	}

	return &AuthContext{Identity: identity, Session: sess, Token: token}, nil
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, f *authFailure) {
	attrs := []any{"reason", f.reason, "path", r.URL.Path, "remote_addr", r.RemoteAddr}
	if f.err != nil {
		attrs = append(attrs, "error", f.err)
		g.logger.Error("http auth failure", attrs...)
	} else {
		g.logger.Warn("http auth failure", attrs...)
	}
	WriteError(w, f.status, f.message)
}

// RequireUser rejects requests without a live session with 401.
func (g *Gateway) RequireUser() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, failure := g.authenticate(r)
			if failure != nil {
				g.reject(w, r, failure)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// OptionalUser attaches the identity when a live session is presented and
// otherwise continues anonymously.
func (g *Gateway) OptionalUser() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			authCtx, failure := g.authenticate(r)
			if failure != nil {
				g.logger.Debug("continuing anonymously", "reason", failure.reason)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdmin requires an admin-tier session whose identity holds the admin
// role at request time. Missing sessions get 401; anything else 403.
func (g *Gateway) RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, failure := g.authenticate(r)
			if failure != nil {
				g.reject(w, r, failure)
				return
			}

			if authCtx.Session.Tier != session.TierAdmin {
				g.reject(w, r, &authFailure{http.StatusForbidden, "admin session required", "admin_session_required", nil})
				return
			}
			if !authCtx.Identity.IsAdmin() {
				g.reject(w, r, &authFailure{http.StatusForbidden, "admin role required", "admin_required", nil})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
