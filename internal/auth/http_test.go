// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, session resolution, fresh role reads, and the admin gate

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/2389/forum-auth/internal/kv"
	"github.com/2389/forum-auth/internal/session"
	"github.com/2389/forum-auth/internal/store"
)

type fixture struct {
	identities *store.MockStore
	sessions   *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := kv.NewMemoryStore(0)
	t.Cleanup(func() { _ = mem.Close() })

	identities := store.NewMockStore()
	identities.AddIdentity(&store.Identity{ID: "user-1", DisplayName: "alice", Contact: "alice@example.com", Role: store.RoleUser})
	identities.AddIdentity(&store.Identity{ID: "admin-1", DisplayName: "root", Contact: "root@example.com", Role: store.RoleAdmin})

	return &fixture{identities: identities, sessions: session.NewStore(mem, session.TTLs{}, nil)}
}

func (f *fixture) token(t *testing.T, ownerID string, tier session.Tier) string {
	t.Helper()
	sess, err := f.sessions.Issue(context.Background(), ownerID, tier)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return sess.Token
}

func (f *fixture) gateway(logger *slog.Logger) *Gateway {
	return NewGateway(f.sessions, f.identities, logger)
}

// serve runs mw around a handler that records the AuthContext it saw.
func serve(mw func(http.Handler) http.Handler, authHeader string) (*httptest.ResponseRecorder, *AuthContext, bool) {
	var got *AuthContext
	var called bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/forum/threads", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, req)
	return rec, got, called
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header    string
		wantToken string
		wantErr   string
	}{
		{"", "", "missing authorization header"},
		{"Basic abc", "", "invalid authorization header format"},
		{"Bearer ", "", "empty token"},
		{"Bearer abc123", "abc123", ""},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		if token != tt.wantToken || errMsg != tt.wantErr {
			t.Errorf("extractBearerToken(%q) = (%q, %q), want (%q, %q)", tt.header, token, errMsg, tt.wantToken, tt.wantErr)
		}
	}
}

func TestRequireUser_ValidSession(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", session.TierUser)

	rec, got, _ := serve(f.gateway(nil).RequireUser(), "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected AuthContext in context")
	}
	if got.OwnerID() != "user-1" {
		t.Errorf("expected owner 'user-1', got %q", got.OwnerID())
	}
	if got.Token != token {
		t.Error("expected the presented token in AuthContext")
	}
}

func TestRequireUser_Rejections(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		header string
		reason string
	}{
		{"missing header", "", "token_extraction_failed"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "token_extraction_failed"},
		{"unknown token", "Bearer " + strings.Repeat("ab", 32), "session_invalid"},
		{"malformed token", "Bearer not-a-token", "session_invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &httpTestLogHandler{}
			rec, _, called := serve(f.gateway(slog.New(logs)).RequireUser(), tt.header)

			if called {
				t.Error("handler should not be called")
			}
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if !strings.Contains(logs.lastRecordMessage(), "http auth failure") {
				t.Errorf("expected 'http auth failure' log, got %q", logs.lastRecordMessage())
			}
			if !logs.hasRecordWithReason(tt.reason) {
				t.Errorf("expected log record with reason %q", tt.reason)
			}
		})
	}
}

func TestRequireUser_ErrorBodyIsJSON(t *testing.T) {
	f := newFixture(t)
	rec, _, _ := serve(f.gateway(nil).RequireUser(), "")

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["error"] != "missing authorization header" {
		t.Errorf("unexpected error message %q", body["error"])
	}
}

func TestRequireUser_OrphanedSessionIsRevoked(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", session.TierUser)
	f.identities.RemoveIdentity("user-1")

	logs := &httpTestLogHandler{}
	rec, _, called := serve(f.gateway(slog.New(logs)).RequireUser(), "Bearer "+token)

	if called {
		t.Error("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	if !logs.hasRecordWithReason("identity_not_found") {
		t.Error("expected log record with reason 'identity_not_found'")
	}
	if _, err := f.sessions.Resolve(context.Background(), token); !errors.Is(err, session.ErrUnauthorized) {
		t.Errorf("expected orphaned session to be revoked, Resolve() error = %v", err)
	}
}

// unavailableSessions fails every call like an unreachable Redis.
type unavailableSessions struct{}

func (unavailableSessions) Resolve(context.Context, string) (*session.Session, error) {
	return nil, fmt.Errorf("resolving session: %w", kv.ErrUnavailable)
}

func (unavailableSessions) Revoke(context.Context, string) error {
	return fmt.Errorf("revoking session: %w", kv.ErrUnavailable)
}

func TestRequireUser_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	gw := NewGateway(unavailableSessions{}, f.identities, nil)

	rec, _, called := serve(gw.RequireUser(), "Bearer "+strings.Repeat("ab", 32))
	if called {
		t.Error("handler should not be called")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

func TestRequireUser_IdentityStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", session.TierUser)
	f.identities.Err = errors.New("database is locked")

	rec, _, _ := serve(f.gateway(nil).RequireUser(), "Bearer "+token)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

func TestOptionalUser(t *testing.T) {
	f := newFixture(t)
	valid := f.token(t, "user-1", session.TierUser)
	orphan := f.token(t, "admin-1", session.TierUser)
	f.identities.RemoveIdentity("admin-1")

	gw := f.gateway(nil)

	tests := []struct {
		name      string
		header    string
		wantOwner string
	}{
		{"no token", "", ""},
		{"valid token", "Bearer " + valid, "user-1"},
		{"invalid token", "Bearer invalid-token", ""},
		{"wrong scheme", "Basic abc", ""},
		{"orphaned session", "Bearer " + orphan, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got, called := serve(gw.OptionalUser(), tt.header)
			if !called || rec.Code != http.StatusOK {
				t.Fatalf("expected handler to run with 200, got called=%v status=%d", called, rec.Code)
			}
			switch {
			case tt.wantOwner == "" && got != nil:
				t.Errorf("expected anonymous request, got %+v", got)
			case tt.wantOwner != "" && (got == nil || got.OwnerID() != tt.wantOwner):
				t.Errorf("expected owner %q, got %+v", tt.wantOwner, got)
			}
		})
	}

	if _, err := f.sessions.Resolve(context.Background(), orphan); !errors.Is(err, session.ErrUnauthorized) {
		t.Error("optional mode must also revoke orphaned sessions")
	}
}

func TestRequireAdmin(t *testing.T) {
	f := newFixture(t)
	adminTier := f.token(t, "admin-1", session.TierAdmin)
	adminOnUserTier := f.token(t, "admin-1", session.TierUser)
	userTier := f.token(t, "user-1", session.TierUser)
	userOnAdminTier := f.token(t, "user-1", session.TierAdmin)

	tests := []struct {
		name   string
		header string
		want   int
		reason string
	}{
		{"admin session", "Bearer " + adminTier, http.StatusOK, ""},
		{"admin on user tier", "Bearer " + adminOnUserTier, http.StatusForbidden, "admin_session_required"},
		{"user session", "Bearer " + userTier, http.StatusForbidden, "admin_session_required"},
		{"admin tier for a non-admin", "Bearer " + userOnAdminTier, http.StatusForbidden, "admin_required"},
		{"no token", "", http.StatusUnauthorized, "token_extraction_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &httpTestLogHandler{}
			rec, got, called := serve(f.gateway(slog.New(logs)).RequireAdmin(), tt.header)
			if rec.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusOK {
				if !called || got == nil || !got.IsAdmin() {
					t.Errorf("expected admin AuthContext, got %+v", got)
				}
				return
			}
			if called {
				t.Error("handler should not be called")
			}
			if !logs.hasRecordWithReason(tt.reason) {
				t.Errorf("expected log record with reason %q", tt.reason)
			}
		})
	}
}

func TestRequireAdmin_DemotionTakesEffectNextRequest(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "admin-1", session.TierAdmin)
	mw := f.gateway(nil).RequireAdmin()

	if rec, _, _ := serve(mw, "Bearer "+token); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 before demotion, got %d", rec.Code)
	}

	if err := f.identities.SetIdentityRole(context.Background(), "admin-1", store.RoleUser); err != nil {
		t.Fatalf("SetIdentityRole() error = %v", err)
	}

	if rec, _, _ := serve(mw, "Bearer "+token); rec.Code != http.StatusForbidden {
		t.Errorf("expected status 403 after demotion, got %d", rec.Code)
	}
}

func TestRequireAdmin_RevokedSession(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "admin-1", session.TierAdmin)
	if err := f.sessions.Revoke(context.Background(), token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if rec, _, _ := serve(f.gateway(nil).RequireAdmin(), "Bearer "+token); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

// httpTestLogHandler captures log records for testing HTTP auth logging.
type httpTestLogHandler struct {
	records []slog.Record
}

func (h *httpTestLogHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (h *httpTestLogHandler) WithAttrs(_ []slog.Attr) slog.Handler         { return h }
func (h *httpTestLogHandler) WithGroup(_ string) slog.Handler              { return h }
func (h *httpTestLogHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *httpTestLogHandler) hasRecordWithReason(reason string) bool {
	for _, r := range h.records {
		var foundReason string
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "reason" {
				foundReason = a.Value.String()
				return false
			}
			return true
		})
		if foundReason == reason {
			return true
		}
	}
	return false
}

func (h *httpTestLogHandler) lastRecordMessage() string {
	if len(h.records) == 0 {
		return ""
	}
	return h.records[len(h.records)-1].Message
}
