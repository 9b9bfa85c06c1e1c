// ABOUTME: Tests for forum-auth commands, config fallback, wiring and logging
// ABOUTME: Operator commands run against a temporary SQLite database

package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/forum-auth/internal/config"
	"github.com/2389/forum-auth/internal/store"
)

// writeConfig writes a config pointing at a temp database and returns its path.
func writeConfig(t *testing.T) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "auth.db")
	configPath = filepath.Join(dir, "config.yaml")
	content := "database:\n  path: " + dbPath + "\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath, dbPath
}

func seed(t *testing.T, dbPath string) *store.Identity {
	t.Helper()
	db, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	identity, err := db.ResolveIdentity(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, db.CreateCredential(ctx, &store.Credential{
		ID:         []byte("cred-1"),
		OwnerID:    identity.ID,
		PublicKey:  []byte("pk"),
		Transports: `["internal","hybrid"]`,
		SignCount:  3,
	}))
	return identity
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "forum-auth dev\n", out)
}

func TestRoleSet(t *testing.T) {
	configPath, dbPath := writeConfig(t)
	identity := seed(t, dbPath)

	out, err := run(t, "--config", configPath, "role", "set", identity.ID, "admin")
	require.NoError(t, err)
	assert.Contains(t, out, identity.ID+" is now admin")

	db, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.GetIdentity(context.Background(), identity.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAdmin())
}

func TestRoleSet_Errors(t *testing.T) {
	configPath, dbPath := writeConfig(t)
	identity := seed(t, dbPath)

	_, err := run(t, "--config", configPath, "role", "set", identity.ID, "owner")
	assert.ErrorIs(t, err, store.ErrInvalidRole)

	_, err = run(t, "--config", configPath, "role", "set", "missing", "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestIdentityShow(t *testing.T) {
	configPath, dbPath := writeConfig(t)
	identity := seed(t, dbPath)

	out, err := run(t, "--config", configPath, "identity", "show", identity.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "alice@example.com")
	assert.Contains(t, out, "user")
	assert.Contains(t, out, "Passkeys:       1")
}

func TestCredentialsListAndDelete(t *testing.T) {
	configPath, dbPath := writeConfig(t)
	identity := seed(t, dbPath)

	out, err := run(t, "--config", configPath, "credentials", "list", identity.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Y3JlZC0x")
	assert.Contains(t, out, "internal,hybrid")

	out, err = run(t, "--config", configPath, "credentials", "delete", "Y3JlZC0x")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted credential Y3JlZC0x")

	out, err = run(t, "--config", configPath, "credentials", "list", identity.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "(no passkeys)")

	_, err = run(t, "--config", configPath, "credentials", "delete", "Y3JlZC0x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestParseCredentialID(t *testing.T) {
	id, err := parseCredentialID("Y3JlZC0x")
	require.NoError(t, err)
	assert.Equal(t, []byte("cred-1"), id)

	id, err = parseCredentialID("YWI=")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), id)

	_, err = parseCredentialID("not base64!")
	assert.Error(t, err)
	_, err = parseCredentialID("")
	assert.Error(t, err)
}

func TestLoadConfig_Fallbacks(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, path, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "(defaults)", path)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.HTTPAddr)

	_, _, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit config path must exist")
}

func TestBuild_InMemory(t *testing.T) {
	configPath, _ := writeConfig(t)
	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	srv, err := build(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login/challenge", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"challenge"`)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.With("component", "auth").Warn("shown", "reason", "session_invalid")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "session_invalid")

	buf.Reset()
	logger = newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("json line", "k", "v")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
