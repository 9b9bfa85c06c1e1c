// ABOUTME: Tests for SQLite store setup
// ABOUTME: Covers database creation, directory creation, and idempotent schema creation

package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	for _, column := range []string{"backup_eligible", "backup_state", "last_used_at"} {
		var exists int
		err = second.db.QueryRow(`SELECT 1 FROM pragma_table_info('credentials') WHERE name = ?`, column).Scan(&exists)
		if err != nil {
			t.Fatalf("credentials.%s column missing: %v", column, err)
		}
	}
}

func TestNewSQLiteStore_ForeignKeysOnEveryConnection(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	// Grab several connections; each must have foreign keys enabled.
	s.db.SetMaxIdleConns(4)
	for i := 0; i < 4; i++ {
		var on int
		if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&on); err != nil {
			t.Fatalf("PRAGMA foreign_keys failed: %v", err)
		}
		if on != 1 {
			t.Fatalf("foreign_keys = %d, want 1", on)
		}
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
