// ABOUTME: SQLite identity methods: resolve-or-create for registration and fresh role reads
// ABOUTME: Identity rows are owned by the profile subsystem; only role changes happen here

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NormalizeContact lowercases and trims a contact handle so that lookups are
// case-insensitive.
func NormalizeContact(contact string) string {
	return strings.ToLower(strings.TrimSpace(contact))
}

// ResolveIdentity returns the identity whose display name and contact both
// match, or creates a new user-role identity when neither is taken. A partial
// match returns ErrIdentityConflict.
func (s *SQLiteStore) ResolveIdentity(ctx context.Context, displayName, contact string) (*Identity, error) {
	displayName = strings.TrimSpace(displayName)
	contact = NormalizeContact(contact)

	identity, err := s.findIdentity(ctx, displayName, contact)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	identity = &Identity{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		Contact:     contact,
		Role:        RoleUser,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	query := `
		INSERT INTO identities (id, display_name, contact, role, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		identity.ID,
		identity.DisplayName,
		identity.Contact,
		string(identity.Role),
		identity.CreatedAt.Format(time.RFC3339),
	)
	if isUniqueConstraintError(err) {
		// Lost a race with a concurrent registration for the same fields.
		return s.findIdentity(ctx, displayName, contact)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting identity: %w", err)
	}

	s.logger.Info("created identity", "id", identity.ID)
	return identity, nil
}

// findIdentity looks up identities sharing either field. It returns
// ErrNotFound when there are none.
func (s *SQLiteStore) findIdentity(ctx context.Context, displayName, contact string) (*Identity, error) {
	query := `
		SELECT id, display_name, contact, role, created_at
		FROM identities
		WHERE display_name = ? OR contact = ?
	`

	rows, err := s.db.QueryContext(ctx, query, displayName, contact)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identities: %w", err)
	}

	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	if len(matches) == 1 && matches[0].DisplayName == displayName && matches[0].Contact == contact {
		return matches[0], nil
	}
	return nil, ErrIdentityConflict
}

// GetIdentity retrieves an identity by ID.
func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	query := `
		SELECT id, display_name, contact, role, created_at
		FROM identities
		WHERE id = ?
	`

	identity, err := scanIdentity(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// SetIdentityRole changes an identity's role.
func (s *SQLiteStore) SetIdentityRole(ctx context.Context, id string, role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE identities SET role = ? WHERE id = ?`, string(role), id)
	if err != nil {
		return fmt.Errorf("updating identity role: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("updated identity role", "id", id, "role", role)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*Identity, error) {
	var identity Identity
	var role, createdAtStr string

	if err := row.Scan(&identity.ID, &identity.DisplayName, &identity.Contact, &role, &createdAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning identity: %w", err)
	}

	identity.Role = Role(role)
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	identity.CreatedAt = createdAt
	return &identity, nil
}

var _ IdentityStore = (*SQLiteStore)(nil)
