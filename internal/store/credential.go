// ABOUTME: SQLite passkey credential methods with atomic signature-counter advancement
// ABOUTME: Credential ids are the authenticator-assigned raw ids and are globally unique

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateCredential stores a new passkey credential. A zero CreatedAt is
// stamped with the current time.
func (s *SQLiteStore) CreateCredential(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO credentials (credential_id, owner_id, public_key, attestation_type, transports, sign_count,
			backup_eligible, backup_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	var transports sql.NullString
	if cred.Transports != "" {
		transports = sql.NullString{String: cred.Transports, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		cred.ID,
		cred.OwnerID,
		cred.PublicKey,
		cred.AttestationType,
		transports,
		int64(cred.SignCount),
		cred.BackupEligible,
		cred.BackupState,
		cred.CreatedAt.UTC().Format(time.RFC3339),
	)
	if isUniqueConstraintError(err) {
		return ErrDuplicateCredential
	}
	if isForeignKeyError(err) {
		return fmt.Errorf("credential owner %s: %w", cred.OwnerID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}

	s.logger.Info("created credential", "owner_id", cred.OwnerID)
	return nil
}

// GetCredential retrieves a credential by its raw id.
func (s *SQLiteStore) GetCredential(ctx context.Context, id []byte) (*Credential, error) {
	query := `
		SELECT credential_id, owner_id, public_key, attestation_type, transports, sign_count,
			backup_eligible, backup_state, created_at, last_used_at
		FROM credentials
		WHERE credential_id = ?
	`

	cred, err := scanCredential(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// ListCredentialsByOwner retrieves all credentials for an identity, oldest first.
func (s *SQLiteStore) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*Credential, error) {
	query := `
		SELECT credential_id, owner_id, public_key, attestation_type, transports, sign_count,
			backup_eligible, backup_state, created_at, last_used_at
		FROM credentials
		WHERE owner_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}

	return creds, nil
}

// AdvanceSignCount atomically raises the stored counter to signCount and
// records the authenticator's backup state.
// The conditional UPDATE makes concurrent advances race safely: of two
// attempts with the same counter exactly one affects a row.
func (s *SQLiteStore) AdvanceSignCount(ctx context.Context, id []byte, signCount uint32, backupState bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE credentials
		SET sign_count = ?, backup_state = ?, last_used_at = ?
		WHERE credential_id = ?
		  AND sign_count < ?
	`

	result, err := s.db.ExecContext(ctx, query, int64(signCount), backupState, now, id, int64(signCount))
	if err != nil {
		return fmt.Errorf("advancing sign count: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// rowsAffected == 0 - either the credential is gone or the counter did not increase
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE credential_id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking credential: %w", err)
	}
	return ErrReplayDetected
}

// DeleteCredential deletes a credential.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, id []byte) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE credential_id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted credential")
	return nil
}

func scanCredential(row rowScanner) (*Credential, error) {
	var cred Credential
	var transports, lastUsedStr sql.NullString
	var signCount int64
	var createdAtStr string

	err := row.Scan(
		&cred.ID,
		&cred.OwnerID,
		&cred.PublicKey,
		&cred.AttestationType,
		&transports,
		&signCount,
		&cred.BackupEligible,
		&cred.BackupState,
		&createdAtStr,
		&lastUsedStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning credential: %w", err)
	}

	cred.Transports = transports.String
	cred.SignCount = uint32(signCount)
	cred.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastUsedStr.Valid {
		lastUsed, err := time.Parse(time.RFC3339, lastUsedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		cred.LastUsedAt = &lastUsed
	}
	return &cred, nil
}

var _ CredentialStore = (*SQLiteStore)(nil)
