// Package store provides persistent storage for identities and passkey
// credentials using SQLite.
//
// # Architecture
//
// Two interfaces split the concerns:
//
//   - IdentityStore: resolve-or-create during registration, fresh reads of
//     id and role, and role changes for the operator CLI
//   - CredentialStore: passkey rows and their signature counters
//
// SQLiteStore implements both in a single struct. MockStore implements both
// in memory for tests in other packages.
//
// # Replay Counters
//
// AdvanceSignCount is a single conditional UPDATE:
//
//	UPDATE credentials SET sign_count = ?, backup_state = ? WHERE credential_id = ? AND sign_count < ?
//
// so concurrent authentications presenting the same counter produce exactly
// one winner. The loser gets ErrReplayDetected.
//
// # SQLite Configuration
//
// Pragmas are passed in the DSN so they apply to every pooled connection:
//
//	journal_mode=WAL, foreign_keys=1, busy_timeout=5000
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateCredential: credential id already registered
//   - ErrReplayDetected: counter did not strictly increase
//   - ErrIdentityConflict: display name or contact belongs to someone else
//
// All methods accept context.Context for cancellation support.
package store
