// ABOUTME: Store interfaces and data types for identity and credential persistence
// ABOUTME: Defines Identity, Credential, roles and the sentinel errors callers match on

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCredential is returned when a credential id is already registered.
var ErrDuplicateCredential = errors.New("credential already registered")

// ErrReplayDetected is returned when a signature counter does not strictly increase.
var ErrReplayDetected = errors.New("signature counter did not increase")

// ErrIdentityConflict is returned when a display name or contact is taken by
// a different identity.
var ErrIdentityConflict = errors.New("display name or contact belongs to another identity")

// ErrInvalidRole is returned for unknown role names.
var ErrInvalidRole = errors.New("invalid role")

// Role is the coarse authorization role of an identity.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Identity is a forum account as seen by the auth subsystem.
type Identity struct {
	ID          string
	DisplayName string
	Contact     string // normalized email or other contact handle
	Role        Role
	CreatedAt   time.Time
}

// IsAdmin reports whether the identity currently holds the admin role.
func (i *Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Credential is a registered passkey.
type Credential struct {
	ID              []byte // authenticator-assigned credential id
	OwnerID         string
	PublicKey       []byte // COSE-encoded public key
	AttestationType string
	Transports      string // JSON array
	SignCount       uint32
	BackupEligible  bool // fixed at registration; set by synced passkeys
	BackupState     bool // backed up as of the last ceremony
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// IdentityStore reads and resolves identities.
type IdentityStore interface {
	// ResolveIdentity returns the identity matching both displayName and
	// contact, creating it when neither is in use.
	ResolveIdentity(ctx context.Context, displayName, contact string) (*Identity, error)
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	SetIdentityRole(ctx context.Context, id string, role Role) error
}

// CredentialStore persists passkeys and their replay counters.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, id []byte) (*Credential, error)
	ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*Credential, error)
	// AdvanceSignCount sets the counter to signCount if and only if it is
	// strictly greater than the stored value, recording backupState and the
	// use time in the same write.
	AdvanceSignCount(ctx context.Context, id []byte, signCount uint32, backupState bool) error
	DeleteCredential(ctx context.Context, id []byte) error
}
