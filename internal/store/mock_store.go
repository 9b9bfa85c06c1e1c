// ABOUTME: Mock identity and credential store for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same error semantics

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory IdentityStore and CredentialStore for testing.
type MockStore struct {
	mu          sync.RWMutex
	identities  map[string]*Identity   // keyed by identity ID
	credentials map[string]*Credential // keyed by string(credential ID)

	// Err, when set, is returned from every method. Used to simulate outages.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		identities:  make(map[string]*Identity),
		credentials: make(map[string]*Credential),
	}
}

// AddIdentity inserts an identity directly, bypassing resolution.
func (m *MockStore) AddIdentity(identity *Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := *identity
	m.identities[i.ID] = &i
}

// RemoveIdentity deletes an identity and its credentials.
func (m *MockStore) RemoveIdentity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, id)
	for k, c := range m.credentials {
		if c.OwnerID == id {
			delete(m.credentials, k)
		}
	}
}

// ResolveIdentity returns or creates the identity matching both fields.
func (m *MockStore) ResolveIdentity(ctx context.Context, displayName, contact string) (*Identity, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	displayName = strings.TrimSpace(displayName)
	contact = NormalizeContact(contact)

	var matches []*Identity
	for _, i := range m.identities {
		if i.DisplayName == displayName || i.Contact == contact {
			matches = append(matches, i)
		}
	}
	if len(matches) == 1 && matches[0].DisplayName == displayName && matches[0].Contact == contact {
		i := *matches[0]
		return &i, nil
	}
	if len(matches) > 0 {
		return nil, ErrIdentityConflict
	}

	identity := &Identity{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		Contact:     contact,
		Role:        RoleUser,
		CreatedAt:   time.Now().UTC(),
	}
	m.identities[identity.ID] = identity
	i := *identity
	return &i, nil
}

// GetIdentity retrieves an identity by ID.
func (m *MockStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *i
	return &c, nil
}

// SetIdentityRole changes an identity's role.
func (m *MockStore) SetIdentityRole(ctx context.Context, id string, role Role) error {
	if m.Err != nil {
		return m.Err
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	i.Role = role
	return nil
}

// CreateCredential stores a new credential, stamping a zero CreatedAt.
func (m *MockStore) CreateCredential(ctx context.Context, cred *Credential) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.identities[cred.OwnerID]; !ok {
		return fmt.Errorf("credential owner %s: %w", cred.OwnerID, ErrNotFound)
	}
	key := string(cred.ID)
	if _, ok := m.credentials[key]; ok {
		return ErrDuplicateCredential
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	c := copyCredential(cred)
	m.credentials[key] = c
	return nil
}

// GetCredential retrieves a credential by raw id.
func (m *MockStore) GetCredential(ctx context.Context, id []byte) (*Credential, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[string(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(c), nil
}

// ListCredentialsByOwner returns an identity's credentials, oldest first.
func (m *MockStore) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*Credential, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var creds []*Credential
	for _, c := range m.credentials {
		if c.OwnerID == ownerID {
			creds = append(creds, copyCredential(c))
		}
	}
	sort.Slice(creds, func(i, j int) bool {
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})
	return creds, nil
}

// AdvanceSignCount raises the counter if signCount is strictly greater.
func (m *MockStore) AdvanceSignCount(ctx context.Context, id []byte, signCount uint32, backupState bool) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[string(id)]
	if !ok {
		return ErrNotFound
	}
	if signCount <= c.SignCount {
		return ErrReplayDetected
	}
	now := time.Now().UTC()
	c.SignCount = signCount
	c.BackupState = backupState
	c.LastUsedAt = &now
	return nil
}

// DeleteCredential removes a credential.
func (m *MockStore) DeleteCredential(ctx context.Context, id []byte) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credentials[string(id)]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, string(id))
	return nil
}

func copyCredential(c *Credential) *Credential {
	out := *c
	out.ID = append([]byte(nil), c.ID...)
	out.PublicKey = append([]byte(nil), c.PublicKey...)
	return &out
}

var (
	_ IdentityStore   = (*MockStore)(nil)
	_ CredentialStore = (*MockStore)(nil)
)
