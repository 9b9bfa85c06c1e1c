// ABOUTME: Opaque bearer session tokens mapped to an owner and a privilege tier
// ABOUTME: Stored in the expiring key-value store under a BLAKE2b digest of the token

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/forum-auth/internal/kv"
)

// ErrUnauthorized is returned for unknown, expired, revoked or malformed
// tokens. Callers cannot tell these apart.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInvalidTier is returned when issuing a session with an unknown tier.
var ErrInvalidTier = errors.New("invalid privilege tier")

const (
	// tokenBytes is the entropy of a session token.
	tokenBytes = 32

	DefaultUserTTL  = 24 * time.Hour
	DefaultAdminTTL = time.Hour

	keyPrefix = "session:"
)

// Tier is the privilege level fixed on a session at issuance.
type Tier string

const (
	TierUser  Tier = "user"
	TierAdmin Tier = "admin"
)

// Session is a resolved session. Token is only populated by Issue.
type Session struct {
	Token     string
	OwnerID   string
	Tier      Tier
	CreatedAt time.Time
	TTL       time.Duration
}

// ExpiresAt is the instant the session stops resolving.
func (s *Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.TTL)
}

// TTLs sets session lifetimes per tier. Zero values use the defaults.
type TTLs struct {
	User  time.Duration
	Admin time.Duration
}

type record struct {
	OwnerID   string    `json:"owner_id"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	TTL       int64     `json:"ttl_ms"`
}

// Store issues, resolves and revokes sessions.
type Store struct {
	kv     kv.Store
	ttls   TTLs
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates a session store on top of an expiring key-value store.
func NewStore(store kv.Store, ttls TTLs, logger *slog.Logger) *Store {
	if ttls.User <= 0 {
		ttls.User = DefaultUserTTL
	}
	if ttls.Admin <= 0 {
		ttls.Admin = DefaultAdminTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     store,
		ttls:   ttls,
		now:    time.Now,
		logger: logger.With("component", "session"),
	}
}

// SetClock replaces the server clock used for expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// TTL returns the lifetime of sessions at the given tier.
func (s *Store) TTL(tier Tier) time.Duration {
	if tier == TierAdmin {
		return s.ttls.Admin
	}
	return s.ttls.User
}

// Issue creates a session for ownerID at tier and returns it with its token.
func (s *Store) Issue(ctx context.Context, ownerID string, tier Tier) (*Session, error) {
	if tier != TierUser && tier != TierAdmin {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	ttl := s.TTL(tier)
	rec := record{
		OwnerID:   ownerID,
		Tier:      tier,
		CreatedAt: s.now().UTC(),
		TTL:       ttl.Milliseconds(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		token, err := newToken()
		if err != nil {
			return nil, fmt.Errorf("generating session token: %w", err)
		}

		// SetNX guarantees a token is never bound to two sessions.
		ok, err := s.kv.SetNX(ctx, storageKey(token), payload, ttl)
		if err != nil {
			return nil, fmt.Errorf("storing session: %w", err)
		}
		if !ok {
			continue
		}

		s.logger.Debug("issued session", "owner_id", ownerID, "tier", tier)
		return &Session{
			Token:     token,
			OwnerID:   ownerID,
			Tier:      tier,
			CreatedAt: rec.CreatedAt,
			TTL:       ttl,
		}, nil
	}
	return nil, errors.New("storing session: token collision")
}

// Resolve returns the live session for token, or ErrUnauthorized.
func (s *Store) Resolve(ctx context.Context, token string) (*Session, error) {
	if !wellFormed(token) {
		return nil, ErrUnauthorized
	}

	payload, err := s.kv.Get(ctx, storageKey(token))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		s.logger.Warn("discarding corrupt session record", "error", err)
		return nil, ErrUnauthorized
	}

	sess := &Session{
		OwnerID:   rec.OwnerID,
		Tier:      rec.Tier,
		CreatedAt: rec.CreatedAt,
		TTL:       time.Duration(rec.TTL) * time.Millisecond,
	}
	if !s.now().Before(sess.ExpiresAt()) {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

// Revoke deletes the session for token. Revoking an unknown token is a no-op.
func (s *Store) Revoke(ctx context.Context, token string) error {
	if !wellFormed(token) {
		return nil
	}
	if err := s.kv.Del(ctx, storageKey(token)); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// storageKey hashes the token so the key-value store never holds a usable
// bearer token.
func storageKey(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func wellFormed(token string) bool {
	if len(token) != hex.EncodedLen(tokenBytes) {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
