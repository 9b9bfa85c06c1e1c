// ABOUTME: Single-use ceremony challenge ledger backed by an expiring key-value store
// ABOUTME: Issue mints 32 random bytes; Consume atomically deletes and returns the record

package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/forum-auth/internal/kv"
)

// ErrExpiredOrUnknown is returned when a challenge is absent, already
// consumed, or past its ttl. The three cases are deliberately the same error.
var ErrExpiredOrUnknown = errors.New("challenge expired or unknown")

const (
	// ValueSize is the number of random bytes in a challenge.
	ValueSize = 32

	// minValueSize is the shortest value Consume will look up.
	minValueSize = 16

	// DefaultTTL is how long an issued challenge stays valid.
	DefaultTTL = 5 * time.Minute

	keyPrefix = "challenge:"
)

// Purpose names the ceremony a challenge was issued for.
type Purpose string

const (
	PurposeRegister   Purpose = "register"
	PurposeLogin      Purpose = "login"
	PurposeAdminLogin Purpose = "admin_login"
)

// Grant describes the challenge to issue.
type Grant struct {
	Purpose Purpose
	// Binding is the owner id a registration challenge is minted for.
	// Empty for authentication.
	Binding string
	// State is opaque verifier data needed to finish the ceremony.
	State []byte
}

// Challenge is an outstanding ceremony challenge.
type Challenge struct {
	Value     string // base64url without padding, as echoed in client data
	Purpose   Purpose
	Binding   string
	State     []byte
	CreatedAt time.Time
	TTL       time.Duration
}

// Raw returns the decoded challenge bytes.
func (c *Challenge) Raw() []byte {
	b, _ := base64.RawURLEncoding.DecodeString(c.Value)
	return b
}

// ExpiresAt is the instant after which the challenge is rejected.
func (c *Challenge) ExpiresAt() time.Time {
	return c.CreatedAt.Add(c.TTL)
}

// record is the stored form of a Challenge.
type record struct {
	Purpose   Purpose   `json:"purpose"`
	Binding   string    `json:"binding,omitempty"`
	State     []byte    `json:"state,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	TTL       int64     `json:"ttl_ms"`
}

// Ledger issues and consumes challenges.
type Ledger struct {
	store  kv.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewLedger creates a ledger. A non-positive ttl uses DefaultTTL.
func NewLedger(store kv.Store, ttl time.Duration, logger *slog.Logger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "challenge"),
	}
}

// SetClock replaces the server clock used for expiry checks.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// TTL returns the lifetime of issued challenges.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Issue generates and stores a fresh challenge.
func (l *Ledger) Issue(ctx context.Context, grant Grant) (*Challenge, error) {
	rec := record{
		Purpose:   grant.Purpose,
		Binding:   grant.Binding,
		State:     grant.State,
		CreatedAt: l.now().UTC(),
		TTL:       l.ttl.Milliseconds(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding challenge: %w", err)
	}

	// A collision on 32 random bytes means the RNG is broken; retrying a
	// couple of times only guards against the store reporting a stale key.
	for attempt := 0; attempt < 3; attempt++ {
		value, err := newValue()
		if err != nil {
			return nil, fmt.Errorf("generating challenge: %w", err)
		}

		ok, err := l.store.SetNX(ctx, keyPrefix+value, payload, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("storing challenge: %w", err)
		}
		if !ok {
			continue
		}

		l.logger.Debug("issued challenge", "purpose", grant.Purpose, "bound", grant.Binding != "")
		return &Challenge{
			Value:     value,
			Purpose:   rec.Purpose,
			Binding:   rec.Binding,
			State:     rec.State,
			CreatedAt: rec.CreatedAt,
			TTL:       l.ttl,
		}, nil
	}
	return nil, errors.New("storing challenge: value collision")
}

// Consume atomically removes and returns the challenge for value.
func (l *Ledger) Consume(ctx context.Context, value string) (*Challenge, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) < minValueSize {
		return nil, ErrExpiredOrUnknown
	}

	payload, err := l.store.GetDel(ctx, keyPrefix+value)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrExpiredOrUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		l.logger.Warn("discarding corrupt challenge record", "error", err)
		return nil, ErrExpiredOrUnknown
	}

	c := &Challenge{
		Value:     value,
		Purpose:   rec.Purpose,
		Binding:   rec.Binding,
		State:     rec.State,
		CreatedAt: rec.CreatedAt,
		TTL:       time.Duration(rec.TTL) * time.Millisecond,
	}

	// The store expires keys on its own clock; this re-check pins expiry to
	// the server clock as well.
	if !l.now().Before(c.ExpiresAt()) {
		return nil, ErrExpiredOrUnknown
	}
	return c, nil
}

func newValue() (string, error) {
	b := make([]byte, ValueSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
