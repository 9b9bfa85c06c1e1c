// ABOUTME: Terminal error taxonomy for registration and authentication ceremonies
// ABOUTME: Callers match these with errors.Is; none of them are retried

package ceremony

import (
	"errors"
	"fmt"

	"github.com/2389/forum-auth/internal/challenge"
	"github.com/2389/forum-auth/internal/session"
	"github.com/2389/forum-auth/internal/store"
)

var (
	// ErrChallengeExpiredOrUnknown covers absent, consumed, expired and
	// wrong-purpose challenges.
	ErrChallengeExpiredOrUnknown = challenge.ErrExpiredOrUnknown

	// ErrChallengeOwnerMismatch is returned when a registration challenge is
	// verified for an owner other than the one it was minted for.
	ErrChallengeOwnerMismatch = errors.New("challenge bound to a different owner")

	ErrAttestationInvalid = errors.New("attestation verification failed")
	ErrAssertionInvalid   = errors.New("assertion verification failed")

	// ErrUnknownCredential is returned when an assertion names a credential
	// that is not registered, or whose owner no longer exists.
	ErrUnknownCredential = errors.New("unknown credential")

	ErrDuplicateCredential = store.ErrDuplicateCredential
	ErrReplayDetected      = store.ErrReplayDetected
	ErrIdentityConflict    = store.ErrIdentityConflict

	// ErrInsufficientPrivilege is returned by an admin ceremony when the
	// identity does not hold the admin role at verification time.
	ErrInsufficientPrivilege = errors.New("insufficient privilege")

	ErrUnauthorized = session.ErrUnauthorized
	ErrForbidden    = errors.New("forbidden")

	// ErrServiceUnavailable wraps transient backend failures.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInvalidInput is returned for missing or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")
)

// unavailable converts a backend failure into ErrServiceUnavailable while
// keeping the cause in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, op, err)
}

// rejected wraps a verifier error in sentinel unless it already is one.
func rejected(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
