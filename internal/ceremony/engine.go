// ABOUTME: Ceremony engine orchestrating passkey registration and authentication
// ABOUTME: Challenge issue/consume, verification, replay rejection and session issuance

package ceremony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/forum-auth/internal/challenge"
	"github.com/2389/forum-auth/internal/session"
	"github.com/2389/forum-auth/internal/store"
)

// Deps are the collaborators an Engine needs.
type Deps struct {
	Identities  store.IdentityStore
	Credentials store.CredentialStore
	Ledger      *challenge.Ledger
	Sessions    *session.Store
	Verifier    Verifier
	Events      *EventPublisher // optional
	Logger      *slog.Logger
}

// Engine runs ceremonies. It holds no per-ceremony state of its own.
type Engine struct {
	identities  store.IdentityStore
	credentials store.CredentialStore
	ledger      *challenge.Ledger
	sessions    *session.Store
	verifier    Verifier
	events      *EventPublisher
	logger      *slog.Logger
}

// New creates an Engine.
func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		identities:  d.Identities,
		credentials: d.Credentials,
		ledger:      d.Ledger,
		sessions:    d.Sessions,
		verifier:    d.Verifier,
		events:      d.Events,
		logger:      logger.With("component", "ceremony"),
	}
}

// RegistrationChallenge is returned when a registration starts.
type RegistrationChallenge struct {
	Options   Options
	OwnerID   string
	ExpiresAt time.Time
}

// LoginChallenge is returned when an authentication starts.
type LoginChallenge struct {
	Options   Options
	ExpiresAt time.Time
}

// Result is the outcome of a successful ceremony.
type Result struct {
	Identity     *store.Identity
	Session      *session.Session
	CredentialID []byte
}

// BeginRegistration resolves or creates the identity for displayName and
// contact and issues a registration challenge bound to it.
func (e *Engine) BeginRegistration(ctx context.Context, displayName, contact string) (*RegistrationChallenge, error) {
	displayName = strings.TrimSpace(displayName)
	contact = strings.TrimSpace(contact)
	if displayName == "" || contact == "" {
		return nil, fmt.Errorf("%w: display_name and contact are required", ErrInvalidInput)
	}

	identity, err := e.identities.ResolveIdentity(ctx, displayName, contact)
	if errors.Is(err, store.ErrIdentityConflict) {
		return nil, ErrIdentityConflict
	}
	if err != nil {
		return nil, unavailable("resolving identity", err)
	}
	return e.startRegistration(ctx, identity)
}

// BeginDeviceRegistration issues a registration challenge bound to an
// existing identity, for adding another passkey to an account.
func (e *Engine) BeginDeviceRegistration(ctx context.Context, ownerID string) (*RegistrationChallenge, error) {
	identity, err := e.identities.GetIdentity(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, unavailable("loading identity", err)
	}
	return e.startRegistration(ctx, identity)
}

func (e *Engine) startRegistration(ctx context.Context, identity *store.Identity) (*RegistrationChallenge, error) {
	existing, err := e.credentials.ListCredentialsByOwner(ctx, identity.ID)
	if err != nil {
		return nil, unavailable("listing credentials", err)
	}

	opts, state, err := e.verifier.CreationOptions(identity, existing)
	if err != nil {
		return nil, fmt.Errorf("creating registration options: %w", err)
	}

	ch, err := e.ledger.Issue(ctx, challenge.Grant{
		Purpose: challenge.PurposeRegister,
		Binding: identity.ID,
		State:   state,
	})
	if err != nil {
		return nil, unavailable("issuing challenge", err)
	}
	opts.SetChallenge(ch.Raw())

	e.logger.Info("registration started", "owner_id", identity.ID, "excluded", len(existing))
	return &RegistrationChallenge{
		Options:   opts,
		OwnerID:   identity.ID,
		ExpiresAt: ch.ExpiresAt(),
	}, nil
}

// FinishRegistration verifies an attestation response and stores the new
// credential. assertedOwner, when not empty, must equal the owner the
// challenge was minted for.
func (e *Engine) FinishRegistration(ctx context.Context, body []byte, assertedOwner string) (*Result, error) {
	att, err := e.verifier.ParseAttestation(body)
	if err != nil {
		err = rejected(ErrAttestationInvalid, err)
		e.securityFailure(ctx, EventAttestationInvalid, "register", "", nil, err)
		return nil, err
	}

	ch, err := e.consume(ctx, att.Challenge, challenge.PurposeRegister)
	if err != nil {
		return nil, err
	}

	if assertedOwner != "" && assertedOwner != ch.Binding {
		e.logger.Warn("registration challenge owner mismatch", "owner_id", assertedOwner, "bound_owner_id", ch.Binding)
		return nil, ErrChallengeOwnerMismatch
	}

	owner, err := e.identities.GetIdentity(ctx, ch.Binding)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChallengeExpiredOrUnknown
	}
	if err != nil {
		return nil, unavailable("loading identity", err)
	}

	cred, err := e.verifier.VerifyAttestation(owner, ch.State, ch.Value, att)
	if err != nil {
		err = rejected(ErrAttestationInvalid, err)
		e.securityFailure(ctx, EventAttestationInvalid, "register", owner.ID, nil, err)
		return nil, err
	}
	cred.OwnerID = owner.ID

	if err := e.credentials.CreateCredential(ctx, cred); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateCredential):
			e.logger.Warn("credential already registered", "owner_id", owner.ID, "credential_id", encodeCredentialID(cred.ID))
			return nil, ErrDuplicateCredential
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrChallengeExpiredOrUnknown
		default:
			return nil, unavailable("storing credential", err)
		}
	}

	sess, err := e.sessions.Issue(ctx, owner.ID, session.TierUser)
	if err != nil {
		return nil, unavailable("issuing session", err)
	}

	e.logger.Info("passkey registered", "owner_id", owner.ID, "credential_id", encodeCredentialID(cred.ID))
	return &Result{Identity: owner, Session: sess, CredentialID: cred.ID}, nil
}

// BeginLogin issues a discoverable authentication challenge. Admin
// ceremonies use a separate purpose so a user challenge cannot finish one.
func (e *Engine) BeginLogin(ctx context.Context, admin bool) (*LoginChallenge, error) {
	opts, state, err := e.verifier.RequestOptions()
	if err != nil {
		return nil, fmt.Errorf("creating login options: %w", err)
	}

	ch, err := e.ledger.Issue(ctx, challenge.Grant{
		Purpose: loginPurpose(admin),
		State:   state,
	})
	if err != nil {
		return nil, unavailable("issuing challenge", err)
	}
	opts.SetChallenge(ch.Raw())

	return &LoginChallenge{Options: opts, ExpiresAt: ch.ExpiresAt()}, nil
}

// FinishLogin verifies an assertion response and issues a session. With
// admin set, the identity must hold the admin role when the assertion is
// verified and the session is issued at the admin tier.
func (e *Engine) FinishLogin(ctx context.Context, body []byte, admin bool) (*Result, error) {
	ceremonyName := string(loginPurpose(admin))

	asr, err := e.verifier.ParseAssertion(body)
	if err != nil {
		err = rejected(ErrAssertionInvalid, err)
		e.securityFailure(ctx, EventAssertionInvalid, ceremonyName, "", nil, err)
		return nil, err
	}

	ch, err := e.consume(ctx, asr.Challenge, loginPurpose(admin))
	if err != nil {
		return nil, err
	}

	cred, err := e.credentials.GetCredential(ctx, asr.CredentialID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Info("assertion for unknown credential", "credential_id", encodeCredentialID(asr.CredentialID))
		return nil, ErrUnknownCredential
	}
	if err != nil {
		return nil, unavailable("loading credential", err)
	}

	owner, err := e.identities.GetIdentity(ctx, cred.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownCredential
	}
	if err != nil {
		return nil, unavailable("loading identity", err)
	}

	authn, err := e.verifier.VerifyAssertion(owner, cred, ch.State, ch.Value, asr)
	if err != nil {
		err = rejected(ErrAssertionInvalid, err)
		e.securityFailure(ctx, EventAssertionInvalid, ceremonyName, owner.ID, cred.ID, err)
		return nil, err
	}

	if err := e.credentials.AdvanceSignCount(ctx, cred.ID, authn.SignCount, authn.BackupState); err != nil {
		switch {
		case errors.Is(err, store.ErrReplayDetected):
			e.securityFailure(ctx, EventReplayDetected, ceremonyName, owner.ID, cred.ID,
				fmt.Errorf("counter %d does not exceed stored %d", authn.SignCount, cred.SignCount))
			return nil, ErrReplayDetected
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrUnknownCredential
		default:
			return nil, unavailable("advancing signature counter", err)
		}
	}

	tier := session.TierUser
	if admin {
		// Role is read again here so a demotion that raced the ceremony wins.
		current, err := e.identities.GetIdentity(ctx, owner.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownCredential
		}
		if err != nil {
			return nil, unavailable("loading identity", err)
		}
		if !current.IsAdmin() {
			e.logger.Warn("admin login denied", "owner_id", owner.ID, "role", current.Role)
			e.events.Publish(ctx, SecurityEvent{
				Kind:         EventAdminLoginDenied,
				Ceremony:     ceremonyName,
				OwnerID:      owner.ID,
				CredentialID: encodeCredentialID(cred.ID),
				Reason:       "role is " + string(current.Role),
			})
			return nil, ErrInsufficientPrivilege
		}
		owner = current
		tier = session.TierAdmin
	}

	sess, err := e.sessions.Issue(ctx, owner.ID, tier)
	if err != nil {
		return nil, unavailable("issuing session", err)
	}

	e.logger.Info("passkey login successful", "owner_id", owner.ID, "tier", tier)
	e.events.Publish(ctx, SecurityEvent{
		Kind:         EventLoginSucceeded,
		Ceremony:     ceremonyName,
		OwnerID:      owner.ID,
		CredentialID: encodeCredentialID(cred.ID),
	})
	return &Result{Identity: owner, Session: sess, CredentialID: cred.ID}, nil
}

// consume takes the echoed challenge out of the ledger. A challenge minted
// for another purpose is reported as unknown.
func (e *Engine) consume(ctx context.Context, value string, purpose challenge.Purpose) (*challenge.Challenge, error) {
	ch, err := e.ledger.Consume(ctx, value)
	if errors.Is(err, challenge.ErrExpiredOrUnknown) {
		return nil, ErrChallengeExpiredOrUnknown
	}
	if err != nil {
		return nil, unavailable("consuming challenge", err)
	}
	if ch.Purpose != purpose {
		e.logger.Info("challenge purpose mismatch", "want", purpose, "got", ch.Purpose)
		return nil, ErrChallengeExpiredOrUnknown
	}
	return ch, nil
}

func (e *Engine) securityFailure(ctx context.Context, kind EventKind, ceremonyName, ownerID string, credID []byte, reason error) {
	attrs := []any{"kind", kind, "ceremony", ceremonyName, "reason", reason.Error()}
	if ownerID != "" {
		attrs = append(attrs, "owner_id", ownerID)
	}
	if credID != nil {
		attrs = append(attrs, "credential_id", encodeCredentialID(credID))
	}
	e.logger.Warn("ceremony rejected", attrs...)

	ev := SecurityEvent{
		Kind:     kind,
		Ceremony: ceremonyName,
		OwnerID:  ownerID,
		Reason:   reason.Error(),
	}
	if credID != nil {
		ev.CredentialID = encodeCredentialID(credID)
	}
	e.events.Publish(ctx, ev)
}

func loginPurpose(admin bool) challenge.Purpose {
	if admin {
		return challenge.PurposeAdminLogin
	}
	return challenge.PurposeLogin
}
