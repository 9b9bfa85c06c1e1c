// ABOUTME: WebAuthn verifier for passkey ceremonies using the go-webauthn library
// ABOUTME: Pins relying party id and origins; session data travels as opaque ledger state

package passkey

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/forum-auth/internal/ceremony"
	"github.com/2389/forum-auth/internal/store"
)

// Config pins the relying party. Empty RPID and RPOrigins are derived from
// BaseURL.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	BaseURL       string
	// Timeout is the ceremony timeout hinted to the client.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Verifier implements ceremony.Verifier.
type Verifier struct {
	webauthn *webauthn.WebAuthn
	rpID     string
	origins  []string
	logger   *slog.Logger
}

var _ ceremony.Verifier = (*Verifier)(nil)

// New creates a Verifier.
func New(cfg Config) (*Verifier, error) {
	rpID, rpOrigins := deriveWebAuthnConfig(cfg.BaseURL)
	if cfg.RPID != "" {
		rpID = cfg.RPID
	}
	if len(cfg.RPOrigins) > 0 {
		rpOrigins = cfg.RPOrigins
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "forum"
	}

	wconfig := &webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	}
	if cfg.Timeout > 0 {
		// Expiry is enforced by the challenge ledger; the library only
		// advertises the timeout.
		wconfig.Timeouts = webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Timeout: cfg.Timeout, TimeoutUVD: cfg.Timeout},
			Registration: webauthn.TimeoutConfig{Timeout: cfg.Timeout, TimeoutUVD: cfg.Timeout},
		}
	}

	w, err := webauthn.New(wconfig)
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{webauthn: w, rpID: rpID, origins: rpOrigins, logger: logger}, nil
}

// RPID returns the pinned relying party id.
func (v *Verifier) RPID() string { return v.rpID }

// Origins returns the pinned origins.
func (v *Verifier) Origins() []string { return v.origins }

// CreationOptions begins a registration for owner.
func (v *Verifier) CreationOptions(owner *store.Identity, exclude []*store.Credential) (ceremony.Options, []byte, error) {
	user := v.newUser(owner, exclude)

	options, session, err := v.webauthn.BeginRegistration(user,
		webauthn.WithExclusions(descriptors(user.creds)),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("begin registration: %w", err)
	}

	state, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding session data: %w", err)
	}
	return &CreationOptions{options}, state, nil
}

// RequestOptions begins a discoverable login.
func (v *Verifier) RequestOptions() (ceremony.Options, []byte, error) {
	options, session, err := v.webauthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin login: %w", err)
	}

	state, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding session data: %w", err)
	}
	return &RequestOptions{options}, state, nil
}

// ParseAttestation parses a PublicKeyCredential from a registration.
func (v *Verifier) ParseAttestation(body []byte) (*ceremony.Attestation, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ceremony.ErrAttestationInvalid, describe(err))
	}
	return &ceremony.Attestation{
		Challenge: parsed.Response.CollectedClientData.Challenge,
		Parsed:    parsed,
	}, nil
}

// ParseAssertion parses a PublicKeyCredential from a login.
func (v *Verifier) ParseAssertion(body []byte) (*ceremony.Assertion, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ceremony.ErrAssertionInvalid, describe(err))
	}
	return &ceremony.Assertion{
		Challenge:    parsed.Response.CollectedClientData.Challenge,
		CredentialID: parsed.RawID,
		UserHandle:   parsed.Response.UserHandle,
		Parsed:       parsed,
	}, nil
}

// VerifyAttestation checks the attestation against the ledger challenge,
// the pinned relying party id and origins.
func (v *Verifier) VerifyAttestation(owner *store.Identity, state []byte, challenge string, att *ceremony.Attestation) (*store.Credential, error) {
	parsed, ok := att.Parsed.(*protocol.ParsedCredentialCreationData)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected attestation type %T", ceremony.ErrAttestationInvalid, att.Parsed)
	}

	session, err := sessionFromState(state, challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ceremony.ErrAttestationInvalid, err)
	}

	user := v.newUser(owner, nil)
	cred, err := v.webauthn.CreateCredential(user, *session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ceremony.ErrAttestationInvalid, describe(err))
	}

	transports, err := json.Marshal(cred.Transport)
	if err != nil {
		return nil, fmt.Errorf("encoding transports: %w", err)
	}

	return &store.Credential{
		ID:              cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      string(transports),
		SignCount:       cred.Authenticator.SignCount,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}, nil
}

// VerifyAssertion checks the assertion signature with the stored public key
// and returns the authenticator's counter and backup state. Counter
// monotonicity is enforced by the credential store, not here.
func (v *Verifier) VerifyAssertion(owner *store.Identity, cred *store.Credential, state []byte, challenge string, asr *ceremony.Assertion) (*ceremony.Authentication, error) {
	parsed, ok := asr.Parsed.(*protocol.ParsedCredentialAssertionData)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected assertion type %T", ceremony.ErrAssertionInvalid, asr.Parsed)
	}

	session, err := sessionFromState(state, challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ceremony.ErrAssertionInvalid, err)
	}

	user := v.newUser(owner, []*store.Credential{cred})
	validated, err := v.webauthn.ValidateDiscoverableLogin(makeCredentialFinder(user, owner.ID), *session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ceremony.ErrAssertionInvalid, describe(err))
	}
	// The library keeps the stored counter when the new one does not
	// exceed it, so report the authenticator's value for the store to judge.
	return &ceremony.Authentication{
		SignCount:   parsed.Response.AuthenticatorData.Counter,
		BackupState: validated.Flags.BackupState,
	}, nil
}

// sessionFromState restores the library session data and replaces its
// challenge with the one the ledger issued and consumed.
func sessionFromState(state []byte, challenge string) (*webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(state, &session); err != nil {
		return nil, fmt.Errorf("decoding session data: %w", err)
	}
	session.Challenge = challenge
	return &session, nil
}

// makeCredentialFinder resolves the discoverable user handle to the owner
// already loaded from the credential store.
func makeCredentialFinder(user *webAuthnUser, userID string) webauthn.DiscoverableUserHandler {
	return func(rawID, userHandle []byte) (webauthn.User, error) {
		if len(userHandle) > 0 && string(userHandle) != userID {
			return nil, errors.New("user handle mismatch")
		}
		return user, nil
	}
}

// describe includes the protocol error's details, which Error() omits.
func describe(err error) string {
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.DevInfo != "" {
		return perr.Error() + ": " + perr.DevInfo
	}
	return err.Error()
}

// deriveWebAuthnConfig extracts rpID and rpOrigins from a base URL.
// Returns defaults if URL is empty or invalid.
func deriveWebAuthnConfig(baseURL string) (rpID string, rpOrigins []string) {
	rpID = "localhost"
	rpOrigins = []string{"http://localhost", "https://localhost"}

	if baseURL == "" {
		return rpID, rpOrigins
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Hostname() == "" {
		return rpID, rpOrigins
	}

	// Origins are compared exactly, so drop any path from the base URL.
	return parsed.Hostname(), []string{parsed.Scheme + "://" + parsed.Host}
}
