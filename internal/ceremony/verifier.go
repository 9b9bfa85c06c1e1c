// ABOUTME: Verifier capability the engine delegates public-key cryptography to
// ABOUTME: Implemented by internal/passkey with go-webauthn; tests use a fake

package ceremony

import (
	"github.com/2389/forum-auth/internal/store"
)

// Options are the ceremony options returned to the client. They marshal to
// JSON and carry the challenge the authenticator must sign.
type Options interface {
	// SetChallenge replaces the challenge in the options.
	SetChallenge(raw []byte)
}

// Attestation is a parsed registration response.
type Attestation struct {
	// Challenge is the base64url challenge echoed in the client data.
	Challenge string
	// Parsed is the verifier-specific parsed response.
	Parsed any
}

// Assertion is a parsed authentication response.
type Assertion struct {
	Challenge    string
	CredentialID []byte
	UserHandle   []byte
	Parsed       any
}

// Authentication is the outcome of a verified assertion.
type Authentication struct {
	// SignCount is the authenticator's new signature counter.
	SignCount uint32
	// BackupState reports whether the credential is currently backed up.
	BackupState bool
}

// Verifier creates ceremony options and verifies authenticator responses with
// the relying party id and origins pinned from configuration.
type Verifier interface {
	// CreationOptions returns registration options for owner that exclude
	// the given credentials, plus opaque state for VerifyAttestation.
	CreationOptions(owner *store.Identity, exclude []*store.Credential) (Options, []byte, error)

	// RequestOptions returns discoverable authentication options plus opaque
	// state for VerifyAssertion.
	RequestOptions() (Options, []byte, error)

	ParseAttestation(body []byte) (*Attestation, error)
	ParseAssertion(body []byte) (*Assertion, error)

	// VerifyAttestation checks an attestation against the challenge and
	// returns the credential to store, backup flags included. The
	// credential's OwnerID is not set.
	VerifyAttestation(owner *store.Identity, state []byte, challenge string, att *Attestation) (*store.Credential, error)

	// VerifyAssertion checks the signature with cred's stored public key and
	// backup eligibility, and returns the authenticator's new counter and
	// backup state.
	VerifyAssertion(owner *store.Identity, cred *store.Credential, state []byte, challenge string, asr *Assertion) (*Authentication, error)
}
