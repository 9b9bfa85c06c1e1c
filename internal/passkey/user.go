// ABOUTME: Adapters between store types and go-webauthn users, credentials and options
// ABOUTME: Options wrappers let the engine stamp the ledger challenge before sending

package passkey

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/forum-auth/internal/store"
)

// webAuthnUser wraps an Identity to implement webauthn.User.
type webAuthnUser struct {
	identity *store.Identity
	creds    []webauthn.Credential
}

// newUser adapts owner and its stored credentials for the library. Backup
// flags are carried over because the library rejects an assertion whose BE
// flag differs from the stored credential's.
func (v *Verifier) newUser(owner *store.Identity, stored []*store.Credential) *webAuthnUser {
	creds := make([]webauthn.Credential, 0, len(stored))
	for _, c := range stored {
		transports, err := decodeTransports(c.Transports)
		if err != nil {
			v.logger.Warn("ignoring unreadable credential transports",
				"credential_id", base64.RawURLEncoding.EncodeToString(c.ID),
				"error", err,
			)
		}
		creds = append(creds, webauthn.Credential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		})
	}
	return &webAuthnUser{identity: owner, creds: creds}
}

// WebAuthnID is the user handle. It is the identity id, so a discoverable
// assertion names its owner.
func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.identity.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	if u.identity.Contact != "" {
		return u.identity.Contact
	}
	return u.identity.DisplayName
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.identity.DisplayName != "" {
		return u.identity.DisplayName
	}
	return u.identity.Contact
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

// decodeTransports reads the stored JSON array of transport hints.
func decodeTransports(raw string) ([]protocol.AuthenticatorTransport, error) {
	if raw == "" {
		return nil, nil
	}
	var out []protocol.AuthenticatorTransport
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding transports %q: %w", raw, err)
	}
	return out, nil
}

func descriptors(creds []webauthn.Credential) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Descriptor())
	}
	return out
}

// CreationOptions are registration options sent to the client.
type CreationOptions struct {
	*protocol.CredentialCreation
}

// SetChallenge implements ceremony.Options.
func (o *CreationOptions) SetChallenge(raw []byte) {
	o.Response.Challenge = raw
}

// MarshalJSON encodes the options as the browser expects them.
func (o *CreationOptions) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.CredentialCreation)
}

// RequestOptions are authentication options sent to the client.
type RequestOptions struct {
	*protocol.CredentialAssertion
}

// SetChallenge implements ceremony.Options.
func (o *RequestOptions) SetChallenge(raw []byte) {
	o.Response.Challenge = raw
}

// MarshalJSON encodes the options as the browser expects them.
func (o *RequestOptions) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.CredentialAssertion)
}
