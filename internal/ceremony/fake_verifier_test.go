// ABOUTME: Fake Verifier for ceremony engine tests
// ABOUTME: Responses are JSON documents that state what the authenticator "signed"

package ceremony

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/forum-auth/internal/store"
)

type fakeOptions struct {
	Challenge []byte   `json:"challenge"`
	OwnerID   string   `json:"owner_id,omitempty"`
	Exclude   [][]byte `json:"exclude,omitempty"`
}

func (o *fakeOptions) SetChallenge(raw []byte) { o.Challenge = raw }

// fakeResponse is what tests send as an attestation or assertion body.
type fakeResponse struct {
	Challenge    string `json:"challenge"`
	CredentialID []byte `json:"credential_id"`
	PublicKey    []byte `json:"public_key,omitempty"`
	UserHandle   string `json:"user_handle,omitempty"`
	SignCount    uint32 `json:"sign_count"`
	BadSignature bool   `json:"bad_signature,omitempty"`
	// Authenticator data flags.
	BackupEligible bool `json:"backup_eligible,omitempty"`
	BackupState    bool `json:"backup_state,omitempty"`
}

type fakeVerifier struct{}

func (fakeVerifier) CreationOptions(owner *store.Identity, exclude []*store.Credential) (Options, []byte, error) {
	opts := &fakeOptions{OwnerID: owner.ID, Challenge: []byte("verifier-generated")}
	for _, c := range exclude {
		opts.Exclude = append(opts.Exclude, c.ID)
	}
	return opts, []byte("register:" + owner.ID), nil
}

func (fakeVerifier) RequestOptions() (Options, []byte, error) {
	return &fakeOptions{Challenge: []byte("verifier-generated")}, []byte("login"), nil
}

func (fakeVerifier) ParseAttestation(body []byte) (*Attestation, error) {
	var resp fakeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &Attestation{Challenge: resp.Challenge, Parsed: &resp}, nil
}

func (fakeVerifier) ParseAssertion(body []byte) (*Assertion, error) {
	var resp fakeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &Assertion{
		Challenge:    resp.Challenge,
		CredentialID: resp.CredentialID,
		UserHandle:   []byte(resp.UserHandle),
		Parsed:       &resp,
	}, nil
}

func (fakeVerifier) VerifyAttestation(owner *store.Identity, state []byte, challenge string, att *Attestation) (*store.Credential, error) {
	resp := att.Parsed.(*fakeResponse)
	if string(state) != "register:"+owner.ID {
		return nil, fmt.Errorf("state %q does not belong to %s", state, owner.ID)
	}
	if resp.Challenge != challenge {
		return nil, errors.New("challenge mismatch")
	}
	if resp.BadSignature {
		return nil, errors.New("attestation signature invalid")
	}
	return &store.Credential{
		ID:              resp.CredentialID,
		PublicKey:       resp.PublicKey,
		AttestationType: "none",
		SignCount:       resp.SignCount,
		BackupEligible:  resp.BackupEligible,
		BackupState:     resp.BackupState,
	}, nil
}

func (fakeVerifier) VerifyAssertion(owner *store.Identity, cred *store.Credential, state []byte, challenge string, asr *Assertion) (*Authentication, error) {
	resp := asr.Parsed.(*fakeResponse)
	if string(state) != "login" {
		return nil, fmt.Errorf("unexpected state %q", state)
	}
	if resp.Challenge != challenge {
		return nil, errors.New("challenge mismatch")
	}
	if resp.BadSignature || !bytes.Equal(resp.PublicKey, cred.PublicKey) {
		return nil, errors.New("signature invalid")
	}
	if resp.UserHandle != "" && resp.UserHandle != owner.ID {
		return nil, errors.New("user handle mismatch")
	}
	if resp.BackupEligible != cred.BackupEligible {
		return nil, errors.New("backup eligible flag inconsistency")
	}
	return &Authentication{SignCount: resp.SignCount, BackupState: resp.BackupState}, nil
}

// echo builds a response body for options that were handed to the client.
func echo(opts Options, resp fakeResponse) []byte {
	resp.Challenge = base64.RawURLEncoding.EncodeToString(opts.(*fakeOptions).Challenge)
	b, _ := json.Marshal(resp)
	return b
}
