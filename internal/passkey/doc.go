// Package passkey verifies WebAuthn attestations and assertions with
// go-webauthn.
//
// The library's SessionData is serialized into the challenge ledger as
// opaque state. At verification time its challenge is replaced with the
// ledger value that was consumed, so the ledger stays the only source of
// challenges.
package passkey
