// Package ceremony runs passkey registration and authentication ceremonies.
//
// An Engine issues single-use challenges through the challenge ledger,
// delegates attestation and assertion checks to a Verifier, enforces the
// signature counter through the credential store and issues sessions at the
// user or admin tier. Admin ceremonies re-read the identity's role after the
// signature has been verified; a demoted identity gets ErrInsufficientPrivilege.
//
// Replays and verification failures are logged at warn level and published
// as SecurityEvents when an EventPublisher is configured.
package ceremony
