// Package auth provides the HTTP authentication gateway for the forum.
//
// # Modes
//
// A Gateway builds three middlewares over bearer session tokens:
//
//   - RequireUser: a live session is mandatory; failures answer 401.
//   - OptionalUser: a live session is attached when present; requests
//     without one continue anonymously.
//   - RequireAdmin: the session must be admin tier and its identity must
//     hold the admin role when the request is served; failures answer 403.
//
// Every request re-reads the identity, so role changes take effect on the
// next request. A session whose identity no longer exists is revoked and
// treated as unauthenticated in every mode.
//
// Handlers read the resolved identity with FromContext.
package auth
