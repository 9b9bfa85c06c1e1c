// ABOUTME: JSON handlers for registration, login, add-device, whoami and logout
// ABOUTME: Maps ceremony errors onto HTTP status codes and generic response bodies

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/forum-auth/internal/auth"
	"github.com/2389/forum-auth/internal/ceremony"
)

const maxBodyBytes = 64 << 10

// RegisterChallengeRequest is the JSON request body for POST /auth/register/challenge.
type RegisterChallengeRequest struct {
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact"`
}

// ChallengeResponse carries the browser options for a ceremony. OwnerID is
// set for registrations.
type ChallengeResponse struct {
	Options   ceremony.Options `json:"options"`
	OwnerID   string           `json:"owner_id,omitempty"`
	ExpiresAt string           `json:"expires_at"`
}

// VerifyRequest is the JSON request body for the verify endpoints. Response
// is the PublicKeyCredential produced by the authenticator.
type VerifyRequest struct {
	Response json.RawMessage `json:"response"`
	OwnerID  string          `json:"owner_id,omitempty"`
}

// VerifyResponse is the JSON response for the verify endpoints.
type VerifyResponse struct {
	Verified  bool   `json:"verified"`
	Token     string `json:"token,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MeResponse is the JSON response for GET /auth/me and GET /admin/me.
type MeResponse struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name"`
	Contact          string `json:"contact"`
	Role             string `json:"role"`
	Tier             string `json:"tier"`
	CreatedAt        string `json:"created_at"`
	SessionExpiresAt string `json:"session_expires_at"`
}

func (s *Server) handleRegisterChallenge(w http.ResponseWriter, r *http.Request) {
	var req RegisterChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		auth.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ch, err := s.ceremonies.BeginRegistration(r.Context(), req.DisplayName, req.Contact)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChallengeResponse{
		Options:   ch.Options,
		OwnerID:   ch.OwnerID,
		ExpiresAt: ch.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeVerify(w, r)
	if !ok {
		return
	}

	res, err := s.ceremonies.FinishRegistration(r.Context(), req.Response, req.OwnerID)
	if err != nil {
		s.writeVerifyError(w, r, err)
		return
	}
	writeVerified(w, res)
}

func (s *Server) handleLoginChallenge(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := s.ceremonies.BeginLogin(r.Context(), admin)
		if err != nil {
			s.writeCeremonyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ChallengeResponse{
			Options:   ch.Options,
			ExpiresAt: ch.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

func (s *Server) handleLoginVerify(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := s.decodeVerify(w, r)
		if !ok {
			return
		}

		res, err := s.ceremonies.FinishLogin(r.Context(), req.Response, admin)
		if err != nil {
			s.writeVerifyError(w, r, err)
			return
		}
		writeVerified(w, res)
	}
}

// handlePasskeyChallenge starts registering another passkey for the
// signed-in identity.
func (s *Server) handlePasskeyChallenge(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	ch, err := s.ceremonies.BeginDeviceRegistration(r.Context(), authCtx.OwnerID())
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChallengeResponse{
		Options:   ch.Options,
		OwnerID:   ch.OwnerID,
		ExpiresAt: ch.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handlePasskeyVerify finishes an add-device registration. The session
// owner is asserted, so a challenge minted for anyone else is refused.
func (s *Server) handlePasskeyVerify(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	req, ok := s.decodeVerify(w, r)
	if !ok {
		return
	}
	if req.OwnerID != "" && req.OwnerID != authCtx.OwnerID() {
		s.writeVerifyError(w, r, ceremony.ErrChallengeOwnerMismatch)
		return
	}

	res, err := s.ceremonies.FinishRegistration(r.Context(), req.Response, authCtx.OwnerID())
	if err != nil {
		s.writeVerifyError(w, r, err)
		return
	}
	writeVerified(w, res)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	id := authCtx.Identity

	writeJSON(w, http.StatusOK, MeResponse{
		ID:               id.ID,
		DisplayName:      id.DisplayName,
		Contact:          id.Contact,
		Role:             string(id.Role),
		Tier:             string(authCtx.Session.Tier),
		CreatedAt:        id.CreatedAt.UTC().Format(time.RFC3339),
		SessionExpiresAt: authCtx.Session.ExpiresAt().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	if err := s.sessions.Revoke(r.Context(), authCtx.Token); err != nil {
		s.logger.Error("revoking session", "owner_id", authCtx.OwnerID(), "error", err)
		auth.WriteError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	s.logger.Info("session revoked", "owner_id", authCtx.OwnerID())
	w.WriteHeader(http.StatusNoContent)
}

// decodeVerify parses a VerifyRequest, answering 400 itself on failure.
func (s *Server) decodeVerify(w http.ResponseWriter, r *http.Request) (*VerifyRequest, bool) {
	var req VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{Error: "invalid request body"})
		return nil, false
	}
	if len(req.Response) == 0 || string(req.Response) == "null" {
		writeJSON(w, http.StatusBadRequest, VerifyResponse{Error: "response is required"})
		return nil, false
	}
	return &req, true
}

func (s *Server) writeCeremonyError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	s.logFailure(r, status, err)
	auth.WriteError(w, status, message)
}

func (s *Server) writeVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	s.logFailure(r, status, err)
	writeJSON(w, status, VerifyResponse{Verified: false, Error: message})
}

func (s *Server) logFailure(r *http.Request, status int, err error) {
	attrs := []any{"method", r.Method, "path", r.URL.Path, "status", status, "error", err}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
		return
	}
	s.logger.Debug("request rejected", attrs...)
}

// classify maps a ceremony error to a status and a client-safe message.
// Verification failures share one message so responses do not reveal which
// check failed.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ceremony.ErrInvalidInput):
		return http.StatusBadRequest, "display_name and contact are required"
	case errors.Is(err, ceremony.ErrChallengeExpiredOrUnknown):
		return http.StatusBadRequest, "challenge expired or unknown"
	case errors.Is(err, ceremony.ErrChallengeOwnerMismatch):
		return http.StatusBadRequest, "challenge owner mismatch"
	case errors.Is(err, ceremony.ErrReplayDetected),
		errors.Is(err, ceremony.ErrAttestationInvalid),
		errors.Is(err, ceremony.ErrAssertionInvalid):
		return http.StatusBadRequest, "verification failed"
	case errors.Is(err, ceremony.ErrUnknownCredential):
		return http.StatusBadRequest, "unknown credential"
	case errors.Is(err, ceremony.ErrDuplicateCredential):
		return http.StatusBadRequest, "credential already registered"
	case errors.Is(err, ceremony.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ceremony.ErrInsufficientPrivilege):
		return http.StatusForbidden, "insufficient privilege"
	case errors.Is(err, ceremony.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ceremony.ErrIdentityConflict):
		return http.StatusConflict, "display name or contact already in use"
	case errors.Is(err, ceremony.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeVerified(w http.ResponseWriter, res *ceremony.Result) {
	writeJSON(w, http.StatusOK, VerifyResponse{
		Verified:  true,
		Token:     res.Session.Token,
		OwnerID:   res.Identity.ID,
		ExpiresAt: res.Session.ExpiresAt().UTC().Format(time.RFC3339),
	})
}

// decodeJSON reads a bounded JSON body. An empty body decodes as {}.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
