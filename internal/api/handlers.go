package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/keygate/keygate/internal/ceremony"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/session"
	"github.com/keygate/keygate/internal/storage"
)

type Server struct {
	coordinator *ceremony.Coordinator
	verifier    *ceremony.Verifier
	users       storage.UserStorage
	creds       storage.CredentialStorage
	sessions    storage.SessionStorage
	bridge      session.Bridge
}

func NewServer(coordinator *ceremony.Coordinator, verifier *ceremony.Verifier, users storage.UserStorage, creds storage.CredentialStorage, sessions storage.SessionStorage, bridge session.Bridge) *Server {
	return &Server{
		coordinator: coordinator,
		verifier:    verifier,
		users:       users,
		creds:       creds,
		sessions:    sessions,
		bridge:      bridge,
	}
}

type beginRequest struct {
	Email     string             `json:"email"`
	Operation ceremony.Operation `json:"operation"`
}

// BeginHandler starts a ceremony for an email. The response bundle tells
// the client which ceremony storage actually selected.
func (s *Server) BeginHandler(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}

	bundle, err := s.coordinator.Begin(r.Context(), req.Email, req.Operation)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	writeJSON(w, bundle)
}

// RegisterFinishHandler completes a registration ceremony. The body is
// the authenticator's credential creation response; on success the new
// user gets a session.
func (s *Server) RegisterFinishHandler(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}

	response, err := protocol.ParseCredentialCreationResponseBody(r.Body)
	if err != nil {
		http.Error(w, "invalid credential response", http.StatusBadRequest)
		return
	}

	user, err := s.verifier.CompleteRegistration(r.Context(), email, response)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	s.issueSession(w, r, user, "registered")
}

// LoginFinishHandler completes a login ceremony. The email is resolved
// to the enrolled user; an unknown email reports the same generic
// failure as a bad signature.
func (s *Server) LoginFinishHandler(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}

	user, err := s.users.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "could not verify", http.StatusUnauthorized)
			return
		}
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	response, err := protocol.ParseCredentialRequestResponseBody(r.Body)
	if err != nil {
		http.Error(w, "invalid credential response", http.StatusBadRequest)
		return
	}

	verified, err := s.verifier.CompleteAssertion(r.Context(), user.ID, response)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	s.issueSession(w, r, verified, "authenticated")
}

// CredentialsBeginHandler starts an add-credential ceremony for the
// authenticated caller.
func (s *Server) CredentialsBeginHandler(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromRequest(r)
	if sess == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	bundle, err := s.coordinator.BeginAddCredential(r.Context(), sess.UserID)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	writeJSON(w, bundle)
}

// CredentialsFinishHandler completes an add-credential ceremony for the
// authenticated caller.
func (s *Server) CredentialsFinishHandler(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromRequest(r)
	if sess == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	response, err := protocol.ParseCredentialCreationResponseBody(r.Body)
	if err != nil {
		http.Error(w, "invalid credential response", http.StatusBadRequest)
		return
	}

	cred, err := s.verifier.CompleteAddCredential(r.Context(), sess.UserID, response)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"status":       "enrolled",
		"credentialId": base64.RawURLEncoding.EncodeToString(cred.ID),
	})
}

type credentialSummary struct {
	ID             string    `json:"id"`
	BackupEligible bool      `json:"backupEligible"`
	Attachment     string    `json:"attachment,omitempty"`
	Transports     []string  `json:"transports,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastUsedAt     time.Time `json:"lastUsedAt,omitempty"`
}

// UserCredentialsHandler lists the authenticated caller's enrolled
// credentials.
func (s *Server) UserCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromRequest(r)
	if sess == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	creds, err := s.creds.CredentialsByUser(r.Context(), sess.UserID)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	summaries := make([]credentialSummary, 0, len(creds))
	for _, cred := range creds {
		summary := credentialSummary{
			ID:             base64.RawURLEncoding.EncodeToString(cred.ID),
			BackupEligible: cred.BackupEligible,
			Attachment:     string(cred.Attachment),
			CreatedAt:      cred.CreatedAt,
			LastUsedAt:     cred.LastUsedAt,
		}
		for _, transport := range cred.Transports {
			summary.Transports = append(summary.Transports, string(transport))
		}
		summaries = append(summaries, summary)
	}

	writeJSON(w, map[string]interface{}{"credentials": summaries})
}

func (s *Server) ValidateSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"valid":   true,
		"userId":  sess.UserID,
		"email":   sess.Email,
		"expires": sess.ExpiresAt,
	})
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := bearerToken(r)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	if sessionID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	if err := s.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		http.Error(w, "failed to delete session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"status": "logged_out"})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, user *models.User, status string) {
	sess, err := s.bridge.IssueSession(r.Context(), user)
	if err != nil {
		slog.Error("Failed to issue session", "error", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"status":    status,
		"sessionId": sess.ID,
		"token":     sess.Token,
		"userId":    user.ID,
		"email":     user.Email,
	})
}

// sessionFromRequest resolves the caller's session from the session
// cookie or a bearer Authorization header.
func (s *Server) sessionFromRequest(r *http.Request) *models.Session {
	sessionID := ""

	if cookie, err := r.Cookie("session_id"); err == nil {
		sessionID = cookie.Value
	}
	if sessionID == "" {
		sessionID = bearerToken(r)
	}
	if sessionID == "" {
		return nil
	}

	sess, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil
	}

	return sess
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return ""
}

// writeCeremonyError maps the ceremony error taxonomy onto HTTP
// statuses. Verification failures surface as a generic message; clone
// detection is additionally logged for security review.
func (s *Server) writeCeremonyError(w http.ResponseWriter, r *http.Request, err error) {
	if ceremony.IsSecurityAlert(err) {
		slog.Warn("Possible cloned authenticator",
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"error", err,
		)
		http.Error(w, "could not verify", http.StatusUnauthorized)
		return
	}

	switch {
	case errors.Is(err, ceremony.ErrOperationMismatch):
		http.Error(w, "operation does not match enrollment state", http.StatusConflict)
	case errors.Is(err, ceremony.ErrAlreadyEnrolled):
		http.Error(w, "credential already enrolled", http.StatusConflict)
	case errors.Is(err, ceremony.ErrNoPendingChallenge):
		http.Error(w, "no pending challenge", http.StatusNotFound)
	case errors.Is(err, ceremony.ErrChallengeExpired):
		http.Error(w, "challenge expired", http.StatusGone)
	case errors.Is(err, ceremony.ErrVerificationFailed):
		http.Error(w, "could not verify", http.StatusUnauthorized)
	case errors.Is(err, ceremony.ErrStoreUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error("Ceremony failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}
