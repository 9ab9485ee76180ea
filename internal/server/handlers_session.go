package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/forest6511/recordvault/internal/config"
	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/session"
	"github.com/forest6511/recordvault/pkg/vault"
)

type statusResponse struct {
	State         string     `json:"state"`
	Authenticated bool       `json:"authenticated"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LockTimeout   int        `json:"lock_timeout_minutes"`
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type setupRequest struct {
	Password      string `json:"password"`
	DeviceBinding bool   `json:"device_binding"`
}

type setupResponse struct {
	RecoveryKey string `json:"recovery_key"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type recoveryRequest struct {
	RecoveryKey string `json:"recovery_key"`
}

type recoveryResetRequest struct {
	RecoveryKey string `json:"recovery_key"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type deviceBindingRequest struct {
	Password string `json:"password"`
	Enabled  bool   `json:"enabled"`
}

type settingsView struct {
	DefaultTaxYear     int `json:"default_tax_year"`
	LockTimeoutMinutes int `json:"lock_timeout_minutes"`
}

type settingsUpdate struct {
	DefaultTaxYear     *int `json:"default_tax_year,omitempty"`
	LockTimeoutMinutes *int `json:"lock_timeout_minutes,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:       s.sessions.State().String(),
		LockTimeout: int(s.sessions.LockTimeout().Minutes()),
	}
	if token := tokenFrom(r); token != "" {
		if sess, err := s.sessions.Current(token); err == nil {
			resp.Authenticated = true
			resp.ExpiresAt = &sess.ExpiresAt
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sessions.Vault().Info())
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	kdf, err := s.Settings().BuildKDF()
	if err != nil {
		s.respondError(w, err)
		return
	}

	pw := []byte(req.Password)
	defer wipe(pw)
	key, err := s.sessions.Setup(pw, kdf, req.DeviceBinding)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, setupResponse{RecoveryKey: key.String()})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	pw := []byte(req.Password)
	defer wipe(pw)
	s.startSession(w, func() (*session.Session, error) { return s.sessions.Unlock(pw) })
}

func (s *Server) handleUnlockRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	key, err := crypto.ParseRecoveryKey(req.RecoveryKey)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.startSession(w, func() (*session.Session, error) { return s.sessions.UnlockWithRecovery(key) })
}

func (s *Server) startSession(w http.ResponseWriter, unlock func() (*session.Session, error)) {
	sess, err := unlock()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.setSessionCookie(w, sess)
	writeJSON(w, sessionResponse{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, _ string) {
	s.sessions.Lock()
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, token string) {
	sess, err := s.sessions.Refresh(token)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.setSessionCookie(w, sess)
	writeJSON(w, sessionResponse{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, token string) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	oldPw, newPw := []byte(req.OldPassword), []byte(req.NewPassword)
	defer wipe(oldPw)
	defer wipe(newPw)

	if err := s.sessions.ChangePassword(token, oldPw, newPw); err != nil {
		s.respondError(w, err)
		return
	}
	// The session ended; the client must unlock with the new password.
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecoveryReset(w http.ResponseWriter, r *http.Request) {
	var req recoveryResetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	key, err := crypto.ParseRecoveryKey(req.RecoveryKey)
	if err != nil {
		s.respondError(w, err)
		return
	}
	newPw := []byte(req.NewPassword)
	defer wipe(newPw)

	if err := s.sessions.ResetPasswordWithRecovery(key, newPw); err != nil {
		s.respondError(w, err)
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecoveryRotate(w http.ResponseWriter, r *http.Request, token string) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	pw := []byte(req.Password)
	defer wipe(pw)

	key, err := s.sessions.RotateRecoveryKey(token, pw)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, setupResponse{RecoveryKey: key.String()})
}

func (s *Server) handleDeviceBinding(w http.ResponseWriter, r *http.Request, token string) {
	var req deviceBindingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	pw := []byte(req.Password)
	defer wipe(pw)

	if err := s.sessions.SetDeviceBinding(token, pw, req.Enabled); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, s.sessions.Vault().Info())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, _ string) {
	st := s.Settings()
	writeJSON(w, settingsView{
		DefaultTaxYear:     st.DefaultTaxYear,
		LockTimeoutMinutes: st.LockTimeoutMinutes,
	})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, _ string) {
	var req settingsUpdate
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	changes := map[string]string{}
	if req.DefaultTaxYear != nil {
		changes["default_tax_year"] = strconv.Itoa(*req.DefaultTaxYear)
	}
	if req.LockTimeoutMinutes != nil {
		changes["lock_timeout_minutes"] = strconv.Itoa(*req.LockTimeoutMinutes)
	}

	// Held across the write and the apply so the last writer also wins
	// in memory.
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	st, err := config.Update(s.Settings().Root(), changes)
	if err != nil {
		if errors.Is(err, config.ErrInvalidSettings) || errors.Is(err, config.ErrUnknownKey) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.respondError(w, err)
		return
	}
	if err := s.ApplySettings(st); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, settingsView{
		DefaultTaxYear:     st.DefaultTaxYear,
		LockTimeoutMinutes: st.LockTimeoutMinutes,
	})
}

// restoreAllowedWithoutSession reports whether st is a state where no
// session can exist: never set up, or its config is unreadable.
func restoreAllowedWithoutSession(st vault.Status) bool {
	switch st {
	case vault.StatusUninitialized, vault.StatusCorrupted:
		return true
	}
	return false
}
