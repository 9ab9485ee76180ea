package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/forest6511/recordvault/pkg/backup"
	"github.com/forest6511/recordvault/pkg/vault"
)

func (s *Server) handleBackupCreate(w http.ResponseWriter, r *http.Request, _ string) {
	data, err := s.backups.CreateArchive(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	name := fmt.Sprintf("recordvault-%s.zip", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleBackupValidate(w http.ResponseWriter, r *http.Request) {
	data, err := backup.ReadArchive(r.Body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, backup.Validate(data))
}

var errSessionRequired = errors.New("authentication required")

// handleRestore needs a session unless the vault cannot be unlocked at all.
// Without a session the vault state is checked again under the storage
// lock, so a vault set up in the meantime is never overwritten.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	authed := s.sessions.IsAuthenticated(tokenFrom(r))
	if !authed && !restoreAllowedWithoutSession(s.sessions.Vault().Status()) {
		writeError(w, http.StatusUnauthorized, errSessionRequired.Error())
		return
	}

	data, err := backup.ReadArchive(r.Body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var opts []backup.RestoreOption
	if !authed {
		opts = append(opts, backup.WithPrecondition(func(st vault.Status) error {
			if !restoreAllowedWithoutSession(st) {
				return errSessionRequired
			}
			return nil
		}))
	}
	if err := s.backups.Restore(r.Context(), data, opts...); err != nil {
		if errors.Is(err, errSessionRequired) {
			writeError(w, http.StatusUnauthorized, errSessionRequired.Error())
			return
		}
		s.respondError(w, err)
		return
	}
	s.clearSessionCookie(w)
	writeJSON(w, backup.Validate(data))
}
