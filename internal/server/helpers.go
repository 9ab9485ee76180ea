package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forest6511/recordvault/pkg/backup"
	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/filestore"
	"github.com/forest6511/recordvault/pkg/ratelimit"
	"github.com/forest6511/recordvault/pkg/records"
	"github.com/forest6511/recordvault/pkg/session"
	"github.com/forest6511/recordvault/pkg/vault"
)

type errorResponse struct {
	Error             string                   `json:"error"`
	RetryAfterSeconds int                      `json:"retry_after_seconds,omitempty"`
	Validation        *backup.ValidationResult `json:"validation,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, errorResponse{Error: msg})
}

func tooMany(w http.ResponseWriter, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSONStatus(w, http.StatusTooManyRequests, errorResponse{
		Error:             "too many requests",
		RetryAfterSeconds: secs,
	})
}

// respondError maps a domain error to a status code. Credential failures
// always read "incorrect credentials"; unexpected errors are logged and
// reported without detail.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var rle *ratelimit.RateLimitError
	var verr *backup.ValidationError

	switch {
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds))
		writeJSONStatus(w, http.StatusTooManyRequests, errorResponse{
			Error:             fmt.Sprintf("too many failed attempts, try again in %d seconds", rle.RetryAfterSeconds),
			RetryAfterSeconds: rle.RetryAfterSeconds,
		})
	case errors.Is(err, vault.ErrAuth):
		writeError(w, http.StatusUnauthorized, "incorrect credentials")
	case errors.Is(err, session.ErrLocked),
		errors.Is(err, session.ErrInvalidToken),
		errors.Is(err, crypto.ErrKeyDestroyed):
		writeError(w, http.StatusUnauthorized, "vault is locked")
	case errors.As(err, &verr):
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{
			Error:      "backup archive is invalid",
			Validation: verr.Result,
		})
	case errors.Is(err, backup.ErrArchiveTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, records.ErrNotFound), errors.Is(err, filestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, vault.ErrPasswordTooShort),
		errors.Is(err, vault.ErrPasswordTooLong),
		errors.Is(err, session.ErrInvalidTimeout),
		errors.Is(err, records.ErrInvalidKind),
		errors.Is(err, records.ErrInvalidID),
		errors.Is(err, records.ErrPayloadTooBig),
		errors.Is(err, filestore.ErrInvalidName),
		errors.Is(err, crypto.ErrInvalidRecoveryKey),
		errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotInitialized),
		errors.Is(err, session.ErrVaultReplaced),
		errors.Is(err, vault.ErrVaultNotFound),
		errors.Is(err, vault.ErrConfig):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrIntegrity):
		s.logger.Error().Err(err).Msg("integrity failure")
		writeError(w, http.StatusInternalServerError, "stored data failed its integrity check")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

var errBadRequest = errors.New("bad request")

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", errBadRequest, err)
	}
	return nil
}

// tokenFrom returns the session token from the cookie or a bearer header.
func tokenFrom(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.Settings().Server.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.Settings().Server.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

// authed wraps h so it only runs for a valid session token.
func (s *Server) authed(h func(w http.ResponseWriter, r *http.Request, token string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := tokenFrom(r)
		if !s.sessions.IsAuthenticated(token) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		h(w, r, token)
	}
}

// wipe clears a password copy once it has been used.
func wipe(b []byte) { crypto.SecureWipe(b) }
