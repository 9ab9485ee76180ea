package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forest6511/recordvault/internal/config"
	"github.com/forest6511/recordvault/internal/metrics"
	"github.com/forest6511/recordvault/pkg/backup"
	"github.com/forest6511/recordvault/pkg/crypto"
	"github.com/forest6511/recordvault/pkg/ratelimit"
	"github.com/forest6511/recordvault/pkg/session"
	"github.com/forest6511/recordvault/pkg/vault"
)

const (
	testPassword  = "correct-horse-battery"
	wrongPassword = "wrong-password"
)

type testServer struct {
	*Server
	root     string
	sessions *session.Manager
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	root := t.TempDir()

	settings := config.Default(root)
	settings.KDF.Argon2id = config.Argon2idSettings{
		MemoryKiB:   crypto.MinArgon2Memory,
		Iterations:  crypto.MinArgon2Iterations,
		Parallelism: 1,
	}
	settings.Server.RequestsPerSecond = 1000
	settings.Server.Burst = 1000

	v, err := vault.Open(settings.DataPath())
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}
	limiter := ratelimit.New(ratelimit.WithFailurePredicate(session.IsAuthFailure))
	sessions, err := session.NewManager(v, limiter)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	backups := backup.NewService(v, backup.WithInvalidator(sessions))

	return &testServer{
		Server:   New(sessions, backups, settings, opts...),
		root:     root,
		sessions: sessions,
	}
}

// do sends body as raw bytes when it is []byte and as JSON otherwise.
func (ts *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	}
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) setup(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, "POST", "/api/setup", map[string]any{"password": testPassword}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup = %d: %s", rec.Code, rec.Body)
	}
	var resp setupResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp.RecoveryKey
}

func (ts *testServer) unlock(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, "POST", "/api/unlock", map[string]any{"password": testPassword}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unlock = %d: %s", rec.Code, rec.Body)
	}
	return sessionCookie(t, rec).Value
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", CookieName)
	return nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v (body %q)", v, err, rec.Body.String())
	}
	return v
}

func TestSetupUnlockLockFlow(t *testing.T) {
	ts := newTestServer(t)

	status := decode[statusResponse](t, ts.do(t, "GET", "/api/status", nil, ""))
	if status.State != "uninitialized" {
		t.Fatalf("state = %q, want uninitialized", status.State)
	}

	recoveryKey := ts.setup(t)
	if _, err := crypto.ParseRecoveryKey(recoveryKey); err != nil {
		t.Errorf("setup returned an unparseable recovery key: %v", err)
	}

	rec := ts.do(t, "POST", "/api/unlock", map[string]any{"password": wrongPassword}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password = %d, want 401", rec.Code)
	}
	if got := decode[errorResponse](t, rec).Error; got != "incorrect credentials" {
		t.Errorf("error = %q, want generic message", got)
	}

	rec = ts.do(t, "POST", "/api/unlock", map[string]any{"password": testPassword}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unlock = %d: %s", rec.Code, rec.Body)
	}
	cookie := sessionCookie(t, rec)
	if !cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie flags = HttpOnly %v Secure %v SameSite %v", cookie.HttpOnly, cookie.Secure, cookie.SameSite)
	}
	token := cookie.Value

	status = decode[statusResponse](t, ts.do(t, "GET", "/api/status", nil, token))
	if status.State != "unlocked" || !status.Authenticated || status.ExpiresAt == nil {
		t.Errorf("status after unlock = %+v", status)
	}

	if rec := ts.do(t, "POST", "/api/lock", nil, token); rec.Code != http.StatusNoContent {
		t.Fatalf("lock = %d", rec.Code)
	}
	if rec := ts.do(t, "GET", "/api/records/expense", nil, token); rec.Code != http.StatusUnauthorized {
		t.Errorf("records after lock = %d, want 401", rec.Code)
	}
}

func TestUnlockLockout(t *testing.T) {
	ts := newTestServer(t)
	ts.setup(t)

	for i := 1; i <= 4; i++ {
		rec := ts.do(t, "POST", "/api/unlock", map[string]any{"password": wrongPassword}, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d, want 401", i, rec.Code)
		}
	}

	rec := ts.do(t, "POST", "/api/unlock", map[string]any{"password": wrongPassword}, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("5th attempt = %d, want 429", rec.Code)
	}
	if secs, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || secs <= 0 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// The correct password is refused during the lockout.
	rec = ts.do(t, "POST", "/api/unlock", map[string]any{"password": testPassword}, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("correct password during lockout = %d, want 429", rec.Code)
	}
}

func TestRecordsAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.setup(t)
	token := ts.unlock(t)

	rec := ts.do(t, "POST", "/api/records/expense", map[string]any{
		"data": map[string]any{"amount": "12.50", "vendor": "Stationery"},
	}, token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	created := decode[recordView](t, rec)
	if created.ID == "" || created.Kind != "expense" {
		t.Fatalf("created = %+v", created)
	}

	rec = ts.do(t, "PUT", "/api/records/expense/"+created.ID, map[string]any{
		"data": map[string]any{"amount": "13.00"},
	}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body)
	}

	got := decode[recordView](t, ts.do(t, "GET", "/api/records/expense/"+created.ID, nil, token))
	if !strings.Contains(string(got.Data), `"13.00"`) {
		t.Errorf("data = %s", got.Data)
	}

	list := decode[[]recordView](t, ts.do(t, "GET", "/api/records/expense", nil, token))
	if len(list) != 1 {
		t.Errorf("list = %d records, want 1", len(list))
	}

	if rec := ts.do(t, "GET", "/api/records/Bad-Kind", nil, token); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid kind = %d, want 400", rec.Code)
	}
	if rec := ts.do(t, "DELETE", "/api/records/expense/"+created.ID, nil, token); rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := ts.do(t, "GET", "/api/records/expense/"+created.ID, nil, token); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d, want 404", rec.Code)
	}
}

func TestDocumentsAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.setup(t)
	token := ts.unlock(t)

	pdf := []byte("%PDF-1.7 receipt")
	if rec := ts.do(t, "PUT", "/api/documents/2026/receipt.pdf", pdf, token); rec.Code != http.StatusNoContent {
		t.Fatalf("put = %d: %s", rec.Code, rec.Body)
	}

	rec := ts.do(t, "GET", "/api/documents/2026/receipt.pdf", nil, token)
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), pdf) {
		t.Fatalf("get = %d %q", rec.Code, rec.Body.Bytes())
	}

	list := decode[map[string][]string](t, ts.do(t, "GET", "/api/documents", nil, token))
	if len(list["documents"]) != 1 || list["documents"][0] != "2026/receipt.pdf" {
		t.Errorf("documents = %v", list)
	}
}

func TestChangePasswordEndsSession(t *testing.T) {
	ts := newTestServer(t)
	ts.setup(t)
	token := ts.unlock(t)

	rec := ts.do(t, "POST", "/api/password", map[string]any{
		"old_password": testPassword,
		"new_password": "staple-battery-horse",
	}, token)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("change password = %d: %s", rec.Code, rec.Body)
	}
	if sessionCookie(t, rec).MaxAge >= 0 {
		t.Error("session cookie not cleared")
	}
	if ts.sessions.IsAuthenticated(token) {
		t.Error("old token still authenticated")
	}

	rec = ts.do(t, "POST", "/api/unlock", map[string]any{"password": "staple-battery-horse"}, "")
	if rec.Code != http.StatusOK {
		t.Errorf("unlock with new password = %d", rec.Code)
	}
}

func TestRecoveryResetAndRotate(t *testing.T) {
	ts := newTestServer(t)
	key := ts.setup(t)

	rec := ts.do(t, "POST", "/api/recovery/reset", map[string]any{
		"recovery_key": key,
		"new_password": "a-brand-new-password",
	}, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("recovery reset = %d: %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, "POST", "/api/unlock", map[string]any{"password": "a-brand-new-password"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unlock after reset = %d", rec.Code)
	}
	token := sessionCookie(t, rec).Value

	rec = ts.do(t, "POST", "/api/recovery/rotate", map[string]any{"password": "a-brand-new-password"}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate = %d: %s", rec.Code, rec.Body)
	}
	if fresh := decode[setupResponse](t, rec).RecoveryKey; fresh == key {
		t.Error("rotate returned the old recovery key")
	}

	rec = ts.do(t, "POST", "/api/unlock/recovery", map[string]any{"recovery_key": key}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unlock with rotated-out key = %d, want 401", rec.Code)
	}
}

func TestSettingsAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.setup(t)
	token := ts.unlock(t)

	rec := ts.do(t, "PUT", "/api/settings", map[string]any{"lock_timeout_minutes": 30, "default_tax_year": 2025}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("put settings = %d: %s", rec.Code, rec.Body)
	}
	if got := ts.sessions.LockTimeout(); got != 30*time.Minute {
		t.Errorf("LockTimeout = %v, want 30m", got)
	}

	loaded, err := config.Load(ts.root)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if loaded.LockTimeoutMinutes != 30 || loaded.DefaultTaxYear != 2025 {
		t.Errorf("saved settings = %d/%d", loaded.LockTimeoutMinutes, loaded.DefaultTaxYear)
	}

	rec = ts.do(t, "PUT", "/api/settings", map[string]any{"lock_timeout_minutes": 7}, token)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid timeout = %d, want 400", rec.Code)
	}

	view := decode[settingsView](t, ts.do(t, "GET", "/api/settings", nil, token))
	if view.LockTimeoutMinutes != 30 {
		t.Errorf("GET settings = %+v", view)
	}
}

func TestPutSettingsConcurrentAndEnvFree(t *testing.T) {
	t.Setenv("RECORDVAULT_SERVER__ADDR", "127.0.0.1:9999")
	ts := newTestServer(t)
	ts.setup(t)
	token := ts.unlock(t)

	bodies := []map[string]any{
		{"lock_timeout_minutes": 60},
		{"default_tax_year": 2024},
	}
	codes := make([]int, len(bodies))
	var wg sync.WaitGroup
	for i, body := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = ts.do(t, "PUT", "/api/settings", body, token).Code
		}()
	}
	wg.Wait()
	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("PUT %v = %d", bodies[i], code)
		}
	}

	loaded, err := config.Load(ts.root)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LockTimeoutMinutes != 60 || loaded.DefaultTaxYear != 2024 {
		t.Errorf("lost update: %d/%d", loaded.LockTimeoutMinutes, loaded.DefaultTaxYear)
	}
	data, err := os.ReadFile(config.Path(ts.root))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "9999") {
		t.Errorf("environment override written to settings.yaml:\n%s", data)
	}
}

func TestBackupValidateEmpty(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/backup/validate", []byte{}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("validate = %d", rec.Code)
	}
	result := decode[backup.ValidationResult](t, rec)
	if result.Valid || len(result.Errors) != 1 || result.Errors[0] != "archive is empty" {
		t.Errorf("result = %+v", result)
	}
}

func TestBackupAndRestore(t *testing.T) {
	src := newTestServer(t)
	src.setup(t)
	token := src.unlock(t)

	if rec := src.do(t, "POST", "/api/backup", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("backup without session = %d, want 401", rec.Code)
	}
	rec := src.do(t, "POST", "/api/records/income", map[string]any{"data": map[string]any{"amount": "100"}}, token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create record = %d", rec.Code)
	}
	rec = src.do(t, "POST", "/api/backup", nil, token)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("backup = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	archive := rec.Body.Bytes()

	// An initialized vault needs a session to be replaced.
	if rec := src.do(t, "POST", "/api/restore", archive, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("restore without session = %d, want 401", rec.Code)
	}

	// A fresh installation accepts a restore without one.
	dst := newTestServer(t)
	rec = dst.do(t, "POST", "/api/restore", archive, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("restore into empty = %d: %s", rec.Code, rec.Body)
	}
	dstToken := dst.unlock(t)
	list := decode[[]recordView](t, dst.do(t, "GET", "/api/records/income", nil, dstToken))
	if len(list) != 1 {
		t.Errorf("restored records = %d, want 1", len(list))
	}

	// Restoring over a live vault ends its session.
	rec = src.do(t, "POST", "/api/restore", archive, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("restore with session = %d: %s", rec.Code, rec.Body)
	}
	if src.sessions.IsAuthenticated(token) {
		t.Error("session survived restore")
	}
}

func TestRestoreRejectsInvalidArchive(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/restore", []byte("not a zip"), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("restore garbage = %d, want 400", rec.Code)
	}
	resp := decode[errorResponse](t, rec)
	if resp.Validation == nil || len(resp.Validation.Errors) == 0 {
		t.Errorf("response = %+v, want validation errors", resp)
	}
}

func TestPerClientRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.limiter = newMultiLimiter(1, 2, clientTTL)

	send := func(remote, xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		ts.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send("198.51.100.7:4000", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := send("198.51.100.7:4000", "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("third request = %d Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	// A forged header does not buy a fresh bucket.
	if rec := send("198.51.100.7:4001", "203.0.113.50"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("rotated X-Forwarded-For = %d, want 429", rec.Code)
	}
	if rec := send("203.0.113.9:4000", ""); rec.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", rec.Code)
	}
}

func TestPerClientRateLimitBehindTrustedProxy(t *testing.T) {
	ts := newTestServer(t)
	ts.limiter = newMultiLimiter(1, 1, clientTTL)
	st := *ts.Settings()
	st.Server.TrustedProxy = true
	if err := ts.ApplySettings(&st); err != nil {
		t.Fatal(err)
	}

	send := func(xff string) int {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.RemoteAddr = "127.0.0.1:8080"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		ts.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("198.51.100.7"); code != http.StatusOK {
		t.Fatalf("first client = %d", code)
	}
	if code := send("203.0.113.9"); code != http.StatusOK {
		t.Errorf("second client behind the proxy = %d, want 200", code)
	}
	if code := send("198.51.100.7"); code != http.StatusTooManyRequests {
		t.Errorf("repeat client = %d, want 429", code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		xff, remote string
		trust       bool
		want        string
	}{
		{"", "192.0.2.1:5000", false, "192.0.2.1"},
		{"203.0.113.5, 10.0.0.1", "192.0.2.1:5000", false, "192.0.2.1"},
		{"203.0.113.5, 10.0.0.1", "192.0.2.1:5000", true, "203.0.113.5"},
		{"", "192.0.2.1:5000", true, "192.0.2.1"},
		{"", "pipe", false, "pipe"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remote
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := getClientIP(req, tt.trust); got != tt.want {
			t.Errorf("getClientIP(%q, %q, %v) = %q, want %q", tt.xff, tt.remote, tt.trust, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	ts := newTestServer(t, WithMetrics(m.Handler()))
	m.UnlockAttempt("success")

	rec := ts.do(t, "GET", "/metrics", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "recordvault_unlock_attempts_total") {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestInfoNeverLeaksSecrets(t *testing.T) {
	ts := newTestServer(t)
	ts.setup(t)

	body := ts.do(t, "GET", "/api/info", nil, "").Body.String()
	for _, field := range []string{"wrapped_data_key", "salt", "nonce"} {
		if strings.Contains(body, field) {
			t.Errorf("info contains %q: %s", field, body)
		}
	}
	if !strings.Contains(body, "AES-256-GCM") {
		t.Errorf("info = %s, want cipher name", body)
	}
}
