package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"pesatrack.app/internal/audit"
	"pesatrack.app/internal/auth"
	"pesatrack.app/internal/mfa"
	"pesatrack.app/internal/rbac"
	"pesatrack.app/internal/store/mem"
	"pesatrack.app/internal/vault"
)

const (
	testEncryptionKey = "3132333435363738393031323132333435363738393031323132333435363738"
	testJWTSecret     = "0123456789abcdef0123456789abcdef"
)

type testEnv struct {
	handler http.Handler
	store   *mem.Store
	rbac    *rbac.Service
	mfa     *mfa.Service
	auth    *auth.Service
	audits  *audit.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := mem.New()
	v, err := vault.New(testEncryptionKey)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	audits := audit.NewService(store)
	rbacSvc, err := rbac.NewService(store)
	if err != nil {
		t.Fatalf("rbac.NewService: %v", err)
	}
	if err := rbacSvc.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	mfaSvc, err := mfa.NewService(store, v)
	if err != nil {
		t.Fatalf("mfa.NewService: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(testJWTSecret, "pesatrack")
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	authSvc, err := auth.NewService(store, mfaSvc, rbacSvc, audits, tokens)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}

	limiter := NewRateLimiter(NewMemoryWindow(), audits)
	api := New(ReadyProbe{}, authSvc, rbacSvc, mfaSvc, audits, limiter, Options{Version: "test"})
	return &testEnv{
		handler: api.Handler(),
		store:   store,
		rbac:    rbacSvc,
		mfa:     mfaSvc,
		auth:    authSvc,
		audits:  audits,
	}
}

// do sends a JSON request through the full middleware chain. The ip is set
// as X-Forwarded-For so tests do not share rate limit buckets.
func (e *testEnv) do(t *testing.T, method, path string, body any, token, ip string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

// register creates an account over HTTP and returns the access token.
func (e *testEnv) register(t *testing.T, email, ip string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/auth/register", map[string]any{
		"email":      email,
		"password":   "hunter2hunter2",
		"first_name": "Jane",
		"last_name":  "Wanjiku",
	}, "", ip)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatal("register returned no access token")
	}
	return token
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil, "", "10.0.0.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["service"] != "pesatrack-api" {
		t.Fatalf("unexpected service name: %v", body["service"])
	}

	rec = env.do(t, http.MethodGet, "/v1/info", nil, "", "10.0.0.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("info: status %d", rec.Code)
	}
}

func TestRegisterAndProfile(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "jane@example.com", "10.0.1.1")

	rec := env.do(t, http.MethodGet, "/v1/auth/profile", nil, token, "10.0.1.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("profile: status %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["email"] != "jane@example.com" {
		t.Fatalf("unexpected email: %v", body["email"])
	}
	if body["mfa_verified"] != false {
		t.Fatal("fresh registration must not be mfa_verified")
	}
	roles, _ := body["roles"].([]any)
	if len(roles) != 1 || roles[0] != "user" {
		t.Fatalf("expected default user role, got %v", body["roles"])
	}
}

func TestProfileRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/auth/profile", nil, "", "10.0.2.1")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatal("missing WWW-Authenticate header")
	}

	rec = env.do(t, http.MethodGet, "/v1/auth/profile", nil, "not-a-token", "10.0.2.1")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestLoginFailureRecordsSecurityEvent(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "jane@example.com", "10.0.3.1")

	rec := env.do(t, http.MethodPost, "/v1/auth/login", map[string]any{
		"email":    "jane@example.com",
		"password": "wrong-password",
	}, "", "10.0.3.1")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	found := false
	for _, ev := range env.store.SecurityEventsSnapshot() {
		if ev.EventType == "authentication_failure" {
			found = true
		}
	}
	if !found {
		t.Fatal("authentication_failure event not recorded")
	}
}

func TestMFALoginFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "jane@example.com", "10.0.4.1")

	// Enroll a TOTP method.
	rec := env.do(t, http.MethodPost, "/v1/security/mfa/setup", map[string]any{
		"method_name": "Phone",
	}, token, "10.0.4.1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup: status %d, body %s", rec.Code, rec.Body.String())
	}
	setup := decodeBody(t, rec)
	secret, _ := setup["secret"].(string)
	methodID, _ := setup["method_id"].(string)
	if secret == "" || methodID == "" {
		t.Fatalf("incomplete enrollment payload: %v", setup)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/v1/security/mfa/verify-setup", map[string]any{
		"method_id": methodID,
		"code":      code,
	}, token, "10.0.4.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-setup: status %d, body %s", rec.Code, rec.Body.String())
	}

	// Password alone now yields only a challenge session.
	rec = env.do(t, http.MethodPost, "/v1/auth/login", map[string]any{
		"email":    "jane@example.com",
		"password": "hunter2hunter2",
	}, "", "10.0.4.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d, body %s", rec.Code, rec.Body.String())
	}
	login := decodeBody(t, rec)
	if login["mfa_required"] != true {
		t.Fatal("expected mfa_required challenge")
	}
	if _, hasToken := login["access_token"]; hasToken {
		t.Fatal("challenge response must not carry an access token")
	}
	sessionToken, _ := login["mfa_session_token"].(string)
	if sessionToken == "" {
		t.Fatal("missing mfa_session_token")
	}

	code, err = totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/v1/auth/mfa/complete", map[string]any{
		"mfa_session_token": sessionToken,
		"code":              code,
	}, "", "10.0.4.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("mfa complete: status %d, body %s", rec.Code, rec.Body.String())
	}
	completed := decodeBody(t, rec)
	verifiedToken, _ := completed["access_token"].(string)
	if verifiedToken == "" {
		t.Fatal("mfa completion returned no access token")
	}

	// The verified token passes the MFA gate on sensitive operations.
	rec = env.do(t, http.MethodPost, "/v1/security/mfa/backup-codes", nil, verifiedToken, "10.0.4.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("backup-codes with verified token: status %d, body %s", rec.Code, rec.Body.String())
	}

	// The original password-only token does not.
	rec = env.do(t, http.MethodPost, "/v1/security/mfa/backup-codes", nil, token, "10.0.4.1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("backup-codes without mfa_verified: status %d", rec.Code)
	}

	// Challenge sessions are single use.
	rec = env.do(t, http.MethodPost, "/v1/auth/mfa/complete", map[string]any{
		"mfa_session_token": sessionToken,
		"code":              code,
	}, "", "10.0.4.1")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for reused session, got %d", rec.Code)
	}
}

func TestAdminEndpointsRequirePermission(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "jane@example.com", "10.0.5.1")

	rec := env.do(t, http.MethodGet, "/v1/security/roles", nil, token, "10.0.5.1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain user, got %d", rec.Code)
	}

	denied := false
	for _, e := range env.store.EntriesSnapshot() {
		if e.Action == audit.ActionUnauthorizedAccess && e.Severity == audit.SeverityHigh {
			denied = true
		}
	}
	if !denied {
		t.Fatal("denied admin access not audited")
	}

	// Promote the user to admin and retry.
	user, err := env.auth.UserByEmail(context.Background(), "jane@example.com")
	if err != nil {
		t.Fatalf("UserByEmail: %v", err)
	}
	adminRole, err := env.rbac.RoleByName(context.Background(), "admin")
	if err != nil {
		t.Fatalf("RoleByName: %v", err)
	}
	if err := env.rbac.AssignRoleToUser(context.Background(), user.ID, adminRole.ID, ""); err != nil {
		t.Fatalf("AssignRoleToUser: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/v1/security/roles", nil, token, "10.0.5.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin roles list: status %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	roles, _ := body["roles"].([]any)
	if len(roles) < 4 {
		t.Fatalf("expected at least the four seeded roles, got %d", len(roles))
	}
}

func TestSecurityDashboard(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "admin@example.com", "10.0.6.1")

	user, err := env.auth.UserByEmail(context.Background(), "admin@example.com")
	if err != nil {
		t.Fatalf("UserByEmail: %v", err)
	}
	adminRole, err := env.rbac.RoleByName(context.Background(), "admin")
	if err != nil {
		t.Fatalf("RoleByName: %v", err)
	}
	if err := env.rbac.AssignRoleToUser(context.Background(), user.ID, adminRole.ID, ""); err != nil {
		t.Fatalf("AssignRoleToUser: %v", err)
	}

	// Produce one failed login for the counters.
	env.do(t, http.MethodPost, "/v1/auth/login", map[string]any{
		"email":    "admin@example.com",
		"password": "nope-nope-nope",
	}, "", "10.0.6.1")

	rec := env.do(t, http.MethodGet, "/v1/security/dashboard", nil, token, "10.0.6.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: status %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	stats, _ := body["stats"].(map[string]any)
	if stats == nil {
		t.Fatalf("missing stats block: %v", body)
	}
	if stats["failed_logins_24h"].(float64) < 1 {
		t.Fatalf("expected at least one failed login, got %v", stats["failed_logins_24h"])
	}
	if _, ok := body["endpoint_limits"]; !ok {
		t.Fatal("missing endpoint_limits block")
	}
}

func TestForgotPasswordIsUniform(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "jane@example.com", "10.0.7.1")

	recKnown := env.do(t, http.MethodPost, "/v1/auth/forgot-password", map[string]any{
		"email": "jane@example.com",
	}, "", "10.0.7.1")
	recUnknown := env.do(t, http.MethodPost, "/v1/auth/forgot-password", map[string]any{
		"email": "nobody@example.com",
	}, "", "10.0.7.2")

	if recKnown.Code != http.StatusOK || recUnknown.Code != http.StatusOK {
		t.Fatalf("unexpected statuses: %d, %d", recKnown.Code, recUnknown.Code)
	}
	if recKnown.Body.String() != recUnknown.Body.String() {
		t.Fatal("responses must not reveal whether the address exists")
	}
}

func TestRateLimitedRequestStillScannedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "jane@example.com", "10.0.9.9")

	body := map[string]any{"email": "jane@example.com", "password": "hunter2hunter2"}
	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/v1/auth/login", body, "", "10.0.9.1")
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d rejected within the limit", i+1)
		}
	}

	// The sixth request trips the endpoint limit; the query string carries
	// an injection attempt that only the threat scanner would notice.
	rec := env.do(t, http.MethodPost, "/v1/auth/login?q=union+select+1", body, "", "10.0.9.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	scanned := false
	for _, ev := range env.store.SecurityEventsSnapshot() {
		if ev.EventType == "suspicious_request_pattern" {
			scanned = true
		}
	}
	if !scanned {
		t.Fatal("rate-limited request was not threat-scanned")
	}

	audited := false
	for _, e := range env.store.EntriesSnapshot() {
		if e.Action != audit.ActionLogin || e.Details == nil {
			continue
		}
		if code, ok := e.Details["status_code"].(int); ok && code == http.StatusTooManyRequests {
			audited = true
		}
	}
	if !audited {
		t.Fatal("rate-limited request left no audit entry")
	}
}

func TestMFAGateSkipsNonEnrolledUsers(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "jane@example.com", "10.0.10.1")

	// No factor enrolled: the gate must let the request through to the
	// handler, which then 404s because there is nothing to regenerate.
	rec := env.do(t, http.MethodPost, "/v1/security/mfa/backup-codes", nil, token, "10.0.10.1")
	if rec.Code == http.StatusForbidden {
		t.Fatalf("non-enrolled user blocked by the MFA gate: %s", rec.Body.String())
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestExpiredTokenAuditsLoginFailed(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "jane@example.com", "10.0.11.1")

	backdated, err := auth.NewTokenIssuer(testJWTSecret, "pesatrack",
		auth.WithTokenClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	expired, err := backdated.AccessToken(auth.User{Email: "jane@example.com"}, false, nil)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/v1/auth/profile", nil, expired, "10.0.11.1")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}

	found := false
	for _, e := range env.store.EntriesSnapshot() {
		if e.Action == audit.ActionLoginFailed && e.UserEmail == "jane@example.com" {
			found = true
		}
	}
	if !found {
		t.Fatal("rejected token left no login_failed audit entry")
	}
}

func TestMalformedResourceIDsReturnNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "jane@example.com", "10.0.12.1")

	for _, path := range []string{
		"/v1/security/roles/not-a-ulid",
		"/v1/security/mfa/methods/123",
		"/v1/security/users/u-42/roles",
	} {
		rec := env.do(t, http.MethodGet, path, nil, token, "10.0.12.1")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/auth/login", nil, "", "10.0.8.1")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != "POST" {
		t.Fatalf("unexpected Allow header: %q", rec.Header().Get("Allow"))
	}
}
