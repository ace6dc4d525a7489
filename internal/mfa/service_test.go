package mfa

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"pesatrack.app/internal/vault"
)

const testKey = "3132333435363738393031323334353637383930313233343536373839303132"

type memStore struct {
	methods  map[string]Method
	attempts []Attempt
	sessions map[string]Session // keyed by token
}

func newMemStore() *memStore {
	return &memStore{methods: map[string]Method{}, sessions: map[string]Session{}}
}

func (m *memStore) CreateMethod(_ context.Context, method Method) (Method, error) {
	m.methods[method.ID] = method
	return method, nil
}

func (m *memStore) GetMethod(_ context.Context, methodID string) (Method, error) {
	method, ok := m.methods[methodID]
	if !ok {
		return Method{}, ErrNotFound
	}
	return method, nil
}

func (m *memStore) TOTPMethod(_ context.Context, userID string, verifiedOnly bool) (Method, error) {
	for _, method := range m.methods {
		if method.UserID == userID && method.MethodType == MethodTOTP && method.IsActive {
			if verifiedOnly && !method.IsVerified {
				continue
			}
			return method, nil
		}
	}
	return Method{}, ErrNotFound
}

func (m *memStore) ListMethods(_ context.Context, userID string) ([]Method, error) {
	var out []Method
	for _, method := range m.methods {
		if method.UserID == userID && method.IsActive {
			out = append(out, method)
		}
	}
	return out, nil
}

func (m *memStore) MarkMethodVerified(_ context.Context, methodID string) error {
	method, ok := m.methods[methodID]
	if !ok {
		return ErrNotFound
	}
	method.IsVerified = true
	m.methods[methodID] = method
	return nil
}

func (m *memStore) RecordMethodUse(_ context.Context, methodID string, usedAt time.Time) error {
	method, ok := m.methods[methodID]
	if !ok {
		return ErrNotFound
	}
	method.LastUsed = &usedAt
	method.UseCount++
	m.methods[methodID] = method
	return nil
}

func (m *memStore) ReplaceBackupCodes(_ context.Context, methodID, prev, next string) error {
	method, ok := m.methods[methodID]
	if !ok {
		return ErrNotFound
	}
	if method.BackupCodes != prev {
		return ErrConflict
	}
	method.BackupCodes = next
	m.methods[methodID] = method
	return nil
}

func (m *memStore) DisableMethod(_ context.Context, methodID, userID string) error {
	method, ok := m.methods[methodID]
	if !ok || method.UserID != userID {
		return ErrNotFound
	}
	method.IsActive = false
	m.methods[methodID] = method
	return nil
}

func (m *memStore) CountVerifiedMethods(_ context.Context, userID string) (int, error) {
	n := 0
	for _, method := range m.methods {
		if method.UserID == userID && method.IsActive && method.IsVerified {
			n++
		}
	}
	return n, nil
}

func (m *memStore) AppendAttempt(_ context.Context, a Attempt) error {
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memStore) CreateSession(_ context.Context, s Session) error {
	m.sessions[s.Token] = s
	return nil
}

func (m *memStore) GetSessionByToken(_ context.Context, token string) (Session, error) {
	s, ok := m.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) CompleteSession(_ context.Context, token string, now time.Time) error {
	s, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	if !s.Valid(now) {
		return ErrConflict
	}
	s.IsVerified = true
	s.VerifiedAt = &now
	m.sessions[token] = s
	return nil
}

func newTestService(t *testing.T, store *memStore, now func() time.Time) *Service {
	t.Helper()
	v, err := vault.New(testKey)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	opts := []Option{WithIssuer("PesaTrack")}
	if now != nil {
		opts = append(opts, WithClock(now))
	}
	svc, err := NewService(store, v, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

func enroll(t *testing.T, svc *Service, store *memStore, userID string) *Enrollment {
	t.Helper()
	enr, err := svc.SetupTOTP(context.Background(), userID, userID+"@example.com", "")
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	if err := store.MarkMethodVerified(context.Background(), enr.MethodID); err != nil {
		t.Fatalf("MarkMethodVerified: %v", err)
	}
	return enr
}

func TestSetupTOTP(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, nil)

	enr, err := svc.SetupTOTP(context.Background(), "user-1", "jane@example.com", "")
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	if enr.Secret == "" {
		t.Fatal("expected plaintext secret in enrollment")
	}
	if !strings.HasPrefix(enr.QRCode, "data:image/png;base64,") {
		t.Fatalf("unexpected qr code prefix: %.40s", enr.QRCode)
	}
	if !strings.Contains(enr.ProvisioningURI, "issuer=PesaTrack") {
		t.Fatalf("provisioning uri missing issuer: %s", enr.ProvisioningURI)
	}
	if !strings.Contains(enr.ProvisioningURI, "jane%40example.com") &&
		!strings.Contains(enr.ProvisioningURI, "jane@example.com") {
		t.Fatalf("provisioning uri missing account: %s", enr.ProvisioningURI)
	}
	if len(enr.BackupCodes) != 10 {
		t.Fatalf("expected 10 backup codes, got %d", len(enr.BackupCodes))
	}

	method := store.methods[enr.MethodID]
	if method.IsVerified {
		t.Fatal("new method must start unverified")
	}
	if method.Secret == enr.Secret {
		t.Fatal("stored secret must be encrypted")
	}
	if strings.Contains(method.BackupCodes, enr.BackupCodes[0]) {
		t.Fatal("stored backup codes must be encrypted")
	}
}

func TestVerifyTOTPSetupMarksVerified(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, store, func() time.Time { return now })

	enr, err := svc.SetupTOTP(context.Background(), "user-1", "jane@example.com", "")
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}

	if svc.VerifyTOTPSetup(context.Background(), enr.MethodID, "000000", Attempt{}) {
		t.Fatal("wrong code must not verify setup")
	}
	if store.methods[enr.MethodID].IsVerified {
		t.Fatal("method must stay unverified after bad code")
	}

	if !svc.VerifyTOTPSetup(context.Background(), enr.MethodID, codeAt(t, enr.Secret, now), Attempt{}) {
		t.Fatal("valid code must verify setup")
	}
	if !store.methods[enr.MethodID].IsVerified {
		t.Fatal("method must be verified after good code")
	}
}

func TestVerifyTOTPWindow(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 15, 0, time.UTC)
	svc := newTestService(t, store, func() time.Time { return now })
	enr := enroll(t, svc, store, "user-1")
	ctx := context.Background()

	if !svc.VerifyTOTP(ctx, "user-1", codeAt(t, enr.Secret, now), Attempt{}) {
		t.Fatal("current period code must verify")
	}
	if !svc.VerifyTOTP(ctx, "user-1", codeAt(t, enr.Secret, now.Add(-30*time.Second)), Attempt{}) {
		t.Fatal("previous period code must verify within skew")
	}
	if !svc.VerifyTOTP(ctx, "user-1", codeAt(t, enr.Secret, now.Add(30*time.Second)), Attempt{}) {
		t.Fatal("next period code must verify within skew")
	}
	if svc.VerifyTOTP(ctx, "user-1", codeAt(t, enr.Secret, now.Add(-90*time.Second)), Attempt{}) {
		t.Fatal("code three periods old must be rejected")
	}
}

func TestVerifyTOTPRequiresVerifiedMethod(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, store, func() time.Time { return now })

	enr, err := svc.SetupTOTP(context.Background(), "user-1", "jane@example.com", "")
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	// Method exists but setup was never confirmed.
	if svc.VerifyTOTP(context.Background(), "user-1", codeAt(t, enr.Secret, now), Attempt{}) {
		t.Fatal("unverified method must not authenticate")
	}
}

func TestVerifyBackupCodeIsSingleUse(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, nil)
	enr := enroll(t, svc, store, "user-1")
	ctx := context.Background()

	code := enr.BackupCodes[3]
	if !svc.VerifyBackupCode(ctx, "user-1", code, Attempt{}) {
		t.Fatal("fresh backup code must verify")
	}
	if svc.VerifyBackupCode(ctx, "user-1", code, Attempt{}) {
		t.Fatal("redeemed backup code must be rejected")
	}

	infos, err := svc.Methods(ctx, "user-1")
	if err != nil {
		t.Fatalf("Methods: %v", err)
	}
	if len(infos) != 1 || infos[0].BackupCodesRemaining != 9 {
		t.Fatalf("expected 9 codes remaining, got %+v", infos)
	}
}

func TestVerifyBackupCodeIsCaseInsensitive(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, nil)
	enr := enroll(t, svc, store, "user-1")

	if !svc.VerifyBackupCode(context.Background(), "user-1", strings.ToLower(enr.BackupCodes[0]), Attempt{}) {
		t.Fatal("lowercase backup code must verify")
	}
}

func TestAttemptsAreHashed(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, store, func() time.Time { return now })
	enr := enroll(t, svc, store, "user-1")

	code := codeAt(t, enr.Secret, now)
	svc.VerifyTOTP(context.Background(), "user-1", code, Attempt{IPAddress: "203.0.113.9"})

	if len(store.attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(store.attempts))
	}
	got := store.attempts[0]
	if got.CodeHash == code {
		t.Fatal("attempt must not store plaintext code")
	}
	if got.CodeHash != vault.HashWithSalt(code, "mfa_attempt") {
		t.Fatal("attempt hash mismatch")
	}
	if got.IPAddress != "203.0.113.9" {
		t.Fatalf("attempt lost request context: %+v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc := newTestService(t, store, func() time.Time { return *clock })
	ctx := context.Background()

	token, err := svc.CreateSession(ctx, "user-1", ChallengeLogin, "203.0.113.9", "test-agent")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess, err := svc.VerifySession(ctx, token)
	if err != nil {
		t.Fatalf("VerifySession: %v", err)
	}
	if sess.UserID != "user-1" || sess.ChallengeType != ChallengeLogin {
		t.Fatalf("unexpected session: %+v", sess)
	}

	if err := svc.CompleteSession(ctx, token); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if err := svc.CompleteSession(ctx, token); err == nil {
		t.Fatal("session must be single use")
	}
	if _, err := svc.VerifySession(ctx, token); err == nil {
		t.Fatal("completed session must not verify")
	}
}

func TestSessionExpiresAfterFiveMinutes(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc := newTestService(t, store, func() time.Time { return *clock })
	ctx := context.Background()

	token, err := svc.CreateSession(ctx, "user-1", "", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	later := now.Add(5*time.Minute + time.Second)
	clock = &later
	if _, err := svc.VerifySession(ctx, token); err == nil {
		t.Fatal("expired session must not verify")
	}
	if err := svc.CompleteSession(ctx, token); err == nil {
		t.Fatal("expired session must not complete")
	}
}

func TestCreateSessionRejectsUnknownChallenge(t *testing.T) {
	svc := newTestService(t, newMemStore(), nil)
	if _, err := svc.CreateSession(context.Background(), "user-1", "sudo", "", ""); err == nil {
		t.Fatal("expected error for unknown challenge type")
	}
}

func TestUserHasMFA(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	if svc.UserHasMFA(ctx, "user-1") {
		t.Fatal("user without methods must report no MFA")
	}

	enr, err := svc.SetupTOTP(ctx, "user-1", "jane@example.com", "")
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	if svc.UserHasMFA(ctx, "user-1") {
		t.Fatal("unverified method must not count")
	}

	if err := store.MarkMethodVerified(ctx, enr.MethodID); err != nil {
		t.Fatalf("MarkMethodVerified: %v", err)
	}
	if !svc.UserHasMFA(ctx, "user-1") {
		t.Fatal("verified method must count")
	}

	if err := svc.DisableMethod(ctx, enr.MethodID, "user-1"); err != nil {
		t.Fatalf("DisableMethod: %v", err)
	}
	if svc.UserHasMFA(ctx, "user-1") {
		t.Fatal("disabled method must not count")
	}
}

func TestDisableMethodGuardsOwner(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, nil)
	enr := enroll(t, svc, store, "user-1")

	if err := svc.DisableMethod(context.Background(), enr.MethodID, "user-2"); err == nil {
		t.Fatal("other user must not disable the method")
	}
}

func TestRegenerateBackupCodes(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, nil)
	enr := enroll(t, svc, store, "user-1")
	ctx := context.Background()

	codes, err := svc.RegenerateBackupCodes(ctx, "user-1")
	if err != nil {
		t.Fatalf("RegenerateBackupCodes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}

	// Old codes are invalidated.
	if svc.VerifyBackupCode(ctx, "user-1", enr.BackupCodes[0], Attempt{}) {
		t.Fatal("old backup code must be rejected after regeneration")
	}
	if !svc.VerifyBackupCode(ctx, "user-1", codes[0], Attempt{}) {
		t.Fatal("new backup code must verify")
	}
}
