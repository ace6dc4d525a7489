package mfa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"

	"pesatrack.app/internal/ids"
	"pesatrack.app/internal/obs"
	"pesatrack.app/internal/vault"
)

const (
	defaultIssuer     = "PesaTrack"
	sessionTTL        = 5 * time.Minute
	backupCodeCount   = 10
	attemptSalt       = "mfa_attempt"
	qrImageSize       = 256
	totpPeriodSeconds = 30
)

// Service manages second-factor enrollment, verification and challenge
// sessions. TOTP secrets and backup codes are encrypted at rest through the
// vault; verification accepts one period of clock skew in either direction.
type Service struct {
	store  Store
	vault  *vault.Vault
	issuer string
	now    func() time.Time
}

type Option func(*Service)

// WithIssuer sets the issuer shown in authenticator apps.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithClock overrides the time source. Test use only.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(store Store, v *vault.Vault, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("mfa store is required")
	}
	if v == nil {
		return nil, fmt.Errorf("mfa vault is required")
	}
	s := &Service{store: store, vault: v, issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetupTOTP enrolls a new unverified TOTP method for the user and returns
// the one-time enrollment payload: shared secret, provisioning QR code and
// backup codes. The method stays unusable for login until the user confirms
// a code through VerifyTOTPSetup.
func (s *Service) SetupTOTP(ctx context.Context, userID, email, methodName string) (*Enrollment, error) {
	userID = strings.TrimSpace(userID)
	email = strings.TrimSpace(email)
	if userID == "" || email == "" {
		return nil, fmt.Errorf("%w: user_id and email are required", ErrInvalidInput)
	}
	if methodName = strings.TrimSpace(methodName); methodName == "" {
		methodName = "Authenticator App"
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: email,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}

	backupCodes, err := vault.GenerateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}

	encryptedSecret, err := s.vault.Encrypt(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("encrypt totp secret: %w", err)
	}
	codesJSON, err := json.Marshal(backupCodes)
	if err != nil {
		return nil, fmt.Errorf("marshal backup codes: %w", err)
	}
	encryptedCodes, err := s.vault.Encrypt(string(codesJSON))
	if err != nil {
		return nil, fmt.Errorf("encrypt backup codes: %w", err)
	}

	method, err := s.store.CreateMethod(ctx, Method{
		ID:          ids.New(),
		UserID:      userID,
		MethodType:  MethodTOTP,
		MethodName:  methodName,
		Secret:      encryptedSecret,
		BackupCodes: encryptedCodes,
		IsActive:    true,
		IsVerified:  false,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	return &Enrollment{
		MethodID:        method.ID,
		Secret:          key.Secret(),
		QRCode:          "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		BackupCodes:     backupCodes,
		ProvisioningURI: key.URL(),
	}, nil
}

// VerifyTOTPSetup confirms a pending enrollment with a live code and marks
// the method verified on success.
func (s *Service) VerifyTOTPSetup(ctx context.Context, methodID, code string, req Attempt) bool {
	method, err := s.store.GetMethod(ctx, methodID)
	if err != nil || method.MethodType != MethodTOTP || !method.IsActive {
		return false
	}

	ok := s.validateCode(method, code)
	if ok {
		if err := s.store.MarkMethodVerified(ctx, method.ID); err != nil {
			s.logError("mfa_verify_setup_failed", err)
			return false
		}
	}
	s.logAttempt(ctx, method.UserID, method.ID, MethodTOTP, ok, code, req)
	return ok
}

// VerifyTOTP checks an authentication code against the user's verified TOTP
// method.
func (s *Service) VerifyTOTP(ctx context.Context, userID, code string, req Attempt) bool {
	method, err := s.store.TOTPMethod(ctx, userID, true)
	if err != nil {
		return false
	}

	ok := s.validateCode(method, code)
	if ok {
		if err := s.store.RecordMethodUse(ctx, method.ID, s.now().UTC()); err != nil {
			s.logError("mfa_record_use_failed", err)
		}
	}
	s.logAttempt(ctx, userID, method.ID, MethodTOTP, ok, code, req)
	return ok
}

func (s *Service) validateCode(method Method, code string) bool {
	secret, err := s.vault.Decrypt(method.Secret)
	if err != nil || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, s.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriodSeconds,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// VerifyBackupCode redeems a single-use backup code. A redeemed code is
// removed from the stored set with a compare-and-swap so concurrent
// redemptions of the same code cannot both succeed.
func (s *Service) VerifyBackupCode(ctx context.Context, userID, code string, req Attempt) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false
	}

	for attempt := 0; attempt < 3; attempt++ {
		method, err := s.store.TOTPMethod(ctx, userID, true)
		if err != nil || method.BackupCodes == "" {
			return false
		}

		codesJSON, err := s.vault.Decrypt(method.BackupCodes)
		if err != nil || codesJSON == "" {
			return false
		}
		var codes []string
		if err := json.Unmarshal([]byte(codesJSON), &codes); err != nil {
			return false
		}

		idx := -1
		for i, c := range codes {
			if c == code {
				idx = i
				break
			}
		}
		if idx < 0 {
			s.logAttempt(ctx, userID, method.ID, MethodBackupCode, false, code, req)
			return false
		}

		remaining := append(append([]string{}, codes[:idx]...), codes[idx+1:]...)
		nextJSON, err := json.Marshal(remaining)
		if err != nil {
			return false
		}
		next, err := s.vault.Encrypt(string(nextJSON))
		if err != nil {
			return false
		}

		err = s.store.ReplaceBackupCodes(ctx, method.ID, method.BackupCodes, next)
		if errors.Is(err, ErrConflict) {
			continue // raced with another redemption, re-read and retry
		}
		if err != nil {
			s.logError("mfa_backup_code_update_failed", err)
			return false
		}

		if err := s.store.RecordMethodUse(ctx, method.ID, s.now().UTC()); err != nil {
			s.logError("mfa_record_use_failed", err)
		}
		s.logAttempt(ctx, userID, method.ID, MethodBackupCode, true, code, req)
		return true
	}
	return false
}

// RegenerateBackupCodes replaces the user's backup codes with a fresh set
// and returns the new plaintext codes.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	method, err := s.store.TOTPMethod(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	codes, err := vault.GenerateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}
	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return nil, fmt.Errorf("marshal backup codes: %w", err)
	}
	encrypted, err := s.vault.Encrypt(string(codesJSON))
	if err != nil {
		return nil, fmt.Errorf("encrypt backup codes: %w", err)
	}
	if err := s.store.ReplaceBackupCodes(ctx, method.ID, method.BackupCodes, encrypted); err != nil {
		return nil, err
	}
	return codes, nil
}

// Methods returns the user's active methods in their redacted client view.
func (s *Service) Methods(ctx context.Context, userID string) ([]MethodInfo, error) {
	methods, err := s.store.ListMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]MethodInfo, 0, len(methods))
	for _, m := range methods {
		info := MethodInfo{
			ID:         m.ID,
			MethodType: m.MethodType,
			MethodName: m.MethodName,
			IsVerified: m.IsVerified,
			LastUsed:   m.LastUsed,
			UseCount:   m.UseCount,
			CreatedAt:  m.CreatedAt,
		}
		if m.MethodType == MethodTOTP && m.BackupCodes != "" {
			if codesJSON, err := s.vault.Decrypt(m.BackupCodes); err == nil && codesJSON != "" {
				var codes []string
				if json.Unmarshal([]byte(codesJSON), &codes) == nil {
					info.BackupCodesRemaining = len(codes)
				}
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// DisableMethod deactivates a method. The userID guard stops one user from
// disabling another user's factor.
func (s *Service) DisableMethod(ctx context.Context, methodID, userID string) error {
	methodID = strings.TrimSpace(methodID)
	userID = strings.TrimSpace(userID)
	if methodID == "" || userID == "" {
		return fmt.Errorf("%w: method_id and user_id are required", ErrInvalidInput)
	}
	return s.store.DisableMethod(ctx, methodID, userID)
}

// CreateSession issues a five-minute single-use challenge session and
// returns its opaque token.
func (s *Service) CreateSession(ctx context.Context, userID, challengeType, ipAddress, userAgent string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	switch challengeType {
	case ChallengeLogin, ChallengeSensitiveOperation:
	case "":
		challengeType = ChallengeLogin
	default:
		return "", fmt.Errorf("%w: unsupported challenge type %s", ErrInvalidInput, challengeType)
	}

	token, err := vault.NewToken(32)
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	now := s.now().UTC()
	err = s.store.CreateSession(ctx, Session{
		ID:            ids.New(),
		UserID:        userID,
		Token:         token,
		ChallengeType: challengeType,
		ExpiresAt:     now.Add(sessionTTL),
		IPAddress:     ipAddress,
		UserAgent:     userAgent,
		CreatedAt:     now,
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// VerifySession returns the session for a token if it is still valid.
func (s *Service) VerifySession(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, fmt.Errorf("%w: session token is required", ErrInvalidInput)
	}
	sess, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if !sess.Valid(s.now().UTC()) {
		return Session{}, fmt.Errorf("%w: session expired or already used", ErrConflict)
	}
	return sess, nil
}

// CompleteSession consumes a challenge session. Completion is conditional
// in the store, so a token can be spent at most once.
func (s *Service) CompleteSession(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: session token is required", ErrInvalidInput)
	}
	return s.store.CompleteSession(ctx, token, s.now().UTC())
}

// UserHasMFA reports whether the user has at least one active verified
// method. Errors count as no MFA so login falls back to password-only
// rather than locking the user out.
func (s *Service) UserHasMFA(ctx context.Context, userID string) bool {
	count, err := s.store.CountVerifiedMethods(ctx, userID)
	return err == nil && count > 0
}

func (s *Service) logAttempt(ctx context.Context, userID, methodID, methodType string, success bool, code string, req Attempt) {
	if !success {
		obs.MFAFailure(methodType)
	}
	err := s.store.AppendAttempt(ctx, Attempt{
		ID:         ids.New(),
		UserID:     userID,
		MethodID:   methodID,
		MethodType: methodType,
		CodeHash:   vault.HashWithSalt(code, attemptSalt),
		Success:    success,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		s.logError("mfa_attempt_log_failed", err)
	}
}

func (s *Service) logError(msg string, err error) {
	obs.LogRequest(map[string]any{
		"ts":    s.now().UTC().Format(time.RFC3339Nano),
		"level": "error",
		"msg":   msg,
		"error": err.Error(),
	})
}
