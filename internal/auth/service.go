package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pesatrack.app/internal/audit"
	"pesatrack.app/internal/ids"
	"pesatrack.app/internal/mfa"
	"pesatrack.app/internal/rbac"
)

const defaultRoleName = "user"

// forgotPasswordMessage is returned whether or not the address exists, so
// the endpoint cannot be used to probe for accounts.
const forgotPasswordMessage = "If the email exists, a reset link has been sent"

// LoginResult is the outcome of a credential exchange. When MFARequired is
// set the caller holds only a challenge session token and must complete the
// second factor before any access token is issued.
type LoginResult struct {
	AccessToken     string `json:"access_token,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	TokenType       string `json:"token_type,omitempty"`
	MFARequired     bool   `json:"mfa_required,omitempty"`
	MFASessionToken string `json:"mfa_session_token,omitempty"`
	User            *User  `json:"user,omitempty"`
}

// MFAManager is the slice of the MFA service the login flow needs.
type MFAManager interface {
	UserHasMFA(ctx context.Context, userID string) bool
	CreateSession(ctx context.Context, userID, challengeType, ipAddress, userAgent string) (string, error)
	VerifySession(ctx context.Context, token string) (mfa.Session, error)
	CompleteSession(ctx context.Context, token string) error
	VerifyTOTP(ctx context.Context, userID, code string, req mfa.Attempt) bool
	VerifyBackupCode(ctx context.Context, userID, code string, req mfa.Attempt) bool
}

// RoleDirectory is the slice of the RBAC service the login flow needs.
type RoleDirectory interface {
	RoleByName(ctx context.Context, name string) (rbac.Role, error)
	AssignRoleToUser(ctx context.Context, userID, roleID, assignedBy string) error
	UserRoles(ctx context.Context, userID string) ([]rbac.Role, error)
}

// Service implements registration and the two-step login flow.
type Service struct {
	users  UserStore
	mfa    MFAManager
	rbac   RoleDirectory
	audits *audit.Service
	tokens *TokenIssuer
	now    func() time.Time
}

func NewService(users UserStore, mfaSvc MFAManager, rbacSvc RoleDirectory, audits *audit.Service, tokens *TokenIssuer) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if mfaSvc == nil || rbacSvc == nil || audits == nil || tokens == nil {
		return nil, fmt.Errorf("mfa, rbac, audit and token dependencies are required")
	}
	return &Service{
		users:  users,
		mfa:    mfaSvc,
		rbac:   rbacSvc,
		audits: audits,
		tokens: tokens,
		now:    time.Now,
	}, nil
}

// Register creates an account, assigns the default role and signs the new
// user in. New accounts have no second factor yet, so the issued token
// carries mfa_verified=false.
func (s *Service) Register(ctx context.Context, email, password, firstName, lastName string, req audit.RequestContext) (*LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return nil, fmt.Errorf("%w: first and last name are required", ErrInvalidInput)
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: email already registered", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user, err := s.users.CreateUser(ctx, User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    firstName,
		LastName:     lastName,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, err
	}

	if role, err := s.rbac.RoleByName(ctx, defaultRoleName); err == nil {
		if err := s.rbac.AssignRoleToUser(ctx, user.ID, role.ID, ""); err != nil {
			return nil, fmt.Errorf("assign default role: %w", err)
		}
	}

	s.audits.LogAction(ctx, audit.ActionRecord{
		Action:       audit.ActionUserCreated,
		UserID:       user.ID,
		UserEmail:    user.Email,
		ResourceType: "user",
		ResourceID:   user.ID,
		Description:  "User registered",
		Request:      req,
	})

	return s.issueTokens(ctx, user, false)
}

// Login verifies credentials. Users with a verified second factor receive a
// challenge session token instead of credentials; everyone else is signed
// in directly with mfa_verified=false.
func (s *Service) Login(ctx context.Context, email, password string, req audit.RequestContext) (*LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil || !CheckPassword(user.PasswordHash, password) {
		s.audits.LogAuthenticationEvent(ctx, audit.ActionLoginFailed, email, false, req, "", "invalid credentials")
		return nil, fmt.Errorf("%w: incorrect email or password", ErrUnauthorized)
	}
	if !user.IsActive {
		s.audits.LogAuthenticationEvent(ctx, audit.ActionLoginFailed, email, false, req, user.ID, "inactive user")
		return nil, fmt.Errorf("%w: inactive user", ErrUnauthorized)
	}

	if s.mfa.UserHasMFA(ctx, user.ID) {
		token, err := s.mfa.CreateSession(ctx, user.ID, mfa.ChallengeLogin, req.IPAddress, req.UserAgent)
		if err != nil {
			return nil, fmt.Errorf("create mfa session: %w", err)
		}
		return &LoginResult{MFARequired: true, MFASessionToken: token}, nil
	}

	s.audits.LogAuthenticationEvent(ctx, audit.ActionLogin, user.Email, true, req, user.ID, "")
	return s.issueTokens(ctx, user, false)
}

// CompleteMFALogin finishes the two-step login: it consumes the challenge
// session after the submitted code verifies, then issues tokens with
// mfa_verified=true.
func (s *Service) CompleteMFALogin(ctx context.Context, sessionToken, code string, useBackupCode bool, req audit.RequestContext) (*LoginResult, error) {
	sess, err := s.mfa.VerifySession(ctx, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid or expired MFA session", ErrUnauthorized)
	}

	user, err := s.users.GetUserByID(ctx, sess.UserID)
	if err != nil || !user.IsActive {
		return nil, fmt.Errorf("%w: invalid or expired MFA session", ErrUnauthorized)
	}

	attempt := mfa.Attempt{IPAddress: req.IPAddress, UserAgent: req.UserAgent}
	var verified bool
	if useBackupCode {
		verified = s.mfa.VerifyBackupCode(ctx, user.ID, code, attempt)
	} else {
		verified = s.mfa.VerifyTOTP(ctx, user.ID, code, attempt)
	}
	if !verified {
		s.audits.LogAuthenticationEvent(ctx, audit.ActionLoginFailed, user.Email, false, req, user.ID, "invalid MFA code")
		return nil, fmt.Errorf("%w: invalid MFA code", ErrUnauthorized)
	}

	if err := s.mfa.CompleteSession(ctx, sessionToken); err != nil {
		return nil, fmt.Errorf("%w: invalid or expired MFA session", ErrUnauthorized)
	}

	s.audits.LogAuthenticationEvent(ctx, audit.ActionLogin, user.Email, true, req, user.ID, "")
	return s.issueTokens(ctx, user, true)
}

// Refresh exchanges a refresh token for a new access token. The new token
// always carries mfa_verified=false; MFA-gated operations need a fresh
// challenge.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.tokens.Parse(refreshToken)
	if err != nil {
		return "", err
	}
	user, err := s.users.GetUserByEmail(ctx, claims.Subject)
	if err != nil || !user.IsActive {
		return "", fmt.Errorf("%w: invalid refresh token", ErrUnauthorized)
	}
	roles, err := s.roleNames(ctx, user.ID)
	if err != nil {
		return "", err
	}
	return s.tokens.AccessToken(user, false, roles)
}

// ForgotPassword acknowledges a reset request without revealing whether the
// address exists.
func (s *Service) ForgotPassword(ctx context.Context, email string, req audit.RequestContext) string {
	email = strings.TrimSpace(strings.ToLower(email))
	if user, err := s.users.GetUserByEmail(ctx, email); err == nil {
		s.audits.LogAction(ctx, audit.ActionRecord{
			Action:      audit.ActionPasswordReset,
			UserID:      user.ID,
			UserEmail:   user.Email,
			Description: "Password reset requested",
			Request:     req,
		})
	}
	return forgotPasswordMessage
}

// ChangePassword rotates the user's password after verifying the current
// one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string, req audit.RequestContext) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !CheckPassword(user.PasswordHash, current) {
		s.audits.LogAuthenticationEvent(ctx, audit.ActionPasswordChange, user.Email, false, req, user.ID, "current password mismatch")
		return fmt.Errorf("%w: current password is incorrect", ErrUnauthorized)
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if _, err := s.users.UpdateUser(ctx, userID, UserUpdate{PasswordHash: &hash}); err != nil {
		return err
	}
	s.audits.LogAuthenticationEvent(ctx, audit.ActionPasswordChange, user.Email, true, req, user.ID, "")
	return nil
}

// UserByEmail resolves the account behind a token subject.
func (s *Service) UserByEmail(ctx context.Context, email string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return User{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	return s.users.GetUserByEmail(ctx, email)
}

// Tokens exposes the issuer for request authentication middleware.
func (s *Service) Tokens() *TokenIssuer { return s.tokens }

func (s *Service) issueTokens(ctx context.Context, user User, mfaVerified bool) (*LoginResult, error) {
	roles, err := s.roleNames(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	access, err := s.tokens.AccessToken(user, mfaVerified, roles)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.RefreshToken(user)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		User:         &user,
	}, nil
}

func (s *Service) roleNames(ctx context.Context, userID string) ([]string, error) {
	roles, err := s.rbac.UserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names, nil
}
