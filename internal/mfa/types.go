package mfa

import "time"

// Method types.
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// Challenge types for step-up sessions.
const (
	ChallengeLogin              = "login"
	ChallengeSensitiveOperation = "sensitive_operation"
)

// Method is one enrolled second factor. Secret material is stored encrypted
// and never leaves the service except during initial enrollment.
type Method struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	MethodType  string     `json:"method_type"`
	MethodName  string     `json:"method_name"`
	Secret      string     `json:"-"` // encrypted
	BackupCodes string     `json:"-"` // encrypted JSON array
	IsActive    bool       `json:"is_active"`
	IsVerified  bool       `json:"is_verified"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	UseCount    int        `json:"use_count"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MethodInfo is the redacted view of a method returned to clients.
type MethodInfo struct {
	ID                   string     `json:"id"`
	MethodType           string     `json:"method_type"`
	MethodName           string     `json:"method_name"`
	IsVerified           bool       `json:"is_verified"`
	LastUsed             *time.Time `json:"last_used,omitempty"`
	UseCount             int        `json:"use_count"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Attempt records one verification attempt. The submitted code is stored as
// a salted hash, never in plaintext.
type Attempt struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	MethodID   string    `json:"method_id,omitempty"`
	MethodType string    `json:"method_type"`
	CodeHash   string    `json:"-"`
	Success    bool      `json:"success"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session is a short-lived challenge issued between password verification
// and second-factor completion. A session is single use.
type Session struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Token         string     `json:"-"`
	ChallengeType string     `json:"challenge_type"`
	IsVerified    bool       `json:"is_verified"`
	IsExpired     bool       `json:"is_expired"`
	ExpiresAt     time.Time  `json:"expires_at"`
	IPAddress     string     `json:"ip_address,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
}

// Valid reports whether the session can still be completed: not expired, not
// already used, and within its lifetime.
func (s Session) Valid(now time.Time) bool {
	return !s.IsExpired && !s.IsVerified && now.Before(s.ExpiresAt)
}

// Enrollment is returned once from TOTP setup. The secret and backup codes
// are shown to the user here and never again.
type Enrollment struct {
	MethodID        string   `json:"method_id"`
	Secret          string   `json:"secret"`
	QRCode          string   `json:"qr_code"`
	BackupCodes     []string `json:"backup_codes"`
	ProvisioningURI string   `json:"provisioning_uri"`
}
