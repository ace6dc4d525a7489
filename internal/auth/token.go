package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the JWT payload. Subject carries the user's email; MFAVerified
// records whether the bearer completed a second-factor challenge for this
// token.
type Claims struct {
	MFAVerified bool     `json:"mfa_verified"`
	Roles       []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates HS256 access and refresh tokens.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

type TokenOption func(*TokenIssuer)

func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(t *TokenIssuer) {
		if ttl > 0 {
			t.accessTTL = ttl
		}
	}
}

func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(t *TokenIssuer) {
		if ttl > 0 {
			t.refreshTTL = ttl
		}
	}
}

// WithTokenClock overrides the time source. Test use only.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenIssuer) {
		if fn != nil {
			t.now = fn
		}
	}
}

func NewTokenIssuer(secret, issuer string, opts ...TokenOption) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	t := &TokenIssuer{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  30 * time.Minute,
		refreshTTL: 7 * 24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// AccessToken mints a short-lived token for the user.
func (t *TokenIssuer) AccessToken(u User, mfaVerified bool, roles []string) (string, error) {
	return t.sign(u, mfaVerified, roles, t.accessTTL)
}

// RefreshToken mints a long-lived token. Refresh tokens never carry the
// mfa_verified claim: exchanging one yields an access token that requires a
// fresh second-factor challenge for MFA-gated operations.
func (t *TokenIssuer) RefreshToken(u User) (string, error) {
	return t.sign(u, false, nil, t.refreshTTL)
}

func (t *TokenIssuer) sign(u User, mfaVerified bool, roles []string, ttl time.Duration) (string, error) {
	now := t.now().UTC()
	claims := Claims{
		MFAVerified: mfaVerified,
		Roles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   u.Email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// SubjectHint extracts the subject from a token without verifying the
// signature or expiry. Only for enriching audit entries on rejected tokens;
// never use it to authenticate.
func (t *TokenIssuer) SubjectHint(tokenString string) string {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return ""
	}
	return claims.Subject
}

// Parse validates a token's signature and expiry and returns its claims.
func (t *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.now().UTC() }))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}
