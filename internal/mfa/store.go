package mfa

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("resource conflict")
)

// Store persists MFA methods, attempts and challenge sessions.
type Store interface {
	CreateMethod(ctx context.Context, m Method) (Method, error)
	GetMethod(ctx context.Context, methodID string) (Method, error)
	// TOTPMethod returns the user's active TOTP method. With verifiedOnly it
	// skips methods still pending setup confirmation.
	TOTPMethod(ctx context.Context, userID string, verifiedOnly bool) (Method, error)
	ListMethods(ctx context.Context, userID string) ([]Method, error)
	MarkMethodVerified(ctx context.Context, methodID string) error
	RecordMethodUse(ctx context.Context, methodID string, usedAt time.Time) error
	// ReplaceBackupCodes swaps the encrypted backup code blob only if it
	// still equals prev, so two concurrent redemptions cannot both succeed.
	// Returns ErrConflict when the blob changed underneath.
	ReplaceBackupCodes(ctx context.Context, methodID, prev, next string) error
	DisableMethod(ctx context.Context, methodID, userID string) error
	CountVerifiedMethods(ctx context.Context, userID string) (int, error)

	AppendAttempt(ctx context.Context, a Attempt) error

	CreateSession(ctx context.Context, s Session) error
	GetSessionByToken(ctx context.Context, token string) (Session, error)
	// CompleteSession marks the session verified only while it is still
	// valid at the given instant. Returns ErrConflict for a session that is
	// expired or already used.
	CompleteSession(ctx context.Context, token string, now time.Time) error
}
