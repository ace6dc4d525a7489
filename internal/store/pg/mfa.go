package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pesatrack.app/internal/mfa"
)

const methodColumns = `id, user_id, method_type, method_name, secret, coalesce(backup_codes, ''), is_active, is_verified, last_used, use_count, created_at`

func (s *Store) CreateMethod(ctx context.Context, m mfa.Method) (mfa.Method, error) {
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_methods (id, user_id, method_type, method_name, secret, backup_codes, is_active, is_verified, use_count, created_at)
		values ($1, $2, $3, $4, $5, nullif($6, ''), $7, $8, $9, $10)
	`, m.ID, m.UserID, m.MethodType, m.MethodName, m.Secret, m.BackupCodes, m.IsActive, m.IsVerified, m.UseCount, m.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return mfa.Method{}, mfa.ErrNotFound
		}
		return mfa.Method{}, err
	}
	return m, nil
}

func (s *Store) GetMethod(ctx context.Context, methodID string) (mfa.Method, error) {
	return scanMethod(s.db.QueryRowContext(ctx, `
		select `+methodColumns+` from mfa_methods where id = $1
	`, methodID))
}

func (s *Store) TOTPMethod(ctx context.Context, userID string, verifiedOnly bool) (mfa.Method, error) {
	query := `select ` + methodColumns + ` from mfa_methods
		where user_id = $1 and method_type = 'totp' and is_active`
	if verifiedOnly {
		query += ` and is_verified`
	}
	query += ` order by created_at desc limit 1`
	return scanMethod(s.db.QueryRowContext(ctx, query, userID))
}

func (s *Store) ListMethods(ctx context.Context, userID string) ([]mfa.Method, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+methodColumns+` from mfa_methods
		where user_id = $1 and is_active
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []mfa.Method
	for rows.Next() {
		m, err := scanMethodRow(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

func (s *Store) MarkMethodVerified(ctx context.Context, methodID string) error {
	res, err := s.db.ExecContext(ctx, `
		update mfa_methods set is_verified = true where id = $1
	`, methodID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return mfa.ErrNotFound
	}
	return nil
}

func (s *Store) RecordMethodUse(ctx context.Context, methodID string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update mfa_methods set last_used = $2, use_count = use_count + 1 where id = $1
	`, methodID, usedAt)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return mfa.ErrNotFound
	}
	return nil
}

// ReplaceBackupCodes is the compare-and-swap behind single-use backup codes:
// the update only lands when the stored blob still equals prev.
func (s *Store) ReplaceBackupCodes(ctx context.Context, methodID, prev, next string) error {
	res, err := s.db.ExecContext(ctx, `
		update mfa_methods set backup_codes = nullif($3, '')
		where id = $1 and coalesce(backup_codes, '') = $2
	`, methodID, prev, next)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		select exists (select 1 from mfa_methods where id = $1)
	`, methodID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return mfa.ErrNotFound
	}
	return mfa.ErrConflict
}

func (s *Store) DisableMethod(ctx context.Context, methodID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		update mfa_methods set is_active = false where id = $1 and user_id = $2
	`, methodID, userID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return mfa.ErrNotFound
	}
	return nil
}

func (s *Store) CountVerifiedMethods(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from mfa_methods
		where user_id = $1 and is_active and is_verified
	`, userID).Scan(&count)
	return count, err
}

func (s *Store) AppendAttempt(ctx context.Context, a mfa.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_attempts (id, user_id, method_id, method_type, code_hash, success, ip_address, user_agent, created_at)
		values ($1, $2, nullif($3, ''), $4, $5, $6, nullif($7, ''), nullif($8, ''), $9)
	`, a.ID, a.UserID, a.MethodID, a.MethodType, a.CodeHash, a.Success, a.IPAddress, a.UserAgent, a.CreatedAt)
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess mfa.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_sessions (id, user_id, token, challenge_type, is_verified, is_expired, expires_at, ip_address, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), nullif($9, ''), $10)
	`, sess.ID, sess.UserID, sess.Token, sess.ChallengeType, sess.IsVerified, sess.IsExpired, sess.ExpiresAt, sess.IPAddress, sess.UserAgent, sess.CreatedAt)
	return err
}

func (s *Store) GetSessionByToken(ctx context.Context, token string) (mfa.Session, error) {
	var (
		sess       mfa.Session
		verifiedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token, challenge_type, is_verified, is_expired, expires_at,
		       coalesce(ip_address, ''), coalesce(user_agent, ''), created_at, verified_at
		from mfa_sessions where token = $1
	`, token).Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.ChallengeType, &sess.IsVerified, &sess.IsExpired,
		&sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mfa.Session{}, mfa.ErrNotFound
	}
	if err != nil {
		return mfa.Session{}, err
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		sess.VerifiedAt = &t
	}
	return sess, nil
}

// CompleteSession flips the session to verified only while it is still
// spendable, so a token is consumed at most once.
func (s *Store) CompleteSession(ctx context.Context, token string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update mfa_sessions
		set is_verified = true, verified_at = $2
		where token = $1 and not is_verified and not is_expired and expires_at > $2
	`, token, now)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		select exists (select 1 from mfa_sessions where token = $1)
	`, token).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return mfa.ErrNotFound
	}
	return mfa.ErrConflict
}

func scanMethod(row *sql.Row) (mfa.Method, error) {
	var (
		m        mfa.Method
		lastUsed sql.NullTime
	)
	err := row.Scan(&m.ID, &m.UserID, &m.MethodType, &m.MethodName, &m.Secret, &m.BackupCodes,
		&m.IsActive, &m.IsVerified, &lastUsed, &m.UseCount, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mfa.Method{}, mfa.ErrNotFound
	}
	if err != nil {
		return mfa.Method{}, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		m.LastUsed = &t
	}
	return m, nil
}

func scanMethodRow(rows *sql.Rows) (mfa.Method, error) {
	var (
		m        mfa.Method
		lastUsed sql.NullTime
	)
	err := rows.Scan(&m.ID, &m.UserID, &m.MethodType, &m.MethodName, &m.Secret, &m.BackupCodes,
		&m.IsActive, &m.IsVerified, &lastUsed, &m.UseCount, &m.CreatedAt)
	if err != nil {
		return mfa.Method{}, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		m.LastUsed = &t
	}
	return m, nil
}
