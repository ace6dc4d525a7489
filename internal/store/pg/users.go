package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pesatrack.app/internal/auth"
)

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, password_hash, first_name, last_name, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning id, email, password_hash, first_name, last_name, is_active, created_at, updated_at
	`, u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.IsActive, u.CreatedAt, u.UpdatedAt)

	var out auth.User
	if err := row.Scan(&out.ID, &out.Email, &out.PasswordHash, &out.FirstName, &out.LastName, &out.IsActive, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, fmt.Errorf("%w: email already registered", auth.ErrConflict)
		}
		return auth.User{}, err
	}
	return out, nil
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (auth.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, first_name, last_name, is_active, created_at, updated_at
		from users where id = $1
	`, userID))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, first_name, last_name, is_active, created_at, updated_at
		from users where email = $1
	`, email))
}

func (s *Store) UpdateUser(ctx context.Context, userID string, upd auth.UserUpdate) (auth.User, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.FirstName != nil {
		sets = append(sets, fmt.Sprintf("first_name = $%d", idx))
		args = append(args, *upd.FirstName)
		idx++
	}
	if upd.LastName != nil {
		sets = append(sets, fmt.Sprintf("last_name = $%d", idx))
		args = append(args, *upd.LastName)
		idx++
	}
	if upd.PasswordHash != nil {
		sets = append(sets, fmt.Sprintf("password_hash = $%d", idx))
		args = append(args, *upd.PasswordHash)
		idx++
	}
	if upd.IsActive != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.IsActive)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, userID)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return auth.User{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return auth.User{}, err
		}
		if aff == 0 {
			return auth.User{}, auth.ErrNotFound
		}
	}
	return s.GetUserByID(ctx, userID)
}

func (s *Store) scanUser(row *sql.Row) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}
