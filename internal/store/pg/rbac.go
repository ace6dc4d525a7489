package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pesatrack.app/internal/rbac"
)

func (s *Store) GetSubject(ctx context.Context, userID string) (rbac.Subject, error) {
	var sub rbac.Subject
	err := s.db.QueryRowContext(ctx, `
		select id, email, is_active from users where id = $1
	`, userID).Scan(&sub.ID, &sub.Email, &sub.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Subject{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Subject{}, err
	}
	return sub, nil
}

// --- roles ---

func (s *Store) CreateRole(ctx context.Context, r rbac.Role) (rbac.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, display_name, description, parent_role_id, is_system, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning id, name, display_name, coalesce(description, ''), coalesce(parent_role_id, ''), is_system, is_active, created_at, updated_at
	`, r.ID, r.Name, r.DisplayName, nullIfEmpty(r.Description), nullIfEmpty(r.ParentRoleID), r.IsSystem, r.IsActive, r.CreatedAt, r.UpdatedAt)
	out, err := scanRole(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Role{}, fmt.Errorf("%w: role %s already exists", rbac.ErrConflict, r.Name)
		}
		return rbac.Role{}, err
	}
	return out, nil
}

const roleColumns = `id, name, display_name, coalesce(description, ''), coalesce(parent_role_id, ''), is_system, is_active, created_at, updated_at`

func (s *Store) GetRole(ctx context.Context, roleID string) (rbac.Role, error) {
	row := s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, roleID)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return role, err
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (rbac.Role, error) {
	row := s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return role, err
}

func (s *Store) ListRoles(ctx context.Context, includeInactive bool) ([]rbac.Role, error) {
	query := `select ` + roleColumns + ` from roles`
	if !includeInactive {
		query += ` where is_active`
	}
	query += ` order by name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) UpdateRole(ctx context.Context, roleID string, upd rbac.RoleUpdate) (rbac.Role, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.DisplayName != nil {
		sets = append(sets, fmt.Sprintf("display_name = $%d", idx))
		args = append(args, *upd.DisplayName)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = nullif($%d, '')", idx))
		args = append(args, *upd.Description)
		idx++
	}
	if upd.IsActive != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.IsActive)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, roleID)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return rbac.Role{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return rbac.Role{}, err
		}
		if aff == 0 {
			return rbac.Role{}, rbac.ErrNotFound
		}
	}
	return s.GetRole(ctx, roleID)
}

func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) CountRoleAssignments(ctx context.Context, roleID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from user_roles where role_id = $1
	`, roleID).Scan(&count)
	return count, err
}

// --- permissions ---

const permissionColumns = `id, name, display_name, coalesce(description, ''), resource, action, is_system, is_active, created_at`

func (s *Store) CreatePermission(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, display_name, description, resource, action, is_system, is_active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+permissionColumns+`
	`, p.ID, p.Name, p.DisplayName, nullIfEmpty(p.Description), p.Resource, p.Action, p.IsSystem, p.IsActive, p.CreatedAt)
	out, err := scanPermission(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Permission{}, fmt.Errorf("%w: permission %s already exists", rbac.ErrConflict, p.Name)
		}
		return rbac.Permission{}, err
	}
	return out, nil
}

func (s *Store) GetPermission(ctx context.Context, permissionID string) (rbac.Permission, error) {
	row := s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where id = $1`, permissionID)
	perm, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return perm, err
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (rbac.Permission, error) {
	row := s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where name = $1`, name)
	perm, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return perm, err
}

func (s *Store) ListPermissions(ctx context.Context, includeInactive bool) ([]rbac.Permission, error) {
	query := `select ` + permissionColumns + ` from permissions`
	if !includeInactive {
		query += ` where is_active`
	}
	query += ` order by name`
	return s.queryPermissions(ctx, query)
}

func (s *Store) PermissionsFor(ctx context.Context, resource, action string) ([]rbac.Permission, error) {
	return s.queryPermissions(ctx, `
		select `+permissionColumns+` from permissions
		where resource = $1 and action = $2 and is_active
	`, resource, action)
}

func (s *Store) queryPermissions(ctx context.Context, query string, args ...any) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []rbac.Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// --- role/permission links ---

func (s *Store) AssignPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id) values ($1, $2)
	`, roleID, permissionID)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: permission already assigned", rbac.ErrConflict)
		case pgErrForeignKeyViolation:
			return rbac.ErrNotFound
		}
	}
	return err
}

func (s *Store) RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from role_permissions where role_id = $1 and permission_id = $2
	`, roleID, permissionID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]rbac.Permission, error) {
	return s.queryPermissions(ctx, `
		select p.id, p.name, p.display_name, coalesce(p.description, ''), p.resource, p.action, p.is_system, p.is_active, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
}

// --- user/role assignments ---

func (s *Store) AssignRoleToUser(ctx context.Context, a rbac.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, assigned_by, created_at)
		values ($1, $2, $3, $4)
	`, a.UserID, a.RoleID, nullIfEmpty(a.AssignedBy), a.CreatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: role already assigned", rbac.ErrConflict)
		case pgErrForeignKeyViolation:
			return rbac.ErrNotFound
		}
	}
	return err
}

func (s *Store) RemoveRoleFromUser(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, userID, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) UserRoles(ctx context.Context, userID string) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.display_name, coalesce(r.description, ''), coalesce(r.parent_role_id, ''), r.is_system, r.is_active, r.created_at, r.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1 and r.is_active
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) RoleHasPermission(ctx context.Context, roleIDs, permissionIDs []string) (bool, error) {
	if len(roleIDs) == 0 || len(permissionIDs) == 0 {
		return false, nil
	}
	args := make([]any, 0, len(roleIDs)+len(permissionIDs))
	roleIn, next := inPlaceholders(1, len(roleIDs))
	for _, id := range roleIDs {
		args = append(args, id)
	}
	permIn, _ := inPlaceholders(next, len(permissionIDs))
	for _, id := range permissionIDs {
		args = append(args, id)
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		select exists (
			select 1 from role_permissions
			where role_id in (%s) and permission_id in (%s)
		)
	`, roleIn, permIn), args...).Scan(&exists)
	return exists, err
}

// --- direct overrides ---

func (s *Store) CreateUserPermission(ctx context.Context, up rbac.UserPermission) (rbac.UserPermission, error) {
	_, err := s.db.ExecContext(ctx, `
		insert into user_permissions (id, user_id, permission_id, effect, resource_id, granted_by, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, up.ID, up.UserID, up.PermissionID, string(up.Effect), nullIfEmpty(up.ResourceID), nullIfEmpty(up.GrantedBy), up.ExpiresAt, up.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return rbac.UserPermission{}, rbac.ErrNotFound
		}
		return rbac.UserPermission{}, err
	}
	return up, nil
}

func (s *Store) DeleteUserPermission(ctx context.Context, userPermissionID string) error {
	res, err := s.db.ExecContext(ctx, `delete from user_permissions where id = $1`, userPermissionID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

const userPermissionColumns = `id, user_id, permission_id, effect, coalesce(resource_id, ''), coalesce(granted_by, ''), expires_at, created_at`

func (s *Store) UserPermissionsFor(ctx context.Context, userID string, permissionIDs []string, now time.Time) ([]rbac.UserPermission, error) {
	if len(permissionIDs) == 0 {
		return nil, nil
	}
	permIn, next := inPlaceholders(2, len(permissionIDs))
	args := make([]any, 0, len(permissionIDs)+2)
	args = append(args, userID)
	for _, id := range permissionIDs {
		args = append(args, id)
	}
	args = append(args, now)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select %s from user_permissions
		where user_id = $1 and permission_id in (%s)
		  and (expires_at is null or expires_at > $%d)
	`, userPermissionColumns, permIn, next), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserPermissions(rows)
}

func (s *Store) UserPermissions(ctx context.Context, userID string, now time.Time) ([]rbac.UserPermission, map[string]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+userPermissionColumns+` from user_permissions
		where user_id = $1 and (expires_at is null or expires_at > $2)
	`, userID, now)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	overrides, err := scanUserPermissions(rows)
	if err != nil {
		return nil, nil, err
	}

	byID := map[string]rbac.Permission{}
	for _, up := range overrides {
		if _, seen := byID[up.PermissionID]; seen {
			continue
		}
		perm, err := s.GetPermission(ctx, up.PermissionID)
		if err != nil {
			if errors.Is(err, rbac.ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		byID[up.PermissionID] = perm
	}
	return overrides, byID, nil
}

// --- access log ---

func (s *Store) AppendAccessLog(ctx context.Context, l rbac.AccessLog) error {
	_, err := s.db.ExecContext(ctx, `
		insert into access_logs (id, user_id, resource, action, resource_id, granted, reason, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.UserID, l.Resource, l.Action, nullIfEmpty(l.ResourceID), l.Granted, l.Reason, l.CreatedAt)
	return err
}

func (s *Store) ListAccessLogs(ctx context.Context, userID string, limit int) ([]rbac.AccessLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, resource, action, coalesce(resource_id, ''), granted, reason, created_at
		from access_logs
		where user_id = $1
		order by created_at desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []rbac.AccessLog
	for rows.Next() {
		var l rbac.AccessLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Resource, &l.Action, &l.ResourceID, &l.Granted, &l.Reason, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (rbac.Role, error) {
	var r rbac.Role
	err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.ParentRoleID, &r.IsSystem, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanPermission(row rowScanner) (rbac.Permission, error) {
	var p rbac.Permission
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.Resource, &p.Action, &p.IsSystem, &p.IsActive, &p.CreatedAt)
	return p, err
}

func scanUserPermissions(rows *sql.Rows) ([]rbac.UserPermission, error) {
	var out []rbac.UserPermission
	for rows.Next() {
		var (
			up      rbac.UserPermission
			effect  string
			expires sql.NullTime
		)
		if err := rows.Scan(&up.ID, &up.UserID, &up.PermissionID, &effect, &up.ResourceID, &up.GrantedBy, &expires, &up.CreatedAt); err != nil {
			return nil, err
		}
		up.Effect = rbac.Effect(effect)
		if expires.Valid {
			t := expires.Time
			up.ExpiresAt = &t
		}
		out = append(out, up)
	}
	return out, rows.Err()
}

// inPlaceholders renders "$start, $start+1, ..." for n values and returns
// the next free placeholder index.
func inPlaceholders(start, n int) (string, int) {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf("$%d", start+i))
	}
	return strings.Join(parts, ", "), start + n
}
