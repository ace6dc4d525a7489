package rbac

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

// Subject is the slice of a user account that permission checks need.
type Subject struct {
	ID       string
	Email    string
	IsActive bool
}

// Store persists roles, permissions, assignments and per-user overrides.
type Store interface {
	GetSubject(ctx context.Context, userID string) (Subject, error)

	CreateRole(ctx context.Context, r Role) (Role, error)
	GetRole(ctx context.Context, roleID string) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context, includeInactive bool) ([]Role, error)
	UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error)
	DeleteRole(ctx context.Context, roleID string) error
	CountRoleAssignments(ctx context.Context, roleID string) (int, error)

	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	GetPermission(ctx context.Context, permissionID string) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context, includeInactive bool) ([]Permission, error)
	// PermissionsFor returns the active permissions matching a resource and
	// action pair.
	PermissionsFor(ctx context.Context, resource, action string) ([]Permission, error)

	AssignPermissionToRole(ctx context.Context, roleID, permissionID string) error
	RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) error
	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)

	AssignRoleToUser(ctx context.Context, a Assignment) error
	RemoveRoleFromUser(ctx context.Context, userID, roleID string) error
	// UserRoles returns the user's active roles.
	UserRoles(ctx context.Context, userID string) ([]Role, error)
	// RoleHasPermission reports whether any of the given roles carries any of
	// the given permissions.
	RoleHasPermission(ctx context.Context, roleIDs, permissionIDs []string) (bool, error)

	CreateUserPermission(ctx context.Context, up UserPermission) (UserPermission, error)
	DeleteUserPermission(ctx context.Context, userPermissionID string) error
	// UserPermissionsFor returns the user's unexpired overrides among the
	// given permission IDs.
	UserPermissionsFor(ctx context.Context, userID string, permissionIDs []string, now time.Time) ([]UserPermission, error)
	// UserPermissions returns all of the user's unexpired overrides joined
	// with their permission rows.
	UserPermissions(ctx context.Context, userID string, now time.Time) ([]UserPermission, map[string]Permission, error)

	AppendAccessLog(ctx context.Context, l AccessLog) error
	ListAccessLogs(ctx context.Context, userID string, limit int) ([]AccessLog, error)
}
