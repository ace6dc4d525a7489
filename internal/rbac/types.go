package rbac

import "time"

// Role groups permissions. System roles are seeded at startup and cannot be
// deleted. ParentRoleID is stored for forward compatibility but is not
// consulted during permission checks: the hierarchy is flat.
type Role struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Description  string    `json:"description,omitempty"`
	ParentRoleID string    `json:"parent_role_id,omitempty"`
	IsSystem     bool      `json:"is_system"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability identified by resource and action.
// Name is the canonical "resource:action" key.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Effect is the direction of a direct user permission.
type Effect string

const (
	EffectGrant Effect = "grant"
	EffectDeny  Effect = "deny"
)

// UserPermission is a direct per-user override. It beats any role-derived
// permission for the same resource and action; a deny beats a grant.
type UserPermission struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	PermissionID string     `json:"permission_id"`
	Effect       Effect     `json:"effect"`
	ResourceID   string     `json:"resource_id,omitempty"` // empty means all instances
	GrantedBy    string     `json:"granted_by,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Expired reports whether the override has lapsed as of now.
func (up UserPermission) Expired(now time.Time) bool {
	return up.ExpiresAt != nil && !up.ExpiresAt.After(now)
}

// Assignment links a user to a role.
type Assignment struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	AssignedBy string    `json:"assigned_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AccessLog records one permission check decision.
type AccessLog struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Resource   string    `json:"resource"`
	Action     string    `json:"action"`
	ResourceID string    `json:"resource_id,omitempty"`
	Granted    bool      `json:"granted"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoleUpdate carries optional role mutations. Nil fields are left unchanged.
type RoleUpdate struct {
	DisplayName *string
	Description *string
	IsActive    *bool
}
