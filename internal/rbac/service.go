package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"pesatrack.app/internal/ids"
	"pesatrack.app/internal/obs"
)

// Service evaluates access decisions and manages the role and permission
// catalog. Checks fail closed: any store error denies access.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("rbac store is required")
	}
	return &Service{store: store, now: time.Now}, nil
}

// WithClock overrides the time source. Test use only.
func (s *Service) WithClock(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// CheckPermission decides whether the user may perform action on resource.
// Direct user overrides are consulted first and beat role-derived
// permissions; within the overrides a deny beats a grant. When logAccess is
// true every decision is written to the access log; a failing log write
// never changes the decision.
func (s *Service) CheckPermission(ctx context.Context, userID, resource, action, resourceID string, logAccess bool) bool {
	record := func(granted bool, reason string) {
		if logAccess {
			s.logAccess(ctx, userID, resource, action, resourceID, granted, reason)
		}
	}

	subject, err := s.store.GetSubject(ctx, userID)
	if err != nil || !subject.IsActive {
		record(false, "User not found or inactive")
		return false
	}

	if decision, ok, err := s.checkUserOverride(ctx, userID, resource, action, resourceID); err != nil {
		record(false, fmt.Sprintf("Error: %v", err))
		return false
	} else if ok {
		effect := "granted"
		if !decision {
			effect = "denied"
		}
		record(decision, "Direct user permission: "+effect)
		return decision
	}

	granted, err := s.checkRolePermissions(ctx, userID, resource, action)
	if err != nil {
		record(false, fmt.Sprintf("Error: %v", err))
		return false
	}

	reason := "No matching permissions found"
	if granted {
		reason = "Role-based permission"
	}
	record(granted, reason)
	return granted
}

// checkUserOverride resolves direct user permissions. The second return
// value reports whether an override applied at all.
func (s *Service) checkUserOverride(ctx context.Context, userID, resource, action, resourceID string) (bool, bool, error) {
	perms, err := s.store.PermissionsFor(ctx, resource, action)
	if err != nil {
		return false, false, err
	}
	if len(perms) == 0 {
		return false, false, nil
	}

	overrides, err := s.store.UserPermissionsFor(ctx, userID, permissionIDs(perms), s.now().UTC())
	if err != nil {
		return false, false, err
	}

	matched := overrides[:0:0]
	for _, up := range overrides {
		if resourceID != "" && up.ResourceID != "" && up.ResourceID != resourceID {
			continue
		}
		matched = append(matched, up)
	}

	for _, up := range matched {
		if up.Effect == EffectDeny {
			return false, true, nil
		}
	}
	for _, up := range matched {
		if up.Effect == EffectGrant {
			return true, true, nil
		}
	}
	return false, false, nil
}

func (s *Service) checkRolePermissions(ctx context.Context, userID, resource, action string) (bool, error) {
	roles, err := s.store.UserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(roles) == 0 {
		return false, nil
	}

	perms, err := s.store.PermissionsFor(ctx, resource, action)
	if err != nil {
		return false, err
	}
	if len(perms) == 0 {
		return false, nil
	}

	roleIDs := make([]string, 0, len(roles))
	for _, r := range roles {
		roleIDs = append(roleIDs, r.ID)
	}
	return s.store.RoleHasPermission(ctx, roleIDs, permissionIDs(perms))
}

func (s *Service) logAccess(ctx context.Context, userID, resource, action, resourceID string, granted bool, reason string) {
	if !granted {
		obs.AuthzDenied(resource, action)
	}
	err := s.store.AppendAccessLog(ctx, AccessLog{
		ID:         ids.New(),
		UserID:     userID,
		Resource:   resource,
		Action:     action,
		ResourceID: resourceID,
		Granted:    granted,
		Reason:     reason,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		obs.LogRequest(map[string]any{
			"ts":    s.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "access_log_write_failed",
			"error": err.Error(),
		})
	}
}

// EffectivePermissions returns the user's resolved "resource:action" keys:
// the union of role-derived permissions with grant overrides added and deny
// overrides removed. Sorted for stable output.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	keys := make(map[string]struct{})

	roles, err := s.store.UserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		perms, err := s.store.RolePermissions(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			keys[p.Resource+":"+p.Action] = struct{}{}
		}
	}

	overrides, byID, err := s.store.UserPermissions(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, up := range overrides {
		p, ok := byID[up.PermissionID]
		if !ok || !p.IsActive {
			continue
		}
		key := p.Resource + ":" + p.Action
		switch up.Effect {
		case EffectGrant:
			keys[key] = struct{}{}
		case EffectDeny:
			delete(keys, key)
		}
	}

	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Role management

func (s *Service) CreateRole(ctx context.Context, name, displayName, description, parentRoleID string) (Role, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return Role{}, fmt.Errorf("%w: role display_name is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	return s.store.CreateRole(ctx, Role{
		ID:           ids.New(),
		Name:         name,
		DisplayName:  displayName,
		Description:  strings.TrimSpace(description),
		ParentRoleID: strings.TrimSpace(parentRoleID),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (s *Service) RoleByName(ctx context.Context, name string) (Role, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return s.store.GetRoleByName(ctx, name)
}

func (s *Service) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, roleID)
}

func (s *Service) ListRoles(ctx context.Context, includeInactive bool) ([]Role, error) {
	return s.store.ListRoles(ctx, includeInactive)
}

func (s *Service) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role display_name is required", ErrInvalidInput)
		}
		upd.DisplayName = &name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	return s.store.UpdateRole(ctx, roleID, upd)
}

// DeleteRole removes a role. System roles and roles with assigned users are
// refused.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: cannot delete system role %s", ErrConflict, role.Name)
	}
	count, err := s.store.CountRoleAssignments(ctx, roleID)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: role %s has %d assigned users", ErrConflict, role.Name, count)
	}
	return s.store.DeleteRole(ctx, roleID)
}

// Permission management

func (s *Service) CreatePermission(ctx context.Context, name, displayName, resource, action, description string) (Permission, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	resource = strings.TrimSpace(strings.ToLower(resource))
	action = strings.TrimSpace(strings.ToLower(action))
	if resource == "" || action == "" {
		return Permission{}, fmt.Errorf("%w: resource and action are required", ErrInvalidInput)
	}
	if name == "" {
		name = resource + ":" + action
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return Permission{}, fmt.Errorf("%w: permission display_name is required", ErrInvalidInput)
	}
	return s.store.CreatePermission(ctx, Permission{
		ID:          ids.New(),
		Name:        name,
		DisplayName: displayName,
		Description: strings.TrimSpace(description),
		Resource:    resource,
		Action:      action,
		IsActive:    true,
		CreatedAt:   s.now().UTC(),
	})
}

func (s *Service) ListPermissions(ctx context.Context, includeInactive bool) ([]Permission, error) {
	return s.store.ListPermissions(ctx, includeInactive)
}

func (s *Service) AssignPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	return s.store.AssignPermissionToRole(ctx, roleID, permissionID)
}

func (s *Service) RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	return s.store.RemovePermissionFromRole(ctx, roleID, permissionID)
}

func (s *Service) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.RolePermissions(ctx, roleID)
}

// Role assignment

func (s *Service) AssignRoleToUser(ctx context.Context, userID, roleID, assignedBy string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	return s.store.AssignRoleToUser(ctx, Assignment{
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: strings.TrimSpace(assignedBy),
		CreatedAt:  s.now().UTC(),
	})
}

func (s *Service) RemoveRoleFromUser(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	return s.store.RemoveRoleFromUser(ctx, userID, roleID)
}

func (s *Service) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.UserRoles(ctx, userID)
}

// Direct overrides

func (s *Service) GrantUserPermission(ctx context.Context, userID, permissionID, grantedBy, resourceID string, expiresAt *time.Time) (UserPermission, error) {
	return s.createOverride(ctx, userID, permissionID, grantedBy, resourceID, EffectGrant, expiresAt)
}

func (s *Service) DenyUserPermission(ctx context.Context, userID, permissionID, grantedBy, resourceID string) (UserPermission, error) {
	return s.createOverride(ctx, userID, permissionID, grantedBy, resourceID, EffectDeny, nil)
}

func (s *Service) createOverride(ctx context.Context, userID, permissionID, grantedBy, resourceID string, effect Effect, expiresAt *time.Time) (UserPermission, error) {
	userID = strings.TrimSpace(userID)
	permissionID = strings.TrimSpace(permissionID)
	if userID == "" || permissionID == "" {
		return UserPermission{}, fmt.Errorf("%w: user_id and permission_id are required", ErrInvalidInput)
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return UserPermission{}, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	if _, err := s.store.GetPermission(ctx, permissionID); err != nil {
		return UserPermission{}, err
	}
	return s.store.CreateUserPermission(ctx, UserPermission{
		ID:           ids.New(),
		UserID:       userID,
		PermissionID: permissionID,
		Effect:       effect,
		ResourceID:   strings.TrimSpace(resourceID),
		GrantedBy:    strings.TrimSpace(grantedBy),
		ExpiresAt:    expiresAt,
		CreatedAt:    s.now().UTC(),
	})
}

func (s *Service) RevokeUserPermission(ctx context.Context, userPermissionID string) error {
	userPermissionID = strings.TrimSpace(userPermissionID)
	if userPermissionID == "" {
		return fmt.Errorf("%w: user_permission_id is required", ErrInvalidInput)
	}
	return s.store.DeleteUserPermission(ctx, userPermissionID)
}

// AccessLogs returns recent permission check decisions for a user.
func (s *Service) AccessLogs(ctx context.Context, userID string, limit int) ([]AccessLog, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListAccessLogs(ctx, userID, limit)
}

func permissionIDs(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.ID)
	}
	return out
}
