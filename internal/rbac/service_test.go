package rbac

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pesatrack.app/internal/ids"
)

type memStore struct {
	subjects    map[string]Subject
	roles       map[string]Role
	perms       map[string]Permission
	rolePerms   map[string]map[string]bool // roleID -> permissionID
	assignments map[string]map[string]bool // userID -> roleID
	overrides   map[string]UserPermission
	accessLogs  []AccessLog

	failSubjects bool
	failLogs     bool
}

func newMemStore() *memStore {
	return &memStore{
		subjects:    map[string]Subject{},
		roles:       map[string]Role{},
		perms:       map[string]Permission{},
		rolePerms:   map[string]map[string]bool{},
		assignments: map[string]map[string]bool{},
		overrides:   map[string]UserPermission{},
	}
}

func (m *memStore) GetSubject(_ context.Context, userID string) (Subject, error) {
	if m.failSubjects {
		return Subject{}, errors.New("connection refused")
	}
	s, ok := m.subjects[userID]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) CreateRole(_ context.Context, r Role) (Role, error) {
	for _, existing := range m.roles {
		if existing.Name == r.Name {
			return Role{}, fmt.Errorf("%w: role %s exists", ErrConflict, r.Name)
		}
	}
	m.roles[r.ID] = r
	return r, nil
}

func (m *memStore) GetRole(_ context.Context, roleID string) (Role, error) {
	r, ok := m.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m *memStore) GetRoleByName(_ context.Context, name string) (Role, error) {
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, ErrNotFound
}

func (m *memStore) ListRoles(_ context.Context, includeInactive bool) ([]Role, error) {
	var out []Role
	for _, r := range m.roles {
		if includeInactive || r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) UpdateRole(_ context.Context, roleID string, upd RoleUpdate) (Role, error) {
	r, ok := m.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.DisplayName != nil {
		r.DisplayName = *upd.DisplayName
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	m.roles[roleID] = r
	return r, nil
}

func (m *memStore) DeleteRole(_ context.Context, roleID string) error {
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	delete(m.roles, roleID)
	return nil
}

func (m *memStore) CountRoleAssignments(_ context.Context, roleID string) (int, error) {
	n := 0
	for _, roles := range m.assignments {
		if roles[roleID] {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreatePermission(_ context.Context, p Permission) (Permission, error) {
	for _, existing := range m.perms {
		if existing.Name == p.Name {
			return Permission{}, fmt.Errorf("%w: permission %s exists", ErrConflict, p.Name)
		}
	}
	m.perms[p.ID] = p
	return p, nil
}

func (m *memStore) GetPermission(_ context.Context, permissionID string) (Permission, error) {
	p, ok := m.perms[permissionID]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (m *memStore) GetPermissionByName(_ context.Context, name string) (Permission, error) {
	for _, p := range m.perms {
		if p.Name == name {
			return p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (m *memStore) ListPermissions(_ context.Context, includeInactive bool) ([]Permission, error) {
	var out []Permission
	for _, p := range m.perms {
		if includeInactive || p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) PermissionsFor(_ context.Context, resource, action string) ([]Permission, error) {
	var out []Permission
	for _, p := range m.perms {
		if p.Resource == resource && p.Action == action && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) AssignPermissionToRole(_ context.Context, roleID, permissionID string) error {
	if m.rolePerms[roleID] == nil {
		m.rolePerms[roleID] = map[string]bool{}
	}
	m.rolePerms[roleID][permissionID] = true
	return nil
}

func (m *memStore) RemovePermissionFromRole(_ context.Context, roleID, permissionID string) error {
	if !m.rolePerms[roleID][permissionID] {
		return ErrNotFound
	}
	delete(m.rolePerms[roleID], permissionID)
	return nil
}

func (m *memStore) RolePermissions(_ context.Context, roleID string) ([]Permission, error) {
	var out []Permission
	for pid := range m.rolePerms[roleID] {
		if p, ok := m.perms[pid]; ok && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) AssignRoleToUser(_ context.Context, a Assignment) error {
	if m.assignments[a.UserID] == nil {
		m.assignments[a.UserID] = map[string]bool{}
	}
	m.assignments[a.UserID][a.RoleID] = true
	return nil
}

func (m *memStore) RemoveRoleFromUser(_ context.Context, userID, roleID string) error {
	if !m.assignments[userID][roleID] {
		return ErrNotFound
	}
	delete(m.assignments[userID], roleID)
	return nil
}

func (m *memStore) UserRoles(_ context.Context, userID string) ([]Role, error) {
	var out []Role
	for rid := range m.assignments[userID] {
		if r, ok := m.roles[rid]; ok && r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) RoleHasPermission(_ context.Context, roleIDs, permissionIDs []string) (bool, error) {
	for _, rid := range roleIDs {
		for _, pid := range permissionIDs {
			if m.rolePerms[rid][pid] {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memStore) CreateUserPermission(_ context.Context, up UserPermission) (UserPermission, error) {
	m.overrides[up.ID] = up
	return up, nil
}

func (m *memStore) DeleteUserPermission(_ context.Context, userPermissionID string) error {
	if _, ok := m.overrides[userPermissionID]; !ok {
		return ErrNotFound
	}
	delete(m.overrides, userPermissionID)
	return nil
}

func (m *memStore) UserPermissionsFor(_ context.Context, userID string, permissionIDs []string, now time.Time) ([]UserPermission, error) {
	wanted := map[string]bool{}
	for _, pid := range permissionIDs {
		wanted[pid] = true
	}
	var out []UserPermission
	for _, up := range m.overrides {
		if up.UserID == userID && wanted[up.PermissionID] && !up.Expired(now) {
			out = append(out, up)
		}
	}
	return out, nil
}

func (m *memStore) UserPermissions(_ context.Context, userID string, now time.Time) ([]UserPermission, map[string]Permission, error) {
	var out []UserPermission
	for _, up := range m.overrides {
		if up.UserID == userID && !up.Expired(now) {
			out = append(out, up)
		}
	}
	byID := map[string]Permission{}
	for id, p := range m.perms {
		byID[id] = p
	}
	return out, byID, nil
}

func (m *memStore) AppendAccessLog(_ context.Context, l AccessLog) error {
	if m.failLogs {
		return errors.New("connection refused")
	}
	m.accessLogs = append(m.accessLogs, l)
	return nil
}

func (m *memStore) ListAccessLogs(_ context.Context, userID string, limit int) ([]AccessLog, error) {
	var out []AccessLog
	for _, l := range m.accessLogs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) lastLog(t *testing.T) AccessLog {
	t.Helper()
	if len(m.accessLogs) == 0 {
		t.Fatal("no access log written")
	}
	return m.accessLogs[len(m.accessLogs)-1]
}

// seedCheckFixture builds an active user holding the "user" role with
// transaction permissions assigned.
func seedCheckFixture(t *testing.T) (*memStore, *Service, string) {
	t.Helper()
	store := newMemStore()
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}

	userID := ids.New()
	store.subjects[userID] = Subject{ID: userID, Email: "jane@example.com", IsActive: true}
	role, err := store.GetRoleByName(context.Background(), "user")
	if err != nil {
		t.Fatalf("GetRoleByName: %v", err)
	}
	if err := svc.AssignRoleToUser(context.Background(), userID, role.ID, ""); err != nil {
		t.Fatalf("AssignRoleToUser: %v", err)
	}
	return store, svc, userID
}

func TestCheckPermissionRoleBased(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)

	if !svc.CheckPermission(context.Background(), userID, "transaction", "create", "", true) {
		t.Fatal("role-based permission should grant")
	}
	if got := store.lastLog(t); !got.Granted || got.Reason != "Role-based permission" {
		t.Fatalf("unexpected log: %+v", got)
	}

	if svc.CheckPermission(context.Background(), userID, "system", "admin", "", true) {
		t.Fatal("user role must not grant system:admin")
	}
	if got := store.lastLog(t); got.Granted || got.Reason != "No matching permissions found" {
		t.Fatalf("unexpected log: %+v", got)
	}
}

func TestCheckPermissionDenyOverridesRole(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	ctx := context.Background()

	perm, err := store.GetPermissionByName(ctx, "transaction:create")
	if err != nil {
		t.Fatalf("GetPermissionByName: %v", err)
	}
	if _, err := svc.DenyUserPermission(ctx, userID, perm.ID, "admin-1", ""); err != nil {
		t.Fatalf("DenyUserPermission: %v", err)
	}

	if svc.CheckPermission(ctx, userID, "transaction", "create", "", true) {
		t.Fatal("deny override must beat role-based grant")
	}
	if got := store.lastLog(t); got.Reason != "Direct user permission: denied" {
		t.Fatalf("unexpected reason: %q", got.Reason)
	}
}

func TestCheckPermissionDenyBeatsGrant(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	ctx := context.Background()

	perm, err := store.GetPermissionByName(ctx, "tax:file")
	if err != nil {
		t.Fatalf("GetPermissionByName: %v", err)
	}
	if _, err := svc.GrantUserPermission(ctx, userID, perm.ID, "admin-1", "", nil); err != nil {
		t.Fatalf("GrantUserPermission: %v", err)
	}
	if _, err := svc.DenyUserPermission(ctx, userID, perm.ID, "admin-1", ""); err != nil {
		t.Fatalf("DenyUserPermission: %v", err)
	}

	if svc.CheckPermission(ctx, userID, "tax", "file", "", true) {
		t.Fatal("deny must win when both overrides exist")
	}
}

func TestCheckPermissionGrantOverrideWithoutRole(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	ctx := context.Background()

	// system:admin is not held by the user role.
	perm, err := store.GetPermissionByName(ctx, "system:admin")
	if err != nil {
		t.Fatalf("GetPermissionByName: %v", err)
	}
	if _, err := svc.GrantUserPermission(ctx, userID, perm.ID, "admin-1", "", nil); err != nil {
		t.Fatalf("GrantUserPermission: %v", err)
	}

	if !svc.CheckPermission(ctx, userID, "system", "admin", "", true) {
		t.Fatal("grant override should grant without role backing")
	}
	if got := store.lastLog(t); got.Reason != "Direct user permission: granted" {
		t.Fatalf("unexpected reason: %q", got.Reason)
	}
}

func TestCheckPermissionExpiredOverrideIgnored(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })

	perm, err := store.GetPermissionByName(ctx, "system:admin")
	if err != nil {
		t.Fatalf("GetPermissionByName: %v", err)
	}
	expires := base.Add(time.Hour)
	if _, err := svc.GrantUserPermission(ctx, userID, perm.ID, "admin-1", "", &expires); err != nil {
		t.Fatalf("GrantUserPermission: %v", err)
	}

	if !svc.CheckPermission(ctx, userID, "system", "admin", "", true) {
		t.Fatal("unexpired grant should apply")
	}

	svc.WithClock(func() time.Time { return base.Add(2 * time.Hour) })
	if svc.CheckPermission(ctx, userID, "system", "admin", "", true) {
		t.Fatal("expired grant must be ignored")
	}
	if got := store.lastLog(t); got.Reason != "No matching permissions found" {
		t.Fatalf("unexpected reason: %q", got.Reason)
	}
}

func TestCheckPermissionResourceScopedOverride(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	ctx := context.Background()

	perm, err := store.GetPermissionByName(ctx, "transaction:delete")
	if err != nil {
		t.Fatalf("GetPermissionByName: %v", err)
	}
	if _, err := svc.DenyUserPermission(ctx, userID, perm.ID, "admin-1", "txn-123"); err != nil {
		t.Fatalf("DenyUserPermission: %v", err)
	}

	if svc.CheckPermission(ctx, userID, "transaction", "delete", "txn-123", true) {
		t.Fatal("scoped deny must block the named resource")
	}
	if !svc.CheckPermission(ctx, userID, "transaction", "delete", "txn-999", true) {
		t.Fatal("scoped deny must not block other resources")
	}
}

func TestCheckPermissionInactiveUserDenied(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	store.subjects[userID] = Subject{ID: userID, IsActive: false}

	if svc.CheckPermission(context.Background(), userID, "transaction", "read", "", true) {
		t.Fatal("inactive user must be denied")
	}
	if got := store.lastLog(t); got.Reason != "User not found or inactive" {
		t.Fatalf("unexpected reason: %q", got.Reason)
	}
}

func TestCheckPermissionUnknownUserDenied(t *testing.T) {
	_, svc, _ := seedCheckFixture(t)
	if svc.CheckPermission(context.Background(), "no-such-user", "transaction", "read", "", true) {
		t.Fatal("unknown user must be denied")
	}
}

func TestCheckPermissionFailsClosedOnStoreError(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	store.failSubjects = true
	if svc.CheckPermission(context.Background(), userID, "transaction", "read", "", true) {
		t.Fatal("store error must deny")
	}
}

func TestCheckPermissionLogFailureDoesNotChangeDecision(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	store.failLogs = true
	if !svc.CheckPermission(context.Background(), userID, "transaction", "read", "", true) {
		t.Fatal("failing access log must not flip a grant")
	}
}

func TestCheckPermissionLogAccessSuppressed(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	ctx := context.Background()

	if !svc.CheckPermission(ctx, userID, "transaction", "create", "", false) {
		t.Fatal("suppressing the log must not change the decision")
	}
	if len(store.accessLogs) != 0 {
		t.Fatalf("expected no access log rows, got %d", len(store.accessLogs))
	}

	if !svc.CheckPermission(ctx, userID, "transaction", "create", "", true) {
		t.Fatal("logged check should grant")
	}
	if len(store.accessLogs) != 1 {
		t.Fatalf("expected 1 access log row, got %d", len(store.accessLogs))
	}
}

func TestDeleteRoleGuards(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	ctx := context.Background()

	system, err := store.GetRoleByName(ctx, "user")
	if err != nil {
		t.Fatalf("GetRoleByName: %v", err)
	}
	if err := svc.DeleteRole(ctx, system.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict deleting system role, got %v", err)
	}

	custom, err := svc.CreateRole(ctx, "auditor", "Auditor", "Audit access", "")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.AssignRoleToUser(ctx, userID, custom.ID, ""); err != nil {
		t.Fatalf("AssignRoleToUser: %v", err)
	}
	if err := svc.DeleteRole(ctx, custom.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict deleting assigned role, got %v", err)
	}

	if err := svc.RemoveRoleFromUser(ctx, userID, custom.ID); err != nil {
		t.Fatalf("RemoveRoleFromUser: %v", err)
	}
	if err := svc.DeleteRole(ctx, custom.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
}

func TestEffectivePermissionsAppliesOverrides(t *testing.T) {
	store, svc, userID := seedCheckFixture(t)
	ctx := context.Background()

	deny, err := store.GetPermissionByName(ctx, "transaction:delete")
	if err != nil {
		t.Fatalf("GetPermissionByName: %v", err)
	}
	if _, err := svc.DenyUserPermission(ctx, userID, deny.ID, "admin-1", ""); err != nil {
		t.Fatalf("DenyUserPermission: %v", err)
	}
	grant, err := store.GetPermissionByName(ctx, "system:audit")
	if err != nil {
		t.Fatalf("GetPermissionByName: %v", err)
	}
	if _, err := svc.GrantUserPermission(ctx, userID, grant.ID, "admin-1", "", nil); err != nil {
		t.Fatalf("GrantUserPermission: %v", err)
	}

	keys, err := svc.EffectivePermissions(ctx, userID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	set := map[string]bool{}
	for _, k := range keys {
		set[k] = true
	}
	if set["transaction:delete"] {
		t.Fatal("denied permission must be absent")
	}
	if !set["system:audit"] {
		t.Fatal("granted permission must be present")
	}
	if !set["transaction:create"] {
		t.Fatal("role permission must be present")
	}
}

func TestEnsureDefaultsIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	if err := svc.EnsureDefaults(ctx); err != nil {
		t.Fatalf("first EnsureDefaults: %v", err)
	}
	if err := svc.EnsureDefaults(ctx); err != nil {
		t.Fatalf("second EnsureDefaults: %v", err)
	}

	perms, err := svc.ListPermissions(ctx, false)
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	if len(perms) != len(defaultPermissions) {
		t.Fatalf("expected %d permissions, got %d", len(defaultPermissions), len(perms))
	}
	roles, err := svc.ListRoles(ctx, false)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != len(defaultRoles) {
		t.Fatalf("expected %d roles, got %d", len(defaultRoles), len(roles))
	}

	admin, err := store.GetRoleByName(ctx, "admin")
	if err != nil {
		t.Fatalf("GetRoleByName: %v", err)
	}
	adminPerms, err := svc.RolePermissions(ctx, admin.ID)
	if err != nil {
		t.Fatalf("RolePermissions: %v", err)
	}
	if len(adminPerms) != len(defaultPermissions) {
		t.Fatalf("admin should hold every permission, got %d", len(adminPerms))
	}
}
