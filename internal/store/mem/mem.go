// Package mem provides an in-process implementation of every store
// interface. It backs the HTTP layer tests and local development without
// Postgres; production runs on the pg package.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pesatrack.app/internal/audit"
	"pesatrack.app/internal/auth"
	"pesatrack.app/internal/mfa"
	"pesatrack.app/internal/rbac"
)

// Store holds everything behind one mutex. Good enough for tests and a
// single dev process; not meant to scale.
type Store struct {
	mu sync.Mutex

	users map[string]auth.User

	roles           map[string]rbac.Role
	permissions     map[string]rbac.Permission
	rolePermissions map[string]map[string]bool // roleID -> permissionID
	userRoles       map[string]map[string]bool // userID -> roleID
	overrides       map[string]rbac.UserPermission
	accessLogs      []rbac.AccessLog

	methods  map[string]mfa.Method
	attempts []mfa.Attempt
	sessions map[string]mfa.Session // keyed by token

	entries []audit.Entry
	events  map[string]audit.SecurityEvent
}

var (
	_ auth.UserStore = (*Store)(nil)
	_ rbac.Store     = (*Store)(nil)
	_ mfa.Store      = (*Store)(nil)
	_ audit.Store    = (*Store)(nil)
)

func New() *Store {
	return &Store{
		users:           map[string]auth.User{},
		roles:           map[string]rbac.Role{},
		permissions:     map[string]rbac.Permission{},
		rolePermissions: map[string]map[string]bool{},
		userRoles:       map[string]map[string]bool{},
		overrides:       map[string]rbac.UserPermission{},
		methods:         map[string]mfa.Method{},
		sessions:        map[string]mfa.Session{},
		events:          map[string]audit.SecurityEvent{},
	}
}

// --- auth.UserStore ---

func (s *Store) CreateUser(_ context.Context, u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return auth.User{}, fmt.Errorf("%w: email taken", auth.ErrConflict)
		}
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUserByID(_ context.Context, userID string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (s *Store) UpdateUser(_ context.Context, userID string, upd auth.UserUpdate) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return u, nil
}

// --- rbac.Store ---

func (s *Store) GetSubject(_ context.Context, userID string) (rbac.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return rbac.Subject{}, rbac.ErrNotFound
	}
	return rbac.Subject{ID: u.ID, Email: u.Email, IsActive: u.IsActive}, nil
}

func (s *Store) CreateRole(_ context.Context, r rbac.Role) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == r.Name {
			return rbac.Role{}, fmt.Errorf("%w: role %s exists", rbac.ErrConflict, r.Name)
		}
	}
	s.roles[r.ID] = r
	return r, nil
}

func (s *Store) GetRole(_ context.Context, roleID string) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return r, nil
}

func (s *Store) GetRoleByName(_ context.Context, name string) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return rbac.Role{}, rbac.ErrNotFound
}

func (s *Store) ListRoles(_ context.Context, includeInactive bool) ([]rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rbac.Role, 0, len(s.roles))
	for _, r := range s.roles {
		if !includeInactive && !r.IsActive {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateRole(_ context.Context, roleID string, upd rbac.RoleUpdate) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
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
	r.UpdatedAt = time.Now().UTC()
	s.roles[roleID] = r
	return r, nil
}

func (s *Store) DeleteRole(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return rbac.ErrNotFound
	}
	delete(s.roles, roleID)
	delete(s.rolePermissions, roleID)
	for _, assigned := range s.userRoles {
		delete(assigned, roleID)
	}
	return nil
}

func (s *Store) CountRoleAssignments(_ context.Context, roleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, assigned := range s.userRoles {
		if assigned[roleID] {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreatePermission(_ context.Context, p rbac.Permission) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if existing.Name == p.Name {
			return rbac.Permission{}, fmt.Errorf("%w: permission %s exists", rbac.ErrConflict, p.Name)
		}
	}
	s.permissions[p.ID] = p
	return p, nil
}

func (s *Store) GetPermission(_ context.Context, permissionID string) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[permissionID]
	if !ok {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPermissionByName(_ context.Context, name string) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.permissions {
		if p.Name == name {
			return p, nil
		}
	}
	return rbac.Permission{}, rbac.ErrNotFound
}

func (s *Store) ListPermissions(_ context.Context, includeInactive bool) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rbac.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		if !includeInactive && !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) PermissionsFor(_ context.Context, resource, action string) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.Permission
	for _, p := range s.permissions {
		if p.IsActive && p.Resource == resource && p.Action == action {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) AssignPermissionToRole(_ context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return rbac.ErrNotFound
	}
	if _, ok := s.permissions[permissionID]; !ok {
		return rbac.ErrNotFound
	}
	if s.rolePermissions[roleID] == nil {
		s.rolePermissions[roleID] = map[string]bool{}
	}
	if s.rolePermissions[roleID][permissionID] {
		return fmt.Errorf("%w: already assigned", rbac.ErrConflict)
	}
	s.rolePermissions[roleID][permissionID] = true
	return nil
}

func (s *Store) RemovePermissionFromRole(_ context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rolePermissions[roleID][permissionID] {
		return rbac.ErrNotFound
	}
	delete(s.rolePermissions[roleID], permissionID)
	return nil
}

func (s *Store) RolePermissions(_ context.Context, roleID string) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.Permission
	for id := range s.rolePermissions[roleID] {
		if p, ok := s.permissions[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) AssignRoleToUser(_ context.Context, a rbac.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return rbac.ErrNotFound
	}
	if s.userRoles[a.UserID] == nil {
		s.userRoles[a.UserID] = map[string]bool{}
	}
	if s.userRoles[a.UserID][a.RoleID] {
		return fmt.Errorf("%w: already assigned", rbac.ErrConflict)
	}
	s.userRoles[a.UserID][a.RoleID] = true
	return nil
}

func (s *Store) RemoveRoleFromUser(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.userRoles[userID][roleID] {
		return rbac.ErrNotFound
	}
	delete(s.userRoles[userID], roleID)
	return nil
}

func (s *Store) UserRoles(_ context.Context, userID string) ([]rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.Role
	for id := range s.userRoles[userID] {
		if r, ok := s.roles[id]; ok && r.IsActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) RoleHasPermission(_ context.Context, roleIDs, permissionIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, roleID := range roleIDs {
		for _, permID := range permissionIDs {
			if s.rolePermissions[roleID][permID] {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Store) CreateUserPermission(_ context.Context, up rbac.UserPermission) (rbac.UserPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[up.ID] = up
	return up, nil
}

func (s *Store) DeleteUserPermission(_ context.Context, userPermissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overrides[userPermissionID]; !ok {
		return rbac.ErrNotFound
	}
	delete(s.overrides, userPermissionID)
	return nil
}

func (s *Store) UserPermissionsFor(_ context.Context, userID string, permissionIDs []string, now time.Time) ([]rbac.UserPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range permissionIDs {
		wanted[id] = true
	}
	var out []rbac.UserPermission
	for _, up := range s.overrides {
		if up.UserID == userID && wanted[up.PermissionID] && !up.Expired(now) {
			out = append(out, up)
		}
	}
	return out, nil
}

func (s *Store) UserPermissions(_ context.Context, userID string, now time.Time) ([]rbac.UserPermission, map[string]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.UserPermission
	byID := map[string]rbac.Permission{}
	for _, up := range s.overrides {
		if up.UserID != userID || up.Expired(now) {
			continue
		}
		out = append(out, up)
		if p, ok := s.permissions[up.PermissionID]; ok {
			byID[up.PermissionID] = p
		}
	}
	return out, byID, nil
}

func (s *Store) AppendAccessLog(_ context.Context, l rbac.AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessLogs = append(s.accessLogs, l)
	return nil
}

func (s *Store) ListAccessLogs(_ context.Context, userID string, limit int) ([]rbac.AccessLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.AccessLog
	for i := len(s.accessLogs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.accessLogs[i].UserID == userID {
			out = append(out, s.accessLogs[i])
		}
	}
	return out, nil
}

// --- mfa.Store ---

func (s *Store) CreateMethod(_ context.Context, m mfa.Method) (mfa.Method, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[m.ID] = m
	return m, nil
}

func (s *Store) GetMethod(_ context.Context, methodID string) (mfa.Method, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok {
		return mfa.Method{}, mfa.ErrNotFound
	}
	return m, nil
}

func (s *Store) TOTPMethod(_ context.Context, userID string, verifiedOnly bool) (mfa.Method, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.methods {
		if m.UserID != userID || m.MethodType != mfa.MethodTOTP || !m.IsActive {
			continue
		}
		if verifiedOnly && !m.IsVerified {
			continue
		}
		return m, nil
	}
	return mfa.Method{}, mfa.ErrNotFound
}

func (s *Store) ListMethods(_ context.Context, userID string) ([]mfa.Method, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mfa.Method
	for _, m := range s.methods {
		if m.UserID == userID && m.IsActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkMethodVerified(_ context.Context, methodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok {
		return mfa.ErrNotFound
	}
	m.IsVerified = true
	s.methods[methodID] = m
	return nil
}

func (s *Store) RecordMethodUse(_ context.Context, methodID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok {
		return mfa.ErrNotFound
	}
	m.LastUsed = &usedAt
	m.UseCount++
	s.methods[methodID] = m
	return nil
}

func (s *Store) ReplaceBackupCodes(_ context.Context, methodID, prev, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok {
		return mfa.ErrNotFound
	}
	if m.BackupCodes != prev {
		return mfa.ErrConflict
	}
	m.BackupCodes = next
	s.methods[methodID] = m
	return nil
}

func (s *Store) DisableMethod(_ context.Context, methodID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[methodID]
	if !ok || m.UserID != userID {
		return mfa.ErrNotFound
	}
	m.IsActive = false
	s.methods[methodID] = m
	return nil
}

func (s *Store) CountVerifiedMethods(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.methods {
		if m.UserID == userID && m.IsActive && m.IsVerified {
			count++
		}
	}
	return count, nil
}

func (s *Store) AppendAttempt(_ context.Context, a mfa.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *Store) CreateSession(_ context.Context, sess mfa.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = sess
	return nil
}

func (s *Store) GetSessionByToken(_ context.Context, token string) (mfa.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return mfa.Session{}, mfa.ErrNotFound
	}
	return sess, nil
}

func (s *Store) CompleteSession(_ context.Context, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return mfa.ErrNotFound
	}
	if !sess.Valid(now) {
		return mfa.ErrConflict
	}
	sess.IsVerified = true
	verifiedAt := now
	sess.VerifiedAt = &verifiedAt
	s.sessions[token] = sess
	return nil
}

// --- audit.Store ---

func (s *Store) AppendEntry(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *Store) AppendSecurityEvent(_ context.Context, ev *audit.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = *ev
	return nil
}

func (s *Store) ListEntries(_ context.Context, f audit.EntryFilter) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < f.Limit; i-- {
		e := s.entries[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ListSecurityEvents(_ context.Context, f audit.EventFilter) ([]audit.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.SecurityEvent
	for _, ev := range s.events {
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if f.Unresolved && ev.Resolved {
			continue
		}
		if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ResolveSecurityEvent(_ context.Context, eventID, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return audit.ErrNotFound
	}
	now := time.Now().UTC()
	ev.Resolved = true
	ev.ResolvedAt = &now
	ev.ResolvedBy = resolvedBy
	s.events[eventID] = ev
	return nil
}

func (s *Store) DashboardStats(_ context.Context, since time.Time) (audit.DashboardStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats audit.DashboardStats
	activeUsers := map[string]bool{}
	for _, e := range s.entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		if e.Action == audit.ActionLoginFailed {
			stats.FailedLogins++
		}
		if e.UserID != "" {
			activeUsers[e.UserID] = true
		}
	}
	for _, ev := range s.events {
		if !ev.Resolved {
			stats.UnresolvedSecurityEvents++
		}
		if !ev.CreatedAt.Before(since) {
			stats.SecurityEvents++
		}
	}
	stats.ActiveUsers = len(activeUsers)
	return stats, nil
}

// SecurityEventsSnapshot returns a copy of recorded security events. Test
// helper.
func (s *Store) SecurityEventsSnapshot() []audit.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.SecurityEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	return out
}

// EntriesSnapshot returns a copy of recorded audit entries. Test helper.
func (s *Store) EntriesSnapshot() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries...)
}
