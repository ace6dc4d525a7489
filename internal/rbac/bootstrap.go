package rbac

import (
	"context"
	"errors"
	"fmt"

	"pesatrack.app/internal/ids"
)

type seedPermission struct {
	name        string
	displayName string
	resource    string
	action      string
}

var defaultPermissions = []seedPermission{
	{"user:create", "Create User", "user", "create"},
	{"user:read", "Read User", "user", "read"},
	{"user:update", "Update User", "user", "update"},
	{"user:delete", "Delete User", "user", "delete"},

	{"account:create", "Create Account", "account", "create"},
	{"account:read", "Read Account", "account", "read"},
	{"account:update", "Update Account", "account", "update"},
	{"account:delete", "Delete Account", "account", "delete"},

	{"transaction:create", "Create Transaction", "transaction", "create"},
	{"transaction:read", "Read Transaction", "transaction", "read"},
	{"transaction:update", "Update Transaction", "transaction", "update"},
	{"transaction:delete", "Delete Transaction", "transaction", "delete"},
	{"transaction:import", "Import Transactions", "transaction", "import"},

	{"category:create", "Create Category", "category", "create"},
	{"category:read", "Read Category", "category", "read"},
	{"category:update", "Update Category", "category", "update"},
	{"category:delete", "Delete Category", "category", "delete"},

	{"report:generate", "Generate Reports", "report", "generate"},
	{"report:export", "Export Reports", "report", "export"},

	{"tax:file", "File Tax Returns", "tax", "file"},
	{"tax:read", "Read Tax Data", "tax", "read"},

	{"business:create", "Create Business Entity", "business", "create"},
	{"business:read", "Read Business Data", "business", "read"},
	{"business:update", "Update Business Data", "business", "update"},

	{"system:admin", "System Administration", "system", "admin"},
	{"system:audit", "View Audit Logs", "system", "audit"},
}

var standardUserPermissions = []string{
	"account:create", "account:read", "account:update", "account:delete",
	"transaction:create", "transaction:read", "transaction:update", "transaction:delete", "transaction:import",
	"category:create", "category:read", "category:update", "category:delete",
	"report:generate", "report:export",
	"tax:file", "tax:read",
}

var businessUserPermissions = append(append([]string{}, standardUserPermissions...),
	"business:create", "business:read", "business:update",
)

var readonlyPermissions = []string{
	"account:read", "transaction:read", "category:read", "report:generate", "tax:read", "business:read",
}

type seedRole struct {
	name        string
	displayName string
	description string
	permissions []string // nil means all
}

var defaultRoles = []seedRole{
	{"admin", "Administrator", "Full system access", nil},
	{"user", "Regular User", "Standard user access", standardUserPermissions},
	{"business_user", "Business User", "Business features access", businessUserPermissions},
	{"readonly", "Read Only", "Read-only access", readonlyPermissions},
}

// EnsureDefaults seeds the system permission catalog and the four built-in
// roles. Safe to run on every startup: existing rows are left alone.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	for _, sp := range defaultPermissions {
		if _, err := s.store.GetPermissionByName(ctx, sp.name); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("seed permission %s: %w", sp.name, err)
		}
		p := Permission{
			ID:          ids.New(),
			Name:        sp.name,
			DisplayName: sp.displayName,
			Resource:    sp.resource,
			Action:      sp.action,
			IsSystem:    true,
			IsActive:    true,
			CreatedAt:   s.now().UTC(),
		}
		if _, err := s.store.CreatePermission(ctx, p); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("seed permission %s: %w", sp.name, err)
		}
	}

	for _, sr := range defaultRoles {
		role, err := s.store.GetRoleByName(ctx, sr.name)
		if errors.Is(err, ErrNotFound) {
			now := s.now().UTC()
			role, err = s.store.CreateRole(ctx, Role{
				ID:          ids.New(),
				Name:        sr.name,
				DisplayName: sr.displayName,
				Description: sr.description,
				IsSystem:    true,
				IsActive:    true,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		if err != nil {
			return fmt.Errorf("seed role %s: %w", sr.name, err)
		}

		names := sr.permissions
		if names == nil {
			for _, sp := range defaultPermissions {
				names = append(names, sp.name)
			}
		}
		for _, name := range names {
			perm, err := s.store.GetPermissionByName(ctx, name)
			if err != nil {
				return fmt.Errorf("seed role %s: permission %s: %w", sr.name, name, err)
			}
			if err := s.store.AssignPermissionToRole(ctx, role.ID, perm.ID); err != nil && !errors.Is(err, ErrConflict) {
				return fmt.Errorf("seed role %s: assign %s: %w", sr.name, name, err)
			}
		}
	}
	return nil
}
