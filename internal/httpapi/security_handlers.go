package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"pesatrack.app/internal/audit"
	"pesatrack.app/internal/ids"
	"pesatrack.app/internal/mfa"
	"pesatrack.app/internal/rbac"
)

// --- MFA self-service ---

type setupTOTPRequest struct {
	MethodName string `json:"method_name"`
}

func (a *API) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req setupTOTPRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
	}
	enrollment, err := a.mfa.SetupTOTP(r.Context(), p.UserID, p.Email, req.MethodName)
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"method_id":        enrollment.MethodID,
		"secret":           enrollment.Secret,
		"qr_code":          enrollment.QRCode,
		"backup_codes":     enrollment.BackupCodes,
		"provisioning_uri": enrollment.ProvisioningURI,
	})
}

type verifySetupRequest struct {
	MethodID string `json:"method_id"`
	Code     string `json:"code"`
}

func (a *API) VerifyTOTPSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req verifySetupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	attempt := attemptFromRequest(r)
	if !a.mfa.VerifyTOTPSetup(r.Context(), req.MethodID, req.Code, attempt) {
		writeError(w, http.StatusUnauthorized, "INVALID_MFA_CODE", "invalid verification code")
		return
	}
	a.audits.LogAction(r.Context(), audit.ActionRecord{
		Action:       audit.ActionMFAEnabled,
		UserID:       p.UserID,
		UserEmail:    p.Email,
		ResourceType: "mfa_method",
		ResourceID:   req.MethodID,
		Severity:     audit.SeverityMedium,
		Description:  "TOTP method verified and enabled",
		Request:      audit.ContextFromRequest(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (a *API) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := a.requireMFAVerified(w, r)
	if !ok {
		return
	}
	codes, err := a.mfa.RegenerateBackupCodes(r.Context(), p.UserID)
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (a *API) MFAMethods(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	methods, err := a.mfa.Methods(r.Context(), p.UserID)
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"methods": methods})
}

// MFAMethodByID handles /v1/security/mfa/methods/{id}. Disabling a factor is
// a sensitive operation and requires a token minted through a completed MFA
// challenge.
func (a *API) MFAMethodByID(w http.ResponseWriter, r *http.Request) {
	methodID := strings.TrimPrefix(r.URL.Path, "/v1/security/mfa/methods/")
	if methodID == "" || strings.Contains(methodID, "/") || !ids.Valid(methodID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, http.MethodDelete)
		return
	}
	p, ok := a.requireMFAVerified(w, r)
	if !ok {
		return
	}
	if err := a.mfa.DisableMethod(r.Context(), methodID, p.UserID); err != nil {
		a.handleServiceError(w, err)
		return
	}
	a.audits.LogAction(r.Context(), audit.ActionRecord{
		Action:       audit.ActionMFADisabled,
		UserID:       p.UserID,
		UserEmail:    p.Email,
		ResourceType: "mfa_method",
		ResourceID:   methodID,
		Severity:     audit.SeverityHigh,
		Description:  "MFA method disabled",
		Request:      audit.ContextFromRequest(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{"disabled": true})
}

// --- RBAC administration ---

type createRoleRequest struct {
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	Description  string `json:"description"`
	ParentRoleID string `json:"parent_role_id"`
}

func (a *API) Roles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.requirePermission(w, r, "system", "admin"); !ok {
			return
		}
		includeInactive := r.URL.Query().Get("include_inactive") == "true"
		roles, err := a.rbac.ListRoles(r.Context(), includeInactive)
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		p, ok := a.requirePermission(w, r, "system", "admin")
		if !ok {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), req.Name, req.DisplayName, req.Description, req.ParentRoleID)
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		a.audits.LogAction(r.Context(), audit.ActionRecord{
			Action:       audit.ActionUserUpdated,
			UserID:       p.UserID,
			UserEmail:    p.Email,
			ResourceType: "role",
			ResourceID:   role.ID,
			Severity:     audit.SeverityMedium,
			Description:  "Role created: " + role.Name,
			Request:      audit.ContextFromRequest(r),
		})
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

type updateRoleRequest struct {
	DisplayName *string `json:"display_name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

type assignPermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

// RoleByID handles /v1/security/roles/{id} and
// /v1/security/roles/{id}/permissions[/{permissionID}].
func (a *API) RoleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/security/roles/")
	roleID, sub, _ := strings.Cut(rest, "/")
	if !ids.Valid(roleID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	if _, ok := a.requirePermission(w, r, "system", "admin"); !ok {
		return
	}

	if sub != "" {
		a.rolePermissions(w, r, roleID, sub)
		return
	}

	switch r.Method {
	case http.MethodGet:
		role, err := a.rbac.GetRole(r.Context(), roleID)
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPut:
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), roleID, rbac.RoleUpdate{
			DisplayName: req.DisplayName,
			Description: req.Description,
			IsActive:    req.IsActive,
		})
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if err := a.rbac.DeleteRole(r.Context(), roleID); err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) rolePermissions(w http.ResponseWriter, r *http.Request, roleID, sub string) {
	part, permissionID, _ := strings.Cut(sub, "/")
	if part != "permissions" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}

	switch {
	case r.Method == http.MethodGet && permissionID == "":
		perms, err := a.rbac.RolePermissions(r.Context(), roleID)
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	case r.Method == http.MethodPost && permissionID == "":
		var req assignPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		if err := a.rbac.AssignPermissionToRole(r.Context(), roleID, req.PermissionID); err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"assigned": true})
	case r.Method == http.MethodDelete && permissionID != "":
		if err := a.rbac.RemovePermissionFromRole(r.Context(), roleID, permissionID); err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": true})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

func (a *API) Permissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.requirePermission(w, r, "system", "admin"); !ok {
			return
		}
		includeInactive := r.URL.Query().Get("include_inactive") == "true"
		perms, err := a.rbac.ListPermissions(r.Context(), includeInactive)
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	case http.MethodPost:
		if _, ok := a.requirePermission(w, r, "system", "admin"); !ok {
			return
		}
		var req createPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		perm, err := a.rbac.CreatePermission(r.Context(), req.Name, req.DisplayName, req.Resource, req.Action, req.Description)
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, perm)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type grantPermissionRequest struct {
	PermissionID string     `json:"permission_id"`
	Effect       string     `json:"effect"`
	ResourceID   string     `json:"resource_id"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// UserSecurity handles /v1/security/users/{id}/roles[/{roleID}] and
// /v1/security/users/{id}/permissions[/{userPermissionID}].
func (a *API) UserSecurity(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/security/users/")
	userID, sub, _ := strings.Cut(rest, "/")
	if !ids.Valid(userID) || sub == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	p, ok := a.requirePermission(w, r, "system", "admin")
	if !ok {
		return
	}

	part, targetID, _ := strings.Cut(sub, "/")
	switch part {
	case "roles":
		a.userRoles(w, r, p.UserID, userID, targetID)
	case "permissions":
		a.userPermissions(w, r, p.UserID, userID, targetID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	}
}

func (a *API) userRoles(w http.ResponseWriter, r *http.Request, adminID, userID, roleID string) {
	switch {
	case r.Method == http.MethodGet && roleID == "":
		roles, err := a.rbac.UserRoles(r.Context(), userID)
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case r.Method == http.MethodPost && roleID == "":
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		if err := a.rbac.AssignRoleToUser(r.Context(), userID, req.RoleID, adminID); err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"assigned": true})
	case r.Method == http.MethodDelete && roleID != "":
		if err := a.rbac.RemoveRoleFromUser(r.Context(), userID, roleID); err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": true})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) userPermissions(w http.ResponseWriter, r *http.Request, adminID, userID, overrideID string) {
	switch {
	case r.Method == http.MethodGet && overrideID == "":
		perms, err := a.rbac.EffectivePermissions(r.Context(), userID)
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	case r.Method == http.MethodPost && overrideID == "":
		var req grantPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		var (
			up  rbac.UserPermission
			err error
		)
		switch req.Effect {
		case "", string(rbac.EffectGrant):
			up, err = a.rbac.GrantUserPermission(r.Context(), userID, req.PermissionID, adminID, req.ResourceID, req.ExpiresAt)
		case string(rbac.EffectDeny):
			up, err = a.rbac.DenyUserPermission(r.Context(), userID, req.PermissionID, adminID, req.ResourceID)
		default:
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "effect must be grant or deny")
			return
		}
		if err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, up)
	case r.Method == http.MethodDelete && overrideID != "":
		if err := a.rbac.RevokeUserPermission(r.Context(), overrideID); err != nil {
			a.handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

// --- audit trail ---

func (a *API) AuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, "system", "audit"); !ok {
		return
	}
	q := r.URL.Query()
	entries, err := a.audits.Entries(r.Context(), audit.EntryFilter{
		UserID:   q.Get("user_id"),
		Action:   audit.Action(q.Get("action")),
		Severity: audit.Severity(q.Get("severity")),
		Since:    parseSince(q.Get("since")),
		Limit:    parseLimit(q.Get("limit")),
	})
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, "system", "audit"); !ok {
		return
	}
	q := r.URL.Query()
	events, err := a.audits.SecurityEvents(r.Context(), audit.EventFilter{
		EventType:  q.Get("event_type"),
		Severity:   audit.Severity(q.Get("severity")),
		Unresolved: q.Get("unresolved") == "true",
		Since:      parseSince(q.Get("since")),
		Limit:      parseLimit(q.Get("limit")),
	})
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// SecurityEventByID handles /v1/security/security-events/{id}/resolve.
func (a *API) SecurityEventByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/security/security-events/")
	eventID, sub, _ := strings.Cut(rest, "/")
	if !ids.Valid(eventID) || sub != "resolve" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := a.requirePermission(w, r, "system", "audit")
	if !ok {
		return
	}
	if err := a.audits.ResolveSecurityEvent(r.Context(), eventID, p.UserID); err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

func (a *API) AccessLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, "system", "audit"); !ok {
		return
	}
	q := r.URL.Query()
	logs, err := a.rbac.AccessLogs(r.Context(), q.Get("user_id"), parseLimit(q.Get("limit")))
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_logs": logs})
}

func (a *API) SecurityDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, ok := a.requirePermission(w, r, "system", "audit"); !ok {
		return
	}
	stats, err := a.audits.Dashboard(r.Context())
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":           stats,
		"endpoint_limits": LimitedEndpoints(),
	})
}

// --- helpers ---

func attemptFromRequest(r *http.Request) mfa.Attempt {
	req := audit.ContextFromRequest(r)
	return mfa.Attempt{IPAddress: req.IPAddress, UserAgent: req.UserAgent}
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func parseSince(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
