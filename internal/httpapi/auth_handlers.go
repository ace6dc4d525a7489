package httpapi

import (
	"net/http"

	"pesatrack.app/internal/audit"
)

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	result, err := a.auth.Register(r.Context(), req.Email, req.Password, req.FirstName, req.LastName, audit.ContextFromRequest(r))
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	result, err := a.auth.Login(r.Context(), req.Email, req.Password, audit.ContextFromRequest(r))
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type completeMFARequest struct {
	SessionToken  string `json:"mfa_session_token"`
	Code          string `json:"code"`
	UseBackupCode bool   `json:"use_backup_code"`
}

func (a *API) CompleteMFALogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req completeMFARequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	result, err := a.auth.CompleteMFALogin(r.Context(), req.SessionToken, req.Code, req.UseBackupCode, audit.ContextFromRequest(r))
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) RefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	access, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"token_type":   "bearer",
	})
}

func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	a.audits.LogAuthenticationEvent(r.Context(), audit.ActionLogout, p.Email, true, audit.ContextFromRequest(r), p.UserID, "")
	writeJSON(w, http.StatusOK, map[string]any{"message": "Successfully logged out"})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (a *API) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	msg := a.auth.ForgotPassword(r.Context(), req.Email, audit.ContextFromRequest(r))
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (a *API) Profile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	user, err := a.auth.UserByEmail(r.Context(), p.Email)
	if err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"first_name":   user.FirstName,
		"last_name":    user.LastName,
		"is_active":    user.IsActive,
		"mfa_verified": p.MFAVerified,
		"roles":        p.Roles,
		"created_at":   user.CreatedAt,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if err := a.auth.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword, audit.ContextFromRequest(r)); err != nil {
		a.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Password updated successfully"})
}
