package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pesatrack.app/internal/audit"
	"pesatrack.app/internal/auth"
	"pesatrack.app/internal/mfa"
	"pesatrack.app/internal/obs"
	"pesatrack.app/internal/rbac"
)

// Pinger is anything that can answer a liveness ping, typically the
// Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the dependencies the service cannot run without.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Options carries the HTTP layer's tunables.
type Options struct {
	Version        string
	AllowedOrigins []string
	MaxRequestSize int64
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	auth   *auth.Service
	rbac   *rbac.Service
	mfa    *mfa.Service
	audits *audit.Service

	limiter    *RateLimiter
	monitoring *SecurityMonitoring

	allowedOrigins []string
	maxRequestSize int64
}

func New(rp ReadyProbe, authSvc *auth.Service, rbacSvc *rbac.Service, mfaSvc *mfa.Service, audits *audit.Service, limiter *RateLimiter, opts Options) *API {
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = 50 << 20
	}
	a := &API{
		mux:            http.NewServeMux(),
		readyProbe:     rp,
		version:        opts.Version,
		auth:           authSvc,
		rbac:           rbacSvc,
		mfa:            mfaSvc,
		audits:         audits,
		limiter:        limiter,
		monitoring:     NewSecurityMonitoring(audits),
		allowedOrigins: opts.AllowedOrigins,
		maxRequestSize: opts.MaxRequestSize,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/register", a.Register)
	a.mux.HandleFunc("/v1/auth/login", a.Login)
	a.mux.HandleFunc("/v1/auth/mfa/complete", a.CompleteMFALogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.RefreshToken)
	a.mux.HandleFunc("/v1/auth/logout", a.Logout)
	a.mux.HandleFunc("/v1/auth/forgot-password", a.ForgotPassword)
	a.mux.HandleFunc("/v1/auth/profile", a.Profile)
	a.mux.HandleFunc("/v1/auth/change-password", a.ChangePassword)

	// MFA management
	a.mux.HandleFunc("/v1/security/mfa/setup", a.SetupTOTP)
	a.mux.HandleFunc("/v1/security/mfa/verify-setup", a.VerifyTOTPSetup)
	a.mux.HandleFunc("/v1/security/mfa/backup-codes", a.RegenerateBackupCodes)
	a.mux.HandleFunc("/v1/security/mfa/methods", a.MFAMethods)
	a.mux.HandleFunc("/v1/security/mfa/methods/", a.MFAMethodByID)

	// RBAC administration
	a.mux.HandleFunc("/v1/security/roles", a.Roles)
	a.mux.HandleFunc("/v1/security/roles/", a.RoleByID)
	a.mux.HandleFunc("/v1/security/permissions", a.Permissions)
	a.mux.HandleFunc("/v1/security/users/", a.UserSecurity)

	// audit trail
	a.mux.HandleFunc("/v1/security/audit-logs", a.AuditLogs)
	a.mux.HandleFunc("/v1/security/security-events", a.SecurityEvents)
	a.mux.HandleFunc("/v1/security/security-events/", a.SecurityEventByID)
	a.mux.HandleFunc("/v1/security/access-logs", a.AccessLogs)
	a.mux.HandleFunc("/v1/security/dashboard", a.SecurityDashboard)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})

	return a
}

// Handler assembles the middleware chain around the mux. Order matters:
// metrics wrap everything, the audit recorder and the threat scanner wrap
// the size and rate limiters so rejected requests are still recorded and
// scanned, and authentication runs last before the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxRequestSize)
	if a.limiter != nil {
		h = a.limiter.Middleware(h)
	}
	h = RequestSizeLimit(h, a.maxRequestSize)
	h = a.monitoring.Middleware(h)
	h = AuditRequests(a.audits)(h)
	h = CORS(h, a.allowedOrigins)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- infra handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "pesatrack-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "pesatrack-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// handleServiceError maps domain sentinels onto HTTP statuses. Anything
// unrecognized becomes a 500 without leaking internals.
func (a *API) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, rbac.ErrInvalidInput),
		errors.Is(err, mfa.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, auth.ErrNotFound),
		errors.Is(err, rbac.ErrNotFound),
		errors.Is(err, mfa.ErrNotFound),
		errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, auth.ErrConflict),
		errors.Is(err, rbac.ErrConflict),
		errors.Is(err, mfa.ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
