package audit

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Severity classifies audit entries and security events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome records how the audited operation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Action is the closed set of auditable operations.
type Action string

const (
	// Authentication
	ActionLogin          Action = "login"
	ActionLogout         Action = "logout"
	ActionLoginFailed    Action = "login_failed"
	ActionPasswordChange Action = "password_change"
	ActionPasswordReset  Action = "password_reset"
	ActionMFAEnabled     Action = "mfa_enabled"
	ActionMFADisabled    Action = "mfa_disabled"

	// User management
	ActionUserCreated     Action = "user_created"
	ActionUserUpdated     Action = "user_updated"
	ActionUserDeleted     Action = "user_deleted"
	ActionUserActivated   Action = "user_activated"
	ActionUserDeactivated Action = "user_deactivated"

	// Transactions
	ActionTransactionCreated     Action = "transaction_created"
	ActionTransactionUpdated     Action = "transaction_updated"
	ActionTransactionDeleted     Action = "transaction_deleted"
	ActionTransactionImported    Action = "transaction_imported"
	ActionTransactionCategorized Action = "transaction_categorized"

	// Accounts
	ActionAccountCreated Action = "account_created"
	ActionAccountUpdated Action = "account_updated"
	ActionAccountDeleted Action = "account_deleted"

	// Categories
	ActionCategoryCreated Action = "category_created"
	ActionCategoryUpdated Action = "category_updated"
	ActionCategoryDeleted Action = "category_deleted"

	// Tax
	ActionTaxFilingCreated   Action = "tax_filing_created"
	ActionTaxFilingSubmitted Action = "tax_filing_submitted"
	ActionTaxFilingUpdated   Action = "tax_filing_updated"
	ActionKRAAPICall         Action = "kra_api_call"
	ActionTaxPayment         Action = "tax_payment"

	// Business
	ActionBusinessEntityCreated Action = "business_entity_created"
	ActionBusinessEntityUpdated Action = "business_entity_updated"
	ActionInvoiceCreated        Action = "invoice_created"
	ActionInvoiceSent           Action = "invoice_sent"

	// Reports
	ActionReportGenerated Action = "report_generated"
	ActionReportExported  Action = "report_exported"
	ActionDashboardViewed Action = "dashboard_viewed"

	// Integrations
	ActionIntegrationConnected    Action = "integration_connected"
	ActionIntegrationDisconnected Action = "integration_disconnected"
	ActionBankSync                Action = "bank_sync"

	// Security
	ActionSecurityViolation  Action = "security_violation"
	ActionRateLimitExceeded  Action = "rate_limit_exceeded"
	ActionUnauthorizedAccess Action = "unauthorized_access"

	// System
	ActionSystemError   Action = "system_error"
	ActionDataExport    Action = "data_export"
	ActionDataImport    Action = "data_import"
	ActionBackupCreated Action = "backup_created"
)

// Entry is one immutable audit log row.
type Entry struct {
	ID           string
	UserID       string // empty for anonymous/system entries
	UserEmail    string // survives user deletion
	Action       Action
	ResourceType string
	ResourceID   string
	IPAddress    string
	UserAgent    string
	Endpoint     string
	HTTPMethod   string
	Severity     Severity
	Description  string
	Details      map[string]any
	Outcome      Outcome
	ErrorMessage string
	CreatedAt    time.Time
}

// SecurityEvent is a flagged anomaly with a resolution workflow, kept apart
// from the routine audit trail.
type SecurityEvent struct {
	ID          string
	EventType   string
	Severity    Severity
	Description string
	IPAddress   string
	UserAgent   string
	UserID      string
	Metadata    map[string]any
	Resolved    bool
	ResolvedAt  *time.Time
	ResolvedBy  string
	CreatedAt   time.Time
}

// RequestContext is the slice of an HTTP request that audit rows retain.
type RequestContext struct {
	IPAddress  string
	UserAgent  string
	Endpoint   string
	HTTPMethod string
}

// ContextFromRequest extracts the request context, resolving the client IP
// through x-forwarded-for, then x-real-ip, then the socket peer.
func ContextFromRequest(r *http.Request) RequestContext {
	if r == nil {
		return RequestContext{}
	}
	return RequestContext{
		IPAddress:  ClientIP(r),
		UserAgent:  r.Header.Get("User-Agent"),
		Endpoint:   r.URL.Path,
		HTTPMethod: r.Method,
	}
}

// ClientIP resolves the originating client address of a request.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if rip := r.Header.Get("X-Real-Ip"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
