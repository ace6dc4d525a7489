package audit

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("audit: not found")

// EntryFilter narrows audit log queries for the triage endpoints.
type EntryFilter struct {
	UserID   string
	Action   Action
	Severity Severity
	Since    time.Time
	Limit    int
}

// EventFilter narrows security event queries.
type EventFilter struct {
	EventType  string
	Severity   Severity
	Unresolved bool
	Since      time.Time
	Limit      int
}

// DashboardStats summarizes recent security posture for the admin dashboard.
type DashboardStats struct {
	FailedLogins             int `json:"failed_logins_24h"`
	SecurityEvents           int `json:"security_events_24h"`
	UnresolvedSecurityEvents int `json:"unresolved_security_events"`
	ActiveUsers              int `json:"active_users_24h"`
}

// Store persists audit entries and security events. Rows are append-only;
// the single permitted mutation is marking a security event resolved.
type Store interface {
	AppendEntry(ctx context.Context, e *Entry) error
	AppendSecurityEvent(ctx context.Context, ev *SecurityEvent) error
	ListEntries(ctx context.Context, f EntryFilter) ([]Entry, error)
	ListSecurityEvents(ctx context.Context, f EventFilter) ([]SecurityEvent, error)
	ResolveSecurityEvent(ctx context.Context, eventID, resolvedBy string) error
	// DashboardStats aggregates activity since the given instant, except for
	// unresolved events which are counted over all time.
	DashboardStats(ctx context.Context, since time.Time) (DashboardStats, error)
}
