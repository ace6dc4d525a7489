package audit

import (
	"context"
	"fmt"
	"time"

	"pesatrack.app/internal/ids"
	"pesatrack.app/internal/obs"
)

// Service writes the audit trail. Every write is best effort: a failing
// store is reported to the process log and swallowed, so the caller's
// primary operation is never blocked or rolled back by logging.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs the audit writer over the given store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock overrides the time source. Test use only.
func (s *Service) WithClock(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// ActionRecord is the input to LogAction. Zero-value fields are simply
// omitted from the stored row.
type ActionRecord struct {
	Action       Action
	UserID       string
	UserEmail    string
	ResourceType string
	ResourceID   string
	Severity     Severity
	Description  string
	Details      map[string]any
	Outcome      Outcome
	ErrorMessage string
	Request      RequestContext
}

// LogAction persists one audit entry and mirrors it to the process log at a
// level derived from severity. Returns nil when the store write fails.
func (s *Service) LogAction(ctx context.Context, rec ActionRecord) *Entry {
	if rec.Severity == "" {
		rec.Severity = SeverityLow
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeSuccess
	}
	entry := &Entry{
		ID:           ids.New(),
		UserID:       rec.UserID,
		UserEmail:    rec.UserEmail,
		Action:       rec.Action,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		IPAddress:    rec.Request.IPAddress,
		UserAgent:    rec.Request.UserAgent,
		Endpoint:     rec.Request.Endpoint,
		HTTPMethod:   rec.Request.HTTPMethod,
		Severity:     rec.Severity,
		Description:  rec.Description,
		Details:      rec.Details,
		Outcome:      rec.Outcome,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.store.AppendEntry(ctx, entry); err != nil {
		obs.LogRequest(map[string]any{
			"ts":    s.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "audit_write_failed",
			"error": err.Error(),
		})
		return nil
	}

	actor := entry.UserID
	if actor == "" {
		actor = "anonymous"
	}
	obs.LogRequest(map[string]any{
		"ts":     entry.CreatedAt.Format(time.RFC3339Nano),
		"level":  levelFor(entry.Severity),
		"msg":    "audit",
		"action": string(entry.Action),
		"user":   actor,
		"ip":     entry.IPAddress,
		"result": string(entry.Outcome),
	})
	return entry
}

// EventRecord is the input to LogSecurityEvent.
type EventRecord struct {
	EventType   string
	Severity    Severity
	Description string
	UserID      string
	Metadata    map[string]any
	Request     RequestContext
}

// LogSecurityEvent records a flagged anomaly. Same non-blocking contract as
// LogAction; high and critical events are mirrored at critical level so an
// external alerting pipeline can pick them up immediately.
func (s *Service) LogSecurityEvent(ctx context.Context, rec EventRecord) *SecurityEvent {
	if rec.Severity == "" {
		rec.Severity = SeverityMedium
	}
	ev := &SecurityEvent{
		ID:          ids.New(),
		EventType:   rec.EventType,
		Severity:    rec.Severity,
		Description: rec.Description,
		IPAddress:   rec.Request.IPAddress,
		UserAgent:   rec.Request.UserAgent,
		UserID:      rec.UserID,
		Metadata:    rec.Metadata,
		CreatedAt:   s.now().UTC(),
	}

	if err := s.store.AppendSecurityEvent(ctx, ev); err != nil {
		obs.LogRequest(map[string]any{
			"ts":    s.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "security_event_write_failed",
			"error": err.Error(),
		})
		return nil
	}

	obs.SecurityEvent(ev.EventType, string(ev.Severity))
	if ev.Severity == SeverityHigh || ev.Severity == SeverityCritical {
		obs.LogRequest(map[string]any{
			"ts":          ev.CreatedAt.Format(time.RFC3339Nano),
			"level":       "critical",
			"msg":         "security_event",
			"event_type":  ev.EventType,
			"description": ev.Description,
			"ip":          ev.IPAddress,
			"user":        ev.UserID,
		})
	}
	return ev
}

// LogAuthenticationEvent records a login/logout/credential action. Failures
// are written at medium severity and additionally raise an
// authentication_failure security event.
func (s *Service) LogAuthenticationEvent(ctx context.Context, action Action, userEmail string, success bool, req RequestContext, userID, errorMessage string) {
	severity := SeverityLow
	outcome := OutcomeSuccess
	if !success {
		severity = SeverityMedium
		outcome = OutcomeFailure
	}

	s.LogAction(ctx, ActionRecord{
		Action:       action,
		UserID:       userID,
		UserEmail:    userEmail,
		Severity:     severity,
		Description:  fmt.Sprintf("Authentication %s for %s", action, userEmail),
		Outcome:      outcome,
		ErrorMessage: errorMessage,
		Request:      req,
	})

	if !success {
		s.LogSecurityEvent(ctx, EventRecord{
			EventType:   "authentication_failure",
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("Failed %s attempt for %s", action, userEmail),
			UserID:      userID,
			Metadata:    map[string]any{"error": errorMessage},
			Request:     req,
		})
	}
}

// Entries returns audit rows matching the filter.
func (s *Service) Entries(ctx context.Context, f EntryFilter) ([]Entry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return s.store.ListEntries(ctx, f)
}

// SecurityEvents returns security events matching the filter.
func (s *Service) SecurityEvents(ctx context.Context, f EventFilter) ([]SecurityEvent, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return s.store.ListSecurityEvents(ctx, f)
}

// ResolveSecurityEvent marks an event handled by the given admin.
func (s *Service) ResolveSecurityEvent(ctx context.Context, eventID, resolvedBy string) error {
	return s.store.ResolveSecurityEvent(ctx, eventID, resolvedBy)
}

// Dashboard returns security activity over the trailing 24 hours.
func (s *Service) Dashboard(ctx context.Context) (DashboardStats, error) {
	return s.store.DashboardStats(ctx, s.now().UTC().Add(-24*time.Hour))
}

func levelFor(sev Severity) string {
	switch sev {
	case SeverityMedium:
		return "warning"
	case SeverityHigh:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}
