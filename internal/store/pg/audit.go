package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pesatrack.app/internal/audit"
)

func (s *Store) AppendEntry(ctx context.Context, e *audit.Entry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, user_email, action, resource_type, resource_id,
			ip_address, user_agent, endpoint, http_method, severity, description, details,
			outcome, error_message, created_at)
		values ($1, nullif($2, ''), nullif($3, ''), $4, nullif($5, ''), nullif($6, ''),
			nullif($7, ''), nullif($8, ''), nullif($9, ''), nullif($10, ''), $11, $12, $13,
			$14, nullif($15, ''), $16)
	`, e.ID, e.UserID, e.UserEmail, string(e.Action), e.ResourceType, e.ResourceID,
		e.IPAddress, e.UserAgent, e.Endpoint, e.HTTPMethod, string(e.Severity), e.Description, details,
		string(e.Outcome), e.ErrorMessage, e.CreatedAt)
	return err
}

func (s *Store) AppendSecurityEvent(ctx context.Context, ev *audit.SecurityEvent) error {
	metadata := []byte("{}")
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into security_events (id, event_type, severity, description, ip_address,
			user_agent, user_id, metadata, resolved, created_at)
		values ($1, $2, $3, $4, nullif($5, ''), nullif($6, ''), nullif($7, ''), $8, $9, $10)
	`, ev.ID, ev.EventType, string(ev.Severity), ev.Description, ev.IPAddress,
		ev.UserAgent, ev.UserID, metadata, ev.Resolved, ev.CreatedAt)
	return err
}

func (s *Store) ListEntries(ctx context.Context, f audit.EntryFilter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.UserID != "" {
		where = append(where, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, f.UserID)
		idx++
	}
	if f.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", idx))
		args = append(args, string(f.Action))
		idx++
	}
	if f.Severity != "" {
		where = append(where, fmt.Sprintf("severity = $%d", idx))
		args = append(args, string(f.Severity))
		idx++
	}
	if !f.Since.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, f.Since)
		idx++
	}

	query := `
		select id, coalesce(user_id, ''), coalesce(user_email, ''), action,
		       coalesce(resource_type, ''), coalesce(resource_id, ''), coalesce(ip_address, ''),
		       coalesce(user_agent, ''), coalesce(endpoint, ''), coalesce(http_method, ''),
		       severity, description, details, outcome, coalesce(error_message, ''), created_at
		from audit_logs`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by created_at desc limit $%d", idx)
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e                         audit.Entry
			action, severity, outcome string
			details                   []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserEmail, &action, &e.ResourceType, &e.ResourceID,
			&e.IPAddress, &e.UserAgent, &e.Endpoint, &e.HTTPMethod, &severity, &e.Description,
			&details, &outcome, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		e.Severity = audit.Severity(severity)
		e.Outcome = audit.Outcome(outcome)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ListSecurityEvents(ctx context.Context, f audit.EventFilter) ([]audit.SecurityEvent, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.EventType != "" {
		where = append(where, fmt.Sprintf("event_type = $%d", idx))
		args = append(args, f.EventType)
		idx++
	}
	if f.Severity != "" {
		where = append(where, fmt.Sprintf("severity = $%d", idx))
		args = append(args, string(f.Severity))
		idx++
	}
	if f.Unresolved {
		where = append(where, "not resolved")
	}
	if !f.Since.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, f.Since)
		idx++
	}

	query := `
		select id, event_type, severity, description, coalesce(ip_address, ''),
		       coalesce(user_agent, ''), coalesce(user_id, ''), metadata,
		       resolved, resolved_at, coalesce(resolved_by, ''), created_at
		from security_events`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by created_at desc limit $%d", idx)
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.SecurityEvent
	for rows.Next() {
		var (
			ev         audit.SecurityEvent
			severity   string
			metadata   []byte
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &severity, &ev.Description, &ev.IPAddress,
			&ev.UserAgent, &ev.UserID, &metadata, &ev.Resolved, &resolvedAt, &ev.ResolvedBy, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Severity = audit.Severity(severity)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			ev.ResolvedAt = &t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) ResolveSecurityEvent(ctx context.Context, eventID, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		update security_events
		set resolved = true, resolved_at = now(), resolved_by = $2
		where id = $1
	`, eventID, resolvedBy)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return audit.ErrNotFound
	}
	return nil
}

// DashboardStats aggregates in one round trip per counter; unresolved events
// are counted over all time, the rest since the given instant.
func (s *Store) DashboardStats(ctx context.Context, since time.Time) (audit.DashboardStats, error) {
	var stats audit.DashboardStats
	err := s.db.QueryRowContext(ctx, `
		select
			(select count(*) from audit_logs where action = 'login_failed' and created_at >= $1),
			(select count(*) from security_events where created_at >= $1),
			(select count(*) from security_events where not resolved),
			(select count(distinct user_id) from audit_logs where user_id is not null and created_at >= $1)
	`, since).Scan(&stats.FailedLogins, &stats.SecurityEvents, &stats.UnresolvedSecurityEvents, &stats.ActiveUsers)
	return stats, err
}
