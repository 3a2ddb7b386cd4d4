package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/ids"
)

func (s *Store) InsertSecurityEvent(ctx context.Context, ev auth.SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	details := []byte("{}")
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into security_events (id, event_type, user_id, tenant_id, provider, action, resource, outcome,
			reason, details, remote_addr, user_agent, request_id, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, ev.ID, ev.Type, ev.UserID, ev.TenantID, ev.Provider, ev.Action, ev.Resource, ev.Outcome,
		ev.Reason, details, ev.RemoteAddr, ev.UserAgent, ev.RequestID, ev.OccurredAt)
	return err
}

func (s *Store) ListSecurityEvents(ctx context.Context, tenantID string, limit int) ([]auth.SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, event_type, user_id, tenant_id, provider, action, resource, outcome,
			reason, details, remote_addr, user_agent, request_id, occurred_at
		from security_events
		where tenant_id = $1
		order by occurred_at desc
		limit $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.SecurityEvent
	for rows.Next() {
		var (
			ev      auth.SecurityEvent
			details []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.UserID, &ev.TenantID, &ev.Provider, &ev.Action, &ev.Resource,
			&ev.Outcome, &ev.Reason, &details, &ev.RemoteAddr, &ev.UserAgent, &ev.RequestID, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if len(details) > 0 && string(details) != "{}" {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
