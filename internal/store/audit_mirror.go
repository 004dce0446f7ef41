package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresAuditMirror copies audit events into the audit_events table for
// cross-project reporting. The per-project log files stay authoritative.
type PostgresAuditMirror struct {
	db *sql.DB
}

func NewPostgresAuditMirror(db *sql.DB) *PostgresAuditMirror {
	return &PostgresAuditMirror{db: db}
}

// Mirror inserts the event. Re-mirroring the same event id is a no-op.
func (s *PostgresAuditMirror) Mirror(ctx context.Context, event AuditEvent) error {
	occurredAt, err := event.Time()
	if err != nil {
		return fmt.Errorf("parse event timestamp: %w", err)
	}
	payload, err := json.Marshal(event.PayloadSummary)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, project_key, event_type, actor, correlation_id, occurred_at, payload, resource_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.ProjectKey, event.EventType, event.Actor, event.CorrelationID, occurredAt, string(payload), event.ResourceHash)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByProject returns the project's mirrored events, newest first.
func (s *PostgresAuditMirror) ListByProject(ctx context.Context, projectKey string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, project_key, event_type, actor, correlation_id, occurred_at, payload, resource_hash
		FROM audit_events
		WHERE project_key = $1
		ORDER BY occurred_at DESC, event_id DESC
		LIMIT $2
	`, projectKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		var (
			event      AuditEvent
			occurredAt time.Time
			payload    []byte
		)
		if err := rows.Scan(&event.EventID, &event.ProjectKey, &event.EventType, &event.Actor, &event.CorrelationID, &occurredAt, &payload, &event.ResourceHash); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Timestamp = occurredAt.UTC().Format(AuditTimeLayout)
		event.PayloadSummary = map[string]any{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.PayloadSummary); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// CountByType tallies a project's mirrored events per event type.
func (s *PostgresAuditMirror) CountByType(ctx context.Context, projectKey string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*)
		FROM audit_events
		WHERE project_key = $1
		GROUP BY event_type
	`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("count audit events: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			eventType string
			count     int
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		counts[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit counts: %w", err)
	}
	return counts, nil
}
