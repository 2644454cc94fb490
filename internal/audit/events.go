package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds recorded alongside state transitions.
const (
	EventRetentionFilter = "retention_filter"
	EventCompression     = "compression"
	EventIntegrity       = "integrity_failure"
	EventMemoryDeleted   = "memory_deleted"
	EventSessionCreated  = "session_created"
)

// Event is a policy or lifecycle outcome attached to a session. Events are not part of
// the hash chain.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Details   json.RawMessage `json:"details"`
}

// RecordEvent stores details as JSON under kind.
func (a *Log) RecordEvent(ctx context.Context, sessionID, kind string, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	if string(raw) == "null" {
		raw = []byte("{}")
	}
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_events (session_id, kind, timestamp, details_json) VALUES (?, ?, ?, ?)
	`, sessionID, kind, a.now().UTC().Format(timeLayout), string(raw)); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Events lists the session's events oldest first. limit <= 0 returns all.
func (a *Log) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	query := `SELECT id, session_id, kind, timestamp, details_json FROM audit_events WHERE session_id = ? ORDER BY id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			ev      Event
			ts      string
			details string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &ts, &details); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if ev.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		ev.Details = json.RawMessage(details)
		out = append(out, ev)
	}
	return out, rows.Err()
}
