// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
)

// EventLog is one persisted controller or detection event.
type EventLog struct {
	ID              string
	EventType       string
	Severity        string
	Source          string
	RelatedResource string
	Payload         map[string]any
	CreatedAt       time.Time
}

// AppendEventLog persists an event row. A missing id gets a fresh UUID.
func (s *Store) AppendEventLog(e EventLog) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var payload []byte
	if e.Payload != nil {
		payload, _ = json.Marshal(e.Payload)
	}
	return s.withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO event_logs (id, event_type, severity, source, related_resource, payload)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.EventType, e.Severity, e.Source, e.RelatedResource, string(payload))
		return err
	})
}

// EventLogFilter narrows ListEventLogs.
type EventLogFilter struct {
	Type     string
	Severity string
	Resource string
}

// ListEventLogs returns one page of event logs, most recent first, with
// the total match count for the pager.
func (s *Store) ListEventLogs(page, perPage int, filter EventLogFilter) ([]EventLog, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 200
	}

	where := "WHERE 1=1"
	args := []any{}
	if filter.Type != "" {
		where += " AND event_type = ?"
		args = append(args, filter.Type)
	}
	if filter.Severity != "" {
		where += " AND severity = ?"
		args = append(args, filter.Severity)
	}
	if filter.Resource != "" {
		where += " AND related_resource = ?"
		args = append(args, filter.Resource)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM event_logs "+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.KindInternal, "count event logs")
	}

	query := `SELECT id, event_type, severity, source, related_resource, payload, created_at
		FROM event_logs ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.KindInternal, "list event logs")
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var e EventLog
		var payload string
		if err := rows.Scan(&e.ID, &e.EventType, &e.Severity, &e.Source, &e.RelatedResource, &payload, &e.CreatedAt); err != nil {
			return nil, 0, errors.Wrap(err, errors.KindInternal, "scan event log")
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
