// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"time"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
)

// AuditEntry records a security-relevant operator action.
type AuditEntry struct {
	ID        int64
	Username  string
	Action    string
	Resource  string
	Detail    string
	Success   bool
	IP        string
	CreatedAt time.Time
}

// AppendAudit persists one audit entry.
func (s *Store) AppendAudit(e AuditEntry) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO audit_logs (username, action, resource, detail, success, ip)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.Username, e.Action, e.Resource, e.Detail, e.Success, e.IP)
		return err
	})
}

// ListAudit returns one page of audit entries, most recent first.
func (s *Store) ListAudit(page, perPage int) ([]AuditEntry, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 200
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_logs`).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.KindInternal, "count audit logs")
	}

	rows, err := s.db.Query(`
		SELECT id, COALESCE(username, ''), action, COALESCE(resource, ''),
			COALESCE(detail, ''), success, COALESCE(ip, ''), created_at
		FROM audit_logs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.KindInternal, "list audit logs")
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Action, &e.Resource, &e.Detail, &e.Success, &e.IP, &e.CreatedAt); err != nil {
			return nil, 0, errors.Wrap(err, errors.KindInternal, "scan audit log")
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
