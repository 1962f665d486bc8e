package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/katadavidxd/autolark/internal/types"
)

// AppendAudit writes one append-only sync_log row.
func (t *txStore) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO sync_log (direction, subject, subject_id, status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Direction, e.Subject, nullable(e.SubjectID), e.Status, nullable(e.Message), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListAudit returns recent entries, newest first, optionally filtered by
// subject id.
func (r reader) ListAudit(ctx context.Context, subjectID string, limit int) ([]*types.AuditEntry, error) {
	query := `SELECT id, direction, subject, subject_id, status, message, created_at FROM sync_log`
	var args []any
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.AuditEntry
	for rows.Next() {
		var (
			e       types.AuditEntry
			subID   sql.NullString
			message sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Direction, &e.Subject, &subID, &e.Status,
			&message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.SubjectID = subID.String
		e.Message = message.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
