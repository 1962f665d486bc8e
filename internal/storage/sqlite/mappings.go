package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

const mappingColumns = `mapping_id, task_id, github_repo, github_issue_number,
	lark_app_token, lark_table_id, lark_record_id, sync_status, created_at, updated_at`

func scanMapping(row interface{ Scan(...any) error }) (*types.Mapping, error) {
	var (
		m           types.Mapping
		repo        sql.NullString
		issueNumber sql.NullInt64
		appToken    sql.NullString
		tableID     sql.NullString
		recordID    sql.NullString
	)
	err := row.Scan(&m.ID, &m.TaskID, &repo, &issueNumber,
		&appToken, &tableID, &recordID, &m.SyncStatus, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}
	if repo.Valid {
		m.GitHub = types.IssueRef{Repo: repo.String, Number: int(issueNumber.Int64)}
	}
	if recordID.Valid {
		m.Lark = types.RecordRef{
			AppToken: appToken.String,
			TableID:  tableID.String,
			RecordID: recordID.String,
		}
	}
	return &m, nil
}

func (r reader) GetMappingByTask(ctx context.Context, taskID string) (*types.Mapping, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM mappings WHERE task_id = ?`, taskID)
	return scanMapping(row)
}

func (r reader) GetMappingByIssue(ctx context.Context, ref types.IssueRef) (*types.Mapping, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM mappings
		 WHERE github_repo = ? AND github_issue_number = ?`, ref.Repo, ref.Number)
	return scanMapping(row)
}

func (r reader) GetMappingByRecord(ctx context.Context, ref types.RecordRef) (*types.Mapping, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM mappings
		 WHERE lark_app_token = ? AND lark_table_id = ? AND lark_record_id = ?`,
		ref.AppToken, ref.TableID, ref.RecordID)
	return scanMapping(row)
}

// CreateMapping inserts the mapping row for a task. Exactly one mapping
// exists per task; references may be set later as bindings accrete.
func (t *txStore) CreateMapping(ctx context.Context, m *types.Mapping) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.SyncStatus == "" {
		m.SyncStatus = types.SyncPending
	}

	var (
		repo, appToken, tableID, recordID any
		issueNumber                       any
	)
	if m.HasGitHub() {
		repo, issueNumber = m.GitHub.Repo, m.GitHub.Number
	}
	if m.HasLark() {
		appToken, tableID, recordID = m.Lark.AppToken, m.Lark.TableID, m.Lark.RecordID
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO mappings (mapping_id, task_id, github_repo, github_issue_number,
			lark_app_token, lark_table_id, lark_record_id, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TaskID, repo, issueNumber, appToken, tableID, recordID,
		m.SyncStatus, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	return nil
}

// SetMappingIssue binds a GitHub issue to the task's mapping. The binding
// is write-once: a second set with a different ref fails.
func (t *txStore) SetMappingIssue(ctx context.Context, taskID string, ref types.IssueRef) error {
	m, err := t.GetMappingByTask(ctx, taskID)
	if err != nil {
		return err
	}
	if m.HasGitHub() {
		if m.GitHub == ref {
			return nil // idempotent re-set of the same ref
		}
		return fmt.Errorf("%w: task %s already bound to %s", storage.ErrBindingExists, taskID, m.GitHub)
	}

	_, err = t.conn.ExecContext(ctx, `
		UPDATE mappings SET github_repo = ?, github_issue_number = ?, updated_at = ?
		WHERE task_id = ?
	`, ref.Repo, ref.Number, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to set github binding: %w", err)
	}
	return nil
}

// SetMappingRecord binds a Bitable record to the task's mapping,
// write-once like SetMappingIssue. The table must be registered.
func (t *txStore) SetMappingRecord(ctx context.Context, taskID string, ref types.RecordRef) error {
	if _, err := t.GetTableByRef(ctx, ref.AppToken, ref.TableID); err != nil {
		if err == storage.ErrNotFound {
			return fmt.Errorf("%w: %s/%s", storage.ErrUnknownTable, ref.AppToken, ref.TableID)
		}
		return err
	}

	m, err := t.GetMappingByTask(ctx, taskID)
	if err != nil {
		return err
	}
	if m.HasLark() {
		if m.Lark == ref {
			return nil
		}
		return fmt.Errorf("%w: task %s already bound to %s", storage.ErrBindingExists, taskID, m.Lark)
	}

	_, err = t.conn.ExecContext(ctx, `
		UPDATE mappings SET lark_app_token = ?, lark_table_id = ?, lark_record_id = ?, updated_at = ?
		WHERE task_id = ?
	`, ref.AppToken, ref.TableID, ref.RecordID, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to set lark binding: %w", err)
	}
	return nil
}

// MarkMappingSyncStatus updates the mapping's sync status.
func (t *txStore) MarkMappingSyncStatus(ctx context.Context, taskID string, s types.SyncStatus) error {
	res, err := t.conn.ExecContext(ctx, `
		UPDATE mappings SET sync_status = ?, updated_at = ? WHERE task_id = ?
	`, s, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to mark sync status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: mapping for task %s", storage.ErrNotFound, taskID)
	}
	return nil
}
