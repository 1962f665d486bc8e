package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

const taskColumns = `task_id, title, body, status, priority, source,
	assignee_member_id, labels, target_table, created_at, updated_at`

// Qualified variant for queries that join mappings (both tables carry
// created_at/updated_at).
const taskColumnsQualified = `t.task_id, t.title, t.body, t.status, t.priority, t.source,
	t.assignee_member_id, t.labels, t.target_table, t.created_at, t.updated_at`

func scanTask(row interface{ Scan(...any) error }) (*types.Task, error) {
	var (
		t           types.Task
		assignee    sql.NullString
		labels      string
		targetTable sql.NullString
	)
	err := row.Scan(&t.ID, &t.Title, &t.Body, &t.Status, &t.Priority, &t.Source,
		&assignee, &labels, &targetTable, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.AssigneeMemberID = assignee.String
	t.TargetTable = targetTable.String
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels for task %s: %w", t.ID, err)
	}
	return &t, nil
}

func (r reader) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	return scanTask(row)
}

func (r reader) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskColumnsQualified + ` FROM tasks t`
	var (
		conds []string
		args  []any
	)
	if filter.SyncStatus != "" {
		query += ` JOIN mappings m ON m.task_id = t.task_id`
		conds = append(conds, "m.sync_status = ?")
		args = append(args, filter.SyncStatus)
	}
	if filter.Status != "" {
		conds = append(conds, "t.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		conds = append(conds, "t.priority = ?")
		args = append(args, filter.Priority)
	}
	if filter.AssigneeMemberID != "" {
		conds = append(conds, "t.assignee_member_id = ?")
		args = append(args, filter.AssigneeMemberID)
	}
	if filter.Label != "" {
		// Labels are a JSON array; EXISTS over json_each keeps this indexable enough
		// for the bounded table sizes we deal with.
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(t.labels) WHERE json_each.value = ?)")
		args = append(args, filter.Label)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY t.created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpsertTask inserts or replaces a task row keyed by task_id.
func (t *txStore) UpsertTask(ctx context.Context, task *types.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("task validation failed: %w", err)
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}

	labels, err := json.Marshal(task.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO tasks (task_id, title, body, status, priority, source,
			assignee_member_id, labels, target_table, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			status = excluded.status,
			priority = excluded.priority,
			source = excluded.source,
			assignee_member_id = excluded.assignee_member_id,
			labels = excluded.labels,
			target_table = excluded.target_table,
			updated_at = excluded.updated_at
	`, task.ID, task.Title, task.Body, task.Status, task.Priority, task.Source,
		nullable(task.AssigneeMemberID), string(labels), nullable(task.TargetTable),
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// UpdateTask applies mutate to the stored task, bumps updated_at, and
// appends a prior-state snapshot to the audit log so conflicts can be
// inspected later.
func (t *txStore) UpdateTask(ctx context.Context, id string, mutate func(*types.Task) error) (*types.Task, error) {
	task, err := t.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot task %s: %w", id, err)
	}

	if err := mutate(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now().UTC()

	if err := t.UpsertTask(ctx, task); err != nil {
		return nil, err
	}

	if err := t.AppendAudit(ctx, &types.AuditEntry{
		Direction: types.AuditOutbound,
		Subject:   "task_snapshot",
		SubjectID: id,
		Status:    "recorded",
		Message:   string(snapshot),
	}); err != nil {
		return nil, err
	}
	return task, nil
}
