package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

const outboxColumns = `event_id, event_type, payload_json, status, attempts,
	max_attempts, last_error, not_before, claimed_at, created_at, updated_at`

func scanOutboxEvent(row interface{ Scan(...any) error }) (*types.OutboxEvent, error) {
	var (
		e         types.OutboxEvent
		payload   string
		lastError sql.NullString
		claimedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Kind, &payload, &e.Status, &e.Attempts,
		&e.MaxAttempts, &lastError, &e.NotBefore, &claimedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox event: %w", err)
	}
	e.Payload = []byte(payload)
	e.LastError = lastError.String
	if claimedAt.Valid {
		t := claimedAt.Time
		e.ClaimedAt = &t
	}
	return &e, nil
}

func (r reader) GetOutboxEvent(ctx context.Context, id string) (*types.OutboxEvent, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE event_id = ?`, id)
	return scanOutboxEvent(row)
}

func (r reader) ListOutbox(ctx context.Context, status types.EventStatus, limit int) ([]*types.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EnqueueOutbox appends a pending event. Because this runs inside the
// same transaction as the local mutation, a committed mutation and its
// event are inseparable: that is the exactly-once-effect cornerstone.
func (t *txStore) EnqueueOutbox(ctx context.Context, kind types.EventKind, payload any) (string, error) {
	if !kind.IsValid() {
		return "", fmt.Errorf("unknown outbox event kind: %q", kind)
	}
	raw, err := types.MarshalPayload(payload)
	if err != nil {
		return "", err
	}

	maxAttempts := t.maxAttempts
	if maxAttempts < 1 {
		maxAttempts = types.DefaultMaxAttempts
	}

	id := types.NewEventID()
	now := time.Now().UTC()
	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO outbox (event_id, event_type, payload_json, status, attempts,
			max_attempts, not_before, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)
	`, id, kind, string(raw), maxAttempts, now, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return id, nil
}

// CompleteOutbox finishes a claimed event with one of the terminal
// outcomes: sent, retry (pending with a backoff NotBefore), failed
// (attempts exhausted), or dead.
func (t *txStore) CompleteOutbox(ctx context.Context, eventID string, outcome storage.Outcome) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	switch outcome.Status {
	case types.EventSent:
		res, err = t.conn.ExecContext(ctx, `
			UPDATE outbox SET status = 'sent', claimed_at = NULL, updated_at = ?
			WHERE event_id = ? AND status = 'processing'
		`, now, eventID)
	case types.EventPending:
		res, err = t.conn.ExecContext(ctx, `
			UPDATE outbox SET status = 'pending', attempts = attempts + 1,
				last_error = ?, not_before = ?, claimed_at = NULL, updated_at = ?
			WHERE event_id = ? AND status = 'processing'
		`, outcome.Err, outcome.NotBefore.UTC(), now, eventID)
	case types.EventFailed, types.EventDead:
		res, err = t.conn.ExecContext(ctx, `
			UPDATE outbox SET status = ?, attempts = attempts + 1,
				last_error = ?, claimed_at = NULL, updated_at = ?
			WHERE event_id = ? AND status = 'processing'
		`, outcome.Status, outcome.Err, now, eventID)
	default:
		return fmt.Errorf("invalid outbox outcome status: %q", outcome.Status)
	}
	if err != nil {
		return fmt.Errorf("failed to complete outbox event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: processing event %s", storage.ErrNotFound, eventID)
	}
	return nil
}

// RequeueOutbox returns a failed event to pending. Dead events stay dead
// unless force is set; that asymmetry is deliberate, reviving a dead
// letter is an operator decision.
func (t *txStore) RequeueOutbox(ctx context.Context, eventID string, force bool) error {
	e, err := t.GetOutboxEvent(ctx, eventID)
	if err != nil {
		return err
	}
	switch e.Status {
	case types.EventFailed:
	case types.EventDead:
		if !force {
			return fmt.Errorf("event %s is dead; requeue requires force", eventID)
		}
	case types.EventPending:
		return nil
	default:
		return fmt.Errorf("cannot requeue event %s in status %s", eventID, e.Status)
	}

	now := time.Now().UTC()
	_, err = t.conn.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', not_before = ?, claimed_at = NULL, updated_at = ?
		WHERE event_id = ?
	`, now, now, eventID)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox event: %w", err)
	}
	return nil
}
