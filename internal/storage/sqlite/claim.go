package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

// ClaimOutbox atomically claims up to limit due pending events, oldest
// (not_before, created_at) first, skipping any event whose task already
// has an in-flight event. Stale processing rows (claimed before
// now-reclaimAfter) are first returned to pending so crashed workers
// cannot strand events.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, now time.Time, reclaimAfter time.Duration) ([]*types.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()

	var claimed []*types.OutboxEvent
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		t := tx.(*txStore)

		// Reclaim abandoned events.
		cutoff := now.Add(-reclaimAfter)
		if _, err := t.conn.ExecContext(ctx, `
			UPDATE outbox SET status = 'pending', claimed_at = NULL, updated_at = ?
			WHERE status = 'processing' AND claimed_at <= ?
		`, now, cutoff); err != nil {
			return fmt.Errorf("failed to reclaim stale events: %w", err)
		}

		// Tasks with an in-flight event block their remaining events;
		// that predicate is what gives per-task effect ordering.
		inflight := make(map[string]bool)
		rows, err := t.conn.QueryContext(ctx, `
			SELECT DISTINCT json_extract(payload_json, '$.task_id')
			FROM outbox WHERE status = 'processing'
		`)
		if err != nil {
			return fmt.Errorf("failed to query in-flight tasks: %w", err)
		}
		for rows.Next() {
			var taskID *string
			if err := rows.Scan(&taskID); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan in-flight task: %w", err)
			}
			if taskID != nil && *taskID != "" {
				inflight[*taskID] = true
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		// Overfetch candidates; the per-task filter may drop some.
		candRows, err := t.conn.QueryContext(ctx, `
			SELECT `+outboxColumns+` FROM outbox
			WHERE status = 'pending' AND not_before <= ?
			ORDER BY not_before, created_at
			LIMIT ?
		`, now, limit*4)
		if err != nil {
			return fmt.Errorf("failed to query pending events: %w", err)
		}
		var candidates []*types.OutboxEvent
		for candRows.Next() {
			e, err := scanOutboxEvent(candRows)
			if err != nil {
				_ = candRows.Close()
				return err
			}
			candidates = append(candidates, e)
		}
		if err := candRows.Err(); err != nil {
			_ = candRows.Close()
			return err
		}
		_ = candRows.Close()

		for _, e := range candidates {
			if len(claimed) >= limit {
				break
			}
			taskID := e.TaskID()
			if taskID != "" && inflight[taskID] {
				continue
			}
			if _, err := t.conn.ExecContext(ctx, `
				UPDATE outbox SET status = 'processing', claimed_at = ?, updated_at = ?
				WHERE event_id = ?
			`, now, now, e.ID); err != nil {
				return fmt.Errorf("failed to claim event %s: %w", e.ID, err)
			}
			e.Status = types.EventProcessing
			claimedAt := now
			e.ClaimedAt = &claimedAt
			if taskID != "" {
				inflight[taskID] = true
			}
			claimed = append(claimed, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
