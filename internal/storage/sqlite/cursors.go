package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/katadavidxd/autolark/internal/types"
)

// GetCursor returns the stored watermark for a source, or "" when the
// source has never been polled.
func (r reader) GetCursor(ctx context.Context, source types.SyncSource) (string, error) {
	var value string
	err := r.q.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, string(source)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cursor for %s: %w", source, err)
	}
	return value, nil
}

// SetCursor stores the watermark for a source.
func (t *txStore) SetCursor(ctx context.Context, source types.SyncSource, value string) error {
	now := time.Now().UTC()
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, string(source), value, now)
	if err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", source, err)
	}
	return nil
}
