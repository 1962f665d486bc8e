package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one forward-only schema change. Migrations run in version
// order inside a transaction; re-runs are no-ops.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// The base schema is created by the schema constant; migrations exist for
// databases created by earlier builds. Keep them append-only.
var migrations = []migration{
	{
		version: 1,
		name:    "outbox_claimed_at",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			if hasColumn(ctx, tx, "outbox", "claimed_at") {
				return nil
			}
			_, err := tx.ExecContext(ctx, `ALTER TABLE outbox ADD COLUMN claimed_at DATETIME`)
			return err
		},
	},
	{
		version: 2,
		name:    "mappings_lark_unique",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_lark_unique
				 ON mappings(lark_app_token, lark_table_id, lark_record_id)
				 WHERE lark_record_id IS NOT NULL`)
			return err
		},
	},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range migrations {
		applied, err := migrationApplied(ctx, db, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func migrationApplied(ctx context.Context, db *sql.DB, version int) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check migration %d: %w", version, err)
	}
	return n > 0, nil
}

func hasColumn(ctx context.Context, tx *sql.Tx, table, column string) bool {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}
