package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

const registryColumns = `registry_id, app_token, table_id, table_name,
	field_mapping, is_default, created_at, updated_at`

func scanTableEntry(row interface{ Scan(...any) error }) (*types.TableEntry, error) {
	var (
		e         types.TableEntry
		fields    string
		isDefault int
	)
	err := row.Scan(&e.ID, &e.AppToken, &e.TableID, &e.Name,
		&fields, &isDefault, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan table entry: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode field mapping for table %s: %w", e.Name, err)
	}
	e.IsDefault = isDefault != 0
	return &e, nil
}

func (r reader) GetTableByName(ctx context.Context, name string) (*types.TableEntry, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM lark_tables_registry WHERE table_name = ?`, name)
	return scanTableEntry(row)
}

func (r reader) GetTableByRef(ctx context.Context, appToken, tableID string) (*types.TableEntry, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM lark_tables_registry
		 WHERE app_token = ? AND table_id = ?`, appToken, tableID)
	return scanTableEntry(row)
}

func (r reader) GetDefaultTable(ctx context.Context) (*types.TableEntry, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM lark_tables_registry WHERE is_default = 1`)
	return scanTableEntry(row)
}

func (r reader) ListTables(ctx context.Context) ([]*types.TableEntry, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+registryColumns+` FROM lark_tables_registry ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.TableEntry
	for rows.Next() {
		e, err := scanTableEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertTable inserts or updates a registry entry keyed by (app_token,
// table_id). Setting is_default clears the flag on every other row so at
// most one default exists.
func (t *txStore) UpsertTable(ctx context.Context, e *types.TableEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("table entry validation failed: %w", err)
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.ID == "" {
		e.ID = types.NewTableEntryID()
	}

	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode field mapping: %w", err)
	}

	if e.IsDefault {
		if _, err := t.conn.ExecContext(ctx,
			`UPDATE lark_tables_registry SET is_default = 0, updated_at = ? WHERE is_default = 1`,
			now); err != nil {
			return fmt.Errorf("failed to clear default table flag: %w", err)
		}
	}

	isDefault := 0
	if e.IsDefault {
		isDefault = 1
	}

	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO lark_tables_registry (registry_id, app_token, table_id, table_name,
			field_mapping, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_token, table_id) DO UPDATE SET
			table_name = excluded.table_name,
			field_mapping = excluded.field_mapping,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at
	`, e.ID, e.AppToken, e.TableID, e.Name, string(fields), isDefault, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert table entry: %w", err)
	}
	return nil
}
