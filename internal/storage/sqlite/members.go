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

const memberColumns = `member_id, name, email, github_username, lark_open_id,
	role, status, lark_tables, created_at, updated_at`

func scanMember(row interface{ Scan(...any) error }) (*types.Member, error) {
	var (
		m          types.Member
		github     sql.NullString
		larkOpenID sql.NullString
		larkTables string
	)
	err := row.Scan(&m.ID, &m.Name, &m.Email, &github, &larkOpenID,
		&m.Role, &m.Status, &larkTables, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}
	m.GitHubUsername = github.String
	m.LarkOpenID = larkOpenID.String
	if err := json.Unmarshal([]byte(larkTables), &m.LarkTables); err != nil {
		return nil, fmt.Errorf("failed to decode lark_tables for member %s: %w", m.ID, err)
	}
	return &m, nil
}

func (r reader) GetMember(ctx context.Context, id string) (*types.Member, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE member_id = ?`, id)
	return scanMember(row)
}

func (r reader) GetMemberByEmail(ctx context.Context, email string) (*types.Member, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE email = ?`, strings.ToLower(email))
	return scanMember(row)
}

func (r reader) GetMemberByName(ctx context.Context, name string) (*types.Member, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE name = ? ORDER BY created_at LIMIT 1`, name)
	return scanMember(row)
}

func (r reader) ListMembers(ctx context.Context, filter storage.MemberFilter) ([]*types.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members`
	var (
		conds []string
		args  []any
	)
	if filter.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY email"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []*types.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// UpsertMember inserts or replaces a member row keyed by member_id.
// Email uniqueness violations surface as storage.ErrDuplicateEmail.
func (t *txStore) UpsertMember(ctx context.Context, m *types.Member) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("member validation failed: %w", err)
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Email = strings.ToLower(m.Email)

	larkTables, err := json.Marshal(m.LarkTables)
	if err != nil {
		return fmt.Errorf("failed to encode lark_tables: %w", err)
	}

	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO members (member_id, name, email, github_username, lark_open_id,
			role, status, lark_tables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(member_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			github_username = excluded.github_username,
			lark_open_id = excluded.lark_open_id,
			role = excluded.role,
			status = excluded.status,
			lark_tables = excluded.lark_tables,
			updated_at = excluded.updated_at
	`, m.ID, m.Name, m.Email, nullable(m.GitHubUsername), nullable(m.LarkOpenID),
		m.Role, m.Status, string(larkTables), m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateEmail, m.Email)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
