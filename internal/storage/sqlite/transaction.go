package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/katadavidxd/autolark/internal/storage"
)

// reader implements storage.Reader over either the pool or a transaction
// connection. Entity query methods hang off this type.
type reader struct {
	q dbtx
}

// txStore implements storage.Transaction on a dedicated connection that
// holds an open IMMEDIATE transaction.
type txStore struct {
	reader
	conn        *sql.Conn
	maxAttempts int
}

var _ storage.Transaction = (*txStore)(nil)

// RunInTransaction executes fn within a BEGIN IMMEDIATE transaction.
// IMMEDIATE acquires the write lock up front so competing writers queue
// instead of deadlocking mid-transaction. Rolls back on error or panic.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback runs even if ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	tx := &txStore{reader: reader{q: conn}, conn: conn, maxAttempts: s.maxAttempts}
	if err := fn(tx); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediate starts an IMMEDIATE transaction, retrying on SQLITE_BUSY
// with doubling sleeps.
func beginImmediate(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "database is locked") &&
			!strings.Contains(err.Error(), "busy") {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
	return lastErr
}
