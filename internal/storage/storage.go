// Package storage defines the durable store contract for autolark.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// depend on these interfaces so tests can substitute fakes and so every
// mutation is forced through a transaction.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/katadavidxd/autolark/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when creating a member whose email is taken.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrUnknownTable is returned when a record binding references an
// unregistered Bitable table.
var ErrUnknownTable = errors.New("table not registered")

// ErrBindingExists is returned when setting an external reference on a
// mapping that already has one. Bindings are immutable once set.
var ErrBindingExists = errors.New("external binding already set")

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status           types.Status
	Priority         types.Priority
	AssigneeMemberID string
	Label            string
	SyncStatus       types.SyncStatus
	Limit            int
}

// MemberFilter narrows ListMembers. Zero values match everything.
type MemberFilter struct {
	Role   types.Role
	Status types.MemberStatus
}

// Outcome finishes a claimed outbox event. Exactly one of the terminal
// shapes applies: sent, retry (back to pending with a NotBefore),
// failed (retryable but attempts exhausted), or dead (permanent
// rejection).
type Outcome struct {
	Status    types.EventStatus
	Err       string
	NotBefore time.Time
}

// Reader is the read-only surface, available both outside and inside
// transactions. Reads inside a transaction see that transaction's writes.
type Reader interface {
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)

	GetMember(ctx context.Context, id string) (*types.Member, error)
	GetMemberByEmail(ctx context.Context, email string) (*types.Member, error)
	GetMemberByName(ctx context.Context, name string) (*types.Member, error)
	ListMembers(ctx context.Context, filter MemberFilter) ([]*types.Member, error)

	GetMappingByTask(ctx context.Context, taskID string) (*types.Mapping, error)
	GetMappingByIssue(ctx context.Context, ref types.IssueRef) (*types.Mapping, error)
	GetMappingByRecord(ctx context.Context, ref types.RecordRef) (*types.Mapping, error)

	GetTableByName(ctx context.Context, name string) (*types.TableEntry, error)
	GetTableByRef(ctx context.Context, appToken, tableID string) (*types.TableEntry, error)
	GetDefaultTable(ctx context.Context) (*types.TableEntry, error)
	ListTables(ctx context.Context) ([]*types.TableEntry, error)

	GetCursor(ctx context.Context, source types.SyncSource) (string, error)

	GetOutboxEvent(ctx context.Context, id string) (*types.OutboxEvent, error)
	ListOutbox(ctx context.Context, status types.EventStatus, limit int) ([]*types.OutboxEvent, error)

	ListAudit(ctx context.Context, subjectID string, limit int) ([]*types.AuditEntry, error)
}

// Transaction is the mutating surface. Instances are only handed to the
// callback of RunInTransaction; all writes commit or roll back together.
type Transaction interface {
	Reader

	UpsertMember(ctx context.Context, m *types.Member) error
	UpsertTask(ctx context.Context, t *types.Task) error
	// UpdateTask loads the task, applies mutate, bumps updated_at, and
	// records a prior-state snapshot in the audit log.
	UpdateTask(ctx context.Context, id string, mutate func(*types.Task) error) (*types.Task, error)

	UpsertTable(ctx context.Context, e *types.TableEntry) error

	CreateMapping(ctx context.Context, m *types.Mapping) error
	SetMappingIssue(ctx context.Context, taskID string, ref types.IssueRef) error
	SetMappingRecord(ctx context.Context, taskID string, ref types.RecordRef) error
	MarkMappingSyncStatus(ctx context.Context, taskID string, s types.SyncStatus) error

	EnqueueOutbox(ctx context.Context, kind types.EventKind, payload any) (string, error)
	CompleteOutbox(ctx context.Context, eventID string, outcome Outcome) error
	// RequeueOutbox moves a failed or dead event back to pending. Dead
	// events only move with force set; this is the operator escape hatch.
	RequeueOutbox(ctx context.Context, eventID string, force bool) error

	SetCursor(ctx context.Context, source types.SyncSource, value string) error

	AppendAudit(ctx context.Context, e *types.AuditEntry) error
}

// Storage is the interface satisfied by *sqlite.Store.
type Storage interface {
	Reader

	// RunInTransaction executes fn with exclusive write access. The
	// transaction commits when fn returns nil and rolls back otherwise.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// ClaimOutbox atomically transitions up to limit due pending events to
	// processing and returns them, oldest NotBefore first. Events sharing a
	// task with an in-flight event are skipped, which is what serializes
	// effects per task. Processing events claimed longer ago than
	// reclaimAfter are treated as abandoned and reclaimed.
	ClaimOutbox(ctx context.Context, limit int, now time.Time, reclaimAfter time.Duration) ([]*types.OutboxEvent, error)

	Close() error
}
