package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncStatus describes how a task's external bindings relate to local state.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncPending  SyncStatus = "pending"
	SyncConflict SyncStatus = "conflict"
	SyncError    SyncStatus = "error"
)

// IssueRef identifies a GitHub issue.
type IssueRef struct {
	Repo   string `json:"repo"` // "owner/name"
	Number int    `json:"number"`
}

func (r IssueRef) String() string { return fmt.Sprintf("%s#%d", r.Repo, r.Number) }

// IsZero reports whether the ref is unset.
func (r IssueRef) IsZero() bool { return r.Repo == "" && r.Number == 0 }

// RecordRef identifies a Lark Bitable record.
type RecordRef struct {
	AppToken string `json:"app_token"`
	TableID  string `json:"table_id"`
	RecordID string `json:"record_id"`
}

func (r RecordRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.AppToken, r.TableID, r.RecordID)
}

// IsZero reports whether the ref is unset.
func (r RecordRef) IsZero() bool { return r.RecordID == "" }

// Mapping binds one task to at most one GitHub issue and one Bitable
// record. A set reference is immutable for the task's lifetime: the
// external id is how the row is found again.
type Mapping struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	GitHub     IssueRef   `json:"github,omitempty"`
	Lark       RecordRef  `json:"lark,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HasGitHub reports whether the GitHub binding is set.
func (m *Mapping) HasGitHub() bool { return !m.GitHub.IsZero() }

// HasLark reports whether the Bitable binding is set.
func (m *Mapping) HasLark() bool { return !m.Lark.IsZero() }

// NewMappingID returns a fresh opaque mapping id.
func NewMappingID() string { return uuid.NewString() }
