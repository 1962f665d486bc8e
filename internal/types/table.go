package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FieldMap names the Bitable columns a registered table uses for each
// internal field. Empty optional entries disable propagation of that field.
type FieldMap struct {
	Title       string `json:"title" yaml:"title"`
	Status      string `json:"status" yaml:"status"`
	Assignee    string `json:"assignee" yaml:"assignee"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    string `json:"priority,omitempty" yaml:"priority,omitempty"`
	GitHubIssue string `json:"github_issue,omitempty" yaml:"github_issue,omitempty"`
	LastSync    string `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
}

// DefaultFieldMap returns the column names the bootstrap table is created
// with. Overridable per table via the registry, or globally via config.
func DefaultFieldMap() FieldMap {
	return FieldMap{
		Title:       "Task Name",
		Status:      "Status",
		Assignee:    "Assignee",
		Description: "Description",
		GitHubIssue: "GitHub Issue",
		LastSync:    "Last Sync",
	}
}

// TableEntry is a registered Bitable table. Every Lark record binding must
// reference a registered table; the entry supplies the field map used to
// read and write its rows.
type TableEntry struct {
	ID        string    `json:"id" yaml:"-"`
	AppToken  string    `json:"app_token" yaml:"app_token"`
	TableID   string    `json:"table_id" yaml:"table_id"`
	Name      string    `json:"name" yaml:"name"`
	Fields    FieldMap  `json:"fields" yaml:"fields"`
	IsDefault bool      `json:"is_default" yaml:"is_default"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks registry invariants before persistence.
func (e *TableEntry) Validate() error {
	if e.AppToken == "" || e.TableID == "" {
		return fmt.Errorf("table entry requires app_token and table_id")
	}
	if e.Name == "" {
		return fmt.Errorf("table entry requires a name")
	}
	if e.Fields.Title == "" || e.Fields.Status == "" {
		return fmt.Errorf("table entry field map requires title and status columns")
	}
	return nil
}

// Ref returns the record ref prefix for this table (record id unset).
func (e *TableEntry) Ref() RecordRef {
	return RecordRef{AppToken: e.AppToken, TableID: e.TableID}
}

// NewTableEntryID returns a fresh opaque registry id.
func NewTableEntryID() string { return uuid.NewString() }
