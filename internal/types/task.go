// Package types defines the core domain entities shared by all autolark
// packages: tasks, members, mappings, outbox events, and the audit log.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the internal task status. It forms a closed lattice; both
// gateway directions map into and out of it deterministically.
type Status string

const (
	StatusToDo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// IsValid reports whether s is a member of the status lattice.
func (s Status) IsValid() bool {
	switch s {
	case StatusToDo, StatusInProgress, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// IsClosed reports whether the status is terminal.
func (s Status) IsClosed() bool {
	return s == StatusDone || s == StatusCancelled
}

// Priority of a task.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Source records where a task entered the local store.
type Source string

const (
	SourceIntent     Source = "intent"
	SourceGitHubPull Source = "github_pull"
	SourceLarkPull   Source = "lark_pull"
)

// Task is the local durable record of a work item. External
// representations (GitHub issue, Bitable record) are projections of it.
type Task struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Body             string    `json:"body,omitempty"`
	Status           Status    `json:"status"`
	Priority         Priority  `json:"priority"`
	Source           Source    `json:"source"`
	AssigneeMemberID string    `json:"assignee_member_id,omitempty"`
	Labels           []string  `json:"labels,omitempty"`
	TargetTable      string    `json:"target_table,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Validate checks the task invariants that must hold before persistence.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("task title cannot be empty")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid task status: %q", t.Status)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("invalid task priority: %q", t.Priority)
	}
	return nil
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NewTaskID returns a fresh opaque task id.
func NewTaskID() string { return uuid.NewString() }
