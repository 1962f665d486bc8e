package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind is the tagged variant discriminator for outbox events.
type EventKind string

const (
	EventGitHubCreateIssue    EventKind = "github_create_issue"
	EventGitHubUpdateIssue    EventKind = "github_update_issue"
	EventGitHubCloseIssue     EventKind = "github_close_issue"
	EventLarkCreateRecord     EventKind = "lark_create_record"
	EventLarkUpdateRecord     EventKind = "lark_update_record"
	EventConvertIssueToRecord EventKind = "convert_issue_to_record"
	EventConvertRecordToIssue EventKind = "convert_record_to_issue"
	EventNotifyMember         EventKind = "notify_member"
)

// IsValid reports whether k is a known event kind.
func (k EventKind) IsValid() bool {
	switch k {
	case EventGitHubCreateIssue, EventGitHubUpdateIssue, EventGitHubCloseIssue,
		EventLarkCreateRecord, EventLarkUpdateRecord,
		EventConvertIssueToRecord, EventConvertRecordToIssue, EventNotifyMember:
		return true
	}
	return false
}

// EventStatus is the outbox event lifecycle state.
//
// pending → processing → sent | pending (transient failure, attempts
// left) | failed (retryable but attempts exhausted) | dead (permanent
// rejection). Failed events requeue freely; a dead event never returns
// to pending without operator force.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventSent       EventStatus = "sent"
	EventFailed     EventStatus = "failed"
	EventDead       EventStatus = "dead"
)

// DefaultMaxAttempts is how many delivery attempts an event gets before
// it stops retrying. Deployments override it with RETRY_MAX_ATTEMPTS.
const DefaultMaxAttempts = 5

// OutboxEvent is a durable intent to perform one external side effect.
// Events are written in the same transaction as the local mutation that
// requires them, which is what makes the external effect recoverable.
type OutboxEvent struct {
	ID          string          `json:"id"`
	Kind        EventKind       `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      EventStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	NotBefore   time.Time       `json:"not_before"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TaskID extracts the task id an event concerns, or "" for events that
// are not task-scoped. The dispatcher uses this for per-task claim
// exclusivity, so every task-scoped payload must carry a task_id field.
func (e *OutboxEvent) TaskID() string {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.TaskID
}

// NewEventID returns a fresh opaque event id.
func NewEventID() string { return uuid.NewString() }

// Event payloads, one per kind. Conversion events carry a task_id too:
// the intent layer upserts the local task before enqueuing, and the id
// keeps conversions inside the per-task ordering discipline.

// TaskPayload is shared by github_create_issue and lark-side events that
// only need the task.
type TaskPayload struct {
	TaskID string `json:"task_id"`
	Table  string `json:"table,omitempty"` // registry name, lark_create_record only
}

// UpdatePayload names the changed fields so handlers patch only what the
// intent touched.
type UpdatePayload struct {
	TaskID string   `json:"task_id"`
	Fields []string `json:"fields"`
}

// ClosePayload carries the close reason ("completed" or "not_planned").
type ClosePayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// ConvertIssuePayload converts an existing GitHub issue into a Bitable record.
type ConvertIssuePayload struct {
	TaskID string   `json:"task_id"`
	Issue  IssueRef `json:"issue"`
	Table  string   `json:"table,omitempty"`
}

// ConvertRecordPayload converts an existing Bitable record into a GitHub issue.
type ConvertRecordPayload struct {
	TaskID string    `json:"task_id"`
	Record RecordRef `json:"record"`
}

// NotifyPayload sends an operator-visible message through Lark IM.
type NotifyPayload struct {
	MemberID string `json:"member_id,omitempty"` // empty targets the operator chat
	Message  string `json:"message"`
}

// MarshalPayload encodes a payload struct for enqueueing.
func MarshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return raw, nil
}
