package types

import "time"

// SyncSource names a polled external store. Cursors are kept per source.
type SyncSource string

const (
	SourceGitHub SyncSource = "github"
	SourceLark   SyncSource = "lark"
)

// SyncCursor is a per-source polling watermark: an RFC3339 timestamp for
// GitHub's since-query, an opaque continuation value for Lark.
type SyncCursor struct {
	Source    SyncSource `json:"source"`
	Value     string     `json:"value"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AuditDirection distinguishes push and pull entries.
type AuditDirection string

const (
	AuditOutbound AuditDirection = "outbound"
	AuditInbound  AuditDirection = "inbound"
)

// AuditEntry is an append-only record of one sync action or failure.
// Conflict inspection relies on the message carrying both values.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Direction AuditDirection `json:"direction"`
	Subject   string         `json:"subject"`
	SubjectID string         `json:"subject_id,omitempty"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
