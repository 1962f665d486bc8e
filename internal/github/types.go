// Package github provides a typed client for the GitHub REST issues API.
//
// It covers the operations the dispatcher and reconciler need: create,
// get, patch, close, and list issues (with since filtering), plus issue
// comments. Rate limiting is handled inside each call; failures surface
// as gateway errors so callers can pick retry or dead-letter.
package github

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout bounds one HTTP request.
	DefaultTimeout = 30 * time.Second

	// apiVersion is sent on every request.
	apiVersion = "2022-11-28"

	// MaxPageSize is the issues-per-page ceiling GitHub allows.
	MaxPageSize = 100

	// MaxPages caps pagination to guard against malformed Link headers.
	MaxPages = 1000
)

// Client talks to one repository's issue tracker.
type Client struct {
	Token      string
	Owner      string
	Repo       string
	BaseURL    string
	HTTPClient *http.Client

	log zerolog.Logger
}

// Issue is the subset of the GitHub issue payload the sync core uses.
type Issue struct {
	ID          int64      `json:"id"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	State       string     `json:"state"`                  // "open" or "closed"
	StateReason string     `json:"state_reason,omitempty"` // "completed", "not_planned", "reopened"
	Labels      []Label    `json:"labels"`
	Assignee    *User      `json:"assignee,omitempty"`
	Assignees   []User     `json:"assignees,omitempty"`
	HTMLURL     string     `json:"html_url"`
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`

	// PullRequest is set when the issues endpoint returns a PR; those are
	// filtered out of every listing.
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// LabelNames flattens issue labels to their names.
func (i *Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// Label is a GitHub issue label.
type Label struct {
	Name string `json:"name"`
}

// User is a GitHub account reference.
type User struct {
	Login string `json:"login"`
}

// Comment is a GitHub issue comment.
type Comment struct {
	ID        int64      `json:"id"`
	Body      string     `json:"body"`
	User      *User      `json:"user,omitempty"`
	CreatedAt *time.Time `json:"created_at"`
}

// IssuePatch is the mutable subset sent on create and update. Nil fields
// are omitted so partial patches stay partial.
type IssuePatch struct {
	Title       *string   `json:"title,omitempty"`
	Body        *string   `json:"body,omitempty"`
	State       *string   `json:"state,omitempty"`
	StateReason *string   `json:"state_reason,omitempty"`
	Labels      *[]string `json:"labels,omitempty"`
	Assignees   *[]string `json:"assignees,omitempty"`
}

// ListOptions filters issue listings.
type ListOptions struct {
	State    string // "open", "closed", "all" (default "all")
	Labels   string // comma-separated label filter
	Assignee string
	Since    time.Time
}

// String returns p for use in patch literals.
func String(s string) *string { return &s }

// Strings returns p for use in patch literals.
func Strings(s []string) *[]string { return &s }
