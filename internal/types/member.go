package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role of a member within the team.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleManager   Role = "manager"
	RoleDeveloper Role = "developer"
	RoleDesigner  Role = "designer"
	RoleQA        Role = "qa"
	RoleMember    Role = "member"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleDeveloper, RoleDesigner, RoleQA, RoleMember:
		return true
	}
	return false
}

// MemberStatus is active or inactive. Members are never hard-deleted;
// deactivation preserves the row so historical assignments stay resolvable.
type MemberStatus string

const (
	MemberActive   MemberStatus = "active"
	MemberInactive MemberStatus = "inactive"
)

// Member is a canonical identity keyed by email. The GitHub username and
// Lark open id are resolved lazily and cached on the row.
type Member struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Email          string       `json:"email"`
	GitHubUsername string       `json:"github_username,omitempty"`
	LarkOpenID     string       `json:"lark_open_id,omitempty"`
	Role           Role         `json:"role"`
	Status         MemberStatus `json:"status"`
	LarkTables     []string     `json:"lark_tables,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Validate checks member invariants before persistence.
func (m *Member) Validate() error {
	if m.Email == "" {
		return fmt.Errorf("member email cannot be empty")
	}
	if !strings.Contains(m.Email, "@") {
		return fmt.Errorf("invalid member email: %q", m.Email)
	}
	if !m.Role.IsValid() {
		return fmt.Errorf("invalid member role: %q", m.Role)
	}
	return nil
}

// NewMemberID returns a fresh opaque member id.
func NewMemberID() string { return uuid.NewString() }
