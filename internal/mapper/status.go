// Package mapper holds the pure translation layer between the internal
// Task shape, the GitHub issue shape, and the Bitable row shape. Both
// sync directions share it, which is what keeps the two stores
// convergent: there is exactly one status lattice and one title
// convention.
package mapper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/katadavidxd/autolark/internal/types"
)

// GitHub state_reason values.
const (
	ReasonCompleted  = "completed"
	ReasonNotPlanned = "not_planned"
	ReasonReopened   = "reopened"
)

// Bitable single-select literals for the status column.
const (
	BitableToDo       = "To Do"
	BitableInProgress = "In Progress"
	BitableDone       = "Done"
	BitableCancelled  = "Cancelled"
)

// StatusToGitHub maps an internal status to GitHub issue state and
// state_reason. Both open statuses write plain "open".
func StatusToGitHub(s types.Status) (state, stateReason string) {
	switch s {
	case types.StatusDone:
		return "closed", ReasonCompleted
	case types.StatusCancelled:
		return "closed", ReasonNotPlanned
	default:
		return "open", ""
	}
}

// StatusFromGitHub maps GitHub state/state_reason back to the lattice.
// An open issue keeps InProgress when the existing local task was
// already InProgress; otherwise it lands on ToDo. existing may be "".
func StatusFromGitHub(state, stateReason string, existing types.Status) types.Status {
	if state == "closed" {
		if stateReason == ReasonNotPlanned {
			return types.StatusCancelled
		}
		return types.StatusDone
	}
	if existing == types.StatusInProgress {
		return types.StatusInProgress
	}
	return types.StatusToDo
}

// StatusToBitable maps an internal status to the single-select literal.
func StatusToBitable(s types.Status) string {
	switch s {
	case types.StatusInProgress:
		return BitableInProgress
	case types.StatusDone:
		return BitableDone
	case types.StatusCancelled:
		return BitableCancelled
	default:
		return BitableToDo
	}
}

// StatusFromBitable maps a Bitable literal back to the lattice. The
// second return is false when the cell holds a value outside the
// lattice; callers keep the local status and flag a conflict.
func StatusFromBitable(s string) (types.Status, bool) {
	switch strings.TrimSpace(s) {
	case BitableToDo:
		return types.StatusToDo, true
	case BitableInProgress:
		return types.StatusInProgress, true
	case BitableDone:
		return types.StatusDone, true
	case BitableCancelled:
		return types.StatusCancelled, true
	default:
		return "", false
	}
}

// TitlePrefix returns the deterministic prefix stamped on issues the
// system creates. The dispatcher also uses it as the idempotency key
// when checking whether a create already happened.
func TitlePrefix(taskID string) string {
	return fmt.Sprintf("[AUTO][task:%s] ", taskID)
}

// titlePrefixPattern matches any [AUTO][...] prefix pair, not just our
// exact shape, so titles touched by older deployments still strip.
var titlePrefixPattern = regexp.MustCompile(`^\[AUTO\]\[task:([^\]]*)\]\s*`)

// StripTitlePrefix removes the automation prefix from a pulled title
// and returns the embedded task id when present.
func StripTitlePrefix(title string) (taskID, clean string) {
	m := titlePrefixPattern.FindStringSubmatch(title)
	if m == nil {
		return "", title
	}
	return m[1], title[len(m[0]):]
}

// priorityLabelPrefix encodes priority as a forge label.
const priorityLabelPrefix = "priority:"

// PriorityLabel returns the forge label that encodes a priority.
func PriorityLabel(p types.Priority) string {
	return priorityLabelPrefix + string(p)
}

// PriorityFromLabel parses a priority label; ok is false for labels
// that are not priority-encoded or carry an unknown level.
func PriorityFromLabel(label string) (types.Priority, bool) {
	if !strings.HasPrefix(label, priorityLabelPrefix) {
		return "", false
	}
	p := types.Priority(strings.TrimPrefix(label, priorityLabelPrefix))
	if !p.IsValid() {
		return "", false
	}
	return p, true
}
