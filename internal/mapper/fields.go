package mapper

import (
	"sort"
	"strings"
	"time"

	"github.com/katadavidxd/autolark/internal/github"
	"github.com/katadavidxd/autolark/internal/lark"
	"github.com/katadavidxd/autolark/internal/types"
)

// UntitledPlaceholder substitutes an empty pulled title locally. It is
// never written back to an external store.
const UntitledPlaceholder = "(untitled)"

// IssueLabels computes the forge label set for a task: its own labels
// plus the priority-encoding label.
func IssueLabels(task *types.Task) []string {
	labels := make([]string, 0, len(task.Labels)+1)
	for _, l := range task.Labels {
		if _, ok := PriorityFromLabel(l); ok {
			continue
		}
		labels = append(labels, l)
	}
	if task.Priority != "" {
		labels = append(labels, PriorityLabel(task.Priority))
	}
	sort.Strings(labels)
	return labels
}

// TaskToIssuePatch projects a task onto a GitHub issue payload.
// assigneeLogin is the resolved forge username; empty clears assignees.
// create controls the title prefix: created issues carry it, updates
// rewrite the full prefixed title so the idempotency key survives
// manual edits.
func TaskToIssuePatch(task *types.Task, assigneeLogin string, create bool) github.IssuePatch {
	title := TitlePrefix(task.ID) + task.Title
	state, reason := StatusToGitHub(task.Status)

	patch := github.IssuePatch{
		Title:  github.String(title),
		Body:   github.String(task.Body),
		Labels: github.Strings(IssueLabels(task)),
	}
	if assigneeLogin != "" {
		patch.Assignees = github.Strings([]string{assigneeLogin})
	} else {
		patch.Assignees = github.Strings([]string{})
	}
	if !create {
		patch.State = github.String(state)
		if reason != "" {
			patch.StateReason = github.String(reason)
		}
	}
	return patch
}

// IssueView is the task-relevant projection of a pulled GitHub issue.
// Assignee resolution (login → member) stays with the caller.
type IssueView struct {
	TaskID        string // embedded task id from the title prefix, if any
	Title         string
	Body          string
	Status        types.Status
	Priority      types.Priority
	Labels        []string
	AssigneeLogin string
	UpdatedAt     time.Time
}

// ParseIssue extracts the view, stripping the automation prefix and
// decoding priority labels. existingStatus feeds the open→ToDo/
// InProgress tie-break.
func ParseIssue(issue *github.Issue, existingStatus types.Status) IssueView {
	taskID, title := StripTitlePrefix(issue.Title)
	if strings.TrimSpace(title) == "" {
		title = UntitledPlaceholder
	}

	view := IssueView{
		TaskID: taskID,
		Title:  title,
		Body:   issue.Body,
		Status: StatusFromGitHub(issue.State, issue.StateReason, existingStatus),
	}
	for _, name := range issue.LabelNames() {
		if p, ok := PriorityFromLabel(name); ok {
			view.Priority = p
			continue
		}
		view.Labels = append(view.Labels, name)
	}
	if issue.Assignee != nil {
		view.AssigneeLogin = issue.Assignee.Login
	} else if len(issue.Assignees) > 0 {
		view.AssigneeLogin = issue.Assignees[0].Login
	}
	if issue.UpdatedAt != nil {
		view.UpdatedAt = issue.UpdatedAt.UTC()
	}
	return view
}

// ApplyIssue folds a parsed issue into a task, bumping UpdatedAt. The
// caller resolves AssigneeLogin to a member id separately.
func (v IssueView) ApplyIssue(task *types.Task, now time.Time) {
	task.Title = v.Title
	task.Body = v.Body
	task.Status = v.Status
	task.Labels = v.Labels
	if v.Priority != "" {
		task.Priority = v.Priority
	}
	task.UpdatedAt = now.UTC()
}

// TaskToRecordFields projects a task onto the Bitable columns named by
// the registry entry. Optional columns absent from the field map are
// skipped. assigneeOpenID empty clears the person column. issue, when
// bound, is written to the GitHub-issue link column; now stamps the
// last-sync column.
func TaskToRecordFields(task *types.Task, assigneeOpenID string, entry *types.TableEntry, issue *types.IssueRef, now time.Time) lark.Fields {
	fm := entry.Fields
	fields := lark.Fields{
		fm.Title:  task.Title,
		fm.Status: StatusToBitable(task.Status),
	}
	if fm.Assignee != "" {
		if assigneeOpenID != "" {
			fields[fm.Assignee] = []map[string]string{{"id": assigneeOpenID}}
		} else {
			fields[fm.Assignee] = []map[string]string{}
		}
	}
	if fm.Description != "" {
		fields[fm.Description] = task.Body
	}
	if fm.Priority != "" && task.Priority != "" {
		fields[fm.Priority] = capitalize(string(task.Priority))
	}
	if fm.GitHubIssue != "" && issue != nil && !issue.IsZero() {
		fields[fm.GitHubIssue] = issue.String()
	}
	if fm.LastSync != "" {
		fields[fm.LastSync] = now.UTC().Format(time.RFC3339)
	}
	return fields
}

// RecordView is the task-relevant projection of a pulled Bitable row.
type RecordView struct {
	Title          string
	Description    string
	Status         types.Status
	StatusKnown    bool   // false when the cell holds a value outside the lattice
	RawStatus      string // verbatim cell value, for the audit log
	Priority       types.Priority
	AssigneeOpenID string
}

// ParseRecord extracts the view through the registry entry's field map.
func ParseRecord(rec *lark.Record, entry *types.TableEntry) RecordView {
	fm := entry.Fields

	view := RecordView{
		Title:       cellText(rec.Fields[fm.Title]),
		Description: cellText(rec.Fields[fm.Description]),
		RawStatus:   cellText(rec.Fields[fm.Status]),
	}
	if strings.TrimSpace(view.Title) == "" {
		view.Title = UntitledPlaceholder
	}
	view.Status, view.StatusKnown = StatusFromBitable(view.RawStatus)

	if fm.Priority != "" {
		p := types.Priority(strings.ToLower(cellText(rec.Fields[fm.Priority])))
		if p.IsValid() {
			view.Priority = p
		}
	}
	if fm.Assignee != "" {
		view.AssigneeOpenID = cellPersonID(rec.Fields[fm.Assignee])
	}
	return view
}

// ApplyRecord folds a parsed record into a task. Status is only
// applied when it parsed into the lattice; otherwise the local status
// stays and the caller flags a conflict.
func (v RecordView) ApplyRecord(task *types.Task, now time.Time) {
	task.Title = v.Title
	if v.Description != "" {
		task.Body = v.Description
	}
	if v.StatusKnown {
		task.Status = v.Status
	}
	if v.Priority != "" {
		task.Priority = v.Priority
	}
	task.UpdatedAt = now.UTC()
}

// cellText flattens a Bitable cell to text. Text cells arrive either as
// plain strings or as arrays of rich-text segments.
func cellText(v any) string {
	switch cell := v.(type) {
	case string:
		return cell
	case []any:
		var b strings.Builder
		for _, seg := range cell {
			if m, ok := seg.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					b.WriteString(s)
				}
			}
		}
		return b.String()
	case map[string]any:
		if s, ok := cell["text"].(string); ok {
			return s
		}
	}
	return ""
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// cellPersonID extracts the first open id from a person-type cell.
func cellPersonID(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	if m, ok := list[0].(map[string]any); ok {
		if id, ok := m["id"].(string); ok {
			return id
		}
	}
	return ""
}
