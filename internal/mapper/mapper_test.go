package mapper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katadavidxd/autolark/internal/github"
	"github.com/katadavidxd/autolark/internal/lark"
	"github.com/katadavidxd/autolark/internal/types"
)

func TestTitlePrefixRoundTrip(t *testing.T) {
	prefixed := TitlePrefix("tk-123") + "fix the flange"
	taskID, clean := StripTitlePrefix(prefixed)
	assert.Equal(t, "tk-123", taskID)
	assert.Equal(t, "fix the flange", clean)

	taskID, clean = StripTitlePrefix("no prefix here")
	assert.Equal(t, "", taskID)
	assert.Equal(t, "no prefix here", clean)
}

func TestStatusLatticeClosureGitHub(t *testing.T) {
	for _, s := range []types.Status{
		types.StatusToDo, types.StatusInProgress, types.StatusDone, types.StatusCancelled,
	} {
		state, reason := StatusToGitHub(s)
		// Existing-task context supplies the open-state tie-break.
		got := StatusFromGitHub(state, reason, s)
		assert.Equal(t, s, got, "status %s did not survive the github round trip", s)
	}
}

func TestStatusLatticeClosureBitable(t *testing.T) {
	for _, s := range []types.Status{
		types.StatusToDo, types.StatusInProgress, types.StatusDone, types.StatusCancelled,
	} {
		got, ok := StatusFromBitable(StatusToBitable(s))
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
}

func TestStatusFromGitHubOpenTieBreak(t *testing.T) {
	assert.Equal(t, types.StatusInProgress, StatusFromGitHub("open", "", types.StatusInProgress))
	assert.Equal(t, types.StatusToDo, StatusFromGitHub("open", "", types.StatusDone))
	assert.Equal(t, types.StatusToDo, StatusFromGitHub("open", "", ""))
	assert.Equal(t, types.StatusCancelled, StatusFromGitHub("closed", ReasonNotPlanned, types.StatusToDo))
	assert.Equal(t, types.StatusDone, StatusFromGitHub("closed", ReasonCompleted, types.StatusToDo))
	// Closed with no reason counts as completed.
	assert.Equal(t, types.StatusDone, StatusFromGitHub("closed", "", types.StatusToDo))
}

func TestStatusFromBitableOutsideLattice(t *testing.T) {
	_, ok := StatusFromBitable("Blocked")
	assert.False(t, ok, "values outside the lattice must not parse")
}

func sampleTask() *types.Task {
	return &types.Task{
		ID:       "tk-1",
		Title:    "ship the widget",
		Body:     "it has to ship",
		Status:   types.StatusInProgress,
		Priority: types.PriorityHigh,
		Source:   types.SourceIntent,
		Labels:   []string{"bug"},
	}
}

func TestTaskToIssuePatchCreate(t *testing.T) {
	patch := TaskToIssuePatch(sampleTask(), "a-gh", true)

	require.NotNil(t, patch.Title)
	assert.Equal(t, "[AUTO][task:tk-1] ship the widget", *patch.Title)
	require.NotNil(t, patch.Labels)
	assert.ElementsMatch(t, []string{"bug", "priority:high"}, *patch.Labels)
	require.NotNil(t, patch.Assignees)
	assert.Equal(t, []string{"a-gh"}, *patch.Assignees)
	assert.Nil(t, patch.State, "create payloads never carry state")
}

func TestTaskToIssuePatchUpdateCarriesState(t *testing.T) {
	task := sampleTask()
	task.Status = types.StatusCancelled
	patch := TaskToIssuePatch(task, "", false)

	require.NotNil(t, patch.State)
	assert.Equal(t, "closed", *patch.State)
	require.NotNil(t, patch.StateReason)
	assert.Equal(t, ReasonNotPlanned, *patch.StateReason)
	require.NotNil(t, patch.Assignees)
	assert.Empty(t, *patch.Assignees, "no assignee clears the issue assignees")
}

func TestIssueRoundTrip(t *testing.T) {
	task := sampleTask()
	patch := TaskToIssuePatch(task, "a-gh", true)

	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issue := &github.Issue{
		Number:    5,
		Title:     *patch.Title,
		Body:      *patch.Body,
		State:     "open",
		Assignee:  &github.User{Login: "a-gh"},
		UpdatedAt: &updated,
	}
	for _, l := range *patch.Labels {
		issue.Labels = append(issue.Labels, github.Label{Name: l})
	}

	view := ParseIssue(issue, task.Status)
	assert.Equal(t, task.ID, view.TaskID)
	assert.Equal(t, task.Title, view.Title)
	assert.Equal(t, task.Body, view.Body)
	assert.Equal(t, task.Status, view.Status)
	assert.Equal(t, task.Priority, view.Priority)
	assert.Equal(t, task.Labels, view.Labels)
	assert.Equal(t, "a-gh", view.AssigneeLogin)
}

func TestParseIssueEmptyTitle(t *testing.T) {
	view := ParseIssue(&github.Issue{Title: TitlePrefix("tk-2"), State: "open"}, "")
	assert.Equal(t, UntitledPlaceholder, view.Title)
}

func registryEntry() *types.TableEntry {
	return &types.TableEntry{
		ID:       "tbl-entry-1",
		AppToken: "app-tok",
		TableID:  "tblX",
		Name:     "tasks",
		Fields:   types.DefaultFieldMap(),
	}
}

func TestRecordRoundTrip(t *testing.T) {
	task := sampleTask()
	entry := registryEntry()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issue := &types.IssueRef{Repo: "acme/widgets", Number: 5}

	fields := TaskToRecordFields(task, "ou_abc", entry, issue, now)
	assert.Equal(t, task.Title, fields["Task Name"])
	assert.Equal(t, BitableInProgress, fields["Status"])
	assert.Equal(t, []map[string]string{{"id": "ou_abc"}}, fields["Assignee"])
	assert.Equal(t, "acme/widgets#5", fields["GitHub Issue"])
	assert.Equal(t, "2026-03-01T09:00:00Z", fields["Last Sync"])

	// Shapes come back from the API as generic JSON values.
	rec := &lark.Record{RecordID: "rec1", Fields: lark.Fields{
		"Task Name":   task.Title,
		"Status":      BitableInProgress,
		"Description": task.Body,
		"Assignee":    []any{map[string]any{"id": "ou_abc", "name": "A"}},
	}}
	view := ParseRecord(rec, entry)
	require.True(t, view.StatusKnown)
	assert.Equal(t, task.Title, view.Title)
	assert.Equal(t, task.Body, view.Description)
	assert.Equal(t, task.Status, view.Status)
	assert.Equal(t, "ou_abc", view.AssigneeOpenID)
}

func TestParseRecordRichTextAndUnknownStatus(t *testing.T) {
	entry := registryEntry()
	rec := &lark.Record{RecordID: "rec2", Fields: lark.Fields{
		"Task Name": []any{
			map[string]any{"text": "two "},
			map[string]any{"text": "parts"},
		},
		"Status": "Blocked",
	}}

	view := ParseRecord(rec, entry)
	assert.Equal(t, "two parts", view.Title)
	assert.False(t, view.StatusKnown)
	assert.Equal(t, "Blocked", view.RawStatus)

	// An unknown status leaves the local status untouched.
	task := sampleTask()
	view.ApplyRecord(task, time.Now())
	assert.Equal(t, types.StatusInProgress, task.Status)
	assert.Equal(t, "two parts", task.Title)
}
