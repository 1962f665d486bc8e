package intent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/storage/sqlite"
	"github.com/katadavidxd/autolark/internal/types"
)

func newService(t *testing.T) (*Service, storage.Storage) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zerolog.Nop()), store
}

func registerDefaultTable(t *testing.T, svc *Service) {
	t.Helper()
	_, err := svc.RegisterTable(context.Background(), RegisterTableParams{
		Name:      "tasks",
		AppToken:  "bascnAAA",
		TableID:   "tblXXX",
		IsDefault: true,
	})
	require.NoError(t, err)
}

func addMember(t *testing.T, svc *Service, email string) string {
	t.Helper()
	id, err := svc.AddMember(context.Background(), AddMemberParams{
		Name: "Dana", Email: email, GitHubUsername: "dana-dev",
	})
	require.NoError(t, err)
	return id
}

func pendingKinds(t *testing.T, store storage.Storage) []types.EventKind {
	t.Helper()
	events, err := store.ListOutbox(context.Background(), types.EventPending, 0)
	require.NoError(t, err)
	kinds := make([]types.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func bindBoth(t *testing.T, store storage.Storage, taskID string) {
	t.Helper()
	err := store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		if err := tx.SetMappingIssue(context.Background(), taskID, types.IssueRef{Repo: "acme/app", Number: 7}); err != nil {
			return err
		}
		return tx.SetMappingRecord(context.Background(), taskID, types.RecordRef{
			AppToken: "bascnAAA", TableID: "tblXXX", RecordID: "recZZZ",
		})
	})
	require.NoError(t, err)
}

func drainOutbox(t *testing.T, store storage.Storage) {
	t.Helper()
	for {
		claimed, err := store.ClaimOutbox(context.Background(), 50, time.Now().UTC(), time.Minute)
		require.NoError(t, err)
		if len(claimed) == 0 {
			return
		}
		for _, ev := range claimed {
			err := store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
				return tx.CompleteOutbox(context.Background(), ev.ID, storage.Outcome{Status: types.EventSent})
			})
			require.NoError(t, err)
		}
	}
}

func TestCreateTaskEnqueuesBothStores(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	registerDefaultTable(t, svc)
	addMember(t, svc, "dana@acme.dev")

	id, err := svc.CreateTask(ctx, CreateTaskParams{
		Title:         "Wire up billing export",
		Body:          "details",
		AssigneeEmail: "dana@acme.dev",
		Labels:        []string{"backend"},
		Priority:      types.PriorityHigh,
	})
	require.NoError(t, err)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusToDo, task.Status)
	assert.Equal(t, types.SourceIntent, task.Source)
	assert.NotEmpty(t, task.AssigneeMemberID)

	mapping, err := store.GetMappingByTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncPending, mapping.SyncStatus)
	assert.False(t, mapping.HasGitHub())

	assert.ElementsMatch(t, []types.EventKind{
		types.EventGitHubCreateIssue, types.EventLarkCreateRecord,
	}, pendingKinds(t, store))
}

func TestCreateTaskWithoutTableSkipsLark(t *testing.T) {
	svc, store := newService(t)

	_, err := svc.CreateTask(context.Background(), CreateTaskParams{Title: "forge only"})
	require.NoError(t, err)

	assert.Equal(t, []types.EventKind{types.EventGitHubCreateIssue}, pendingKinds(t, store))
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskParams{Title: ""})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateTask(ctx, CreateTaskParams{Title: "x", AssigneeEmail: "ghost@acme.dev"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateTask(ctx, CreateTaskParams{Title: "x", TargetTable: "nope"})
	assert.ErrorIs(t, err, ErrValidation)

	// Rejected creates leave nothing behind.
	tasks, err := store.ListTasks(ctx, storage.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, pendingKinds(t, store))
}

func TestUpdateUnboundTaskEnqueuesNothing(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	id, err := svc.CreateTask(ctx, CreateTaskParams{Title: "young task"})
	require.NoError(t, err)
	drainOutbox(t, store)

	newBody := "fresh body"
	require.NoError(t, svc.UpdateTask(ctx, id, TaskPatch{Body: &newBody}))

	// The pending create reads the task at dispatch time, so no update
	// event is owed for an unbound side.
	assert.Empty(t, pendingKinds(t, store))
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fresh body", task.Body)
}

func TestUpdateBoundTaskEnqueuesBothUpdates(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	registerDefaultTable(t, svc)

	id, err := svc.CreateTask(ctx, CreateTaskParams{Title: "bound task"})
	require.NoError(t, err)
	drainOutbox(t, store)
	bindBoth(t, store, id)

	status := types.StatusInProgress
	require.NoError(t, svc.UpdateTask(ctx, id, TaskPatch{Status: &status}))

	assert.ElementsMatch(t, []types.EventKind{
		types.EventGitHubUpdateIssue, types.EventLarkUpdateRecord,
	}, pendingKinds(t, store))

	mapping, err := store.GetMappingByTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncPending, mapping.SyncStatus)
}

func TestUpdateNoChangeIsQuiet(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	registerDefaultTable(t, svc)
	id, err := svc.CreateTask(ctx, CreateTaskParams{Title: "steady"})
	require.NoError(t, err)
	drainOutbox(t, store)
	bindBoth(t, store, id)

	same := "steady"
	require.NoError(t, svc.UpdateTask(ctx, id, TaskPatch{Title: &same}))
	assert.Empty(t, pendingKinds(t, store))
}

func TestCloseTaskNotPlanned(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	registerDefaultTable(t, svc)
	id, err := svc.CreateTask(ctx, CreateTaskParams{Title: "doomed"})
	require.NoError(t, err)
	drainOutbox(t, store)
	bindBoth(t, store, id)

	require.NoError(t, svc.CloseTask(ctx, id, "not_planned"))

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, task.Status)

	events, err := store.ListOutbox(ctx, types.EventPending, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	var closeEvent *types.OutboxEvent
	for _, e := range events {
		if e.Kind == types.EventGitHubCloseIssue {
			closeEvent = e
		}
	}
	require.NotNil(t, closeEvent)
	assert.Contains(t, string(closeEvent.Payload), "not_planned")

	assert.ErrorIs(t, svc.CloseTask(ctx, id, "soft-delete"), ErrValidation)
}

func TestReopenTask(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	registerDefaultTable(t, svc)
	id, err := svc.CreateTask(ctx, CreateTaskParams{Title: "resurrect me"})
	require.NoError(t, err)
	drainOutbox(t, store)
	bindBoth(t, store, id)

	assert.ErrorIs(t, svc.ReopenTask(ctx, id), ErrValidation)

	require.NoError(t, svc.CloseTask(ctx, id, "completed"))
	drainOutbox(t, store)
	require.NoError(t, svc.ReopenTask(ctx, id))

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusToDo, task.Status)
	assert.ElementsMatch(t, []types.EventKind{
		types.EventGitHubUpdateIssue, types.EventLarkUpdateRecord,
	}, pendingKinds(t, store))
}

func TestConvertIssueToRecordIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	registerDefaultTable(t, svc)
	ref := types.IssueRef{Repo: "acme/app", Number: 42}

	first, err := svc.ConvertIssueToRecord(ctx, ref, "tasks")
	require.NoError(t, err)
	second, err := svc.ConvertIssueToRecord(ctx, ref, "tasks")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	mapping, err := store.GetMappingByIssue(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, first, mapping.TaskID)

	assert.Equal(t, []types.EventKind{types.EventConvertIssueToRecord}, pendingKinds(t, store))
}

func TestConvertRecordToIssueRequiresRegisteredTable(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	ref := types.RecordRef{AppToken: "bascnAAA", TableID: "tblXXX", RecordID: "recQQQ"}

	_, err := svc.ConvertRecordToIssue(ctx, ref)
	assert.ErrorIs(t, err, ErrValidation)

	registerDefaultTable(t, svc)
	id, err := svc.ConvertRecordToIssue(ctx, ref)
	require.NoError(t, err)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SourceLarkPull, task.Source)
	assert.Equal(t, "tasks", task.TargetTable)
	assert.Equal(t, []types.EventKind{types.EventConvertRecordToIssue}, pendingKinds(t, store))
}

func TestAddMemberDuplicateEmail(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	addMember(t, svc, "dana@acme.dev")
	_, err := svc.AddMember(ctx, AddMemberParams{Name: "Other", Email: "dana@acme.dev"})
	assert.ErrorIs(t, err, storage.ErrDuplicateEmail)
}

func TestDeactivateMemberKeepsRow(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	addMember(t, svc, "dana@acme.dev")
	require.NoError(t, svc.DeactivateMember(ctx, "dana@acme.dev"))

	member, err := store.GetMemberByEmail(ctx, "dana@acme.dev")
	require.NoError(t, err)
	assert.Equal(t, types.MemberInactive, member.Status)

	active, err := svc.ListMembers(ctx, storage.MemberFilter{Status: types.MemberActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestGetMemberWorkFiltersClosed(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	addMember(t, svc, "dana@acme.dev")

	openID, err := svc.CreateTask(ctx, CreateTaskParams{Title: "open one", AssigneeEmail: "dana@acme.dev"})
	require.NoError(t, err)
	doneID, err := svc.CreateTask(ctx, CreateTaskParams{Title: "done one", AssigneeEmail: "dana@acme.dev"})
	require.NoError(t, err)
	drainOutbox(t, store)
	require.NoError(t, svc.CloseTask(ctx, doneID, "completed"))

	member, work, err := svc.GetMemberWork(ctx, "dana@acme.dev")
	require.NoError(t, err)
	assert.Equal(t, "Dana", member.Name)
	require.Len(t, work, 1)
	assert.Equal(t, openID, work[0].Task.ID)
}

func TestImportTablesFromYAML(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	doc := []byte(`
tables:
  - name: sprint
    app_token: bascnAAA
    table_id: tbl001
    is_default: true
  - name: backlog
    app_token: bascnAAA
    table_id: tbl002
    fields:
      title: Item
      status: Stage
`)
	n, err := svc.ImportTables(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	def, err := store.GetDefaultTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sprint", def.Name)

	backlog, err := store.GetTableByName(ctx, "backlog")
	require.NoError(t, err)
	assert.Equal(t, "Item", backlog.Fields.Title)
	assert.Equal(t, "Stage", backlog.Fields.Status)

	twoDefaults := []byte(`
tables:
  - {name: a, app_token: x, table_id: t1, is_default: true}
  - {name: b, app_token: x, table_id: t2, is_default: true}
`)
	_, err = svc.ImportTables(ctx, twoDefaults)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRetryFailedNeedsNoForce(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskParams{Title: "stubborn"})
	require.NoError(t, err)

	claimed, err := store.ClaimOutbox(ctx, 10, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	eventID := claimed[0].ID
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CompleteOutbox(ctx, eventID, storage.Outcome{
			Status: types.EventFailed, Err: "attempts exhausted",
		})
	})
	require.NoError(t, err)

	n, err := svc.RetryFailedOutbox(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "failed events requeue without force")

	event, err := store.GetOutboxEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, types.EventPending, event.Status)
}

func TestRetryDeadRequiresForce(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskParams{Title: "will die"})
	require.NoError(t, err)

	claimed, err := store.ClaimOutbox(ctx, 10, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	eventID := claimed[0].ID
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CompleteOutbox(ctx, eventID, storage.Outcome{
			Status: types.EventDead, Err: "upstream said no",
		})
	})
	require.NoError(t, err)

	n, err := svc.RetryFailedOutbox(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.RetryFailedOutbox(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := store.ListOutbox(ctx, types.EventPending, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventID, events[0].ID)
}
