package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedTask(t *testing.T, store *Store, title string) string {
	t.Helper()
	id := types.NewTaskID()
	err := store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		if err := tx.UpsertTask(context.Background(), &types.Task{
			ID: id, Title: title, Status: types.StatusToDo,
			Priority: types.PriorityMedium, Source: types.SourceIntent,
		}); err != nil {
			return err
		}
		return tx.CreateMapping(context.Background(), &types.Mapping{
			ID: types.NewMappingID(), TaskID: id, SyncStatus: types.SyncPending,
		})
	})
	require.NoError(t, err)
	return id
}

func enqueue(t *testing.T, store *Store, kind types.EventKind, payload any) string {
	t.Helper()
	var id string
	err := store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		var err error
		id, err = tx.EnqueueOutbox(context.Background(), kind, payload)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestEnqueueStampsConfiguredMaxAttempts(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	store.SetMaxAttempts(3)
	taskID := seedTask(t, store, "budgeted")

	id := enqueue(t, store, types.EventGitHubCreateIssue, types.TaskPayload{TaskID: taskID})
	event, err := store.GetOutboxEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, event.MaxAttempts)

	// Values below 1 keep the current setting.
	store.SetMaxAttempts(0)
	id = enqueue(t, store, types.EventGitHubCreateIssue, types.TaskPayload{TaskID: taskID})
	event, err = store.GetOutboxEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, event.MaxAttempts)
}

func TestClaimSerializesPerTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	taskA := seedTask(t, store, "a")
	taskB := seedTask(t, store, "b")

	firstA := enqueue(t, store, types.EventGitHubCreateIssue, types.TaskPayload{TaskID: taskA})
	enqueue(t, store, types.EventLarkCreateRecord, types.TaskPayload{TaskID: taskA})
	onlyB := enqueue(t, store, types.EventGitHubCreateIssue, types.TaskPayload{TaskID: taskB})

	claimed, err := store.ClaimOutbox(ctx, 10, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	ids := []string{claimed[0].ID, claimed[1].ID}
	assert.ElementsMatch(t, []string{firstA, onlyB}, ids)

	// Task A's second event stays locked out until the first completes.
	more, err := store.ClaimOutbox(ctx, 10, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, more)

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CompleteOutbox(ctx, firstA, storage.Outcome{Status: types.EventSent})
	})
	require.NoError(t, err)

	more, err = store.ClaimOutbox(ctx, 10, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, types.EventLarkCreateRecord, more[0].Kind)
}

func TestClaimHonorsNotBefore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	task := seedTask(t, store, "later")
	id := enqueue(t, store, types.EventGitHubCreateIssue, types.TaskPayload{TaskID: task})

	now := time.Now().UTC()
	claimed, err := store.ClaimOutbox(ctx, 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Retry outcome pushes the event into the future.
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CompleteOutbox(ctx, id, storage.Outcome{
			Status: types.EventPending, Err: "boom", NotBefore: now.Add(time.Hour),
		})
	})
	require.NoError(t, err)

	claimed, err = store.ClaimOutbox(ctx, 10, now.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = store.ClaimOutbox(ctx, 10, now.Add(2*time.Hour), time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "boom", claimed[0].LastError)
}

func TestClaimReclaimsAbandonedProcessing(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	task := seedTask(t, store, "crashy")
	id := enqueue(t, store, types.EventGitHubCreateIssue, types.TaskPayload{TaskID: task})

	now := time.Now().UTC()
	claimed, err := store.ClaimOutbox(ctx, 10, now, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Within the reclaim window the event stays owned.
	claimed, err = store.ClaimOutbox(ctx, 10, now.Add(time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Past the window the crashed worker's claim is taken over.
	claimed, err = store.ClaimOutbox(ctx, 10, now.Add(3*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
}

func TestCompleteRequiresProcessing(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	task := seedTask(t, store, "x")
	id := enqueue(t, store, types.EventGitHubCreateIssue, types.TaskPayload{TaskID: task})

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CompleteOutbox(ctx, id, storage.Outcome{Status: types.EventSent})
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBindingsAreWriteOnce(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	task := seedTask(t, store, "bound")
	ref := types.IssueRef{Repo: "acme/app", Number: 1}

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetMappingIssue(ctx, task, ref)
	})
	require.NoError(t, err)

	// Same ref is an idempotent no-op, a different ref is refused.
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetMappingIssue(ctx, task, ref)
	})
	require.NoError(t, err)
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetMappingIssue(ctx, task, types.IssueRef{Repo: "acme/app", Number: 2})
	})
	assert.ErrorIs(t, err, storage.ErrBindingExists)
}

func TestRecordBindingRequiresRegisteredTable(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	task := seedTask(t, store, "no table")
	ref := types.RecordRef{AppToken: "bascnAAA", TableID: "tblXXX", RecordID: "rec1"}

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetMappingRecord(ctx, task, ref)
	})
	assert.ErrorIs(t, err, storage.ErrUnknownTable)

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpsertTable(ctx, &types.TableEntry{
			Name: "tasks", AppToken: "bascnAAA", TableID: "tblXXX",
			Fields: types.DefaultFieldMap(),
		})
	})
	require.NoError(t, err)
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetMappingRecord(ctx, task, ref)
	})
	require.NoError(t, err)

	mapping, err := store.GetMappingByRecord(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, task, mapping.TaskID)
}

func TestSingleDefaultTable(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	upsert := func(name, tableID string, isDefault bool) {
		err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.UpsertTable(ctx, &types.TableEntry{
				Name: name, AppToken: "app", TableID: tableID,
				Fields: types.DefaultFieldMap(), IsDefault: isDefault,
			})
		})
		require.NoError(t, err)
	}
	upsert("first", "tbl1", true)
	upsert("second", "tbl2", true)

	def, err := store.GetDefaultTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", def.Name)

	first, err := store.GetTableByName(ctx, "first")
	require.NoError(t, err)
	assert.False(t, first.IsDefault)
}

func TestListTasksByLabel(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, task := range []*types.Task{
			{ID: "t1", Title: "one", Status: types.StatusToDo, Priority: types.PriorityMedium,
				Source: types.SourceIntent, Labels: []string{"backend", "urgent"}},
			{ID: "t2", Title: "two", Status: types.StatusToDo, Priority: types.PriorityMedium,
				Source: types.SourceIntent, Labels: []string{"frontend"}},
		} {
			if err := tx.UpsertTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	tasks, err := store.ListTasks(ctx, storage.TaskFilter{Label: "backend"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestUpdateTaskSnapshotsPriorState(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	task := seedTask(t, store, "before")

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := tx.UpdateTask(ctx, task, func(t *types.Task) error {
			t.Title = "after"
			return nil
		})
		return err
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)

	entries, err := store.ListAudit(ctx, task, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "task_snapshot", entries[0].Subject)
	assert.Contains(t, entries[0].Message, "before")
}

func TestCursorRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	value, err := store.GetCursor(ctx, types.SourceGitHub)
	require.NoError(t, err)
	assert.Empty(t, value)

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetCursor(ctx, types.SourceGitHub, "2026-01-02T03:04:05Z")
	})
	require.NoError(t, err)

	value, err = store.GetCursor(ctx, types.SourceGitHub)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", value)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertTask(ctx, &types.Task{
			ID: "doomed", Title: "x", Status: types.StatusToDo,
			Priority: types.PriorityMedium, Source: types.SourceIntent,
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = store.GetTask(ctx, "doomed")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
