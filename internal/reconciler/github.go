package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/katadavidxd/autolark/internal/github"
	"github.com/katadavidxd/autolark/internal/mapper"
	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

// TickGitHub pulls issues updated since the stored cursor and folds
// them into local state. The cursor advances to the newest remote
// updated_at observed, never backwards.
func (r *Reconciler) TickGitHub(ctx context.Context) error {
	cursorValue, err := r.store.GetCursor(ctx, types.SourceGitHub)
	if err != nil {
		return err
	}
	var since time.Time
	if cursorValue != "" {
		if since, err = time.Parse(time.RFC3339, cursorValue); err != nil {
			r.log.Warn().Str("cursor", cursorValue).Msg("unparseable github cursor, full resync")
			since = time.Time{}
		}
	}

	issues, err := r.github.ListIssues(ctx, github.ListOptions{State: "all", Since: since})
	if err != nil {
		return fmt.Errorf("failed to list changed issues: %w", err)
	}

	changed := 0
	maxUpdated := since
	for i := range issues {
		issue := &issues[i]
		if issue.UpdatedAt != nil && issue.UpdatedAt.After(maxUpdated) {
			maxUpdated = issue.UpdatedAt.UTC()
		}
		applied, err := r.applyIssue(ctx, issue, since)
		if err != nil {
			r.log.Error().Err(err).Int("issue", issue.Number).Msg("failed to apply pulled issue")
			continue
		}
		if applied {
			changed++
		}
	}

	if maxUpdated.After(since) {
		err = r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.SetCursor(ctx, types.SourceGitHub, maxUpdated.Format(time.RFC3339))
		})
		if err != nil {
			return err
		}
	}
	r.metrics.RecordReconcile(ctx, string(types.SourceGitHub), changed)
	return nil
}

// applyIssue folds one pulled issue into the local model. since is the
// previous cursor; a local task modified after it counts as locally
// changed for conflict detection.
func (r *Reconciler) applyIssue(ctx context.Context, issue *github.Issue, since time.Time) (bool, error) {
	ref := types.IssueRef{Repo: r.github.RepoSlug(), Number: issue.Number}

	mapping, err := r.store.GetMappingByIssue(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return true, r.adoptIssue(ctx, issue, ref)
	}
	if err != nil {
		return false, err
	}

	task, err := r.store.GetTask(ctx, mapping.TaskID)
	if err != nil {
		return false, err
	}

	view := mapper.ParseIssue(issue, task.Status)
	remoteUpdated := time.Time{}
	if issue.UpdatedAt != nil {
		remoteUpdated = issue.UpdatedAt.UTC()
	}

	if !issueDiffers(task, view) {
		return false, nil
	}

	// On the very first tick there is no window to compare against; the
	// remote value is adopted without flagging a conflict.
	bothChanged := !since.IsZero() && task.UpdatedAt.After(since)

	if !remoteUpdated.After(task.UpdatedAt) {
		if !bothChanged {
			// Local wins silently; the local change is (or will be) dispatched.
			return false, nil
		}
		// Both sides moved inside the window and the local write is
		// newer. Keep local, flag the conflict, and push local state
		// back onto the issue.
		r.metrics.RecordConflict(ctx, string(types.SourceGitHub))
		return true, r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			if err := r.logIssueConflict(ctx, tx, task, view, remoteUpdated,
				fmt.Sprintf("conflict on task %s: both sides changed, local state won over issue %s", task.ID, ref)); err != nil {
				return err
			}
			_, err := tx.EnqueueOutbox(ctx, types.EventGitHubUpdateIssue, types.UpdatePayload{
				TaskID: task.ID, Fields: []string{"title", "status", "assignee"},
			})
			return err
		})
	}

	return true, r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if bothChanged {
			if err := r.logIssueConflict(ctx, tx, task, view, remoteUpdated,
				fmt.Sprintf("conflict on task %s: both sides changed, remote issue %s won", task.ID, ref)); err != nil {
				return err
			}
			r.metrics.RecordConflict(ctx, string(types.SourceGitHub))
		}

		view.ApplyIssue(task, remoteUpdated)
		if member, err := r.resolver.MemberByGitHubLogin(ctx, view.AssigneeLogin); err == nil {
			task.AssigneeMemberID = member.ID
		} else if view.AssigneeLogin == "" {
			task.AssigneeMemberID = ""
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}
		return r.enqueueLarkCatchUp(ctx, tx, mapping)
	})
}

// logIssueConflict records a both-changed window: both values land in
// the audit log, the mapping is flagged, and the members are notified.
func (r *Reconciler) logIssueConflict(ctx context.Context, tx storage.Transaction, task *types.Task,
	view mapper.IssueView, remoteUpdated time.Time, notice string) error {
	both, _ := json.Marshal(map[string]any{
		"local":  map[string]any{"title": task.Title, "status": task.Status, "updated_at": task.UpdatedAt},
		"remote": map[string]any{"title": view.Title, "status": view.Status, "updated_at": remoteUpdated},
	})
	if err := tx.AppendAudit(ctx, &types.AuditEntry{
		Direction: types.AuditInbound,
		Subject:   "conflict",
		SubjectID: task.ID,
		Status:    "last_write_wins",
		Message:   string(both),
	}); err != nil {
		return err
	}
	if err := tx.MarkMappingSyncStatus(ctx, task.ID, types.SyncConflict); err != nil {
		return err
	}
	_, err := tx.EnqueueOutbox(ctx, types.EventNotifyMember, types.NotifyPayload{Message: notice})
	return err
}

// adoptIssue inserts a task and mapping for an issue seen for the first
// time. Issues carrying our own title prefix for a task that already
// exists are re-bound instead of duplicated; that covers a mapping lost
// to a crash between the create call and the binding commit.
func (r *Reconciler) adoptIssue(ctx context.Context, issue *github.Issue, ref types.IssueRef) error {
	view := mapper.ParseIssue(issue, "")

	return r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		now := r.clock().UTC()
		var task *types.Task
		if view.TaskID != "" {
			if existing, err := tx.GetTask(ctx, view.TaskID); err == nil {
				task = existing
			}
		}
		if task == nil {
			task = &types.Task{
				ID:        types.NewTaskID(),
				Status:    types.StatusToDo,
				Priority:  types.PriorityMedium,
				Source:    types.SourceGitHubPull,
				CreatedAt: now,
			}
		}
		view.ApplyIssue(task, now)
		if member, err := r.resolver.MemberByGitHubLogin(ctx, view.AssigneeLogin); err == nil {
			task.AssigneeMemberID = member.ID
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}

		mapping, err := tx.GetMappingByTask(ctx, task.ID)
		if errors.Is(err, storage.ErrNotFound) {
			mapping = &types.Mapping{ID: types.NewMappingID(), TaskID: task.ID, SyncStatus: types.SyncPending}
			if err := tx.CreateMapping(ctx, mapping); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if err := tx.SetMappingIssue(ctx, task.ID, ref); err != nil {
			return err
		}
		mapping.GitHub = ref
		return r.enqueueLarkCatchUp(ctx, tx, mapping)
	})
}

// enqueueLarkCatchUp pushes the local change to the Bitable side:
// update when bound, create otherwise.
func (r *Reconciler) enqueueLarkCatchUp(ctx context.Context, tx storage.Transaction, mapping *types.Mapping) error {
	if mapping.HasLark() {
		_, err := tx.EnqueueOutbox(ctx, types.EventLarkUpdateRecord, types.UpdatePayload{
			TaskID: mapping.TaskID, Fields: []string{"title", "status", "assignee"},
		})
		return err
	}
	_, err := tx.EnqueueOutbox(ctx, types.EventLarkCreateRecord, types.TaskPayload{TaskID: mapping.TaskID})
	return err
}

// issueDiffers reports whether the pulled view and the local task
// disagree on any synced field.
func issueDiffers(task *types.Task, view mapper.IssueView) bool {
	if task.Title != view.Title || task.Body != view.Body || task.Status != view.Status {
		return true
	}
	if view.Priority != "" && task.Priority != view.Priority {
		return true
	}
	if len(task.Labels) != len(view.Labels) {
		return true
	}
	seen := make(map[string]bool, len(task.Labels))
	for _, l := range task.Labels {
		seen[l] = true
	}
	for _, l := range view.Labels {
		if !seen[l] {
			return true
		}
	}
	return false
}
