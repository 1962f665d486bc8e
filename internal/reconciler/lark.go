package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/katadavidxd/autolark/internal/lark"
	"github.com/katadavidxd/autolark/internal/mapper"
	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

// TickLark scans every registered table for changes. Bitable search
// gives no modification timestamps, so change detection is by content:
// a row that differs from its task changed remotely unless the task
// itself changed since the last tick, in which case both sides moved
// and the conflict policy applies. Registered tables are bounded in
// size, which is what makes the full scan acceptable.
func (r *Reconciler) TickLark(ctx context.Context) error {
	cursorValue, err := r.store.GetCursor(ctx, types.SourceLark)
	if err != nil {
		return err
	}
	var lastTick time.Time
	if cursorValue != "" {
		if lastTick, err = time.Parse(time.RFC3339, cursorValue); err != nil {
			r.log.Warn().Str("cursor", cursorValue).Msg("unparseable lark cursor, full resync")
			lastTick = time.Time{}
		}
	}

	tables, err := r.store.ListTables(ctx)
	if err != nil {
		return err
	}

	tickStart := r.clock().UTC()
	changed := 0
	for _, entry := range tables {
		records, err := r.lark.SearchRecords(ctx, entry.AppToken, entry.TableID, nil, "and", r.opts.PageSize)
		if err != nil {
			return fmt.Errorf("failed to scan table %s: %w", entry.Name, err)
		}
		for i := range records {
			applied, err := r.applyRecord(ctx, &records[i], entry, lastTick)
			if err != nil {
				r.log.Error().Err(err).Str("record", records[i].RecordID).Msg("failed to apply pulled record")
				continue
			}
			if applied {
				changed++
			}
		}
	}

	// The cursor is the tick start time, so edits landing mid-scan fall
	// into the next tick's conflict window instead of being missed.
	if err := r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetCursor(ctx, types.SourceLark, tickStart.Format(time.RFC3339))
	}); err != nil {
		return err
	}
	r.metrics.RecordReconcile(ctx, string(types.SourceLark), changed)
	return nil
}

func (r *Reconciler) applyRecord(ctx context.Context, record *lark.Record, entry *types.TableEntry, lastTick time.Time) (bool, error) {
	ref := types.RecordRef{AppToken: entry.AppToken, TableID: entry.TableID, RecordID: record.RecordID}
	view := mapper.ParseRecord(record, entry)

	mapping, err := r.store.GetMappingByRecord(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return true, r.adoptRecord(ctx, view, ref, entry)
	}
	if err != nil {
		return false, err
	}

	task, err := r.store.GetTask(ctx, mapping.TaskID)
	if err != nil {
		return false, err
	}

	if !view.StatusKnown {
		// A status outside the lattice never overwrites local state; it
		// is recorded verbatim and surfaced as a conflict.
		return true, r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			if err := tx.AppendAudit(ctx, &types.AuditEntry{
				Direction: types.AuditInbound,
				Subject:   "malformed_status",
				SubjectID: task.ID,
				Status:    "rejected",
				Message:   view.RawStatus,
			}); err != nil {
				return err
			}
			return tx.MarkMappingSyncStatus(ctx, task.ID, types.SyncConflict)
		})
	}

	if !recordDiffers(task, view) {
		return false, nil
	}

	localChanged := !lastTick.IsZero() && task.UpdatedAt.After(lastTick)
	if localChanged {
		// Both sides moved inside one polling window. With no remote
		// timestamp to compare, the local edit is the newer write: it
		// happened after the previous scan already reflected the row.
		// Keep local, flag the conflict, and let dispatch push local out.
		r.metrics.RecordConflict(ctx, string(types.SourceLark))
		return true, r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			both, _ := json.Marshal(map[string]any{
				"local":  map[string]any{"title": task.Title, "status": task.Status, "updated_at": task.UpdatedAt},
				"remote": map[string]any{"title": view.Title, "status": view.Status, "record": ref.String()},
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
			if _, err := tx.EnqueueOutbox(ctx, types.EventLarkUpdateRecord, types.UpdatePayload{
				TaskID: task.ID, Fields: []string{"title", "status", "assignee"},
			}); err != nil {
				return err
			}
			_, err := tx.EnqueueOutbox(ctx, types.EventNotifyMember, types.NotifyPayload{
				Message: fmt.Sprintf("conflict on task %s: both sides changed, local state won over record %s", task.ID, ref),
			})
			return err
		})
	}

	// Remote-only change: fold it in and push it to the forge side.
	return true, r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		view.ApplyRecord(task, r.clock())
		if member, err := r.resolver.MemberByLarkOpenID(ctx, view.AssigneeOpenID); err == nil {
			task.AssigneeMemberID = member.ID
		} else if view.AssigneeOpenID == "" {
			task.AssigneeMemberID = ""
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}
		return r.enqueueGitHubCatchUp(ctx, tx, mapping)
	})
}

// adoptRecord inserts a task and mapping for a row seen for the first
// time and queues the forge-side create.
func (r *Reconciler) adoptRecord(ctx context.Context, view mapper.RecordView, ref types.RecordRef, entry *types.TableEntry) error {
	return r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		now := r.clock().UTC()
		task := &types.Task{
			ID:          types.NewTaskID(),
			Status:      types.StatusToDo,
			Priority:    types.PriorityMedium,
			Source:      types.SourceLarkPull,
			TargetTable: entry.Name,
			CreatedAt:   now,
		}
		view.ApplyRecord(task, now)
		if member, err := r.resolver.MemberByLarkOpenID(ctx, view.AssigneeOpenID); err == nil {
			task.AssigneeMemberID = member.ID
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}

		mapping := &types.Mapping{ID: types.NewMappingID(), TaskID: task.ID, SyncStatus: types.SyncPending}
		if err := tx.CreateMapping(ctx, mapping); err != nil {
			return err
		}
		if err := tx.SetMappingRecord(ctx, task.ID, ref); err != nil {
			return err
		}
		return r.enqueueGitHubCatchUp(ctx, tx, mapping)
	})
}

func (r *Reconciler) enqueueGitHubCatchUp(ctx context.Context, tx storage.Transaction, mapping *types.Mapping) error {
	if mapping.HasGitHub() {
		_, err := tx.EnqueueOutbox(ctx, types.EventGitHubUpdateIssue, types.UpdatePayload{
			TaskID: mapping.TaskID, Fields: []string{"title", "status", "assignee"},
		})
		return err
	}
	_, err := tx.EnqueueOutbox(ctx, types.EventGitHubCreateIssue, types.TaskPayload{TaskID: mapping.TaskID})
	return err
}

// recordDiffers reports whether the pulled row and the local task
// disagree on any synced field.
func recordDiffers(task *types.Task, view mapper.RecordView) bool {
	if task.Title != view.Title || task.Status != view.Status {
		return true
	}
	if view.Description != "" && task.Body != view.Description {
		return true
	}
	if view.Priority != "" && task.Priority != view.Priority {
		return true
	}
	return false
}
