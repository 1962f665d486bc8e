// Package intent is the in-process API the frontend calls. Every
// mutating operation runs in one store transaction and terminates by
// enqueuing the outbox events the mutation requires. The service never
// talks to a gateway; user-visible success is the local commit, the
// external effect is eventual.
package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

// ErrValidation wraps all input rejections so callers can map them to
// a usage error without inspecting messages.
var ErrValidation = errors.New("validation failed")

// Service is the intent API. It owns no state beyond the store handle.
type Service struct {
	store storage.Storage
	log   zerolog.Logger
	now   func() time.Time
}

// New builds the service.
func New(store storage.Storage, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("component", "intent").Logger(),
		now:   time.Now,
	}
}

// TaskView joins a task with its mapping so callers can show sync state.
type TaskView struct {
	Task    *types.Task    `json:"task"`
	Mapping *types.Mapping `json:"mapping,omitempty"`
}

// CreateTaskParams are the inputs of CreateTask.
type CreateTaskParams struct {
	Title         string
	Body          string
	AssigneeEmail string
	Labels        []string
	Priority      types.Priority
	TargetTable   string // registry name; empty uses the default table
}

// CreateTask inserts a task, its mapping, and the create events for
// both stores, all in one transaction.
func (s *Service) CreateTask(ctx context.Context, p CreateTaskParams) (string, error) {
	if p.Title == "" {
		return "", fmt.Errorf("%w: title is required", ErrValidation)
	}
	if p.Priority == "" {
		p.Priority = types.PriorityMedium
	}
	if !p.Priority.IsValid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, p.Priority)
	}

	now := s.now().UTC()
	task := &types.Task{
		ID:          types.NewTaskID(),
		Title:       p.Title,
		Body:        p.Body,
		Status:      types.StatusToDo,
		Priority:    p.Priority,
		Source:      types.SourceIntent,
		Labels:      p.Labels,
		TargetTable: p.TargetTable,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if p.AssigneeEmail != "" {
			member, err := tx.GetMemberByEmail(ctx, p.AssigneeEmail)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: no member with email %s", ErrValidation, p.AssigneeEmail)
			}
			if err != nil {
				return err
			}
			task.AssigneeMemberID = member.ID
		}

		hasTable := true
		if p.TargetTable != "" {
			if _, err := tx.GetTableByName(ctx, p.TargetTable); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%w: table %q is not registered", ErrValidation, p.TargetTable)
				}
				return err
			}
		} else if _, err := tx.GetDefaultTable(ctx); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			hasTable = false
		}

		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}
		if err := tx.CreateMapping(ctx, &types.Mapping{
			ID: types.NewMappingID(), TaskID: task.ID, SyncStatus: types.SyncPending,
		}); err != nil {
			return err
		}
		if _, err := tx.EnqueueOutbox(ctx, types.EventGitHubCreateIssue,
			types.TaskPayload{TaskID: task.ID}); err != nil {
			return err
		}
		if hasTable {
			if _, err := tx.EnqueueOutbox(ctx, types.EventLarkCreateRecord,
				types.TaskPayload{TaskID: task.ID, Table: p.TargetTable}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Str("task", task.ID).Msg("task created")
	return task.ID, nil
}

// TaskPatch carries the fields UpdateTask may change. Nil pointers are
// untouched.
type TaskPatch struct {
	Title         *string
	Body          *string
	Status        *types.Status
	Priority      *types.Priority
	AssigneeEmail *string // empty string clears the assignee
	Labels        *[]string
}

// UpdateTask applies a patch and enqueues the update events for every
// store the task is bound to. Unbound sides need no event: their create
// handler reads the task at dispatch time and will carry this change.
func (s *Service) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) error {
	if patch.Status != nil && !patch.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, *patch.Status)
	}
	if patch.Priority != nil && !patch.Priority.IsValid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, *patch.Priority)
	}

	return s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var changed []string
		_, err := tx.UpdateTask(ctx, taskID, func(task *types.Task) error {
			if patch.Title != nil && *patch.Title != task.Title {
				if *patch.Title == "" {
					return fmt.Errorf("%w: title cannot be empty", ErrValidation)
				}
				task.Title = *patch.Title
				changed = append(changed, "title")
			}
			if patch.Body != nil && *patch.Body != task.Body {
				task.Body = *patch.Body
				changed = append(changed, "body")
			}
			if patch.Status != nil && *patch.Status != task.Status {
				task.Status = *patch.Status
				changed = append(changed, "status")
			}
			if patch.Priority != nil && *patch.Priority != task.Priority {
				task.Priority = *patch.Priority
				changed = append(changed, "priority")
			}
			if patch.Labels != nil {
				task.Labels = *patch.Labels
				changed = append(changed, "labels")
			}
			if patch.AssigneeEmail != nil {
				memberID := ""
				if *patch.AssigneeEmail != "" {
					member, err := tx.GetMemberByEmail(ctx, *patch.AssigneeEmail)
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("%w: no member with email %s", ErrValidation, *patch.AssigneeEmail)
					}
					if err != nil {
						return err
					}
					memberID = member.ID
				}
				if memberID != task.AssigneeMemberID {
					task.AssigneeMemberID = memberID
					changed = append(changed, "assignee")
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}
		return s.enqueueUpdates(ctx, tx, taskID, changed)
	})
}

// enqueueUpdates pushes an update event per bound store and flips the
// mapping back to pending.
func (s *Service) enqueueUpdates(ctx context.Context, tx storage.Transaction, taskID string, fields []string) error {
	mapping, err := tx.GetMappingByTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	queued := false
	if mapping.HasGitHub() {
		if _, err := tx.EnqueueOutbox(ctx, types.EventGitHubUpdateIssue,
			types.UpdatePayload{TaskID: taskID, Fields: fields}); err != nil {
			return err
		}
		queued = true
	}
	if mapping.HasLark() {
		if _, err := tx.EnqueueOutbox(ctx, types.EventLarkUpdateRecord,
			types.UpdatePayload{TaskID: taskID, Fields: fields}); err != nil {
			return err
		}
		queued = true
	}
	if queued {
		return tx.MarkMappingSyncStatus(ctx, taskID, types.SyncPending)
	}
	return nil
}

// CloseTask moves a task to Done or Cancelled and enqueues the close
// and sheet-update effects. reason is "completed" or "not_planned".
func (s *Service) CloseTask(ctx context.Context, taskID, reason string) error {
	var status types.Status
	switch reason {
	case "", "completed":
		reason = "completed"
		status = types.StatusDone
	case "not_planned":
		status = types.StatusCancelled
	default:
		return fmt.Errorf("%w: unknown close reason %q", ErrValidation, reason)
	}

	return s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		task, err := tx.UpdateTask(ctx, taskID, func(task *types.Task) error {
			task.Status = status
			return nil
		})
		if err != nil {
			return err
		}

		mapping, err := tx.GetMappingByTask(ctx, task.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if mapping.HasGitHub() {
			if _, err := tx.EnqueueOutbox(ctx, types.EventGitHubCloseIssue,
				types.ClosePayload{TaskID: taskID, Reason: reason}); err != nil {
				return err
			}
		}
		if mapping.HasLark() {
			if _, err := tx.EnqueueOutbox(ctx, types.EventLarkUpdateRecord,
				types.UpdatePayload{TaskID: taskID, Fields: []string{"status"}}); err != nil {
				return err
			}
		}
		return tx.MarkMappingSyncStatus(ctx, taskID, types.SyncPending)
	})
}

// ReopenTask reopens a closed task. The forge side receives a plain
// update, which writes state back to open.
func (s *Service) ReopenTask(ctx context.Context, taskID string) error {
	return s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := tx.UpdateTask(ctx, taskID, func(task *types.Task) error {
			if !task.Status.IsClosed() {
				return fmt.Errorf("%w: task is not closed", ErrValidation)
			}
			task.Status = types.StatusToDo
			return nil
		})
		if err != nil {
			return err
		}
		return s.enqueueUpdates(ctx, tx, taskID, []string{"status"})
	})
}

// ConvertIssueToRecord imports an existing forge issue and queues the
// conversion. The placeholder task row is overwritten by the conversion
// handler once it has read the issue. Idempotent on the issue ref.
func (s *Service) ConvertIssueToRecord(ctx context.Context, ref types.IssueRef, table string) (string, error) {
	if ref.Repo == "" || ref.Number <= 0 {
		return "", fmt.Errorf("%w: issue reference requires repo and number", ErrValidation)
	}

	var taskID string
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if existing, err := tx.GetMappingByIssue(ctx, ref); err == nil {
			taskID = existing.TaskID
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if table != "" {
			if _, err := tx.GetTableByName(ctx, table); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%w: table %q is not registered", ErrValidation, table)
				}
				return err
			}
		}

		now := s.now().UTC()
		taskID = types.NewTaskID()
		task := &types.Task{
			ID:          taskID,
			Title:       ref.String(),
			Status:      types.StatusToDo,
			Priority:    types.PriorityMedium,
			Source:      types.SourceGitHubPull,
			TargetTable: table,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}
		if err := tx.CreateMapping(ctx, &types.Mapping{
			ID: types.NewMappingID(), TaskID: taskID, SyncStatus: types.SyncPending,
		}); err != nil {
			return err
		}
		if err := tx.SetMappingIssue(ctx, taskID, ref); err != nil {
			return err
		}
		_, err := tx.EnqueueOutbox(ctx, types.EventConvertIssueToRecord,
			types.ConvertIssuePayload{TaskID: taskID, Issue: ref, Table: table})
		return err
	})
	return taskID, err
}

// ConvertRecordToIssue imports an existing Bitable row and queues the
// conversion. Idempotent on the record ref.
func (s *Service) ConvertRecordToIssue(ctx context.Context, ref types.RecordRef) (string, error) {
	if ref.AppToken == "" || ref.TableID == "" || ref.RecordID == "" {
		return "", fmt.Errorf("%w: record reference requires app token, table id, and record id", ErrValidation)
	}

	var taskID string
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if existing, err := tx.GetMappingByRecord(ctx, ref); err == nil {
			taskID = existing.TaskID
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		entry, err := tx.GetTableByRef(ctx, ref.AppToken, ref.TableID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: record's table is not registered", ErrValidation)
		}
		if err != nil {
			return err
		}

		now := s.now().UTC()
		taskID = types.NewTaskID()
		task := &types.Task{
			ID:          taskID,
			Title:       ref.String(),
			Status:      types.StatusToDo,
			Priority:    types.PriorityMedium,
			Source:      types.SourceLarkPull,
			TargetTable: entry.Name,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}
		if err := tx.CreateMapping(ctx, &types.Mapping{
			ID: types.NewMappingID(), TaskID: taskID, SyncStatus: types.SyncPending,
		}); err != nil {
			return err
		}
		if err := tx.SetMappingRecord(ctx, taskID, ref); err != nil {
			return err
		}
		_, err = tx.EnqueueOutbox(ctx, types.EventConvertRecordToIssue,
			types.ConvertRecordPayload{TaskID: taskID, Record: ref})
		return err
	})
	return taskID, err
}

// GetTask returns one task with its mapping.
func (s *Service) GetTask(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	view := &TaskView{Task: task}
	if mapping, err := s.store.GetMappingByTask(ctx, taskID); err == nil {
		view.Mapping = mapping
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return view, nil
}

// ListTasks returns matching tasks joined with their mappings.
func (s *Service) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*TaskView, error) {
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*TaskView, 0, len(tasks))
	for _, task := range tasks {
		view := &TaskView{Task: task}
		if mapping, err := s.store.GetMappingByTask(ctx, task.ID); err == nil {
			view.Mapping = mapping
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// GetMemberWork returns a member's open tasks. identifier may be a
// member id, email, or display name.
func (s *Service) GetMemberWork(ctx context.Context, identifier string) (*types.Member, []*TaskView, error) {
	member, err := s.findMember(ctx, identifier)
	if err != nil {
		return nil, nil, err
	}
	views, err := s.ListTasks(ctx, storage.TaskFilter{AssigneeMemberID: member.ID})
	if err != nil {
		return nil, nil, err
	}
	open := views[:0]
	for _, v := range views {
		if !v.Task.Status.IsClosed() {
			open = append(open, v)
		}
	}
	return member, open, nil
}

func (s *Service) findMember(ctx context.Context, identifier string) (*types.Member, error) {
	if identifier == "" {
		return nil, fmt.Errorf("%w: member identifier is required", ErrValidation)
	}
	if member, err := s.store.GetMember(ctx, identifier); err == nil {
		return member, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if member, err := s.store.GetMemberByEmail(ctx, identifier); err == nil {
		return member, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.store.GetMemberByName(ctx, identifier)
}
