package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/katadavidxd/autolark/internal/gateway"
	"github.com/katadavidxd/autolark/internal/github"
	"github.com/katadavidxd/autolark/internal/lark"
	"github.com/katadavidxd/autolark/internal/mapper"
	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

// commitFunc carries a handler's local writes into the completion
// transaction, so mapping updates and the sent transition are atomic.
type commitFunc func(ctx context.Context, tx storage.Transaction) error

// handle dispatches one event to its kind's handler. Handlers perform
// the gateway calls and return the local writes as a commitFunc; they
// never write to the store themselves.
func (d *Dispatcher) handle(ctx context.Context, event *types.OutboxEvent) (commitFunc, error) {
	if err := d.checkGatewayFor(event.Kind); err != nil {
		return nil, err
	}
	switch event.Kind {
	case types.EventGitHubCreateIssue:
		return d.handleGitHubCreate(ctx, event)
	case types.EventGitHubUpdateIssue:
		return d.handleGitHubUpdate(ctx, event)
	case types.EventGitHubCloseIssue:
		return d.handleGitHubClose(ctx, event)
	case types.EventLarkCreateRecord:
		return d.handleLarkCreate(ctx, event)
	case types.EventLarkUpdateRecord:
		return d.handleLarkUpdate(ctx, event)
	case types.EventConvertIssueToRecord:
		return d.handleConvertIssueToRecord(ctx, event)
	case types.EventConvertRecordToIssue:
		return d.handleConvertRecordToIssue(ctx, event)
	case types.EventNotifyMember:
		return d.handleNotify(ctx, event)
	default:
		return nil, gateway.New(gateway.KindInvalidRequest, "dispatch",
			fmt.Sprintf("unknown event kind %q", event.Kind))
	}
}

// checkGatewayFor rejects events whose gateway is not configured in
// this deployment. Transient, so the events wait instead of crashing;
// they dead-letter with a notice if the gateway never appears.
func (d *Dispatcher) checkGatewayFor(kind types.EventKind) error {
	needsGitHub := kind == types.EventGitHubCreateIssue || kind == types.EventGitHubUpdateIssue ||
		kind == types.EventGitHubCloseIssue || kind == types.EventConvertIssueToRecord
	needsLark := kind == types.EventLarkCreateRecord || kind == types.EventLarkUpdateRecord ||
		kind == types.EventConvertRecordToIssue || kind == types.EventNotifyMember
	if needsGitHub && d.github == nil {
		return gateway.New(gateway.KindTransient, "dispatch", "github gateway is not configured")
	}
	if needsLark && d.lark == nil {
		return gateway.New(gateway.KindTransient, "dispatch", "lark gateway is not configured")
	}
	return nil
}

// decodePayload unmarshals an event payload; a malformed payload is a
// permanent failure.
func decodePayload(event *types.OutboxEvent, v any) error {
	if err := json.Unmarshal(event.Payload, v); err != nil {
		return gateway.Wrap(gateway.KindInvalidRequest, "dispatch."+string(event.Kind),
			fmt.Errorf("malformed payload: %w", err))
	}
	return nil
}

// loadTask fetches the task an event targets. A missing task is
// permanent: the event can never succeed.
func (d *Dispatcher) loadTask(ctx context.Context, kind types.EventKind, taskID string) (*types.Task, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "dispatch."+string(kind),
			fmt.Errorf("task %s does not exist", taskID))
	}
	return task, err
}

// mappingFor returns the task's mapping, or a zero-value one when none
// exists yet.
func (d *Dispatcher) mappingFor(ctx context.Context, taskID string) (*types.Mapping, error) {
	m, err := d.store.GetMappingByTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return &types.Mapping{TaskID: taskID, SyncStatus: types.SyncPending}, nil
	}
	return m, err
}

// ensureMapping makes sure a mapping row exists inside the commit
// transaction before a binding is written to it.
func ensureMapping(ctx context.Context, tx storage.Transaction, taskID string) error {
	_, err := tx.GetMappingByTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return tx.CreateMapping(ctx, &types.Mapping{
			ID:         types.NewMappingID(),
			TaskID:     taskID,
			SyncStatus: types.SyncPending,
		})
	}
	return err
}

// bindIssue writes the issue binding and marks the mapping synced.
func bindIssue(taskID string, ref types.IssueRef) commitFunc {
	return func(ctx context.Context, tx storage.Transaction) error {
		if err := ensureMapping(ctx, tx, taskID); err != nil {
			return err
		}
		if err := tx.SetMappingIssue(ctx, taskID, ref); err != nil {
			return err
		}
		return tx.MarkMappingSyncStatus(ctx, taskID, types.SyncSynced)
	}
}

// bindRecord writes the record binding and marks the mapping synced.
func bindRecord(taskID string, ref types.RecordRef) commitFunc {
	return func(ctx context.Context, tx storage.Transaction) error {
		if err := ensureMapping(ctx, tx, taskID); err != nil {
			return err
		}
		if err := tx.SetMappingRecord(ctx, taskID, ref); err != nil {
			return err
		}
		return tx.MarkMappingSyncStatus(ctx, taskID, types.SyncSynced)
	}
}

// markSynced is the commit for plain update effects.
func markSynced(taskID string) commitFunc {
	return func(ctx context.Context, tx storage.Transaction) error {
		return tx.MarkMappingSyncStatus(ctx, taskID, types.SyncSynced)
	}
}

func (d *Dispatcher) handleGitHubCreate(ctx context.Context, event *types.OutboxEvent) (commitFunc, error) {
	var p types.TaskPayload
	if err := decodePayload(event, &p); err != nil {
		return nil, err
	}
	task, err := d.loadTask(ctx, event.Kind, p.TaskID)
	if err != nil {
		return nil, err
	}
	mapping, err := d.mappingFor(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}

	identity, err := d.resolver.Resolve(ctx, task.AssigneeMemberID)
	if err != nil {
		return nil, err
	}

	// A bound mapping means the create already happened; fall through to
	// update semantics so the retry converges instead of duplicating.
	if mapping.HasGitHub() {
		if _, err := d.github.UpdateIssue(ctx, mapping.GitHub.Number,
			mapper.TaskToIssuePatch(task, identity.GitHubUsername, false)); err != nil {
			return nil, err
		}
		return markSynced(p.TaskID), nil
	}

	// Pre-check by the deterministic title prefix: a crash after the
	// create call but before the binding commit leaves an issue behind
	// that this lookup finds.
	if existing, err := d.github.FindIssueByTitlePrefix(ctx, mapper.TitlePrefix(task.ID)); err != nil {
		return nil, err
	} else if existing != nil {
		return bindIssue(p.TaskID, types.IssueRef{Repo: d.github.RepoSlug(), Number: existing.Number}), nil
	}

	issue, err := d.github.CreateIssue(ctx, mapper.TaskToIssuePatch(task, identity.GitHubUsername, true))
	if err != nil {
		return nil, err
	}
	return bindIssue(p.TaskID, types.IssueRef{Repo: d.github.RepoSlug(), Number: issue.Number}), nil
}

func (d *Dispatcher) handleGitHubUpdate(ctx context.Context, event *types.OutboxEvent) (commitFunc, error) {
	var p types.UpdatePayload
	if err := decodePayload(event, &p); err != nil {
		return nil, err
	}
	task, err := d.loadTask(ctx, event.Kind, p.TaskID)
	if err != nil {
		return nil, err
	}
	mapping, err := d.mappingFor(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if !mapping.HasGitHub() {
		// The create for this task has not landed yet; per-task ordering
		// means it is ahead of us in the queue, so retry.
		return nil, gateway.New(gateway.KindTransient, "dispatch."+string(event.Kind),
			"task has no issue binding yet")
	}

	identity, err := d.resolver.Resolve(ctx, task.AssigneeMemberID)
	if err != nil {
		return nil, err
	}
	if _, err := d.github.UpdateIssue(ctx, mapping.GitHub.Number,
		mapper.TaskToIssuePatch(task, identity.GitHubUsername, false)); err != nil {
		return nil, err
	}
	return markSynced(p.TaskID), nil
}

func (d *Dispatcher) handleGitHubClose(ctx context.Context, event *types.OutboxEvent) (commitFunc, error) {
	var p types.ClosePayload
	if err := decodePayload(event, &p); err != nil {
		return nil, err
	}
	mapping, err := d.mappingFor(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if !mapping.HasGitHub() {
		return nil, gateway.New(gateway.KindTransient, "dispatch."+string(event.Kind),
			"task has no issue binding yet")
	}

	reason := p.Reason
	if reason != mapper.ReasonCompleted && reason != mapper.ReasonNotPlanned {
		reason = mapper.ReasonCompleted
	}
	if _, err := d.github.UpdateIssue(ctx, mapping.GitHub.Number, github.IssuePatch{
		State:       github.String("closed"),
		StateReason: github.String(reason),
	}); err != nil {
		return nil, err
	}
	return markSynced(p.TaskID), nil
}

// tableFor resolves the registry entry an event should write to: the
// payload's table name, then the task's target table, then the default.
func (d *Dispatcher) tableFor(ctx context.Context, kind types.EventKind, name string, task *types.Task) (*types.TableEntry, error) {
	lookup := func(n string) (*types.TableEntry, error) { return d.store.GetTableByName(ctx, n) }

	var entry *types.TableEntry
	var err error
	switch {
	case name != "":
		entry, err = lookup(name)
	case task != nil && task.TargetTable != "":
		entry, err = lookup(task.TargetTable)
	default:
		entry, err = d.store.GetDefaultTable(ctx)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "dispatch."+string(kind),
			fmt.Errorf("no registered table for event: %w", err))
	}
	return entry, err
}

func (d *Dispatcher) handleLarkCreate(ctx context.Context, event *types.OutboxEvent) (commitFunc, error) {
	var p types.TaskPayload
	if err := decodePayload(event, &p); err != nil {
		return nil, err
	}
	task, err := d.loadTask(ctx, event.Kind, p.TaskID)
	if err != nil {
		return nil, err
	}
	mapping, err := d.mappingFor(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	entry, err := d.tableFor(ctx, event.Kind, p.Table, task)
	if err != nil {
		return nil, err
	}
	identity, err := d.resolver.Resolve(ctx, task.AssigneeMemberID)
	if err != nil {
		return nil, err
	}

	var issueRef *types.IssueRef
	if mapping.HasGitHub() {
		issueRef = &mapping.GitHub
	}
	fields := mapper.TaskToRecordFields(task, identity.LarkOpenID, entry, issueRef, d.now())

	if mapping.HasLark() {
		if _, err := d.lark.UpdateRecord(ctx, mapping.Lark.AppToken, mapping.Lark.TableID,
			mapping.Lark.RecordID, fields); err != nil {
			return nil, err
		}
		return markSynced(p.TaskID), nil
	}

	// Pre-check: find a row left behind by a crashed earlier attempt.
	// The issue link is the sharper key; fall back to title equality.
	var conditions []lark.SearchCondition
	if issueRef != nil && entry.Fields.GitHubIssue != "" {
		conditions = []lark.SearchCondition{{
			FieldName: entry.Fields.GitHubIssue, Operator: "is", Value: []string{issueRef.String()},
		}}
	} else {
		conditions = []lark.SearchCondition{{
			FieldName: entry.Fields.Title, Operator: "is", Value: []string{task.Title},
		}}
	}
	existing, err := d.lark.SearchRecords(ctx, entry.AppToken, entry.TableID, conditions, "and", 1)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return bindRecord(p.TaskID, types.RecordRef{
			AppToken: entry.AppToken, TableID: entry.TableID, RecordID: existing[0].RecordID,
		}), nil
	}

	record, err := d.lark.CreateRecord(ctx, entry.AppToken, entry.TableID, fields)
	if err != nil {
		return nil, err
	}
	return bindRecord(p.TaskID, types.RecordRef{
		AppToken: entry.AppToken, TableID: entry.TableID, RecordID: record.RecordID,
	}), nil
}

func (d *Dispatcher) handleLarkUpdate(ctx context.Context, event *types.OutboxEvent) (commitFunc, error) {
	var p types.UpdatePayload
	if err := decodePayload(event, &p); err != nil {
		return nil, err
	}
	task, err := d.loadTask(ctx, event.Kind, p.TaskID)
	if err != nil {
		return nil, err
	}
	mapping, err := d.mappingFor(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if !mapping.HasLark() {
		return nil, gateway.New(gateway.KindTransient, "dispatch."+string(event.Kind),
			"task has no record binding yet")
	}
	entry, err := d.store.GetTableByRef(ctx, mapping.Lark.AppToken, mapping.Lark.TableID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "dispatch."+string(event.Kind),
			fmt.Errorf("record binding references unregistered table: %w", err))
	}
	if err != nil {
		return nil, err
	}
	identity, err := d.resolver.Resolve(ctx, task.AssigneeMemberID)
	if err != nil {
		return nil, err
	}

	var issueRef *types.IssueRef
	if mapping.HasGitHub() {
		issueRef = &mapping.GitHub
	}
	fields := mapper.TaskToRecordFields(task, identity.LarkOpenID, entry, issueRef, d.now())
	if _, err := d.lark.UpdateRecord(ctx, mapping.Lark.AppToken, mapping.Lark.TableID,
		mapping.Lark.RecordID, fields); err != nil {
		return nil, err
	}
	return markSynced(p.TaskID), nil
}

func (d *Dispatcher) handleConvertIssueToRecord(ctx context.Context, event *types.OutboxEvent) (commitFunc, error) {
	var p types.ConvertIssuePayload
	if err := decodePayload(event, &p); err != nil {
		return nil, err
	}

	issue, err := d.github.GetIssue(ctx, p.Issue.Number)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, tx storage.Transaction) error {
		task, err := tx.GetTask(ctx, p.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			task = &types.Task{
				ID:       p.TaskID,
				Status:   types.StatusToDo,
				Priority: types.PriorityMedium,
				Source:   types.SourceGitHubPull,
			}
		} else if err != nil {
			return err
		}

		view := mapper.ParseIssue(issue, task.Status)
		view.ApplyIssue(task, d.now())
		if member, err := d.resolver.MemberByGitHubLogin(ctx, view.AssigneeLogin); err == nil {
			task.AssigneeMemberID = member.ID
		}
		if p.Table != "" {
			task.TargetTable = p.Table
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = d.now()
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}

		if err := ensureMapping(ctx, tx, p.TaskID); err != nil {
			return err
		}
		if err := tx.SetMappingIssue(ctx, p.TaskID, p.Issue); err != nil {
			return err
		}
		_, err = tx.EnqueueOutbox(ctx, types.EventLarkCreateRecord, types.TaskPayload{
			TaskID: p.TaskID, Table: p.Table,
		})
		return err
	}, nil
}

func (d *Dispatcher) handleConvertRecordToIssue(ctx context.Context, event *types.OutboxEvent) (commitFunc, error) {
	var p types.ConvertRecordPayload
	if err := decodePayload(event, &p); err != nil {
		return nil, err
	}

	entry, err := d.store.GetTableByRef(ctx, p.Record.AppToken, p.Record.TableID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, gateway.Wrap(gateway.KindInvalidRequest, "dispatch."+string(event.Kind),
			fmt.Errorf("conversion references unregistered table: %w", err))
	}
	if err != nil {
		return nil, err
	}

	record, err := d.lark.GetRecord(ctx, p.Record.AppToken, p.Record.TableID, p.Record.RecordID)
	if err != nil {
		return nil, err
	}
	view := mapper.ParseRecord(record, entry)

	return func(ctx context.Context, tx storage.Transaction) error {
		task, err := tx.GetTask(ctx, p.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			task = &types.Task{
				ID:       p.TaskID,
				Status:   types.StatusToDo,
				Priority: types.PriorityMedium,
				Source:   types.SourceLarkPull,
			}
		} else if err != nil {
			return err
		}

		view.ApplyRecord(task, d.now())
		if member, err := d.resolver.MemberByLarkOpenID(ctx, view.AssigneeOpenID); err == nil {
			task.AssigneeMemberID = member.ID
		}
		task.TargetTable = entry.Name
		if task.CreatedAt.IsZero() {
			task.CreatedAt = d.now()
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			return err
		}

		if err := ensureMapping(ctx, tx, p.TaskID); err != nil {
			return err
		}
		if err := tx.SetMappingRecord(ctx, p.TaskID, p.Record); err != nil {
			return err
		}
		_, err = tx.EnqueueOutbox(ctx, types.EventGitHubCreateIssue, types.TaskPayload{TaskID: p.TaskID})
		return err
	}, nil
}

func (d *Dispatcher) handleNotify(ctx context.Context, event *types.OutboxEvent) (commitFunc, error) {
	var p types.NotifyPayload
	if err := decodePayload(event, &p); err != nil {
		return nil, err
	}

	if p.MemberID != "" {
		identity, err := d.resolver.Resolve(ctx, p.MemberID)
		if err != nil {
			return nil, err
		}
		if identity.LarkOpenID != "" {
			err := d.lark.SendTextMessage(ctx, identity.LarkOpenID, "open_id", p.Message)
			if err == nil {
				return nil, nil
			}
			kind := gateway.KindOf(err)
			if kind != gateway.KindInvalidRequest && kind != gateway.KindNotFound {
				return nil, err
			}
			// The directory id went stale. Drop it so the next resolve
			// re-queries, and fall back to the operator chat.
			if invErr := d.resolver.Invalidate(ctx, p.MemberID); invErr != nil {
				d.log.Warn().Err(invErr).Str("member", p.MemberID).Msg("failed to clear stale open id")
			}
		}
	}
	if d.opts.NotifyChatID != "" {
		return nil, d.lark.SendTextMessage(ctx, d.opts.NotifyChatID, "chat_id", p.Message)
	}

	// No reachable destination. Swallowing is deliberate: a notification
	// must never dead-letter into another notification.
	d.log.Warn().Str("event", event.ID).Msg("notify event had no destination")
	return nil, nil
}
