// Package outbox drains the durable event queue: it claims pending
// events, performs the external side effect each one describes, and
// completes them. Retries use exponential backoff with jitter; events
// that exhaust their attempts park as failed and events hitting a
// permanent error are dead-lettered, both with an operator notification.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/katadavidxd/autolark/internal/gateway"
	"github.com/katadavidxd/autolark/internal/github"
	"github.com/katadavidxd/autolark/internal/lark"
	"github.com/katadavidxd/autolark/internal/resolver"
	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/telemetry"
	"github.com/katadavidxd/autolark/internal/types"
)

// GitHubGateway is the slice of the GitHub client the dispatcher uses.
type GitHubGateway interface {
	CreateIssue(ctx context.Context, patch github.IssuePatch) (*github.Issue, error)
	GetIssue(ctx context.Context, number int) (*github.Issue, error)
	UpdateIssue(ctx context.Context, number int, patch github.IssuePatch) (*github.Issue, error)
	FindIssueByTitlePrefix(ctx context.Context, prefix string) (*github.Issue, error)
	RepoSlug() string
}

// LarkGateway is the slice of the Lark service the dispatcher uses.
type LarkGateway interface {
	CreateRecord(ctx context.Context, appToken, tableID string, fields lark.Fields) (*lark.Record, error)
	GetRecord(ctx context.Context, appToken, tableID, recordID string) (*lark.Record, error)
	SearchRecords(ctx context.Context, appToken, tableID string, conditions []lark.SearchCondition, conjunction string, pageSize int) ([]lark.Record, error)
	UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields lark.Fields) (*lark.Record, error)
	SendTextMessage(ctx context.Context, receiveID, receiveIDType, text string) error
}

// Options tune the dispatch loop.
type Options struct {
	Workers      int           // parallel handlers per tick
	BatchSize    int           // events claimed per tick
	Interval     time.Duration // tick period
	CallTimeout  time.Duration // per-gateway-call deadline
	ReclaimAfter  time.Duration // processing age treated as abandoned
	BackoffBase   time.Duration // retry backoff base
	BackoffCap    time.Duration // retry backoff ceiling
	BackoffFactor float64       // retry backoff multiplier per attempt

	// NotifyChatID receives operator notices (dead letters, conflicts)
	// when a notify event has no member target.
	NotifyChatID string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Workers:       4,
		BatchSize:     16,
		Interval:      5 * time.Second,
		CallTimeout:   30 * time.Second,
		ReclaimAfter:  2 * time.Minute,
		BackoffBase:   2 * time.Second,
		BackoffCap:    10 * time.Minute,
		BackoffFactor: 2,
	}
}

// Dispatcher is the outbox consumer.
type Dispatcher struct {
	store    storage.Storage
	github   GitHubGateway
	lark     LarkGateway
	resolver *resolver.Resolver
	metrics  *telemetry.Metrics
	opts     Options
	log      zerolog.Logger

	now func() time.Time
}

// New builds a dispatcher. metrics may be nil.
func New(store storage.Storage, gh GitHubGateway, lk LarkGateway, res *resolver.Resolver,
	metrics *telemetry.Metrics, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 10 * time.Minute
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 2
	}
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = 2 * time.Minute
	}
	return &Dispatcher{
		store:    store,
		github:   gh,
		lark:     lk,
		resolver: res,
		metrics:  metrics,
		opts:     opts,
		log:      log.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled. The current batch is always
// drained before returning, so shutdown never strands processing rows.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Msg("dispatch tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick claims one batch and processes it with the worker pool. It
// returns the number of events handled.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	events, err := d.store.ClaimOutbox(ctx, d.opts.BatchSize, d.now(), d.opts.ReclaimAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	d.metrics.AddInflight(ctx, int64(len(events)))
	defer d.metrics.AddInflight(ctx, -int64(len(events)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, event := range events {
		event := event
		g.Go(func() error {
			d.process(gctx, event)
			return nil
		})
	}
	_ = g.Wait()
	return len(events), nil
}

// Drain ticks until the queue stops yielding claimable events. Used by
// one-shot CLI runs and tests.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		n, err := d.Tick(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// process runs one claimed event through its handler and completes it.
func (d *Dispatcher) process(ctx context.Context, event *types.OutboxEvent) {
	log := d.log.With().Str("event", event.ID).Str("kind", string(event.Kind)).
		Int("attempt", event.Attempts+1).Logger()

	callCtx := ctx
	if d.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.opts.CallTimeout)
		defer cancel()
	}

	commit, err := d.handle(callCtx, event)
	if err == nil {
		if err = d.complete(ctx, event, commit); err == nil {
			log.Info().Msg("event sent")
			d.metrics.RecordDispatch(ctx, string(event.Kind), "sent")
			return
		}
		// The effect happened but the completion write failed; leave the
		// event processing so the reclaim path retries. The handler's
		// idempotency pre-check absorbs the duplicate delivery.
		log.Error().Err(err).Msg("completion transaction failed")
		return
	}

	d.fail(ctx, event, err, log)
}

// complete commits the handler's local writes, the sent transition, and
// the audit entry in one transaction.
func (d *Dispatcher) complete(ctx context.Context, event *types.OutboxEvent, commit commitFunc) error {
	return d.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if commit != nil {
			if err := commit(ctx, tx); err != nil {
				return err
			}
		}
		if err := tx.CompleteOutbox(ctx, event.ID, storage.Outcome{Status: types.EventSent}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &types.AuditEntry{
			Direction: types.AuditOutbound,
			Subject:   string(event.Kind),
			SubjectID: event.TaskID(),
			Status:    "sent",
		})
	})
}

// fail routes a handler error to retry, failed, or dead. A retryable
// error that ran out of attempts parks as failed, which `outbox retry`
// revives without force; a permanent rejection goes dead.
func (d *Dispatcher) fail(ctx context.Context, event *types.OutboxEvent, handlerErr error, log zerolog.Logger) {
	kind := gateway.KindOf(handlerErr)
	attemptsLeft := event.Attempts+1 < event.MaxAttempts
	retry := gateway.IsRetryable(handlerErr) && attemptsLeft
	terminal := types.EventDead
	if gateway.IsRetryable(handlerErr) {
		terminal = types.EventFailed
	}

	err := d.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.AppendAudit(ctx, &types.AuditEntry{
			Direction: types.AuditOutbound,
			Subject:   string(event.Kind),
			SubjectID: event.TaskID(),
			Status:    "attempt_failed",
			Message:   handlerErr.Error(),
		}); err != nil {
			return err
		}

		if retry {
			delay := backoffDelay(d.opts.BackoffBase, d.opts.BackoffCap, d.opts.BackoffFactor, event.Attempts+1)
			var ge *gateway.Error
			if errors.As(handlerErr, &ge) && ge.RetryAfter > delay {
				delay = ge.RetryAfter
			}
			return tx.CompleteOutbox(ctx, event.ID, storage.Outcome{
				Status:    types.EventPending,
				Err:       handlerErr.Error(),
				NotBefore: d.now().Add(delay),
			})
		}

		// Terminal: error the mapping and tell the operator.
		if err := tx.CompleteOutbox(ctx, event.ID, storage.Outcome{
			Status: terminal,
			Err:    handlerErr.Error(),
		}); err != nil {
			return err
		}
		if taskID := event.TaskID(); taskID != "" {
			if err := tx.MarkMappingSyncStatus(ctx, taskID, types.SyncError); err != nil &&
				!errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		if event.Kind != types.EventNotifyMember {
			verb := "dead-lettered"
			if terminal == types.EventFailed {
				verb = "exhausted"
			}
			_, err := tx.EnqueueOutbox(ctx, types.EventNotifyMember, types.NotifyPayload{
				Message: fmt.Sprintf("event %s (%s) %s after %d attempts: %v",
					event.ID, event.Kind, verb, event.Attempts+1, handlerErr),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failure transaction failed")
		return
	}

	switch {
	case retry:
		log.Warn().Err(handlerErr).Str("error_kind", string(kind)).Msg("event retried")
		d.metrics.RecordDispatch(ctx, string(event.Kind), "retried")
	case terminal == types.EventFailed:
		log.Error().Err(handlerErr).Str("error_kind", string(kind)).Msg("event failed, attempts exhausted")
		d.metrics.RecordDispatch(ctx, string(event.Kind), "failed")
	default:
		log.Error().Err(handlerErr).Str("error_kind", string(kind)).Msg("event dead-lettered")
		d.metrics.RecordDispatch(ctx, string(event.Kind), "dead")
	}
}
