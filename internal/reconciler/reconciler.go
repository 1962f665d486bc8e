// Package reconciler is the pull side of the sync: it polls both
// external stores for changes since a per-source cursor, folds them
// into the local model, and enqueues opposite-direction events so the
// other store catches up.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/katadavidxd/autolark/internal/github"
	"github.com/katadavidxd/autolark/internal/lark"
	"github.com/katadavidxd/autolark/internal/resolver"
	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/telemetry"
)

// GitHubSource is the slice of the GitHub client the reconciler uses.
type GitHubSource interface {
	ListIssues(ctx context.Context, opts github.ListOptions) ([]github.Issue, error)
	RepoSlug() string
}

// LarkSource is the slice of the Lark service the reconciler uses.
type LarkSource interface {
	SearchRecords(ctx context.Context, appToken, tableID string, conditions []lark.SearchCondition, conjunction string, pageSize int) ([]lark.Record, error)
}

// Options tune the polling loops.
type Options struct {
	Interval time.Duration // default 300 s
	PageSize int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Interval: 5 * time.Minute,
		PageSize: 100,
	}
}

// Reconciler polls one or both sources. Either gateway may be nil; the
// corresponding source is then skipped, which keeps single-sided
// deployments working.
type Reconciler struct {
	store    storage.Storage
	github   GitHubSource
	lark     LarkSource
	resolver *resolver.Resolver
	metrics  *telemetry.Metrics
	opts     Options
	log      zerolog.Logger

	now func() time.Time
}

// New builds a reconciler. metrics may be nil.
func New(store storage.Storage, gh GitHubSource, lk LarkSource, res *resolver.Resolver,
	metrics *telemetry.Metrics, opts Options, log zerolog.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Reconciler{
		store:    store,
		github:   gh,
		lark:     lk,
		resolver: res,
		metrics:  metrics,
		opts:     opts,
		log:      log.With().Str("component", "reconciler").Logger(),
	}
}

// clock returns the reconciler's time source (overridable in tests).
func (r *Reconciler) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Run polls both sources until the context is cancelled. A failing tick
// is retried with backoff inside the interval, then dropped; the next
// interval starts fresh from the durable cursor.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		r.tickAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) tickAll(ctx context.Context) {
	run := func(name string, tick func(context.Context) error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 2 * time.Second
		bo.MaxElapsedTime = r.opts.Interval / 2
		err := backoff.Retry(func() error {
			err := tick(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(bo, ctx))
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error().Err(err).Str("source", name).Msg("reconcile tick failed")
		}
	}

	if r.github != nil {
		run("github", r.TickGitHub)
	}
	if r.lark != nil {
		run("lark", r.TickLark)
	}
}
