// Package reconcile derives build and step state from their children.
//
// Reconciliation runs as tasks: each invocation reads the current children
// state, commits the derived parent state in one unit of work and reports
// whether the parent has converged. Notifications are only emitted after
// the commit.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildsync/pkg/config"
	"github.com/ethpandaops/buildsync/pkg/events"
	"github.com/ethpandaops/buildsync/pkg/notify"
	"github.com/ethpandaops/buildsync/pkg/stats"
	"github.com/ethpandaops/buildsync/pkg/store"
	"github.com/ethpandaops/buildsync/pkg/task"
)

// Task names registered by the reconciler.
const (
	TaskSyncBuild   = "sync_build"
	TaskSyncJobStep = "sync_job_step"
)

// Reconciler holds the build and step reconciliation task bodies.
type Reconciler interface {
	// SyncBuild folds the jobs of a build into the build row.
	SyncBuild(ctx context.Context, args task.Args) task.Outcome
	// SyncStep finalizes a step once it has finished.
	SyncStep(ctx context.Context, args task.Args) task.Outcome
	// AbortStep forces a step to finished/aborted.
	AbortStep(ctx context.Context, args task.Args, cause error)
	// Register adds the reconciliation tasks to reg.
	Register(reg *task.Registry) error
}

// Compile-time interface check.
var _ Reconciler = (*reconciler)(nil)

type reconciler struct {
	log        logrus.FieldLogger
	store      store.Store
	stats      stats.Aggregator
	dispatcher notify.Dispatcher
	publisher  events.Publisher
	cfg        *config.SchedulerConfig
	now        func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(
	log logrus.FieldLogger,
	st store.Store,
	agg stats.Aggregator,
	dispatcher notify.Dispatcher,
	publisher events.Publisher,
	cfg *config.SchedulerConfig,
) Reconciler {
	return &reconciler{
		log:        log.WithField("component", "reconcile"),
		store:      st,
		stats:      agg,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg,
		now:        time.Now,
	}
}

func (r *reconciler) Register(reg *task.Registry) error {
	if err := reg.Register(task.Definition{
		Name: TaskSyncBuild,
		Run:  r.SyncBuild,
	}); err != nil {
		return err
	}

	return reg.Register(task.Definition{
		Name:       TaskSyncJobStep,
		Run:        r.SyncStep,
		MaxRetries: r.cfg.StepMaxRetries,
		OnAbort:    r.AbortStep,
	})
}

func parseID(args task.Args, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(args[key])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", key, args[key], err)
	}

	return id, nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return a.Equal(*b)
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}
