package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildsync/pkg/notify"
	"github.com/ethpandaops/buildsync/pkg/stats"
	"github.com/ethpandaops/buildsync/pkg/store"
	"github.com/ethpandaops/buildsync/pkg/task"
)

// buildStats are summed from the step-level stats of every step of the
// build once it has finished.
var buildStats = []string{
	store.StatTestsMissing,
	store.StatLinesCovered,
	store.StatLinesUncovered,
}

// buildState is the part of a build derived from its jobs.
type buildState struct {
	Status       store.Status
	Result       store.Result
	DateStarted  *time.Time
	DateFinished *time.Time
	Duration     *int64
}

// deriveBuildState folds job state into build state. previous is the
// persisted result, which keeps a failed build failed.
func deriveBuildState(jobs []store.Job, previous store.Result) buildState {
	statuses := make([]store.Status, 0, len(jobs))
	for i := range jobs {
		statuses = append(statuses, jobs[i].Status)
	}

	finished := task.VerifyAllChildren(statuses...) == store.StatusFinished

	var (
		state         buildState
		anyFailed     bool
		anyInProgress bool
		results       = make([]store.Result, 0, len(jobs))
	)

	for i := range jobs {
		j := &jobs[i]

		if j.DateStarted != nil && (state.DateStarted == nil || j.DateStarted.Before(*state.DateStarted)) {
			started := *j.DateStarted
			state.DateStarted = &started
		}

		if finished && j.DateFinished != nil &&
			(state.DateFinished == nil || j.DateFinished.After(*state.DateFinished)) {
			done := *j.DateFinished
			state.DateFinished = &done
		}

		if j.Result == store.ResultFailed {
			anyFailed = true
		}

		if j.Status == store.StatusInProgress {
			anyInProgress = true
		}

		results = append(results, j.Result)
	}

	if state.DateStarted != nil && state.DateFinished != nil {
		ms := state.DateFinished.Sub(*state.DateStarted).Milliseconds()
		state.Duration = &ms
	}

	switch {
	case anyFailed:
		state.Result = store.ResultFailed
	case finished:
		state.Result = store.WorstResult(results...)
	default:
		state.Result = store.ResultUnknown
	}

	if previous == store.ResultFailed && state.Result.Severity() < previous.Severity() {
		state.Result = store.ResultFailed
	}

	switch {
	case finished:
		state.Status = store.StatusFinished
	case anyInProgress:
		state.Status = store.StatusInProgress
	default:
		state.Status = store.StatusQueued
	}

	return state
}

// apply copies the state onto build and reports whether anything changed.
func (s buildState) apply(build *store.Build) bool {
	changed := build.Status != s.Status ||
		build.Result != s.Result ||
		!timePtrEqual(build.DateStarted, s.DateStarted) ||
		!timePtrEqual(build.DateFinished, s.DateFinished) ||
		!int64PtrEqual(build.Duration, s.Duration)

	build.Status = s.Status
	build.Result = s.Result
	build.DateStarted = s.DateStarted
	build.DateFinished = s.DateFinished
	build.Duration = s.Duration

	return changed
}

// SyncBuild is the sync_build task body. It keeps asking to be retried
// until every job of the build has finished. The build is saved as
// finished in the same unit of work that records its stats and enqueues
// the downstream notifications, so a failure in any of them leaves the
// build unfinished for the next attempt.
func (r *reconciler) SyncBuild(ctx context.Context, args task.Args) task.Outcome {
	buildID, err := parseID(args, "build_id")
	if err != nil {
		return task.Abort(err)
	}

	log := r.log.WithField("build_id", buildID)

	var (
		build   *store.Build
		changed bool
	)

	err = r.store.Transaction(ctx, func(uow store.Store) error {
		b, err := uow.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}

		if b.Status == store.StatusFinished {
			return nil
		}

		jobs, err := uow.ListJobsByBuild(ctx, buildID)
		if err != nil {
			return err
		}

		build = b
		changed = deriveBuildState(jobs, b.Result).apply(b)

		if !changed {
			return nil
		}

		b.DateModified = r.now().UTC()

		if err := uow.SaveBuild(ctx, b); err != nil {
			return err
		}

		if b.Status != store.StatusFinished {
			return nil
		}

		return r.finalizeBuild(ctx, uow, b)
	})
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("Build not found, nothing to sync")

		return task.Done()
	}

	if err != nil {
		return task.Fail(err)
	}

	// Already finished by an earlier invocation.
	if build == nil {
		return task.Done()
	}

	if changed {
		if err := r.publisher.PublishBuildChanged(ctx, build); err != nil {
			log.WithError(err).Warn("Failed to publish build update")
		}
	}

	if build.Status != store.StatusFinished {
		return task.Retry()
	}

	fields := logrus.Fields{"result": build.Result}
	if build.Duration != nil {
		fields["duration"] = units.HumanDuration(time.Duration(*build.Duration) * time.Millisecond)
	}

	log.WithFields(fields).Info("Build finished")

	return task.Done()
}

// finalizeBuild records the build stats and enqueues the notifications of a
// finished build within uow.
func (r *reconciler) finalizeBuild(ctx context.Context, uow store.Store, build *store.Build) error {
	stepIDs, err := uow.ListStepIDsByBuild(ctx, build.ID)
	if err != nil {
		return fmt.Errorf("listing build steps: %w", err)
	}

	for _, name := range buildStats {
		if _, err := r.stats.Upsert(ctx, uow, build.ID, name, stats.SumOf(name, stepIDs)); err != nil {
			return fmt.Errorf("recording build stats: %w", err)
		}
	}

	if err := r.dispatcher.EnqueueTx(ctx, uow, notify.TaskBuildFinished, task.Args{
		"build_id": build.ID.String(),
	}, 0); err != nil {
		return fmt.Errorf("enqueueing build notification: %w", err)
	}

	if err := r.dispatcher.EnqueueTx(ctx, uow, notify.TaskUpdateProjectStats, task.Args{
		"project_id": build.ProjectID.String(),
	}, r.cfg.ProjectStatsDelay); err != nil {
		return fmt.Errorf("enqueueing project stats update: %w", err)
	}

	return nil
}
