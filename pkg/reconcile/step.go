package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildsync/pkg/stats"
	"github.com/ethpandaops/buildsync/pkg/store"
	"github.com/ethpandaops/buildsync/pkg/task"
)

var (
	errJobNotFound     = errors.New("job not found")
	errJobPlanNotFound = errors.New("job plan not found")
)

// IsMissingTests reports whether a step that was expected to report tests
// reported none. Only steps in the last started phase of their job are
// considered.
func IsMissingTests(
	ctx context.Context,
	uow store.Store,
	step *store.JobStep,
	jobPlan *store.JobPlan,
) (bool, error) {
	var expect string

	if snap := jobPlan.Data.Snapshot; snap != nil {
		expect = snap.Options[store.OptionExpectTests]
	} else {
		options, err := uow.GetItemOptions(ctx, jobPlan.PlanID, store.OptionExpectTests)
		if err != nil {
			return false, err
		}

		expect = options[store.OptionExpectTests]
	}

	if expect != "1" {
		return false, nil
	}

	phase, err := uow.GetJobPhase(ctx, step.PhaseID)
	if err != nil {
		return false, fmt.Errorf("loading phase of step %s: %w", step.ID, err)
	}

	// Without a start time the phase cannot be ordered against its siblings.
	if phase.DateStarted == nil {
		return false, nil
	}

	phases, err := uow.ListJobPhases(ctx, step.JobID)
	if err != nil {
		return false, err
	}

	for i := range phases {
		p := &phases[i]
		if p.ID == phase.ID {
			continue
		}

		if p.DateStarted == nil || p.DateStarted.After(*phase.DateStarted) {
			return false, nil
		}
	}

	hasTests, err := uow.HasTestCases(ctx, step.ID)
	if err != nil {
		return false, err
	}

	return !hasTests, nil
}

// HasTestFailures reports whether any test case of the step failed.
func HasTestFailures(ctx context.Context, uow store.Store, step *store.JobStep) (bool, error) {
	return uow.HasFailedTestCases(ctx, step.ID)
}

// HasTimedOut reports whether a running step exceeded its timeout.
//
// The timeout in minutes is read from the first configured step of the
// job's plan, not from the step being checked, so plans with several steps
// share the first step's limit.
func HasTimedOut(
	step *store.JobStep,
	steps []store.ConfiguredStep,
	now time.Time,
) (bool, error) {
	if step.Status != store.StatusInProgress || step.DateStarted == nil {
		return false, nil
	}

	if len(steps) == 0 {
		return false, nil
	}

	raw := steps[0].Options[store.OptionTimeout]
	if raw == "" {
		return false, nil
	}

	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("parsing %s %q: %w", store.OptionTimeout, raw, err)
	}

	if minutes == 0 {
		return false, nil
	}

	limit := float64(minutes) * 60

	return now.Sub(*step.DateStarted).Seconds() > limit, nil
}

// RecordCoverageStats rolls the step's file coverage up into step stats.
// The coverage rows are only summed if at least one stat is missing.
func RecordCoverageStats(
	ctx context.Context,
	uow store.Store,
	agg stats.Aggregator,
	step *store.JobStep,
) error {
	var totals *store.CoverageTotals

	load := func(ctx context.Context, uow store.Store) (*store.CoverageTotals, error) {
		if totals != nil {
			return totals, nil
		}

		t, err := uow.SumFileCoverage(ctx, step.ID)
		if err != nil {
			return nil, err
		}

		totals = t

		return totals, nil
	}

	metrics := []struct {
		name  string
		value func(*store.CoverageTotals) int64
	}{
		{store.StatLinesCovered, func(t *store.CoverageTotals) int64 { return t.LinesCovered }},
		{store.StatLinesUncovered, func(t *store.CoverageTotals) int64 { return t.LinesUncovered }},
		{store.StatDiffLinesCovered, func(t *store.CoverageTotals) int64 { return t.DiffLinesCovered }},
		{store.StatDiffLinesUncovered, func(t *store.CoverageTotals) int64 { return t.DiffLinesUncovered }},
	}

	for _, m := range metrics {
		if _, err := agg.Upsert(ctx, uow, step.ID, m.name,
			func(ctx context.Context, uow store.Store) (int64, error) {
				t, err := load(ctx, uow)
				if err != nil {
					return 0, err
				}

				return m.value(t), nil
			}); err != nil {
			return err
		}
	}

	return nil
}

// SyncStep is the sync_job_step task body. A running step is retried until
// it finishes or times out. A finished step gets its failure reasons and
// stats recorded, and its build is queued for a sync.
func (r *reconciler) SyncStep(ctx context.Context, args task.Args) task.Outcome {
	stepID, err := parseID(args, "step_id")
	if err != nil {
		return task.Abort(err)
	}

	log := r.log.WithField("step_id", stepID)

	var (
		step *store.JobStep
		job  *store.Job
	)

	err = r.store.Transaction(ctx, func(uow store.Store) error {
		s, err := uow.GetJobStep(ctx, stepID)
		if err != nil {
			return err
		}

		j, err := uow.GetJob(ctx, s.JobID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", errJobNotFound, s.JobID)
		}

		if err != nil {
			return err
		}

		jobPlan, err := uow.GetJobPlanByJob(ctx, s.JobID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: job %s", errJobPlanNotFound, s.JobID)
		}

		if err != nil {
			return err
		}

		step, job = s, j

		return r.syncStep(ctx, uow, log, s, j, jobPlan)
	})

	switch {
	case errors.Is(err, errJobNotFound), errors.Is(err, errJobPlanNotFound):
		return task.Abort(err)
	case errors.Is(err, store.ErrNotFound):
		log.Debug("Step not found, nothing to sync")

		return task.Done()
	case err != nil:
		return task.Fail(err)
	}

	if !step.IsFinished() {
		return task.Retry()
	}

	if err := r.dispatcher.Enqueue(ctx, TaskSyncBuild, task.Args{
		"build_id": job.BuildID.String(),
	}, 0); err != nil {
		return task.Fail(err)
	}

	return task.Done()
}

// syncStep applies the step rules inside a unit of work. The step is only
// saved when one of its fields changed.
func (r *reconciler) syncStep(
	ctx context.Context,
	uow store.Store,
	log logrus.FieldLogger,
	step *store.JobStep,
	job *store.Job,
	jobPlan *store.JobPlan,
) error {
	before := *step
	now := r.now().UTC()

	if !step.IsFinished() {
		steps, err := uow.ConfiguredSteps(ctx, jobPlan)
		if err != nil {
			return err
		}

		timedOut, err := HasTimedOut(step, steps, now)
		if err != nil {
			return err
		}

		if !timedOut {
			return nil
		}

		log.Warn("Step timed out")

		step.Status = store.StatusFinished
		step.Result = store.ResultFailed
		step.DateFinished = &now

		if err := r.recordReason(ctx, uow, step, job, store.ReasonTimeout); err != nil {
			return err
		}
	}

	failures, err := HasTestFailures(ctx, uow, step)
	if err != nil {
		return err
	}

	if failures {
		if step.Result.Severity() < store.ResultFailed.Severity() {
			step.Result = store.ResultFailed
		}

		if err := r.recordReason(ctx, uow, step, job, store.ReasonTestFailures); err != nil {
			return err
		}
	}

	missing, err := IsMissingTests(ctx, uow, step, jobPlan)
	if err != nil {
		return err
	}

	var testsMissing int64

	if missing {
		testsMissing = 1

		if step.Result == store.ResultPassed {
			step.Result = store.ResultFailed
		}

		if err := r.recordReason(ctx, uow, step, job, store.ReasonMissingTests); err != nil {
			return err
		}
	}

	if _, err := r.stats.Upsert(ctx, uow, step.ID, store.StatTestsMissing, stats.Constant(testsMissing)); err != nil {
		return err
	}

	if err := RecordCoverageStats(ctx, uow, r.stats, step); err != nil {
		return err
	}

	if before.Status == step.Status && before.Result == step.Result &&
		timePtrEqual(before.DateFinished, step.DateFinished) {
		return nil
	}

	log.WithFields(logrus.Fields{
		"status": step.Status,
		"result": step.Result,
	}).Info("Step updated")

	return uow.SaveJobStep(ctx, step)
}

func (r *reconciler) recordReason(
	ctx context.Context,
	uow store.Store,
	step *store.JobStep,
	job *store.Job,
	reason string,
) error {
	_, err := uow.InsertFailureReasonIfAbsent(ctx, &store.FailureReason{
		StepID:    step.ID,
		JobID:     job.ID,
		BuildID:   job.BuildID,
		ProjectID: job.ProjectID,
		Reason:    reason,
	})

	return err
}

// AbortStep is the abort handler of sync_job_step. It marks the step
// finished/aborted whatever state it was in.
func (r *reconciler) AbortStep(ctx context.Context, args task.Args, cause error) {
	stepID, err := parseID(args, "step_id")
	if err != nil {
		r.log.WithError(err).Error("Cannot abort step")

		return
	}

	log := r.log.WithField("step_id", stepID)

	err = r.store.Transaction(ctx, func(uow store.Store) error {
		step, err := uow.GetJobStep(ctx, stepID)
		if err != nil {
			return err
		}

		step.Status = store.StatusFinished
		step.Result = store.ResultAborted

		if step.DateFinished == nil {
			now := r.now().UTC()
			step.DateFinished = &now
		}

		return uow.SaveJobStep(ctx, step)
	})
	if err != nil {
		log.WithError(err).Error("Failed to abort step")

		return
	}

	log.WithError(cause).Error("Unrecoverable error syncing step")
}
