package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/buildsync/pkg/store"
	"github.com/ethpandaops/buildsync/pkg/store/storetest"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	return storetest.New(t)
}

func int64Ptr(v int64) *int64 { return &v }

func TestStore_BuildRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	project := &store.Project{Slug: "infra", Name: "Infra"}
	require.NoError(t, s.CreateProject(ctx, project))

	build := &store.Build{ProjectID: project.ID, Label: "build #1"}
	require.NoError(t, s.CreateBuild(ctx, build))
	assert.NotEqual(t, uuid.Nil, build.ID)
	assert.Equal(t, store.StatusQueued, build.Status)
	assert.Equal(t, store.ResultUnknown, build.Result)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	build.DateStarted = &started
	build.Status = store.StatusInProgress
	require.NoError(t, s.SaveBuild(ctx, build))

	got, err := s.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	require.NotNil(t, got.DateStarted)
	assert.True(t, started.Equal(*got.DateStarted))
	assert.Nil(t, got.DateFinished)
	assert.Nil(t, got.Duration)
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetBuild(ctx, uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = s.GetJobStep(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetJobPlanByJob(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_InsertStatIfAbsent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	itemID := uuid.New()

	created, err := s.InsertStatIfAbsent(ctx, &store.ItemStat{
		ItemID: itemID, Name: store.StatLinesCovered, Value: 10,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Second insert for the same key is ignored, not merged.
	created, err = s.InsertStatIfAbsent(ctx, &store.ItemStat{
		ItemID: itemID, Name: store.StatLinesCovered, Value: 99,
	})
	require.NoError(t, err)
	assert.False(t, created)

	stat, err := s.GetStat(ctx, itemID, store.StatLinesCovered)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stat.Value)

	exists, err := s.StatExists(ctx, itemID, store.StatLinesCovered)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.StatExists(ctx, itemID, store.StatLinesUncovered)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_SetStatOverwrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	itemID := uuid.New()
	require.NoError(t, s.SetStat(ctx, itemID, store.StatAvgBuildTime, 100))
	require.NoError(t, s.SetStat(ctx, itemID, store.StatAvgBuildTime, 250))

	stats, err := s.ListStats(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(250), stats[0].Value)
}

func TestStore_SumStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, s.SetStat(ctx, a, store.StatLinesCovered, 3))
	require.NoError(t, s.SetStat(ctx, b, store.StatLinesCovered, 4))
	require.NoError(t, s.SetStat(ctx, b, store.StatLinesUncovered, 100))

	total, err := s.SumStats(ctx, []uuid.UUID{a, b, c}, store.StatLinesCovered)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)

	total, err = s.SumStats(ctx, []uuid.UUID{c}, store.StatLinesCovered)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total, "no contributing rows sums to zero")

	total, err = s.SumStats(ctx, nil, store.StatLinesCovered)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestStore_SumFileCoverage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stepID := uuid.New()

	require.NoError(t, s.CreateFileCoverage(ctx, &store.FileCoverage{
		StepID:         stepID,
		Filename:       "a.go",
		LinesCovered:   int64Ptr(5),
		LinesUncovered: int64Ptr(2),
	}))
	require.NoError(t, s.CreateFileCoverage(ctx, &store.FileCoverage{
		StepID:           stepID,
		Filename:         "b.go",
		LinesCovered:     int64Ptr(1),
		DiffLinesCovered: int64Ptr(4),
	}))

	totals, err := s.SumFileCoverage(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), totals.LinesCovered)
	assert.Equal(t, int64(2), totals.LinesUncovered)
	assert.Equal(t, int64(4), totals.DiffLinesCovered)
	assert.Equal(t, int64(0), totals.DiffLinesUncovered)

	empty, err := s.SumFileCoverage(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, store.CoverageTotals{}, *empty)
}

func TestStore_TestCasePredicates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stepID := uuid.New()

	has, err := s.HasTestCases(ctx, stepID)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.CreateTestCase(ctx, &store.TestCase{
		StepID: stepID, Name: "TestA", Result: store.ResultPassed,
	}))

	has, err = s.HasTestCases(ctx, stepID)
	require.NoError(t, err)
	assert.True(t, has)

	failed, err := s.HasFailedTestCases(ctx, stepID)
	require.NoError(t, err)
	assert.False(t, failed)

	require.NoError(t, s.CreateTestCase(ctx, &store.TestCase{
		StepID: stepID, Name: "TestB", Result: store.ResultFailed,
	}))

	failed, err = s.HasFailedTestCases(ctx, stepID)
	require.NoError(t, err)
	assert.True(t, failed)
}

func TestStore_ConfiguredSteps(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	plan := &store.Plan{Label: "default"}
	require.NoError(t, s.CreatePlan(ctx, plan))

	second := &store.PlanStep{PlanID: plan.ID, Sequence: 2, Implementation: "upload"}
	first := &store.PlanStep{PlanID: plan.ID, Sequence: 1, Implementation: "test"}
	require.NoError(t, s.CreatePlanStep(ctx, second))
	require.NoError(t, s.CreatePlanStep(ctx, first))
	require.NoError(t, s.SetItemOption(ctx, first.ID, store.OptionTimeout, "30"))

	t.Run("live plan steps in sequence order", func(t *testing.T) {
		jp := &store.JobPlan{JobID: uuid.New(), PlanID: plan.ID}
		require.NoError(t, s.CreateJobPlan(ctx, jp))

		steps, err := s.ConfiguredSteps(ctx, jp)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "test", steps[0].Implementation)
		assert.Equal(t, "30", steps[0].Options[store.OptionTimeout])
		assert.Empty(t, steps[1].Options)
	})

	t.Run("snapshot steps take precedence", func(t *testing.T) {
		jp := &store.JobPlan{
			JobID:  uuid.New(),
			PlanID: plan.ID,
			Data: store.JobPlanData{Snapshot: &store.PlanSnapshot{
				Steps: []store.SnapshotStep{{
					Implementation: "snapshot",
					Options:        map[string]string{store.OptionTimeout: "5"},
				}},
			}},
		}
		require.NoError(t, s.CreateJobPlan(ctx, jp))

		loaded, err := s.GetJobPlanByJob(ctx, jp.JobID)
		require.NoError(t, err)

		steps, err := s.ConfiguredSteps(ctx, loaded)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "5", steps[0].Options[store.OptionTimeout])
	})
}

func TestStore_TransactionRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	itemID := uuid.New()
	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx store.Store) error {
		require.NoError(t, tx.SetStat(ctx, itemID, store.StatBuildCount, 1))

		return boom
	})
	require.ErrorIs(t, err, boom)

	exists, err := s.StatExists(ctx, itemID, store.StatBuildCount)
	require.NoError(t, err)
	assert.False(t, exists, "rolled back unit of work must not persist")

	require.NoError(t, s.Transaction(ctx, func(tx store.Store) error {
		return tx.SetStat(ctx, itemID, store.StatBuildCount, 1)
	}))

	exists, err = s.StatExists(ctx, itemID, store.StatBuildCount)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_ListStepIDsByBuild(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	build := &store.Build{ProjectID: uuid.New()}
	require.NoError(t, s.CreateBuild(ctx, build))

	job := &store.Job{BuildID: build.ID}
	require.NoError(t, s.CreateJob(ctx, job))

	phase := &store.JobPhase{JobID: job.ID}
	require.NoError(t, s.CreateJobPhase(ctx, phase))

	step := &store.JobStep{JobID: job.ID, PhaseID: phase.ID}
	require.NoError(t, s.CreateJobStep(ctx, step))

	other := &store.JobStep{JobID: uuid.New(), PhaseID: uuid.New()}
	require.NoError(t, s.CreateJobStep(ctx, other))

	ids, err := s.ListStepIDsByBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{step.ID}, ids)

	none, err := s.ListStepIDsByBuild(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWorstResult(t *testing.T) {
	tests := []struct {
		name    string
		results []store.Result
		want    store.Result
	}{
		{name: "none", want: store.ResultUnknown},
		{name: "all passed", results: []store.Result{store.ResultPassed, store.ResultPassed}, want: store.ResultPassed},
		{name: "failed beats passed", results: []store.Result{store.ResultPassed, store.ResultFailed}, want: store.ResultFailed},
		{name: "aborted beats failed", results: []store.Result{store.ResultFailed, store.ResultAborted}, want: store.ResultAborted},
		{name: "unknown is lowest", results: []store.Result{store.ResultUnknown, store.ResultPassed}, want: store.ResultPassed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, store.WorstResult(tt.results...))
		})
	}
}
