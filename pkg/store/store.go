package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence for builds and everything hanging off them.
//
// A Store obtained inside Transaction is bound to that transaction; all
// work done through it is committed when the callback returns nil and
// rolled back otherwise.
type Store interface {
	Migrate(ctx context.Context) error
	Transaction(ctx context.Context, fn func(tx Store) error) error
	// DB returns the handle the store runs on. Inside Transaction it is the
	// transaction, so other gorm-backed components can join it.
	DB() *gorm.DB

	// Projects and builds.
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	CreateBuild(ctx context.Context, build *Build) error
	GetBuild(ctx context.Context, id uuid.UUID) (*Build, error)
	SaveBuild(ctx context.Context, build *Build) error
	ListBuildsByProject(
		ctx context.Context, projectID uuid.UUID, status Status, result Result,
	) ([]Build, error)

	// Jobs, phases and steps.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	SaveJob(ctx context.Context, job *Job) error
	ListJobsByBuild(ctx context.Context, buildID uuid.UUID) ([]Job, error)
	CreateJobPhase(ctx context.Context, phase *JobPhase) error
	GetJobPhase(ctx context.Context, id uuid.UUID) (*JobPhase, error)
	SaveJobPhase(ctx context.Context, phase *JobPhase) error
	ListJobPhases(ctx context.Context, jobID uuid.UUID) ([]JobPhase, error)
	CreateJobStep(ctx context.Context, step *JobStep) error
	GetJobStep(ctx context.Context, id uuid.UUID) (*JobStep, error)
	SaveJobStep(ctx context.Context, step *JobStep) error
	ListStepIDsByBuild(ctx context.Context, buildID uuid.UUID) ([]uuid.UUID, error)

	// Test results and coverage.
	CreateTestCase(ctx context.Context, tc *TestCase) error
	HasTestCases(ctx context.Context, stepID uuid.UUID) (bool, error)
	HasFailedTestCases(ctx context.Context, stepID uuid.UUID) (bool, error)
	CreateFileCoverage(ctx context.Context, fc *FileCoverage) error
	SumFileCoverage(ctx context.Context, stepID uuid.UUID) (*CoverageTotals, error)

	// Plans and options.
	CreatePlan(ctx context.Context, plan *Plan) error
	CreatePlanStep(ctx context.Context, step *PlanStep) error
	CreateJobPlan(ctx context.Context, jp *JobPlan) error
	GetJobPlanByJob(ctx context.Context, jobID uuid.UUID) (*JobPlan, error)
	ConfiguredSteps(ctx context.Context, jp *JobPlan) ([]ConfiguredStep, error)
	SetItemOption(ctx context.Context, itemID uuid.UUID, name, value string) error
	GetItemOptions(
		ctx context.Context, itemID uuid.UUID, names ...string,
	) (map[string]string, error)

	// Statistics.
	StatExists(ctx context.Context, itemID uuid.UUID, name string) (bool, error)
	InsertStatIfAbsent(ctx context.Context, stat *ItemStat) (bool, error)
	SetStat(ctx context.Context, itemID uuid.UUID, name string, value int64) error
	GetStat(ctx context.Context, itemID uuid.UUID, name string) (*ItemStat, error)
	ListStats(ctx context.Context, itemID uuid.UUID) ([]ItemStat, error)
	SumStats(ctx context.Context, itemIDs []uuid.UUID, name string) (int64, error)

	// Failure reasons.
	InsertFailureReasonIfAbsent(ctx context.Context, fr *FailureReason) (bool, error)
	ListFailureReasons(ctx context.Context, stepID uuid.UUID) ([]FailureReason, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	db  *gorm.DB
}

// NewStore creates a Store on top of an open database handle.
func NewStore(log logrus.FieldLogger, db *gorm.DB) Store {
	return &store{
		log: log.WithField("component", "store"),
		db:  db,
	}
}

// Migrate creates or updates the schema of every entity table.
func (s *store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&Project{},
		&Build{},
		&Job{},
		&JobPhase{},
		&JobStep{},
		&TestCase{},
		&FileCoverage{},
		&ItemStat{},
		&ItemOption{},
		&Plan{},
		&PlanStep{},
		&JobPlan{},
		&FailureReason{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// Transaction runs fn as a single unit of work.
func (s *store) Transaction(
	ctx context.Context, fn func(tx Store) error,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{log: s.log, db: tx})
	})
}

func (s *store) DB() *gorm.DB {
	return s.db
}

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

func (s *store) first(ctx context.Context, dest any, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(dest).Error; err != nil {
		return notFound(err)
	}

	return nil
}

// --- Projects and builds ---

func (s *store) CreateProject(ctx context.Context, project *Project) error {
	ensureID(&project.ID)

	if project.DateCreated.IsZero() {
		project.DateCreated = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("creating project: %w", err)
	}

	return nil
}

func (s *store) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	var project Project
	if err := s.first(ctx, &project, id); err != nil {
		return nil, fmt.Errorf("getting project %s: %w", id, err)
	}

	return &project, nil
}

func (s *store) CreateBuild(ctx context.Context, build *Build) error {
	ensureID(&build.ID)

	now := time.Now().UTC()
	if build.DateCreated.IsZero() {
		build.DateCreated = now
	}

	if build.DateModified.IsZero() {
		build.DateModified = build.DateCreated
	}

	if build.Status == "" {
		build.Status = StatusQueued
	}

	if build.Result == "" {
		build.Result = ResultUnknown
	}

	if err := s.db.WithContext(ctx).Create(build).Error; err != nil {
		return fmt.Errorf("creating build: %w", err)
	}

	return nil
}

func (s *store) GetBuild(ctx context.Context, id uuid.UUID) (*Build, error) {
	var build Build
	if err := s.first(ctx, &build, id); err != nil {
		return nil, fmt.Errorf("getting build %s: %w", id, err)
	}

	return &build, nil
}

func (s *store) SaveBuild(ctx context.Context, build *Build) error {
	if err := s.db.WithContext(ctx).Save(build).Error; err != nil {
		return fmt.Errorf("saving build %s: %w", build.ID, err)
	}

	return nil
}

// ListBuildsByProject returns the builds of a project in the given state,
// newest first.
func (s *store) ListBuildsByProject(
	ctx context.Context, projectID uuid.UUID, status Status, result Result,
) ([]Build, error) {
	var builds []Build
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND status = ? AND result = ?",
			projectID, status, result).
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}

	// Sorted here rather than in SQL: SQLite stores timestamps as text
	// with a variable number of fractional digits.
	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].DateCreated.After(builds[j].DateCreated)
	})

	return builds, nil
}

// --- Jobs, phases and steps ---

func (s *store) CreateJob(ctx context.Context, job *Job) error {
	ensureID(&job.ID)

	if job.DateCreated.IsZero() {
		job.DateCreated = time.Now().UTC()
	}

	if job.Status == "" {
		job.Status = StatusQueued
	}

	if job.Result == "" {
		job.Result = ResultUnknown
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	return nil
}

func (s *store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	if err := s.first(ctx, &job, id); err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}

	return &job, nil
}

func (s *store) SaveJob(ctx context.Context, job *Job) error {
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}

	return nil
}

func (s *store) ListJobsByBuild(
	ctx context.Context, buildID uuid.UUID,
) ([]Job, error) {
	var jobs []Job
	if err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs of build %s: %w", buildID, err)
	}

	return jobs, nil
}

func (s *store) CreateJobPhase(ctx context.Context, phase *JobPhase) error {
	ensureID(&phase.ID)

	if phase.Status == "" {
		phase.Status = StatusQueued
	}

	if phase.Result == "" {
		phase.Result = ResultUnknown
	}

	if err := s.db.WithContext(ctx).Create(phase).Error; err != nil {
		return fmt.Errorf("creating job phase: %w", err)
	}

	return nil
}

func (s *store) GetJobPhase(ctx context.Context, id uuid.UUID) (*JobPhase, error) {
	var phase JobPhase
	if err := s.first(ctx, &phase, id); err != nil {
		return nil, fmt.Errorf("getting job phase %s: %w", id, err)
	}

	return &phase, nil
}

func (s *store) SaveJobPhase(ctx context.Context, phase *JobPhase) error {
	if err := s.db.WithContext(ctx).Save(phase).Error; err != nil {
		return fmt.Errorf("saving job phase %s: %w", phase.ID, err)
	}

	return nil
}

func (s *store) ListJobPhases(
	ctx context.Context, jobID uuid.UUID,
) ([]JobPhase, error) {
	var phases []JobPhase
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Find(&phases).Error; err != nil {
		return nil, fmt.Errorf("listing phases of job %s: %w", jobID, err)
	}

	return phases, nil
}

func (s *store) CreateJobStep(ctx context.Context, step *JobStep) error {
	ensureID(&step.ID)

	if step.DateCreated.IsZero() {
		step.DateCreated = time.Now().UTC()
	}

	if step.Status == "" {
		step.Status = StatusQueued
	}

	if step.Result == "" {
		step.Result = ResultUnknown
	}

	if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
		return fmt.Errorf("creating job step: %w", err)
	}

	return nil
}

func (s *store) GetJobStep(ctx context.Context, id uuid.UUID) (*JobStep, error) {
	var step JobStep
	if err := s.first(ctx, &step, id); err != nil {
		return nil, fmt.Errorf("getting job step %s: %w", id, err)
	}

	return &step, nil
}

func (s *store) SaveJobStep(ctx context.Context, step *JobStep) error {
	if err := s.db.WithContext(ctx).Save(step).Error; err != nil {
		return fmt.Errorf("saving job step %s: %w", step.ID, err)
	}

	return nil
}

// ListStepIDsByBuild returns the ids of every step of every job of a build.
func (s *store) ListStepIDsByBuild(
	ctx context.Context, buildID uuid.UUID,
) ([]uuid.UUID, error) {
	var jobIDs []uuid.UUID
	if err := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("build_id = ?", buildID).
		Pluck("id", &jobIDs).Error; err != nil {
		return nil, fmt.Errorf("listing job ids of build %s: %w", buildID, err)
	}

	if len(jobIDs) == 0 {
		return nil, nil
	}

	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).
		Model(&JobStep{}).
		Where("job_id IN ?", jobIDs).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing step ids of build %s: %w", buildID, err)
	}

	return ids, nil
}

// --- Test results and coverage ---

func (s *store) CreateTestCase(ctx context.Context, tc *TestCase) error {
	ensureID(&tc.ID)

	if tc.Result == "" {
		tc.Result = ResultUnknown
	}

	if err := s.db.WithContext(ctx).Create(tc).Error; err != nil {
		return fmt.Errorf("creating test case: %w", err)
	}

	return nil
}

func (s *store) exists(ctx context.Context, model any, query string, args ...any) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(model).
		Where(query, args...).
		Count(&count).Error; err != nil {
		return false, err
	}

	return count > 0, nil
}

func (s *store) HasTestCases(ctx context.Context, stepID uuid.UUID) (bool, error) {
	ok, err := s.exists(ctx, &TestCase{}, "step_id = ?", stepID)
	if err != nil {
		return false, fmt.Errorf("checking test cases of step %s: %w", stepID, err)
	}

	return ok, nil
}

func (s *store) HasFailedTestCases(
	ctx context.Context, stepID uuid.UUID,
) (bool, error) {
	ok, err := s.exists(ctx, &TestCase{},
		"step_id = ? AND result = ?", stepID, ResultFailed)
	if err != nil {
		return false, fmt.Errorf("checking failed test cases of step %s: %w", stepID, err)
	}

	return ok, nil
}

func (s *store) CreateFileCoverage(ctx context.Context, fc *FileCoverage) error {
	ensureID(&fc.ID)

	if err := s.db.WithContext(ctx).Create(fc).Error; err != nil {
		return fmt.Errorf("creating file coverage: %w", err)
	}

	return nil
}

// SumFileCoverage sums the coverage counters of a step. Unset counters and
// steps without coverage contribute zero.
func (s *store) SumFileCoverage(
	ctx context.Context, stepID uuid.UUID,
) (*CoverageTotals, error) {
	var totals CoverageTotals
	if err := s.db.WithContext(ctx).
		Model(&FileCoverage{}).
		Select(
			"COALESCE(SUM(lines_covered), 0) AS lines_covered, " +
				"COALESCE(SUM(lines_uncovered), 0) AS lines_uncovered, " +
				"COALESCE(SUM(diff_lines_covered), 0) AS diff_lines_covered, " +
				"COALESCE(SUM(diff_lines_uncovered), 0) AS diff_lines_uncovered",
		).
		Where("step_id = ?", stepID).
		Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("summing coverage of step %s: %w", stepID, err)
	}

	return &totals, nil
}

// --- Plans and options ---

func (s *store) CreatePlan(ctx context.Context, plan *Plan) error {
	ensureID(&plan.ID)

	if err := s.db.WithContext(ctx).Create(plan).Error; err != nil {
		return fmt.Errorf("creating plan: %w", err)
	}

	return nil
}

func (s *store) CreatePlanStep(ctx context.Context, step *PlanStep) error {
	ensureID(&step.ID)

	if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
		return fmt.Errorf("creating plan step: %w", err)
	}

	return nil
}

func (s *store) CreateJobPlan(ctx context.Context, jp *JobPlan) error {
	ensureID(&jp.ID)

	if err := s.db.WithContext(ctx).Create(jp).Error; err != nil {
		return fmt.Errorf("creating job plan: %w", err)
	}

	return nil
}

func (s *store) GetJobPlanByJob(
	ctx context.Context, jobID uuid.UUID,
) (*JobPlan, error) {
	var jp JobPlan
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		First(&jp).Error; err != nil {
		return nil, fmt.Errorf("getting job plan of job %s: %w", jobID, notFound(err))
	}

	return &jp, nil
}

// ConfiguredSteps returns the steps a job plan runs, in order. Steps frozen
// in the plan snapshot take precedence over the live plan configuration.
func (s *store) ConfiguredSteps(
	ctx context.Context, jp *JobPlan,
) ([]ConfiguredStep, error) {
	if snap := jp.Data.Snapshot; snap != nil && len(snap.Steps) > 0 {
		steps := make([]ConfiguredStep, 0, len(snap.Steps))
		for _, st := range snap.Steps {
			steps = append(steps, ConfiguredStep{
				Implementation: st.Implementation,
				Options:        st.Options,
			})
		}

		return steps, nil
	}

	var planSteps []PlanStep
	if err := s.db.WithContext(ctx).
		Where("plan_id = ?", jp.PlanID).
		Order("sequence ASC").
		Find(&planSteps).Error; err != nil {
		return nil, fmt.Errorf("listing steps of plan %s: %w", jp.PlanID, err)
	}

	steps := make([]ConfiguredStep, 0, len(planSteps))

	for _, ps := range planSteps {
		options, err := s.GetItemOptions(ctx, ps.ID)
		if err != nil {
			return nil, err
		}

		steps = append(steps, ConfiguredStep{
			Implementation: ps.Implementation,
			Options:        options,
		})
	}

	return steps, nil
}

func (s *store) SetItemOption(
	ctx context.Context, itemID uuid.UUID, name, value string,
) error {
	opt := &ItemOption{
		ID:     uuid.New(),
		ItemID: itemID,
		Name:   name,
		Value:  value,
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(opt).Error; err != nil {
		return fmt.Errorf("setting option %s on %s: %w", name, itemID, err)
	}

	return nil
}

// GetItemOptions returns the options of an item, restricted to names when
// any are given.
func (s *store) GetItemOptions(
	ctx context.Context, itemID uuid.UUID, names ...string,
) (map[string]string, error) {
	query := s.db.WithContext(ctx).Where("item_id = ?", itemID)
	if len(names) > 0 {
		query = query.Where("name IN ?", names)
	}

	var opts []ItemOption
	if err := query.Find(&opts).Error; err != nil {
		return nil, fmt.Errorf("getting options of %s: %w", itemID, err)
	}

	options := make(map[string]string, len(opts))
	for _, o := range opts {
		options[o.Name] = o.Value
	}

	return options, nil
}

// --- Statistics ---

func (s *store) StatExists(
	ctx context.Context, itemID uuid.UUID, name string,
) (bool, error) {
	ok, err := s.exists(ctx, &ItemStat{},
		"item_id = ? AND name = ?", itemID, name)
	if err != nil {
		return false, fmt.Errorf("checking stat %s of %s: %w", name, itemID, err)
	}

	return ok, nil
}

// InsertStatIfAbsent creates the stat unless one with the same item and
// name already exists. It reports whether a row was created.
func (s *store) InsertStatIfAbsent(
	ctx context.Context, stat *ItemStat,
) (bool, error) {
	ensureID(&stat.ID)

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}, {Name: "name"}},
			DoNothing: true,
		}).
		Create(stat)
	if result.Error != nil {
		return false, fmt.Errorf(
			"inserting stat %s of %s: %w", stat.Name, stat.ItemID, result.Error,
		)
	}

	return result.RowsAffected > 0, nil
}

// SetStat creates or overwrites a stat.
func (s *store) SetStat(
	ctx context.Context, itemID uuid.UUID, name string, value int64,
) error {
	stat := &ItemStat{
		ID:     uuid.New(),
		ItemID: itemID,
		Name:   name,
		Value:  value,
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(stat).Error; err != nil {
		return fmt.Errorf("setting stat %s of %s: %w", name, itemID, err)
	}

	return nil
}

func (s *store) GetStat(
	ctx context.Context, itemID uuid.UUID, name string,
) (*ItemStat, error) {
	var stat ItemStat
	if err := s.db.WithContext(ctx).
		Where("item_id = ? AND name = ?", itemID, name).
		First(&stat).Error; err != nil {
		return nil, fmt.Errorf("getting stat %s of %s: %w", name, itemID, notFound(err))
	}

	return &stat, nil
}

func (s *store) ListStats(ctx context.Context, itemID uuid.UUID) ([]ItemStat, error) {
	var stats []ItemStat
	if err := s.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("name ASC").
		Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("listing stats of %s: %w", itemID, err)
	}

	return stats, nil
}

// SumStats sums the named stat over the given items. Missing stats count as
// zero.
func (s *store) SumStats(
	ctx context.Context, itemIDs []uuid.UUID, name string,
) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	var total int64
	if err := s.db.WithContext(ctx).
		Model(&ItemStat{}).
		Select("COALESCE(SUM(value), 0)").
		Where("item_id IN ? AND name = ?", itemIDs, name).
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("summing stat %s: %w", name, err)
	}

	return total, nil
}

// --- Failure reasons ---

func (s *store) InsertFailureReasonIfAbsent(
	ctx context.Context, fr *FailureReason,
) (bool, error) {
	ensureID(&fr.ID)

	if fr.DateCreated.IsZero() {
		fr.DateCreated = time.Now().UTC()
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "step_id"}, {Name: "reason"}},
			DoNothing: true,
		}).
		Create(fr)
	if result.Error != nil {
		return false, fmt.Errorf(
			"inserting failure reason %s of step %s: %w", fr.Reason, fr.StepID, result.Error,
		)
	}

	return result.RowsAffected > 0, nil
}

func (s *store) ListFailureReasons(
	ctx context.Context, stepID uuid.UUID,
) ([]FailureReason, error) {
	var reasons []FailureReason
	if err := s.db.WithContext(ctx).
		Where("step_id = ?", stepID).
		Order("reason ASC").
		Find(&reasons).Error; err != nil {
		return nil, fmt.Errorf("listing failure reasons of step %s: %w", stepID, err)
	}

	return reasons, nil
}
