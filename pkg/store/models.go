package store

import (
	"time"

	"github.com/google/uuid"
)

// Project groups the builds of one repository.
type Project struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Slug        string    `gorm:"uniqueIndex;not null" json:"slug"`
	Name        string    `json:"name"`
	DateCreated time.Time `json:"date_created"`
}

// Build is one CI build. Its status, result and timing are derived from its
// jobs by the build reconciler.
type Build struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID    uuid.UUID  `gorm:"type:uuid;index;not null" json:"project_id"`
	Label        string     `json:"label"`
	Status       Status     `gorm:"not null;default:queued" json:"status"`
	Result       Result     `gorm:"not null;default:unknown" json:"result"`
	DateStarted  *time.Time `json:"date_started"`
	DateFinished *time.Time `json:"date_finished"`
	// Duration is in milliseconds.
	Duration     *int64    `json:"duration"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`
}

// Job is one execution unit of a build.
type Job struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	BuildID      uuid.UUID  `gorm:"type:uuid;index;not null" json:"build_id"`
	ProjectID    uuid.UUID  `gorm:"type:uuid;index" json:"project_id"`
	Label        string     `json:"label"`
	Status       Status     `gorm:"not null;default:queued" json:"status"`
	Result       Result     `gorm:"not null;default:unknown" json:"result"`
	DateStarted  *time.Time `json:"date_started"`
	DateFinished *time.Time `json:"date_finished"`
	DateCreated  time.Time  `json:"date_created"`
}

// JobPhase is an ordered grouping of steps within a job.
type JobPhase struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID        uuid.UUID  `gorm:"type:uuid;index;not null" json:"job_id"`
	Label        string     `json:"label"`
	Status       Status     `gorm:"not null;default:queued" json:"status"`
	Result       Result     `gorm:"not null;default:unknown" json:"result"`
	DateStarted  *time.Time `json:"date_started"`
	DateFinished *time.Time `json:"date_finished"`
}

// JobStep is the smallest unit of execution.
type JobStep struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID        uuid.UUID  `gorm:"type:uuid;index;not null" json:"job_id"`
	PhaseID      uuid.UUID  `gorm:"type:uuid;index;not null" json:"phase_id"`
	Label        string     `json:"label"`
	Status       Status     `gorm:"not null;default:queued" json:"status"`
	Result       Result     `gorm:"not null;default:unknown" json:"result"`
	DateStarted  *time.Time `json:"date_started"`
	DateFinished *time.Time `json:"date_finished"`
	DateCreated  time.Time  `json:"date_created"`
}

// IsFinished reports whether the step reached a terminal state.
func (s *JobStep) IsFinished() bool {
	return s.Status == StatusFinished
}

// TestCase is a single test result reported by a step.
type TestCase struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID  uuid.UUID `gorm:"type:uuid;index" json:"job_id"`
	StepID uuid.UUID `gorm:"type:uuid;index;not null" json:"step_id"`
	Name   string    `json:"name"`
	Result Result    `gorm:"not null;default:unknown" json:"result"`
	// Duration is in milliseconds.
	Duration int64 `json:"duration"`
}

// FileCoverage holds per-file coverage counters reported by a step. Any
// counter may be unset.
type FileCoverage struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID              uuid.UUID `gorm:"type:uuid;index" json:"job_id"`
	StepID             uuid.UUID `gorm:"type:uuid;index;not null" json:"step_id"`
	Filename           string    `json:"filename"`
	LinesCovered       *int64    `json:"lines_covered"`
	LinesUncovered     *int64    `json:"lines_uncovered"`
	DiffLinesCovered   *int64    `json:"diff_lines_covered"`
	DiffLinesUncovered *int64    `json:"diff_lines_uncovered"`
}

// ItemStat is a named numeric statistic attached to any entity.
type ItemStat struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	ItemID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_item_stat_item_name" json:"item_id"`
	Name   string    `gorm:"not null;uniqueIndex:idx_item_stat_item_name" json:"name"`
	Value  int64     `gorm:"not null" json:"value"`
}

// ItemOption is a named configuration value attached to a plan or plan step.
type ItemOption struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	ItemID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_item_option_item_name" json:"item_id"`
	Name   string    `gorm:"not null;uniqueIndex:idx_item_option_item_name" json:"name"`
	Value  string    `json:"value"`
}

// Plan is a build configuration a job is executed against.
type Plan struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Label string    `json:"label"`
}

// PlanStep is one configured step of a plan. Its options are ItemOption rows
// keyed by the plan step id.
type PlanStep struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PlanID         uuid.UUID `gorm:"type:uuid;index;not null" json:"plan_id"`
	Sequence       int       `gorm:"not null" json:"sequence"`
	Implementation string    `json:"implementation"`
}

// JobPlan binds a job to the plan it runs, optionally with a snapshot of
// the plan's configuration taken when the job was created.
type JobPlan struct {
	ID     uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	JobID  uuid.UUID   `gorm:"type:uuid;uniqueIndex;not null" json:"job_id"`
	PlanID uuid.UUID   `gorm:"type:uuid;index;not null" json:"plan_id"`
	Data   JobPlanData `gorm:"type:text;serializer:json" json:"data"`
}

// JobPlanData is the free-form data stored with a job plan.
type JobPlanData struct {
	Snapshot *PlanSnapshot `json:"snapshot,omitempty"`
}

// PlanSnapshot freezes plan options and steps at job creation time.
type PlanSnapshot struct {
	Options map[string]string `json:"options,omitempty"`
	Steps   []SnapshotStep    `json:"steps,omitempty"`
}

// SnapshotStep is a plan step as captured in a snapshot.
type SnapshotStep struct {
	Implementation string            `json:"implementation,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
}

// ConfiguredStep is a plan step together with its resolved options.
type ConfiguredStep struct {
	Implementation string
	Options        map[string]string
}

// FailureReason records why a step failed. At most one row exists per step
// and reason.
type FailureReason struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	StepID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_failure_reason_step_reason" json:"step_id"`
	Reason      string    `gorm:"not null;uniqueIndex:idx_failure_reason_step_reason" json:"reason"`
	JobID       uuid.UUID `gorm:"type:uuid;index" json:"job_id"`
	BuildID     uuid.UUID `gorm:"type:uuid;index" json:"build_id"`
	ProjectID   uuid.UUID `gorm:"type:uuid" json:"project_id"`
	DateCreated time.Time `json:"date_created"`
}

// CoverageTotals are the summed coverage counters of a step.
type CoverageTotals struct {
	LinesCovered       int64
	LinesUncovered     int64
	DiffLinesCovered   int64
	DiffLinesUncovered int64
}
