package store

// Status is the lifecycle state of a build, job, phase or step.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

// Result is the outcome of a build, job, phase or step.
type Result string

// Results are ordered by severity: unknown < passed < failed < aborted.
const (
	ResultUnknown Result = "unknown"
	ResultPassed  Result = "passed"
	ResultFailed  Result = "failed"
	ResultAborted Result = "aborted"
)

var resultSeverity = map[Result]int{
	ResultUnknown: 0,
	ResultPassed:  1,
	ResultFailed:  2,
	ResultAborted: 3,
}

// Severity returns the position of r in the result ordering. Unrecognised
// values rank with unknown.
func (r Result) Severity() int {
	return resultSeverity[r]
}

// WorstResult returns the most severe of the given results, or unknown when
// none are given.
func WorstResult(results ...Result) Result {
	worst := ResultUnknown

	for _, r := range results {
		if r.Severity() > worst.Severity() {
			worst = r
		}
	}

	return worst
}

// Well-known item option names.
const (
	OptionExpectTests = "build.expect-tests"
	OptionTimeout     = "build.timeout"
)

// Well-known item stat names.
const (
	StatTestsMissing       = "tests_missing"
	StatLinesCovered       = "lines_covered"
	StatLinesUncovered     = "lines_uncovered"
	StatDiffLinesCovered   = "diff_lines_covered"
	StatDiffLinesUncovered = "diff_lines_uncovered"
	StatAvgBuildTime       = "avg_build_time"
	StatBuildCount         = "build_count"
)

// Well-known failure reasons recorded against steps.
const (
	ReasonTimeout      = "timeout"
	ReasonTestFailures = "test_failures"
	ReasonMissingTests = "missing_tests"
)
