// Package notify holds the downstream tasks fired when a build finishes.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildsync/pkg/store"
	"github.com/ethpandaops/buildsync/pkg/task"
	"github.com/ethpandaops/buildsync/pkg/upload"
)

// Task names handled by this package.
const (
	TaskBuildFinished      = "notify_build_finished"
	TaskUpdateProjectStats = "update_project_stats"
)

// projectStatsWindow is the number of recent passed builds averaged into a
// project's avg_build_time.
const projectStatsWindow = 30

// Dispatcher schedules a named task. Delivery is at least once.
type Dispatcher interface {
	Enqueue(ctx context.Context, name string, args task.Args, delay time.Duration) error
	// EnqueueTx schedules the task inside the unit of work uow; it is only
	// visible once uow commits.
	EnqueueTx(
		ctx context.Context,
		uow store.Store,
		name string,
		args task.Args,
		delay time.Duration,
	) error
}

// BuildSummary is the archived record of a finished build.
type BuildSummary struct {
	Build store.Build      `json:"build"`
	Jobs  []store.Job      `json:"jobs"`
	Stats map[string]int64 `json:"stats"`
}

// Handlers are the task bodies of the downstream notifications.
type Handlers interface {
	BuildFinished(ctx context.Context, args task.Args) task.Outcome
	UpdateProjectStats(ctx context.Context, args task.Args) task.Outcome
	Register(reg *task.Registry) error
}

// Compile-time interface check.
var _ Handlers = (*handlers)(nil)

type handlers struct {
	log      logrus.FieldLogger
	store    store.Store
	uploader upload.Uploader
}

// NewHandlers creates the notification task bodies.
func NewHandlers(
	log logrus.FieldLogger,
	st store.Store,
	uploader upload.Uploader,
) Handlers {
	return &handlers{
		log:      log.WithField("component", "notify"),
		store:    st,
		uploader: uploader,
	}
}

// Register adds both notification tasks to reg.
func (h *handlers) Register(reg *task.Registry) error {
	if err := reg.Register(task.Definition{
		Name: TaskBuildFinished,
		Run:  h.BuildFinished,
	}); err != nil {
		return err
	}

	return reg.Register(task.Definition{
		Name: TaskUpdateProjectStats,
		Run:  h.UpdateProjectStats,
	})
}

// BuildFinished logs the outcome of a finished build and archives its
// summary.
func (h *handlers) BuildFinished(ctx context.Context, args task.Args) task.Outcome {
	buildID, err := uuid.Parse(args["build_id"])
	if err != nil {
		return task.Abort(fmt.Errorf("invalid build_id %q: %w", args["build_id"], err))
	}

	build, err := h.store.GetBuild(ctx, buildID)
	if errors.Is(err, store.ErrNotFound) {
		return task.Done()
	}

	if err != nil {
		return task.Fail(err)
	}

	summary, err := h.summarize(ctx, build)
	if err != nil {
		return task.Fail(err)
	}

	fields := logrus.Fields{
		"build_id":   build.ID,
		"project_id": build.ProjectID,
		"result":     build.Result,
		"jobs":       len(summary.Jobs),
	}

	if build.Duration != nil {
		fields["duration"] = units.HumanDuration(time.Duration(*build.Duration) * time.Millisecond)
	}

	h.log.WithFields(fields).Info("Build finished")

	data, err := json.Marshal(summary)
	if err != nil {
		return task.Abort(fmt.Errorf("marshaling build summary: %w", err))
	}

	if err := h.uploader.UploadBuildSummary(ctx, build.ID, data); err != nil {
		return task.Fail(err)
	}

	return task.Done()
}

func (h *handlers) summarize(ctx context.Context, build *store.Build) (*BuildSummary, error) {
	jobs, err := h.store.ListJobsByBuild(ctx, build.ID)
	if err != nil {
		return nil, err
	}

	itemStats, err := h.store.ListStats(ctx, build.ID)
	if err != nil {
		return nil, err
	}

	statMap := make(map[string]int64, len(itemStats))
	for _, s := range itemStats {
		statMap[s.Name] = s.Value
	}

	return &BuildSummary{
		Build: *build,
		Jobs:  jobs,
		Stats: statMap,
	}, nil
}

// UpdateProjectStats recomputes the project's build statistics. Unlike item
// stats these are overwritten on every run.
func (h *handlers) UpdateProjectStats(ctx context.Context, args task.Args) task.Outcome {
	projectID, err := uuid.Parse(args["project_id"])
	if err != nil {
		return task.Abort(fmt.Errorf("invalid project_id %q: %w", args["project_id"], err))
	}

	builds, err := h.store.ListBuildsByProject(ctx, projectID, store.StatusFinished, store.ResultPassed)
	if err != nil {
		return task.Fail(err)
	}

	var total, counted int64

	for i := range builds {
		if i >= projectStatsWindow {
			break
		}

		if d := builds[i].Duration; d != nil && *d > 0 {
			total += *d
			counted++
		}
	}

	var avg int64
	if counted > 0 {
		avg = total / counted
	}

	if err := h.store.Transaction(ctx, func(uow store.Store) error {
		if err := uow.SetStat(ctx, projectID, store.StatAvgBuildTime, avg); err != nil {
			return err
		}

		return uow.SetStat(ctx, projectID, store.StatBuildCount, int64(len(builds)))
	}); err != nil {
		return task.Fail(err)
	}

	h.log.WithFields(logrus.Fields{
		"project_id":     projectID,
		"avg_build_time": units.HumanDuration(time.Duration(avg) * time.Millisecond),
		"build_count":    len(builds),
	}).Debug("Updated project stats")

	return task.Done()
}
