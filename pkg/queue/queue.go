package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/ethpandaops/buildsync/pkg/store"
)

// Queue persists scheduled task invocations.
//
// A task row is claimed with a conditional update, so exactly one caller
// can move it from queued to in_progress. ClaimDue additionally skips rows
// whose (name, key) already has a claimed sibling, which keeps invocations
// of the same task for the same entity from overlapping.
type Queue interface {
	Migrate(ctx context.Context) error

	// Enqueue schedules a task unless an identical one is already queued.
	// It returns the queued row and whether it was newly created.
	Enqueue(
		ctx context.Context,
		name, key string,
		args map[string]string,
		runAt time.Time,
	) (*Task, bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Task, error)
	Complete(
		ctx context.Context,
		id uuid.UUID,
		result store.Result,
		lastErr string,
	) error
	Reschedule(
		ctx context.Context,
		id uuid.UUID,
		runAt time.Time,
		retries int,
		lastErr string,
	) error
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	ListPending(ctx context.Context) ([]Task, error)
	// RequeueInProgress returns tasks left claimed by a previous process
	// to the queue.
	RequeueInProgress(ctx context.Context) (int64, error)
	// WithDB returns a queue bound to db, usually an open transaction, so
	// that enqueued tasks commit or roll back with it.
	WithDB(db *gorm.DB) Queue
}

// Compile-time interface check.
var _ Queue = (*queue)(nil)

type queue struct {
	log logrus.FieldLogger
	db  *gorm.DB
}

// NewQueue creates a task queue on top of an open database handle.
func NewQueue(log logrus.FieldLogger, db *gorm.DB) Queue {
	return &queue{
		log: log.WithField("component", "queue"),
		db:  db,
	}
}

func (q *queue) WithDB(db *gorm.DB) Queue {
	return &queue{log: q.log, db: db}
}

// Migrate creates or updates the tasks table.
func (q *queue) Migrate(ctx context.Context) error {
	if err := q.db.WithContext(ctx).AutoMigrate(&Task{}); err != nil {
		return fmt.Errorf("running queue migrations: %w", err)
	}

	return nil
}

func (q *queue) Enqueue(
	ctx context.Context,
	name, key string,
	args map[string]string,
	runAt time.Time,
) (*Task, bool, error) {
	var (
		task    Task
		created bool
	)

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("name = ? AND task_key = ? AND status = ?",
			name, key, store.StatusQueued).
			First(&task).Error
		if err == nil {
			// Pull an existing row forward if the new request is due
			// sooner; never push it back.
			if at := runAt.UnixMilli(); at < task.RunAt {
				task.RunAt = at
				task.DateModified = time.Now().UnixMilli()

				return tx.Save(&task).Error
			}

			return nil
		}

		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UnixMilli()
		task = Task{
			ID:           uuid.New(),
			Name:         name,
			TaskKey:      key,
			Args:         args,
			Status:       store.StatusQueued,
			Result:       store.ResultUnknown,
			RunAt:        runAt.UnixMilli(),
			DateCreated:  now,
			DateModified: now,
		}
		created = true

		return tx.Create(&task).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueueing task %s: %w", name, err)
	}

	return &task, created, nil
}

func (q *queue) ClaimDue(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]Task, error) {
	db := q.db.WithContext(ctx)

	var running []Task
	if err := db.Select("name", "task_key").
		Where("status = ?", store.StatusInProgress).
		Find(&running).Error; err != nil {
		return nil, fmt.Errorf("listing running tasks: %w", err)
	}

	busy := make(map[string]struct{}, len(running))
	for _, t := range running {
		busy[t.Name+"\x00"+t.TaskKey] = struct{}{}
	}

	var due []Task
	if err := db.Where("status = ? AND run_at <= ?",
		store.StatusQueued, now.UnixMilli()).
		Order("run_at ASC").
		Find(&due).Error; err != nil {
		return nil, fmt.Errorf("listing due tasks: %w", err)
	}

	claimed := make([]Task, 0, len(due))

	for _, t := range due {
		if limit > 0 && len(claimed) >= limit {
			break
		}

		k := t.Name + "\x00" + t.TaskKey
		if _, ok := busy[k]; ok {
			continue
		}

		res := db.Model(&Task{}).
			Where("id = ? AND status = ?", t.ID, store.StatusQueued).
			Updates(map[string]any{
				"status":        store.StatusInProgress,
				"attempts":      gorm.Expr("attempts + 1"),
				"date_modified": time.Now().UnixMilli(),
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("claiming task %s: %w", t.ID, res.Error)
		}

		// Another worker got there first.
		if res.RowsAffected == 0 {
			continue
		}

		busy[k] = struct{}{}
		t.Status = store.StatusInProgress
		t.Attempts++
		claimed = append(claimed, t)
	}

	return claimed, nil
}

func (q *queue) Complete(
	ctx context.Context,
	id uuid.UUID,
	result store.Result,
	lastErr string,
) error {
	if err := q.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        store.StatusFinished,
			"result":        result,
			"last_error":    lastErr,
			"date_modified": time.Now().UnixMilli(),
		}).Error; err != nil {
		return fmt.Errorf("completing task %s: %w", id, err)
	}

	return nil
}

// Reschedule returns a claimed task to the queue. If another request for
// the same (name, key) was queued while the task ran, the two are folded
// into that queued row: it keeps the earlier run time and the higher retry
// count, and this row is finished as superseded.
func (q *queue) Reschedule(
	ctx context.Context,
	id uuid.UUID,
	runAt time.Time,
	retries int,
	lastErr string,
) error {
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Task
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			return err
		}

		now := time.Now().UnixMilli()

		var sibling Task

		err := tx.Where("name = ? AND task_key = ? AND status = ? AND id <> ?",
			current.Name, current.TaskKey, store.StatusQueued, id).
			Order("run_at ASC").
			First(&sibling).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Model(&Task{}).
				Where("id = ?", id).
				Updates(map[string]any{
					"status":        store.StatusQueued,
					"run_at":        runAt.UnixMilli(),
					"retries":       retries,
					"last_error":    lastErr,
					"date_modified": now,
				}).Error
		}

		if err != nil {
			return err
		}

		if err := tx.Model(&Task{}).
			Where("id = ?", sibling.ID).
			Updates(map[string]any{
				"run_at":        min(sibling.RunAt, runAt.UnixMilli()),
				"retries":       max(sibling.Retries, retries),
				"last_error":    lastErr,
				"date_modified": now,
			}).Error; err != nil {
			return err
		}

		q.log.WithFields(logrus.Fields{
			"task":    current.Name,
			"task_id": id,
			"into":    sibling.ID,
		}).Debug("Folded rescheduled task into queued duplicate")

		return tx.Model(&Task{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":        store.StatusFinished,
				"result":        store.ResultUnknown,
				"last_error":    "superseded by " + sibling.ID.String(),
				"date_modified": now,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("rescheduling task %s: %w", id, err)
	}

	return nil
}

func (q *queue) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	var task Task
	if err := q.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}

	return &task, nil
}

// ListPending returns queued and running tasks, soonest first.
func (q *queue) ListPending(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := q.db.WithContext(ctx).
		Where("status IN ?", []store.Status{
			store.StatusQueued, store.StatusInProgress,
		}).
		Order("run_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}

	return tasks, nil
}

func (q *queue) RequeueInProgress(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Model(&Task{}).
		Where("status = ?", store.StatusInProgress).
		Updates(map[string]any{
			"status":        store.StatusQueued,
			"date_modified": time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeueing running tasks: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		q.log.WithField("count", res.RowsAffected).
			Warn("Requeued tasks left running by a previous process")
	}

	return res.RowsAffected, nil
}
