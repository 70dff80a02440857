package queue

import (
	"github.com/google/uuid"

	"github.com/ethpandaops/buildsync/pkg/store"
)

// Task is one queued invocation of a named task. Timestamps are unix
// milliseconds.
type Task struct {
	ID      uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Name    string            `gorm:"not null;index:idx_tasks_name_key" json:"name"`
	TaskKey string            `gorm:"not null;index:idx_tasks_name_key" json:"task_key"`
	Args    map[string]string `gorm:"type:text;serializer:json" json:"args"`
	Status  store.Status      `gorm:"not null;index" json:"status"`
	Result  store.Result      `gorm:"not null" json:"result"`
	// Attempts counts executions, Retries counts the ones that asked to
	// run again.
	Attempts     int    `gorm:"not null;default:0" json:"attempts"`
	Retries      int    `gorm:"not null;default:0" json:"retries"`
	RunAt        int64  `gorm:"not null;index" json:"run_at"`
	LastError    string `gorm:"type:text" json:"last_error,omitempty"`
	DateCreated  int64  `json:"date_created"`
	DateModified int64  `json:"date_modified"`
}

// IsPending reports whether the task has not reached a terminal state.
func (t *Task) IsPending() bool {
	return t.Status == store.StatusQueued || t.Status == store.StatusInProgress
}
