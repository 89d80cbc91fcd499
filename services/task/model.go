package task

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

var (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

func (s JobStatus) String() string {
	switch s {
	case JobPending, JobRunning, JobSuccess, JobFailed:
		return string(s)
	default:
		return ""
	}
}

// Task is a periodic maintenance job known to the scheduler. Inactive tasks
// are not enqueued.
type Task struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	Name        string    `gorm:"column:name;uniqueIndex;type:varchar(100);not null" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	IsActive    bool      `gorm:"column:is_active" json:"is_active"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// Job is one execution of a task.
type Job struct {
	ID          string            `gorm:"column:id;primaryKey" json:"id"`
	TaskName    string            `gorm:"column:task_name;index;not null" json:"task_name"`
	Status      JobStatus         `gorm:"column:status;type:varchar(20);index" json:"status"`
	ErrorMsg    string            `gorm:"column:error_msg;type:text" json:"error_msg,omitempty"`
	StartedAt   *time.Time        `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time        `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"column:updated_at" json:"updated_at"`
	Metadata    datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
}

func (Job) TableName() string {
	return "task_jobs"
}
