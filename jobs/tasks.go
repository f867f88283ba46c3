package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSyncSchedule drives the periodic discovery/dispatch pass.
	TaskSyncSchedule = "gradesync:schedule"
	// TaskCourseSync syncs the grades of a single course.
	TaskCourseSync = "gradesync:course"
)

// CourseSyncPayload carries the sole input of a course sync: the course id.
type CourseSyncPayload struct {
	CourseID int64 `json:"course_id"`
}

// NewCourseSyncTask constructs the per-course unit of work.
func NewCourseSyncTask(courseID int64) (*asynq.Task, error) {
	data, err := json.Marshal(CourseSyncPayload{CourseID: courseID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCourseSync, data, asynq.Queue(QueueDefault)), nil
}

// NewSyncScheduleTask constructs the periodic scheduler task.
func NewSyncScheduleTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskSyncSchedule, nil, asynq.Queue(QueueDefault)), nil
}
