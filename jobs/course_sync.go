package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/gradesync/gradesync/internal/jobs"
	"github.com/gradesync/gradesync/internal/sync"
)

// CourseSyncer runs one course's sync pass.
type CourseSyncer interface {
	SyncCourse(ctx context.Context, courseID int64) error
}

// CourseSyncJob processes TaskCourseSync tasks: one isolated course pass per
// task.
type CourseSyncJob struct {
	Syncer  CourseSyncer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCourseSyncJob constructs the job handler.
func NewCourseSyncJob(syncer CourseSyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *CourseSyncJob {
	return &CourseSyncJob{Syncer: syncer, Logger: logger, Metrics: metrics}
}

// Handle executes the course sync task. A course that has disappeared since
// dispatch is skipped without retry; any other failure is handed back to the
// queue's retry policy.
func (j *CourseSyncJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Syncer == nil {
		return errors.New("course sync: dependencies not configured")
	}
	var payload CourseSyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.CourseID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskCourseSync)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if err := j.Syncer.SyncCourse(ctx, payload.CourseID); err != nil {
		if errors.Is(err, sync.ErrCourseNotFound) {
			j.log().Info("course no longer exists, skipping pass",
				slog.Int64("course_id", payload.CourseID))
			return nil
		}
		resultErr = err
		j.log().Error("course sync failed",
			slog.Int64("course_id", payload.CourseID),
			slog.Any("error", err))
		return resultErr
	}
	return nil
}

func (j *CourseSyncJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *CourseSyncJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCourseSync))
	}
	return slog.Default().With(slog.String("job", TaskCourseSync))
}
