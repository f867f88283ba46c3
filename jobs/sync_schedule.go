package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/gradesync/gradesync/internal/jobs"
	"github.com/gradesync/gradesync/internal/mapping"
	"github.com/gradesync/gradesync/internal/roster"
)

// MappingDirectory is the slice of the mapping service the scheduler uses.
type MappingDirectory interface {
	MappedCourseIDs(ctx context.Context) ([]int64, error)
	CleanupStale(ctx context.Context, activeCourseIDs, activeGroupIDs []int64) (mapping.CleanupStats, error)
}

// CourseDirectory resolves mapped course ids against the host platform.
type CourseDirectory interface {
	Courses(ctx context.Context, ids []int64) ([]roster.Course, error)
	GroupIDsForCourses(ctx context.Context, courseIDs []int64) ([]int64, error)
}

// Enqueuer dispatches per-course units of work.
type Enqueuer interface {
	EnqueueCourseSync(ctx context.Context, courseID int64) error
}

// SyncScheduleJob is the periodic driver: it finds every course with at
// least one mapping, dispatches one course sync per active course, then
// garbage-collects mappings whose course or group no longer exists. Dispatch
// and cleanup are independent passes.
type SyncScheduleJob struct {
	Mappings MappingDirectory
	Roster   CourseDirectory
	Queue    Enqueuer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewSyncScheduleJob constructs the job handler.
func NewSyncScheduleJob(mappings MappingDirectory, courses CourseDirectory, queue Enqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncScheduleJob {
	return &SyncScheduleJob{
		Mappings: mappings,
		Roster:   courses,
		Queue:    queue,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (j *SyncScheduleJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}

// Handle executes one scheduler pass.
func (j *SyncScheduleJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Mappings == nil || j.Roster == nil || j.Queue == nil {
		return errors.New("sync schedule: dependencies not configured")
	}

	tracker := j.metrics().Track(TaskSyncSchedule)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log().With(slog.String("run_id", uuid.NewString()))
	logger.Info("starting gradesync schedule pass")

	mapped, err := j.Mappings.MappedCourseIDs(ctx)
	if err != nil {
		resultErr = err
		return resultErr
	}
	if len(mapped) == 0 {
		logger.Info("no mapped courses, nothing to dispatch")
		return resultErr
	}

	courses, err := j.Roster.Courses(ctx, mapped)
	if err != nil {
		resultErr = err
		return resultErr
	}

	now := j.clock()
	active := make([]int64, 0, len(courses))
	dispatched := 0
	for _, course := range courses {
		if !course.Active(now) {
			logger.Info("skipping inactive course",
				slog.Int64("course_id", course.ID),
				slog.Bool("visible", course.Visible))
			continue
		}
		active = append(active, course.ID)
		// Per-course enqueue failures must not abort the iteration.
		if err := j.Queue.EnqueueCourseSync(ctx, course.ID); err != nil {
			logger.Error("enqueue course sync",
				slog.Int64("course_id", course.ID),
				slog.Any("error", err))
			continue
		}
		dispatched++
		logger.Info("dispatched course sync",
			slog.Int64("course_id", course.ID),
			slog.String("course", course.FullName))
	}
	logger.Info("dispatch complete",
		slog.Int("mapped_courses", len(mapped)),
		slog.Int("dispatched", dispatched))

	if err := j.cleanup(ctx, logger, active); err != nil {
		resultErr = err
		return resultErr
	}

	logger.Info("gradesync schedule pass done")
	return resultErr
}

// cleanup retires mappings whose course left the active set or whose group
// no longer exists. It runs regardless of how the dispatched workers fare.
func (j *SyncScheduleJob) cleanup(ctx context.Context, logger *slog.Logger, activeCourseIDs []int64) error {
	var activeGroupIDs []int64
	if len(activeCourseIDs) > 0 {
		var err error
		activeGroupIDs, err = j.Roster.GroupIDsForCourses(ctx, activeCourseIDs)
		if err != nil {
			return err
		}
	}
	stats, err := j.Mappings.CleanupStale(ctx, activeCourseIDs, activeGroupIDs)
	if err != nil {
		return err
	}
	logger.Info("mapping cleanup complete",
		slog.Int64("stale_courses", stats.StaleCourses),
		slog.Int64("stale_groups", stats.StaleGroups))
	return nil
}

func (j *SyncScheduleJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *SyncScheduleJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSyncSchedule))
	}
	return slog.Default().With(slog.String("job", TaskSyncSchedule))
}
