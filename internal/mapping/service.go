package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gradesync/gradesync/internal/platform/httpx"
)

// Store is the persistence surface the service needs.
type Store interface {
	Upsert(ctx context.Context, input SaveInput, now time.Time) (int64, error)
	Get(ctx context.Context, key Key) (Mapping, error)
	ListByCourse(ctx context.Context, courseID int64) ([]Mapping, error)
	ListCourseLevel(ctx context.Context, courseID int64) ([]Mapping, error)
	ListGroupLevel(ctx context.Context, courseID int64) ([]Mapping, error)
	DistinctCourseIDs(ctx context.Context) ([]int64, error)
	DeleteWhereCourseNotIn(ctx context.Context, activeCourseIDs []int64) (int64, error)
	DeleteWhereGroupNotIn(ctx context.Context, activeGroupIDs []int64) (int64, error)
}

// Service coordinates mapping writes and cleanup.
type Service struct {
	store    Store
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds the service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		logger:   logger,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Save upserts a mapping by its natural key, or deletes it when the input
// carries the unmapped sentinel. It returns the surviving row id, or
// DeletedMapping after a delete.
func (s *Service) Save(ctx context.Context, input SaveInput) (int64, error) {
	if err := s.validate.Struct(input); err != nil {
		return 0, fmt.Errorf("mapping: invalid save input: %w", err)
	}
	id, err := s.store.Upsert(ctx, input, s.now())
	if err != nil {
		return 0, err
	}
	if id == DeletedMapping {
		s.logger.Info("mapping removed",
			slog.String("class", input.ExternalClass),
			slog.Int64("external_grade_id", input.ExternalGradeID),
			slog.Int64("course_id", input.CourseID),
			slog.Int64("group_id", input.GroupID))
	} else {
		s.logger.Info("mapping saved",
			slog.Int64("id", id),
			slog.String("class", input.ExternalClass),
			slog.Int64("external_grade_id", input.ExternalGradeID),
			slog.Int64("course_id", input.CourseID),
			slog.Int64("group_id", input.GroupID),
			slog.Int64("grade_item_id", input.GradeItemID))
	}
	return id, nil
}

// Get fetches a mapping by natural key.
func (s *Service) Get(ctx context.Context, key Key) (Mapping, error) {
	return s.store.Get(ctx, key)
}

// ListByCourse returns mappings for a course, optionally filtered to the
// course level or the group level.
func (s *Service) ListByCourse(ctx context.Context, courseID int64, scope string) ([]Mapping, error) {
	switch scope {
	case "", "all":
		return s.store.ListByCourse(ctx, courseID)
	case "course":
		return s.store.ListCourseLevel(ctx, courseID)
	case "group":
		return s.store.ListGroupLevel(ctx, courseID)
	default:
		return nil, fmt.Errorf("mapping: unknown scope %q: %w", scope, httpx.ErrValidation)
	}
}

// MappedCourseIDs returns every course referenced by a mapping.
func (s *Service) MappedCourseIDs(ctx context.Context) ([]int64, error) {
	return s.store.DistinctCourseIDs(ctx)
}

// CleanupStale retires mappings whose course or group no longer exists. The
// two deletes are independent best-effort passes; each one is skipped when
// its active set is empty.
func (s *Service) CleanupStale(ctx context.Context, activeCourseIDs, activeGroupIDs []int64) (CleanupStats, error) {
	var stats CleanupStats

	if len(activeCourseIDs) == 0 {
		s.logger.Info("skipping course cleanup: no active courses")
	} else {
		courses, err := s.store.DeleteWhereCourseNotIn(ctx, activeCourseIDs)
		if err != nil {
			return stats, err
		}
		stats.StaleCourses = courses
	}

	if len(activeGroupIDs) == 0 {
		s.logger.Info("skipping group cleanup: no active groups")
	} else {
		groups, err := s.store.DeleteWhereGroupNotIn(ctx, activeGroupIDs)
		if err != nil {
			return stats, err
		}
		stats.StaleGroups = groups
	}

	if stats.StaleCourses > 0 || stats.StaleGroups > 0 {
		s.logger.Info("retired stale mappings",
			slog.Int64("stale_courses", stats.StaleCourses),
			slog.Int64("stale_groups", stats.StaleGroups))
	}
	return stats, nil
}
