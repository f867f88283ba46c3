package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/gradesync/gradesync/internal/extsource"
	"github.com/gradesync/gradesync/internal/mapping"
	"github.com/gradesync/gradesync/internal/roster"
	"github.com/gradesync/gradesync/internal/staging"
)

// ErrCourseNotFound marks a pass whose course disappeared between dispatch
// and execution. The job runtime skips such passes without retrying.
var ErrCourseNotFound = errors.New("sync: course not found")

// MappingStore is the slice of the mapping store a pass reads.
type MappingStore interface {
	ListCourseLevel(ctx context.Context, courseID int64) ([]mapping.Mapping, error)
	ListGroupLevel(ctx context.Context, courseID int64) ([]mapping.Mapping, error)
}

// StagingStore is the staged-grade persistence a pass reconciles against.
type StagingStore interface {
	ListByCourse(ctx context.Context, courseID int64) ([]staging.StagedGrade, error)
	Upsert(ctx context.Context, g staging.StagedGrade) (int64, error)
	DeleteByID(ctx context.Context, id int64) error
}

// Directory is the slice of the host directory a pass reads.
type Directory interface {
	Course(ctx context.Context, id int64) (roster.Course, error)
	StudentIDs(ctx context.Context, courseID int64) ([]int64, error)
	GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
}

// Source is one live external connection.
type Source interface {
	AssessmentsForCourse(ctx context.Context, courseKey string) ([]extsource.Assessment, error)
	Close() error
}

// Connector hands the worker a fresh external connection per invocation.
type Connector interface {
	Connect(ctx context.Context) (Source, error)
	CourseField() string
}

// Worker runs the sync pass for a single course. Each invocation is an
// isolated unit of work; nothing is shared across courses.
type Worker struct {
	Mappings  MappingStore
	Staging   StagingStore
	Directory Directory
	Gradebook Gradebook
	Source    Connector
	Logger    *slog.Logger

	// FetchConcurrency bounds the parallel per-student fetches within one
	// mapping. Zero or negative means sequential.
	FetchConcurrency int
}

// SyncCourse executes the linear pass: load existing staged rows, resolve
// students, apply course-level mappings then group overrides, persist the
// computed set, and delete whatever was not recomputed. Failure aborts the
// pass; writes already committed stay committed.
func (w *Worker) SyncCourse(ctx context.Context, courseID int64) error {
	logger := w.Logger.With(slog.Int64("course_id", courseID))
	logger.Info("processing grade sync")

	course, err := w.Directory.Course(ctx, courseID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrCourseNotFound, courseID)
		}
		return err
	}
	courseKey, err := course.ExternalKey(w.Source.CourseField())
	if err != nil {
		return err
	}

	source, err := w.Source.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warn("close external connection", slog.Any("error", err))
		}
	}()

	assessments, err := source.AssessmentsForCourse(ctx, courseKey)
	if err != nil {
		return err
	}
	fetcher := NewFetcher(w.Gradebook, NewAssessmentIndex(assessments), logger)

	logger.Info("caching existing staged grades")
	existing, err := w.loadExistingStaged(ctx, courseID)
	if err != nil {
		return err
	}

	students, err := w.Directory.StudentIDs(ctx, courseID)
	if err != nil {
		return err
	}
	logger.Info("resolved students", slog.Int("count", len(students)))

	computed := make(map[staging.Key]CandidateGrade)

	logger.Info("applying course-level mappings")
	if err := w.applyCourseMappings(ctx, fetcher, courseID, students, computed); err != nil {
		return err
	}

	logger.Info("applying group-level overrides")
	if err := w.applyGroupOverrides(ctx, fetcher, courseID, students, computed); err != nil {
		return err
	}

	logger.Info("persisting computed grades", slog.Int("count", len(computed)))
	if err := w.persistGrades(ctx, logger, computed, existing); err != nil {
		return err
	}

	logger.Info("deleting orphaned staged grades", slog.Int("count", len(existing)))
	if err := w.deleteOrphans(ctx, logger, existing); err != nil {
		return err
	}

	logger.Info("grade sync done")
	return nil
}

// loadExistingStaged builds the candidates-for-deletion working set.
func (w *Worker) loadExistingStaged(ctx context.Context, courseID int64) (map[staging.Key]staging.StagedGrade, error) {
	staged, err := w.Staging.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	existing := make(map[staging.Key]staging.StagedGrade, len(staged))
	for _, g := range staged {
		existing[g.Key()] = g
	}
	return existing, nil
}

func (w *Worker) applyCourseMappings(ctx context.Context, fetcher *Fetcher, courseID int64, students []int64, computed map[staging.Key]CandidateGrade) error {
	mappings, err := w.Mappings.ListCourseLevel(ctx, courseID)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if err := w.fetchInto(ctx, fetcher, students, m, computed); err != nil {
			return err
		}
	}
	return nil
}

// applyGroupOverrides re-runs the fetch for each group-level mapping over the
// intersection of group members and enrolled students. Mappings arrive in
// ascending (class, external id, group id) order, so when a student belongs
// to several overriding groups for the same assessment the highest group id
// is applied last and wins.
func (w *Worker) applyGroupOverrides(ctx context.Context, fetcher *Fetcher, courseID int64, students []int64, computed map[staging.Key]CandidateGrade) error {
	mappings, err := w.Mappings.ListGroupLevel(ctx, courseID)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return nil
	}

	enrolled := make(map[int64]bool, len(students))
	for _, id := range students {
		enrolled[id] = true
	}

	for _, m := range mappings {
		memberIDs, err := w.Directory.GroupMemberIDs(ctx, m.GroupID)
		if err != nil {
			return err
		}
		var members []int64
		for _, id := range memberIDs {
			if enrolled[id] {
				members = append(members, id)
			}
		}
		if err := w.fetchInto(ctx, fetcher, members, m, computed); err != nil {
			return err
		}
	}
	return nil
}

// fetchInto resolves one mapping for each student and overwrites the
// computed entry for each resolved key. Students within one mapping produce
// distinct keys, so the fan-out below cannot race on a key.
func (w *Worker) fetchInto(ctx context.Context, fetcher *Fetcher, students []int64, m mapping.Mapping, computed map[staging.Key]CandidateGrade) error {
	var mu stdsync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	if w.FetchConcurrency > 1 {
		g.SetLimit(w.FetchConcurrency)
	} else {
		g.SetLimit(1)
	}

	for _, studentID := range students {
		g.Go(func() error {
			candidate, ok, err := fetcher.Fetch(ctx, studentID, m)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			mu.Lock()
			computed[candidate.Key()] = candidate
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) persistGrades(ctx context.Context, logger *slog.Logger, computed map[staging.Key]CandidateGrade, existing map[staging.Key]staging.StagedGrade) error {
	for key, candidate := range computed {
		id, err := w.Staging.Upsert(ctx, candidate.Staged())
		if err != nil {
			return err
		}
		logger.Debug("staged grade",
			slog.Int64("id", id),
			slog.String("class", candidate.ExternalClass),
			slog.Int64("external_grade_id", candidate.ExternalGradeID),
			slog.String("username", candidate.Username))
		delete(existing, key)
	}
	return nil
}

func (w *Worker) deleteOrphans(ctx context.Context, logger *slog.Logger, existing map[staging.Key]staging.StagedGrade) error {
	for _, g := range existing {
		if err := w.Staging.DeleteByID(ctx, g.ID); err != nil {
			return err
		}
		logger.Debug("deleted stale staged grade",
			slog.Int64("id", g.ID),
			slog.String("class", g.ExternalClass),
			slog.Int64("external_grade_id", g.ExternalGradeID),
			slog.String("username", g.Username))
	}
	return nil
}
