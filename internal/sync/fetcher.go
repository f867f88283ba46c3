// Package sync implements the reconciliation engine: the per-course grade
// fetch and the pass that stages matched grades for external consumption.
package sync

import (
	"context"
	"log/slog"
	stdsync "sync"

	"github.com/gradesync/gradesync/internal/extsource"
	"github.com/gradesync/gradesync/internal/mapping"
	"github.com/gradesync/gradesync/internal/roster"
	"github.com/gradesync/gradesync/internal/staging"
)

// CandidateGrade is one student's resolved grade for one mapping, held only
// for the duration of a course pass.
type CandidateGrade struct {
	Username            string
	CourseID            int64
	GroupID             int64
	MappingID           int64
	ExternalClass       string
	ExternalGradeID     int64
	RawGrade            float64
	SourceGradeRecordID int64
}

// Key returns the staging natural key this candidate reconciles against.
func (g CandidateGrade) Key() staging.Key {
	return staging.Key{
		ExternalClass:   g.ExternalClass,
		ExternalGradeID: g.ExternalGradeID,
		Username:        g.Username,
	}
}

// Staged converts the candidate into its staging row.
func (g CandidateGrade) Staged() staging.StagedGrade {
	return staging.StagedGrade{
		Username:            g.Username,
		CourseID:            g.CourseID,
		GroupID:             g.GroupID,
		MappingID:           g.MappingID,
		ExternalClass:       g.ExternalClass,
		ExternalGradeID:     g.ExternalGradeID,
		RawGrade:            g.RawGrade,
		SourceGradeRecordID: g.SourceGradeRecordID,
	}
}

// Gradebook is the slice of the host directory the fetcher reads.
type Gradebook interface {
	RawGrade(ctx context.Context, userID, itemID int64) (roster.GradeRecord, bool, error)
	GradeItem(ctx context.Context, id int64) (roster.GradeItem, error)
	Username(ctx context.Context, userID int64) (string, error)
}

// AssessmentKey identifies one external assessment within a course.
type AssessmentKey struct {
	Class string
	ID    int64
}

// AssessmentIndex provides (class, id) lookups over the descriptor list
// fetched once at the start of a pass.
type AssessmentIndex map[AssessmentKey]extsource.Assessment

// NewAssessmentIndex builds the index from one external query result.
func NewAssessmentIndex(assessments []extsource.Assessment) AssessmentIndex {
	index := make(AssessmentIndex, len(assessments))
	for _, a := range assessments {
		index[AssessmentKey{Class: a.Class, ID: a.ID}] = a
	}
	return index
}

// Lookup returns the descriptor for an assessment key.
func (ix AssessmentIndex) Lookup(class string, id int64) (extsource.Assessment, bool) {
	a, ok := ix[AssessmentKey{Class: class, ID: id}]
	return a, ok
}

// Fetcher resolves one student's grade for one mapping, applying the
// max-score consistency filter. It is scoped to a single course pass and is
// safe for concurrent use within it.
type Fetcher struct {
	gradebook   Gradebook
	assessments AssessmentIndex
	logger      *slog.Logger

	mu        stdsync.Mutex
	items     map[int64]roster.GradeItem
	usernames map[int64]string
}

// NewFetcher builds a pass-scoped fetcher.
func NewFetcher(gradebook Gradebook, assessments AssessmentIndex, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		gradebook:   gradebook,
		assessments: assessments,
		logger:      logger,
		items:       make(map[int64]roster.GradeItem),
		usernames:   make(map[int64]string),
	}
}

// Fetch resolves the candidate grade for (student, mapping). ok=false means
// there is nothing to sync: no raw grade recorded, no matching external
// assessment, or the two maximum scores disagree. A grade recorded out of a
// different maximum has a different meaning and must not overwrite a prior
// valid sync.
func (f *Fetcher) Fetch(ctx context.Context, studentID int64, m mapping.Mapping) (CandidateGrade, bool, error) {
	record, ok, err := f.gradebook.RawGrade(ctx, studentID, m.GradeItemID)
	if err != nil {
		return CandidateGrade{}, false, err
	}
	if !ok {
		return CandidateGrade{}, false, nil
	}

	item, err := f.gradeItem(ctx, m.GradeItemID)
	if err != nil {
		return CandidateGrade{}, false, err
	}

	assessment, ok := f.assessments.Lookup(m.ExternalClass, m.ExternalGradeID)
	if !ok {
		f.logger.Debug("no external assessment for mapping",
			slog.Int64("mapping_id", m.ID),
			slog.String("class", m.ExternalClass),
			slog.Int64("external_grade_id", m.ExternalGradeID))
		return CandidateGrade{}, false, nil
	}
	if item.MarkOutOf() != int64(assessment.MarkOutOf) {
		f.logger.Debug("max score mismatch, grade dropped",
			slog.Int64("mapping_id", m.ID),
			slog.Int64("student_id", studentID),
			slog.Int64("internal_max", item.MarkOutOf()),
			slog.Int64("external_max", int64(assessment.MarkOutOf)))
		return CandidateGrade{}, false, nil
	}

	username, err := f.username(ctx, studentID)
	if err != nil {
		return CandidateGrade{}, false, err
	}

	return CandidateGrade{
		Username:            username,
		CourseID:            m.CourseID,
		GroupID:             m.GroupID,
		MappingID:           m.ID,
		ExternalClass:       m.ExternalClass,
		ExternalGradeID:     m.ExternalGradeID,
		RawGrade:            record.RawGrade,
		SourceGradeRecordID: record.ID,
	}, true, nil
}

func (f *Fetcher) gradeItem(ctx context.Context, id int64) (roster.GradeItem, error) {
	f.mu.Lock()
	item, ok := f.items[id]
	f.mu.Unlock()
	if ok {
		return item, nil
	}
	item, err := f.gradebook.GradeItem(ctx, id)
	if err != nil {
		return roster.GradeItem{}, err
	}
	f.mu.Lock()
	f.items[id] = item
	f.mu.Unlock()
	return item, nil
}

func (f *Fetcher) username(ctx context.Context, userID int64) (string, error) {
	f.mu.Lock()
	name, ok := f.usernames[userID]
	f.mu.Unlock()
	if ok {
		return name, nil
	}
	name, err := f.gradebook.Username(ctx, userID)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.usernames[userID] = name
	f.mu.Unlock()
	return name, nil
}
