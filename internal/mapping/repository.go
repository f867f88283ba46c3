package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for mappings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const mappingColumns = `id, external_class, external_grade_id, course_id, group_id,
	grade_item_id, created_by, modified_by, created_at, modified_at`

func scanMapping(row pgx.Row) (Mapping, error) {
	var m Mapping
	err := row.Scan(&m.ID, &m.ExternalClass, &m.ExternalGradeID, &m.CourseID,
		&m.GroupID, &m.GradeItemID, &m.CreatedBy, &m.ModifiedBy, &m.CreatedAt, &m.ModifiedAt)
	return m, err
}

// Upsert inserts or updates the mapping identified by the input's natural key
// and returns the surviving row id. When the input carries the unmapped
// sentinel the row is deleted instead and DeletedMapping is returned. The
// unique index on the natural key keeps concurrent callers from producing
// duplicate rows.
func (r *Repository) Upsert(ctx context.Context, input SaveInput, now time.Time) (int64, error) {
	if input.GradeItemID == GradeItemUnmapped {
		_, err := r.pool.Exec(ctx, `
			DELETE FROM gradesync_mappings
			WHERE external_class = $1 AND external_grade_id = $2 AND course_id = $3 AND group_id = $4`,
			input.ExternalClass, input.ExternalGradeID, input.CourseID, input.GroupID)
		if err != nil {
			return 0, fmt.Errorf("mapping: delete: %w", err)
		}
		return DeletedMapping, nil
	}

	// ON CONFLICT leaves created_by/created_at untouched on update.
	query := `
		INSERT INTO gradesync_mappings (
			external_class, external_grade_id, course_id, group_id,
			grade_item_id, created_by, modified_by, created_at, modified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $7)
		ON CONFLICT (external_class, external_grade_id, course_id, group_id)
		DO UPDATE SET
			grade_item_id = EXCLUDED.grade_item_id,
			modified_by = EXCLUDED.modified_by,
			modified_at = EXCLUDED.modified_at
		RETURNING id`

	var id int64
	err := r.pool.QueryRow(ctx, query,
		input.ExternalClass, input.ExternalGradeID, input.CourseID, input.GroupID,
		input.GradeItemID, input.Actor, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("mapping: upsert: %w", err)
	}
	return id, nil
}

// Get fetches the mapping for a natural key.
func (r *Repository) Get(ctx context.Context, key Key) (Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM gradesync_mappings
		WHERE external_class = $1 AND external_grade_id = $2 AND course_id = $3 AND group_id = $4`

	m, err := scanMapping(r.pool.QueryRow(ctx, query,
		key.ExternalClass, key.ExternalGradeID, key.CourseID, key.GroupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, ErrNotFound
		}
		return Mapping{}, fmt.Errorf("mapping: get: %w", err)
	}
	return m, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Mapping, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mapping: list: %w", err)
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("mapping: scan: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// ListByCourse returns every mapping for a course.
func (r *Repository) ListByCourse(ctx context.Context, courseID int64) ([]Mapping, error) {
	return r.list(ctx, `
		SELECT `+mappingColumns+`
		FROM gradesync_mappings
		WHERE course_id = $1
		ORDER BY external_class, external_grade_id, group_id`, courseID)
}

// ListCourseLevel returns the course-wide mappings for a course.
func (r *Repository) ListCourseLevel(ctx context.Context, courseID int64) ([]Mapping, error) {
	return r.list(ctx, `
		SELECT `+mappingColumns+`
		FROM gradesync_mappings
		WHERE course_id = $1 AND group_id = 0
		ORDER BY external_class, external_grade_id`, courseID)
}

// ListGroupLevel returns the group override mappings for a course. The fixed
// ordering makes the override winner deterministic when a student belongs to
// several overriding groups: the highest group id is applied last and wins.
func (r *Repository) ListGroupLevel(ctx context.Context, courseID int64) ([]Mapping, error) {
	return r.list(ctx, `
		SELECT `+mappingColumns+`
		FROM gradesync_mappings
		WHERE course_id = $1 AND group_id <> 0
		ORDER BY external_class, external_grade_id, group_id`, courseID)
}

// DistinctCourseIDs returns the ids of every course with at least one mapping.
func (r *Repository) DistinctCourseIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT course_id FROM gradesync_mappings ORDER BY course_id`)
	if err != nil {
		return nil, fmt.Errorf("mapping: distinct courses: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("mapping: scan course id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteWhereCourseNotIn removes mappings whose course is not in the active
// set. An empty set short-circuits so a scheduler hiccup can never wipe the
// whole table.
func (r *Repository) DeleteWhereCourseNotIn(ctx context.Context, activeCourseIDs []int64) (int64, error) {
	if len(activeCourseIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM gradesync_mappings
		WHERE NOT (course_id = ANY($1))`, activeCourseIDs)
	if err != nil {
		return 0, fmt.Errorf("mapping: delete stale courses: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteWhereGroupNotIn removes group-level mappings whose group is not in
// the active set. Course-level mappings (group id 0) are never touched, and
// an empty set short-circuits.
func (r *Repository) DeleteWhereGroupNotIn(ctx context.Context, activeGroupIDs []int64) (int64, error) {
	if len(activeGroupIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM gradesync_mappings
		WHERE group_id <> 0 AND NOT (group_id = ANY($1))`, activeGroupIDs)
	if err != nil {
		return 0, fmt.Errorf("mapping: delete stale groups: %w", err)
	}
	return tag.RowsAffected(), nil
}
