package staging

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for staged grades.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListByCourse returns every staged grade for a course.
func (r *Repository) ListByCourse(ctx context.Context, courseID int64) ([]StagedGrade, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, username, course_id, group_id, mapping_id,
			external_class, external_grade_id, raw_grade, source_grade_record_id
		FROM gradesync_grades
		WHERE course_id = $1`, courseID)
	if err != nil {
		return nil, fmt.Errorf("staging: list: %w", err)
	}
	defer rows.Close()

	var grades []StagedGrade
	for rows.Next() {
		var g StagedGrade
		if err := rows.Scan(&g.ID, &g.Username, &g.CourseID, &g.GroupID, &g.MappingID,
			&g.ExternalClass, &g.ExternalGradeID, &g.RawGrade, &g.SourceGradeRecordID); err != nil {
			return nil, fmt.Errorf("staging: scan: %w", err)
		}
		grades = append(grades, g)
	}
	return grades, rows.Err()
}

// Upsert writes one staged grade by its natural key, updating the existing
// row in place when one exists, and returns the surviving row id.
func (r *Repository) Upsert(ctx context.Context, g StagedGrade) (int64, error) {
	query := `
		INSERT INTO gradesync_grades (
			username, course_id, group_id, mapping_id,
			external_class, external_grade_id, raw_grade, source_grade_record_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_class, external_grade_id, username)
		DO UPDATE SET
			course_id = EXCLUDED.course_id,
			group_id = EXCLUDED.group_id,
			mapping_id = EXCLUDED.mapping_id,
			raw_grade = EXCLUDED.raw_grade,
			source_grade_record_id = EXCLUDED.source_grade_record_id
		RETURNING id`

	var id int64
	err := r.pool.QueryRow(ctx, query,
		g.Username, g.CourseID, g.GroupID, g.MappingID,
		g.ExternalClass, g.ExternalGradeID, g.RawGrade, g.SourceGradeRecordID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("staging: upsert: %w", err)
	}
	return id, nil
}

// DeleteByID removes one staged grade.
func (r *Repository) DeleteByID(ctx context.Context, id int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM gradesync_grades WHERE id = $1`, id); err != nil {
		return fmt.Errorf("staging: delete: %w", err)
	}
	return nil
}
