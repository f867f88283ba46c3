package roster

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads the host platform's directory tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanCourse(row pgx.Row) (Course, error) {
	var c Course
	var endAt pgtype.Timestamptz
	err := row.Scan(&c.ID, &c.FullName, &c.ShortName, &c.IDNumber, &c.Visible, &endAt)
	if err != nil {
		return Course{}, err
	}
	if endAt.Valid {
		c.EndAt = endAt.Time
	}
	return c, nil
}

// Course fetches one course by id.
func (r *Repository) Course(ctx context.Context, id int64) (Course, error) {
	c, err := scanCourse(r.pool.QueryRow(ctx, `
		SELECT id, fullname, shortname, idnumber, visible, end_at
		FROM courses
		WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Course{}, ErrNotFound
		}
		return Course{}, fmt.Errorf("roster: course: %w", err)
	}
	return c, nil
}

// Courses fetches the courses in the given id set. Missing ids are simply
// absent from the result.
func (r *Repository) Courses(ctx context.Context, ids []int64) ([]Course, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, fullname, shortname, idnumber, visible, end_at
		FROM courses
		WHERE id = ANY($1)
		ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("roster: courses: %w", err)
	}
	defer rows.Close()

	var courses []Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("roster: scan course: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// StudentIDs enumerates the users enrolled in a course with the student role.
func (r *Repository) StudentIDs(ctx context.Context, courseID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id
		FROM enrolments
		WHERE course_id = $1 AND role = 'student'
		ORDER BY user_id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("roster: students: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// Username resolves a user id to the external identity used in staged rows.
func (r *Repository) Username(ctx context.Context, userID int64) (string, error) {
	var username string
	err := r.pool.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, userID).Scan(&username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("roster: username: %w", err)
	}
	return username, nil
}

// GroupMemberIDs lists the user ids belonging to a group.
func (r *Repository) GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id
		FROM group_members
		WHERE group_id = $1
		ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("roster: group members: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// GroupsByCourse lists a course's groups.
func (r *Repository) GroupsByCourse(ctx context.Context, courseID int64) ([]Group, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, course_id, name
		FROM groups
		WHERE course_id = $1
		ORDER BY name`, courseID)
	if err != nil {
		return nil, fmt.Errorf("roster: groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.CourseID, &g.Name); err != nil {
			return nil, fmt.Errorf("roster: scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GroupIDsForCourses returns the ids of every group belonging to the given
// courses. Used as the active set for mapping cleanup.
func (r *Repository) GroupIDsForCourses(ctx context.Context, courseIDs []int64) ([]int64, error) {
	if len(courseIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM groups
		WHERE course_id = ANY($1)
		ORDER BY id`, courseIDs)
	if err != nil {
		return nil, fmt.Errorf("roster: group ids: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// GradeItem fetches one gradebook item.
func (r *Repository) GradeItem(ctx context.Context, id int64) (GradeItem, error) {
	var gi GradeItem
	var module, category pgtype.Text
	err := r.pool.QueryRow(ctx, `
		SELECT gi.id, gi.course_id, gi.item_name, gi.item_type, gi.item_module, gc.full_name, gi.grade_max
		FROM grade_items gi
		LEFT JOIN grade_categories gc ON gc.id = gi.category_id
		WHERE gi.id = $1`, id).
		Scan(&gi.ID, &gi.CourseID, &gi.Name, &gi.ItemType, &module, &category, &gi.MaxGrade)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GradeItem{}, ErrNotFound
		}
		return GradeItem{}, fmt.Errorf("roster: grade item: %w", err)
	}
	gi.ItemModule = module.String
	gi.CategoryName = category.String
	return gi, nil
}

// GradeItemsByCourse lists a course's gradebook items.
func (r *Repository) GradeItemsByCourse(ctx context.Context, courseID int64) ([]GradeItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT gi.id, gi.course_id, gi.item_name, gi.item_type, gi.item_module, gc.full_name, gi.grade_max
		FROM grade_items gi
		LEFT JOIN grade_categories gc ON gc.id = gi.category_id
		WHERE gi.course_id = $1
		ORDER BY gi.id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("roster: grade items: %w", err)
	}
	defer rows.Close()

	var items []GradeItem
	for rows.Next() {
		var gi GradeItem
		var module, category pgtype.Text
		if err := rows.Scan(&gi.ID, &gi.CourseID, &gi.Name, &gi.ItemType, &module, &category, &gi.MaxGrade); err != nil {
			return nil, fmt.Errorf("roster: scan grade item: %w", err)
		}
		gi.ItemModule = module.String
		gi.CategoryName = category.String
		items = append(items, gi)
	}
	return items, rows.Err()
}

// RawGrade looks up a student's recorded grade for an item. A missing row or
// a null raw value reports ok=false: there is nothing to sync.
func (r *Repository) RawGrade(ctx context.Context, userID, itemID int64) (GradeRecord, bool, error) {
	var rec GradeRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, item_id, raw_grade
		FROM grade_grades
		WHERE user_id = $1 AND item_id = $2 AND raw_grade IS NOT NULL`, userID, itemID).
		Scan(&rec.ID, &rec.UserID, &rec.ItemID, &rec.RawGrade)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GradeRecord{}, false, nil
		}
		return GradeRecord{}, false, fmt.Errorf("roster: raw grade: %w", err)
	}
	return rec, true, nil
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("roster: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
