// Package roster is the read-only view over the host platform's directory:
// courses, enrolments, groups and the gradebook. gradesync never writes to
// these tables.
package roster

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound indicates the requested directory record does not exist.
var ErrNotFound = errors.New("roster: not found")

// Course is a host-platform course.
type Course struct {
	ID        int64  `json:"id"`
	FullName  string `json:"fullName"`
	ShortName string `json:"shortName"`
	IDNumber  string `json:"idNumber"`
	Visible   bool   `json:"visible"`
	// EndAt is zero when the course has no end date.
	EndAt time.Time `json:"endAt"`
}

// Active reports whether the course should take part in a sync pass: it must
// be visible and not past its end date.
func (c Course) Active(now time.Time) bool {
	return c.Visible && (c.EndAt.IsZero() || c.EndAt.After(now))
}

// ExternalKey resolves the course attribute the external system keys courses
// by. Field is one of id, idnumber or shortname.
func (c Course) ExternalKey(field string) (string, error) {
	switch field {
	case "id":
		return strconv.FormatInt(c.ID, 10), nil
	case "idnumber":
		return c.IDNumber, nil
	case "shortname":
		return c.ShortName, nil
	default:
		return "", fmt.Errorf("roster: unknown course field %q", field)
	}
}

// Group is a host-platform course group.
type Group struct {
	ID       int64  `json:"id"`
	CourseID int64  `json:"courseId"`
	Name     string `json:"name"`
}

// GradeItem is one gradable item in a course's gradebook.
type GradeItem struct {
	ID           int64
	CourseID     int64
	Name         string
	ItemType     string
	ItemModule   string
	CategoryName string
	MaxGrade     float64
}

// DisplayName renders the item the way the mapping page labels it.
func (gi GradeItem) DisplayName() string {
	switch gi.ItemType {
	case "course":
		return "Course final grade"
	case "category":
		return gi.CategoryName + " (grade category)"
	default:
		if gi.ItemModule == "" {
			return gi.Name
		}
		return gi.Name + " (" + gi.ItemModule + ")"
	}
}

// MarkOutOf is the item maximum truncated to a whole mark, the unit the
// external system compares against.
func (gi GradeItem) MarkOutOf() int64 {
	return int64(gi.MaxGrade)
}

// GradeRecord is one student's recorded raw grade for a grade item.
type GradeRecord struct {
	ID       int64
	UserID   int64
	ItemID   int64
	RawGrade float64
}
