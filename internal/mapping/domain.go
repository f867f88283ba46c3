// Package mapping owns the associations between external assessments and
// internal grade items.
package mapping

import (
	"errors"
	"time"
)

const (
	// GroupCourseLevel is the group id of a mapping that applies to the
	// whole course rather than a single group.
	GroupCourseLevel = 0

	// GradeItemUnmapped is the sentinel grade item id a caller sends to
	// remove a mapping.
	GradeItemUnmapped = -1

	// DeletedMapping is returned by Save when the sentinel removed the row.
	DeletedMapping = -1
)

// ErrNotFound indicates no mapping exists for the given key.
var ErrNotFound = errors.New("mapping: not found")

// Mapping associates one external assessment with one internal grade item,
// optionally scoped to a group that overrides the course-wide mapping.
type Mapping struct {
	ID              int64     `json:"id"`
	ExternalClass   string    `json:"externalClass"`
	ExternalGradeID int64     `json:"externalGradeId"`
	CourseID        int64     `json:"courseId"`
	GroupID         int64     `json:"groupId"`
	GradeItemID     int64     `json:"gradeItemId"`
	CreatedBy       string    `json:"createdBy"`
	ModifiedBy      string    `json:"modifiedBy"`
	CreatedAt       time.Time `json:"createdAt"`
	ModifiedAt      time.Time `json:"modifiedAt"`
}

// CourseLevel reports whether the mapping applies course-wide.
func (m Mapping) CourseLevel() bool {
	return m.GroupID == GroupCourseLevel
}

// Key is the natural key of a mapping. At most one row exists per key.
type Key struct {
	ExternalClass   string
	ExternalGradeID int64
	CourseID        int64
	GroupID         int64
}

// Key returns the mapping's natural key.
func (m Mapping) Key() Key {
	return Key{
		ExternalClass:   m.ExternalClass,
		ExternalGradeID: m.ExternalGradeID,
		CourseID:        m.CourseID,
		GroupID:         m.GroupID,
	}
}

// SaveInput carries one mapping save requested by the mapping UI. A
// GradeItemID of GradeItemUnmapped deletes the row for the natural key.
type SaveInput struct {
	ExternalClass   string `json:"externalClass" validate:"required"`
	ExternalGradeID int64  `json:"externalGradeId" validate:"required"`
	CourseID        int64  `json:"courseId" validate:"required,gt=0"`
	GroupID         int64  `json:"groupId" validate:"gte=0"`
	GradeItemID     int64  `json:"gradeItemId" validate:"required"`
	Actor           string `json:"-"`
}

// CleanupStats summarises one mapping garbage-collection pass.
type CleanupStats struct {
	StaleCourses int64
	StaleGroups  int64
}
