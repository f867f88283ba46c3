// Package staging owns the table of computed grade rows awaiting consumption
// by the external system.
package staging

// StagedGrade is a computed snapshot of one student's grade for one external
// assessment. At most one row exists per (externalClass, externalGradeId,
// username).
type StagedGrade struct {
	ID                  int64   `json:"id"`
	Username            string  `json:"username"`
	CourseID            int64   `json:"courseId"`
	GroupID             int64   `json:"groupId"`
	MappingID           int64   `json:"mappingId"`
	ExternalClass       string  `json:"externalClass"`
	ExternalGradeID     int64   `json:"externalGradeId"`
	RawGrade            float64 `json:"rawGrade"`
	SourceGradeRecordID int64   `json:"sourceGradeRecordId"`
}

// Key is the natural key a sync pass reconciles on.
type Key struct {
	ExternalClass   string
	ExternalGradeID int64
	Username        string
}

// Key returns the staged grade's natural key.
func (g StagedGrade) Key() Key {
	return Key{
		ExternalClass:   g.ExternalClass,
		ExternalGradeID: g.ExternalGradeID,
		Username:        g.Username,
	}
}
