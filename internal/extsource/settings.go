// Package extsource connects to the external student-records database that
// holds the authoritative assessment definitions and maximum scores.
package extsource

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingSettings indicates the operator has not finished configuring the
// external connection. Both the mapping UI path and the sync path fail fast
// on it.
var ErrMissingSettings = errors.New("extsource: missing settings")

// Settings is the operator-supplied connection block for the external
// database.
type Settings struct {
	Driver           string
	Host             string
	User             string
	Pass             string
	Name             string
	CourseField      string
	AssessmentsQuery string
}

// driverNames maps the configured dbtype to a registered database/sql
// driver, accepting the legacy spellings of each engine.
var driverNames = map[string]string{
	"postgres":  "postgres",
	"pgsql":     "postgres",
	"mysql":     "mysql",
	"mysqli":    "mysql",
	"sqlserver": "sqlserver",
	"sqlsrv":    "sqlserver",
}

var courseFields = map[string]bool{
	"id":        true,
	"idnumber":  true,
	"shortname": true,
}

// Validate checks the settings block is complete and well formed.
func (s Settings) Validate() error {
	var missing []string
	for _, kv := range []struct{ key, val string }{
		{"dbtype", s.Driver},
		{"dbhost", s.Host},
		{"dbuser", s.User},
		{"dbpass", s.Pass},
		{"dbname", s.Name},
		{"coursefield", s.CourseField},
		{"sqlextassessments", s.AssessmentsQuery},
	} {
		if kv.val == "" {
			missing = append(missing, kv.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSettings, strings.Join(missing, ", "))
	}
	if _, ok := driverNames[s.Driver]; !ok {
		return fmt.Errorf("extsource: unsupported dbtype %q", s.Driver)
	}
	if !courseFields[s.CourseField] {
		return fmt.Errorf("extsource: unsupported coursefield %q", s.CourseField)
	}
	return nil
}

// driverName resolves the database/sql driver for the configured dbtype.
func (s Settings) driverName() string {
	return driverNames[s.Driver]
}

// dsn builds the driver-specific connection string.
func (s Settings) dsn() string {
	switch s.driverName() {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s)/%s", s.User, s.Pass, s.Host, s.Name)
	case "sqlserver":
		return fmt.Sprintf("sqlserver://%s:%s@%s?database=%s", s.User, s.Pass, s.Host, s.Name)
	default:
		return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", s.User, s.Pass, s.Host, s.Name)
	}
}
