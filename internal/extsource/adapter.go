package extsource

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// Assessment is one external assessment descriptor as returned by the
// operator's query.
type Assessment struct {
	Seq          int64   `db:"seq" json:"seq"`
	Class        string  `db:"class" json:"class"`
	ID           int64   `db:"id" json:"id"`
	Description  string  `db:"description" json:"description"`
	Description2 string  `db:"description2" json:"description2"`
	Description3 string  `db:"description3" json:"description3"`
	MarkOutOf    float64 `db:"markoutof" json:"markOutOf"`
}

// Adapter is one live connection to the external database. Callers own the
// lifecycle: open one per sync invocation and close it on every exit path.
type Adapter struct {
	db     *sqlx.DB
	query  string
	logger *slog.Logger
}

// Open validates the settings and connects to the external database.
func Open(ctx context.Context, settings Settings, logger *slog.Logger) (*Adapter, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, settings.driverName(), settings.dsn())
	if err != nil {
		return nil, fmt.Errorf("extsource: connect: %w", err)
	}
	// The operator writes the query with ? placeholders; rebind converts
	// them to whatever the driver expects.
	return &Adapter{db: db, query: db.Rebind(settings.AssessmentsQuery), logger: logger}, nil
}

// Close releases the connection.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// AssessmentsForCourse runs the operator's query for one course key and
// returns its assessment descriptors.
func (a *Adapter) AssessmentsForCourse(ctx context.Context, courseKey string) ([]Assessment, error) {
	var assessments []Assessment
	if err := a.db.SelectContext(ctx, &assessments, a.query, courseKey); err != nil {
		return nil, fmt.Errorf("extsource: query assessments for %q: %w", courseKey, err)
	}
	a.logger.Debug("fetched external assessments",
		slog.String("course_key", courseKey),
		slog.Int("count", len(assessments)))
	return assessments, nil
}
