package extsource

import (
	"context"
	"log/slog"
)

// Service hands out external-database connections and serves the cached
// assessment lists the mapping page renders from.
type Service struct {
	settings Settings
	cache    *Cache
	logger   *slog.Logger
}

// NewService builds the service. The cache may be nil, in which case every
// read goes to the external database.
func NewService(settings Settings, cache *Cache, logger *slog.Logger) *Service {
	return &Service{settings: settings, cache: cache, logger: logger}
}

// Settings exposes the configured settings block.
func (s *Service) Settings() Settings {
	return s.settings
}

// CourseField reports which course attribute keys the external system.
func (s *Service) CourseField() string {
	return s.settings.CourseField
}

// Connect opens a fresh connection for one sync invocation. The caller must
// Close it on every exit path.
func (s *Service) Connect(ctx context.Context) (*Adapter, error) {
	return Open(ctx, s.settings, s.logger)
}

// InvalidateAssessments drops the cached assessment list for a course key so
// the next read goes to the external database.
func (s *Service) InvalidateAssessments(ctx context.Context, courseKey string) error {
	return s.cache.Invalidate(ctx, courseKey)
}

// CachedAssessments returns the assessment list for a course key, serving
// from Redis when possible. Each cache miss opens and closes a short-lived
// connection.
func (s *Service) CachedAssessments(ctx context.Context, courseKey string) ([]Assessment, error) {
	loader := func(ctx context.Context) ([]Assessment, error) {
		adapter, err := s.Connect(ctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := adapter.Close(); err != nil {
				s.logger.Warn("close external connection", slog.Any("error", err))
			}
		}()
		return adapter.AssessmentsForCourse(ctx, courseKey)
	}
	if s.cache == nil {
		return loader(ctx)
	}
	return s.cache.Fetch(ctx, courseKey, loader)
}
