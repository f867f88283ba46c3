package mapping

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gradesync/gradesync/internal/extsource"
	"github.com/gradesync/gradesync/internal/platform/httpx"
	"github.com/gradesync/gradesync/internal/roster"
)

// AssessmentCatalog is the external-system surface the mapping page reads.
type AssessmentCatalog interface {
	Settings() extsource.Settings
	CachedAssessments(ctx context.Context, courseKey string) ([]extsource.Assessment, error)
	InvalidateAssessments(ctx context.Context, courseKey string) error
}

// HostDirectory is the host-platform surface the mapping page reads.
type HostDirectory interface {
	Course(ctx context.Context, id int64) (roster.Course, error)
	GradeItemsByCourse(ctx context.Context, courseID int64) ([]roster.GradeItem, error)
	GroupsByCourse(ctx context.Context, courseID int64) ([]roster.Group, error)
}

// Handler exposes the mapping API consumed by the mapping UI.
type Handler struct {
	logger  *slog.Logger
	service *Service
	catalog AssessmentCatalog
	host    HostDirectory
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service, catalog AssessmentCatalog, host HostDirectory) *Handler {
	return &Handler{logger: logger, service: service, catalog: catalog, host: host}
}

// MountRoutes attaches mapping routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/mappings", h.saveMapping)
	r.Get("/courses/{courseID}/mappings", h.listMappings)
	r.Get("/courses/{courseID}/map", h.mapPage)
}

func (h *Handler) saveMapping(w http.ResponseWriter, r *http.Request) {
	var input SaveInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	input.Actor = r.Header.Get("X-Actor")
	if input.Actor == "" {
		input.Actor = "web"
	}

	id, err := h.service.Save(r.Context(), input)
	if err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("save mapping", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (h *Handler) listMappings(w http.ResponseWriter, r *http.Request) {
	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil || courseID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid course id")
		return
	}
	mappings, err := h.service.ListByCourse(r.Context(), courseID, r.URL.Query().Get("scope"))
	if err != nil {
		h.logger.Error("list mappings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if mappings == nil {
		mappings = []Mapping{}
	}
	httpx.JSON(w, http.StatusOK, mappings)
}

// pageAssessment is one external assessment annotated with its current
// mapping target; -1 means unmapped.
type pageAssessment struct {
	extsource.Assessment
	GroupID  int64 `json:"groupId"`
	MappedTo int64 `json:"mappedTo"`
}

type pageGradeItem struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	MarkOutOf int64  `json:"markOutOf"`
}

type pageGroup struct {
	roster.Group
	Assessments []pageAssessment `json:"assessments"`
}

type mapPage struct {
	Course      roster.Course    `json:"course"`
	Classes     []string         `json:"classes"`
	Assessments []pageAssessment `json:"assessments"`
	GradeItems  []pageGradeItem  `json:"gradeItems"`
	Groups      []pageGroup      `json:"groups"`
}

// mapPage assembles everything the mapping page renders: the course's
// external assessments with their course-level targets, the gradebook items
// to map onto, and per-group override views.
func (h *Handler) mapPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil || courseID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid course id")
		return
	}

	settings := h.catalog.Settings()
	if err := settings.Validate(); err != nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable",
			"external sync settings are incomplete: "+err.Error())
		return
	}

	course, err := h.host.Course(ctx, courseID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "course not found")
			return
		}
		h.logger.Error("load course", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	courseKey, err := course.ExternalKey(settings.CourseField)
	if err != nil {
		h.logger.Error("resolve course key", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	// refresh=1 forces a re-read of the external assessment list, for when
	// the operator has just changed it.
	if r.URL.Query().Get("refresh") == "1" {
		if err := h.catalog.InvalidateAssessments(ctx, courseKey); err != nil {
			h.logger.Warn("invalidate assessment cache", slog.Any("error", err))
		}
	}

	assessments, err := h.catalog.CachedAssessments(ctx, courseKey)
	if err != nil {
		h.logger.Error("load external assessments", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable",
			"external assessment source unreachable")
		return
	}

	page := mapPage{Course: course, Classes: distinctClasses(assessments)}

	for _, a := range assessments {
		page.Assessments = append(page.Assessments, pageAssessment{
			Assessment: a,
			GroupID:    GroupCourseLevel,
			MappedTo:   h.mappedTo(ctx, a, courseID, GroupCourseLevel),
		})
	}

	items, err := h.host.GradeItemsByCourse(ctx, courseID)
	if err != nil {
		h.logger.Error("load grade items", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	for _, gi := range items {
		page.GradeItems = append(page.GradeItems, pageGradeItem{
			ID:        gi.ID,
			Name:      gi.DisplayName(),
			MarkOutOf: gi.MarkOutOf(),
		})
	}

	groups, err := h.host.GroupsByCourse(ctx, courseID)
	if err != nil {
		h.logger.Error("load groups", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	for _, group := range groups {
		pg := pageGroup{Group: group}
		for _, a := range assessments {
			pg.Assessments = append(pg.Assessments, pageAssessment{
				Assessment: a,
				GroupID:    group.ID,
				MappedTo:   h.mappedTo(ctx, a, courseID, group.ID),
			})
		}
		page.Groups = append(page.Groups, pg)
	}

	httpx.JSON(w, http.StatusOK, page)
}

// mappedTo resolves the current grade item target for one assessment at one
// scope; GradeItemUnmapped when no mapping exists.
func (h *Handler) mappedTo(ctx context.Context, a extsource.Assessment, courseID, groupID int64) int64 {
	m, err := h.service.Get(ctx, Key{
		ExternalClass:   a.Class,
		ExternalGradeID: a.ID,
		CourseID:        courseID,
		GroupID:         groupID,
	})
	if err != nil {
		return GradeItemUnmapped
	}
	return m.GradeItemID
}

func distinctClasses(assessments []extsource.Assessment) []string {
	seen := make(map[string]bool, len(assessments))
	var classes []string
	for _, a := range assessments {
		if !seen[a.Class] {
			seen[a.Class] = true
			classes = append(classes, a.Class)
		}
	}
	sort.Strings(classes)
	return classes
}
