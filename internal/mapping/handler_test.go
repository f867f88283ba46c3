package mapping

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradesync/gradesync/internal/extsource"
	"github.com/gradesync/gradesync/internal/roster"
)

type mockCatalog struct {
	settings    extsource.Settings
	assessments []extsource.Assessment
	err         error
	invalidated []string
}

func (m *mockCatalog) Settings() extsource.Settings { return m.settings }

func (m *mockCatalog) CachedAssessments(context.Context, string) ([]extsource.Assessment, error) {
	return m.assessments, m.err
}

func (m *mockCatalog) InvalidateAssessments(_ context.Context, courseKey string) error {
	m.invalidated = append(m.invalidated, courseKey)
	return nil
}

type mockHost struct {
	courses map[int64]roster.Course
	items   []roster.GradeItem
	groups  []roster.Group
}

func (m *mockHost) Course(_ context.Context, id int64) (roster.Course, error) {
	c, ok := m.courses[id]
	if !ok {
		return roster.Course{}, roster.ErrNotFound
	}
	return c, nil
}

func (m *mockHost) GradeItemsByCourse(context.Context, int64) ([]roster.GradeItem, error) {
	return m.items, nil
}

func (m *mockHost) GroupsByCourse(context.Context, int64) ([]roster.Group, error) {
	return m.groups, nil
}

func validSettings() extsource.Settings {
	return extsource.Settings{
		Driver:           "postgres",
		Host:             "db.example.com",
		User:             "sync",
		Pass:             "secret",
		Name:             "records",
		CourseField:      "idnumber",
		AssessmentsQuery: "SELECT * FROM assessments WHERE course = ?",
	}
}

func newTestRouter(catalog AssessmentCatalog, host HostDirectory) (chi.Router, *mockStore) {
	store := newMockStore()
	svc := NewService(store, slog.Default())
	handler := NewHandler(slog.Default(), svc, catalog, host)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r, store
}

func TestSaveMappingEndpoint(t *testing.T) {
	r, store := newTestRouter(nil, nil)

	body := `{"externalClass":"MATH101","externalGradeId":5,"courseId":12,"groupId":0,"gradeItemId":10}`
	req := httptest.NewRequest(http.MethodPost, "/mappings", strings.NewReader(body))
	req.Header.Set("X-Actor", "alice")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["id"])
	require.Len(t, store.rows, 1)
	for _, row := range store.rows {
		assert.Equal(t, "alice", row.CreatedBy)
	}
}

func TestSaveMappingEndpointDeleteSentinel(t *testing.T) {
	r, store := newTestRouter(nil, nil)

	save := `{"externalClass":"MATH101","externalGradeId":5,"courseId":12,"groupId":0,"gradeItemId":10}`
	req := httptest.NewRequest(http.MethodPost, "/mappings", strings.NewReader(save))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	unmap := `{"externalClass":"MATH101","externalGradeId":5,"courseId":12,"groupId":0,"gradeItemId":-1}`
	req = httptest.NewRequest(http.MethodPost, "/mappings", strings.NewReader(unmap))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, DeletedMapping, resp["id"])
	assert.Empty(t, store.rows)
}

func TestSaveMappingEndpointValidation(t *testing.T) {
	r, _ := newTestRouter(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/mappings", strings.NewReader(`{"courseId":12}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/mappings", strings.NewReader(`not json`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapPageRefusesWithoutSettings(t *testing.T) {
	r, _ := newTestRouter(&mockCatalog{}, &mockHost{})

	req := httptest.NewRequest(http.MethodGet, "/courses/12/map", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMapPageUnknownCourse(t *testing.T) {
	catalog := &mockCatalog{settings: validSettings()}
	r, _ := newTestRouter(catalog, &mockHost{courses: map[int64]roster.Course{}})

	req := httptest.NewRequest(http.MethodGet, "/courses/12/map", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMapPagePayload(t *testing.T) {
	catalog := &mockCatalog{
		settings: validSettings(),
		assessments: []extsource.Assessment{
			{Seq: 1, Class: "MATH101", ID: 5, Description: "Algebra exam", MarkOutOf: 100},
			{Seq: 2, Class: "SCI200", ID: 9, Description: "Lab report", MarkOutOf: 50},
		},
	}
	host := &mockHost{
		courses: map[int64]roster.Course{
			12: {ID: 12, FullName: "Mathematics", ShortName: "MATH", IDNumber: "M-12", Visible: true},
		},
		items: []roster.GradeItem{
			{ID: 10, CourseID: 12, Name: "Exam 1", ItemType: "mod", ItemModule: "quiz", MaxGrade: 100},
			{ID: 11, CourseID: 12, ItemType: "course", MaxGrade: 100},
		},
		groups: []roster.Group{{ID: 7, CourseID: 12, Name: "Blue"}},
	}
	r, store := newTestRouter(catalog, host)

	// One course-level mapping and one group override exist already.
	svc := NewService(store, slog.Default())
	_, err := svc.Save(context.Background(), SaveInput{
		ExternalClass: "MATH101", ExternalGradeID: 5, CourseID: 12, GroupID: 0, GradeItemID: 10, Actor: "a",
	})
	require.NoError(t, err)
	_, err = svc.Save(context.Background(), SaveInput{
		ExternalClass: "MATH101", ExternalGradeID: 5, CourseID: 12, GroupID: 7, GradeItemID: 11, Actor: "a",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/courses/12/map", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Classes     []string `json:"classes"`
		Assessments []struct {
			Class    string `json:"class"`
			ID       int64  `json:"id"`
			MappedTo int64  `json:"mappedTo"`
		} `json:"assessments"`
		GradeItems []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"gradeItems"`
		Groups []struct {
			ID          int64 `json:"id"`
			Assessments []struct {
				Class    string `json:"class"`
				ID       int64  `json:"id"`
				MappedTo int64  `json:"mappedTo"`
			} `json:"assessments"`
		} `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))

	assert.Equal(t, []string{"MATH101", "SCI200"}, page.Classes)

	require.Len(t, page.Assessments, 2)
	assert.EqualValues(t, 10, page.Assessments[0].MappedTo)
	assert.EqualValues(t, GradeItemUnmapped, page.Assessments[1].MappedTo)

	require.Len(t, page.GradeItems, 2)
	assert.Equal(t, "Exam 1 (quiz)", page.GradeItems[0].Name)
	assert.Equal(t, "Course final grade", page.GradeItems[1].Name)

	require.Len(t, page.Groups, 1)
	require.Len(t, page.Groups[0].Assessments, 2)
	assert.EqualValues(t, 11, page.Groups[0].Assessments[0].MappedTo)
	assert.EqualValues(t, GradeItemUnmapped, page.Groups[0].Assessments[1].MappedTo)
}

func TestMapPageRefreshInvalidatesCache(t *testing.T) {
	catalog := &mockCatalog{settings: validSettings()}
	host := &mockHost{
		courses: map[int64]roster.Course{
			12: {ID: 12, IDNumber: "M-12", Visible: true},
		},
	}
	r, _ := newTestRouter(catalog, host)

	req := httptest.NewRequest(http.MethodGet, "/courses/12/map?refresh=1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"M-12"}, catalog.invalidated)

	req = httptest.NewRequest(http.MethodGet, "/courses/12/map", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, catalog.invalidated, 1)
}

func TestListMappingsEndpoint(t *testing.T) {
	r, store := newTestRouter(nil, nil)
	svc := NewService(store, slog.Default())
	_, err := svc.Save(context.Background(), SaveInput{
		ExternalClass: "MATH101", ExternalGradeID: 5, CourseID: 12, GroupID: 0, GradeItemID: 10, Actor: "a",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/courses/12/mappings?scope=course", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var mappings []Mapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mappings))
	require.Len(t, mappings, 1)
	assert.Equal(t, "MATH101", mappings[0].ExternalClass)

	req = httptest.NewRequest(http.MethodGet, "/courses/99/mappings", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/courses/12/mappings?scope=bogus", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
