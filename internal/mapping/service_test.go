package mapping

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	rows   map[Key]Mapping
	nextID int64

	deleteCourseCalls [][]int64
	deleteGroupCalls  [][]int64
}

func newMockStore() *mockStore {
	return &mockStore{rows: make(map[Key]Mapping), nextID: 1}
}

func (m *mockStore) Upsert(_ context.Context, input SaveInput, now time.Time) (int64, error) {
	key := Key{
		ExternalClass:   input.ExternalClass,
		ExternalGradeID: input.ExternalGradeID,
		CourseID:        input.CourseID,
		GroupID:         input.GroupID,
	}
	if input.GradeItemID == GradeItemUnmapped {
		delete(m.rows, key)
		return DeletedMapping, nil
	}
	if existing, ok := m.rows[key]; ok {
		existing.GradeItemID = input.GradeItemID
		existing.ModifiedBy = input.Actor
		existing.ModifiedAt = now
		m.rows[key] = existing
		return existing.ID, nil
	}
	row := Mapping{
		ID:              m.nextID,
		ExternalClass:   input.ExternalClass,
		ExternalGradeID: input.ExternalGradeID,
		CourseID:        input.CourseID,
		GroupID:         input.GroupID,
		GradeItemID:     input.GradeItemID,
		CreatedBy:       input.Actor,
		ModifiedBy:      input.Actor,
		CreatedAt:       now,
		ModifiedAt:      now,
	}
	m.nextID++
	m.rows[key] = row
	return row.ID, nil
}

func (m *mockStore) Get(_ context.Context, key Key) (Mapping, error) {
	row, ok := m.rows[key]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return row, nil
}

func (m *mockStore) ListByCourse(_ context.Context, courseID int64) ([]Mapping, error) {
	var out []Mapping
	for _, row := range m.rows {
		if row.CourseID == courseID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockStore) ListCourseLevel(ctx context.Context, courseID int64) ([]Mapping, error) {
	all, _ := m.ListByCourse(ctx, courseID)
	var out []Mapping
	for _, row := range all {
		if row.CourseLevel() {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockStore) ListGroupLevel(ctx context.Context, courseID int64) ([]Mapping, error) {
	all, _ := m.ListByCourse(ctx, courseID)
	var out []Mapping
	for _, row := range all {
		if !row.CourseLevel() {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockStore) DistinctCourseIDs(context.Context) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, row := range m.rows {
		if !seen[row.CourseID] {
			seen[row.CourseID] = true
			ids = append(ids, row.CourseID)
		}
	}
	return ids, nil
}

func (m *mockStore) DeleteWhereCourseNotIn(_ context.Context, active []int64) (int64, error) {
	m.deleteCourseCalls = append(m.deleteCourseCalls, active)
	activeSet := make(map[int64]bool)
	for _, id := range active {
		activeSet[id] = true
	}
	var deleted int64
	for key, row := range m.rows {
		if !activeSet[row.CourseID] {
			delete(m.rows, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *mockStore) DeleteWhereGroupNotIn(_ context.Context, active []int64) (int64, error) {
	m.deleteGroupCalls = append(m.deleteGroupCalls, active)
	activeSet := make(map[int64]bool)
	for _, id := range active {
		activeSet[id] = true
	}
	var deleted int64
	for key, row := range m.rows {
		if row.GroupID != GroupCourseLevel && !activeSet[row.GroupID] {
			delete(m.rows, key)
			deleted++
		}
	}
	return deleted, nil
}

func newTestService(store Store) *Service {
	return NewService(store, slog.Default())
}

func TestSaveIsIdempotentByNaturalKey(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return base })

	input := SaveInput{
		ExternalClass:   "MATH101",
		ExternalGradeID: 5,
		CourseID:        12,
		GroupID:         GroupCourseLevel,
		GradeItemID:     10,
		Actor:           "alice",
	}

	id1, err := svc.Save(context.Background(), input)
	require.NoError(t, err)

	svc.WithClock(func() time.Time { return base.Add(time.Hour) })
	input.Actor = "bob"
	id2, err := svc.Save(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	require.Len(t, store.rows, 1)

	row, err := svc.Get(context.Background(), Key{
		ExternalClass: "MATH101", ExternalGradeID: 5, CourseID: 12, GroupID: GroupCourseLevel,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", row.CreatedBy)
	assert.Equal(t, base, row.CreatedAt)
	assert.Equal(t, "bob", row.ModifiedBy)
	assert.Equal(t, base.Add(time.Hour), row.ModifiedAt)
}

func TestSaveWithSentinelDeletes(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store)

	input := SaveInput{
		ExternalClass:   "MATH101",
		ExternalGradeID: 5,
		CourseID:        12,
		GradeItemID:     10,
		Actor:           "alice",
	}
	_, err := svc.Save(context.Background(), input)
	require.NoError(t, err)

	input.GradeItemID = GradeItemUnmapped
	id, err := svc.Save(context.Background(), input)
	require.NoError(t, err)
	assert.EqualValues(t, DeletedMapping, id)
	assert.Empty(t, store.rows)

	// Deleting a mapping that never existed is a no-op, not an error.
	id, err = svc.Save(context.Background(), input)
	require.NoError(t, err)
	assert.EqualValues(t, DeletedMapping, id)
}

func TestSaveRejectsInvalidInput(t *testing.T) {
	svc := newTestService(newMockStore())

	_, err := svc.Save(context.Background(), SaveInput{
		ExternalGradeID: 5, CourseID: 12, GradeItemID: 10, Actor: "alice",
	})
	assert.Error(t, err, "missing external class")

	_, err = svc.Save(context.Background(), SaveInput{
		ExternalClass: "MATH101", ExternalGradeID: 5, GradeItemID: 10, Actor: "alice",
	})
	assert.Error(t, err, "missing course id")
}

func TestListByCourseScopes(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store)

	for _, input := range []SaveInput{
		{ExternalClass: "MATH101", ExternalGradeID: 5, CourseID: 12, GroupID: 0, GradeItemID: 10, Actor: "a"},
		{ExternalClass: "MATH101", ExternalGradeID: 5, CourseID: 12, GroupID: 7, GradeItemID: 11, Actor: "a"},
		{ExternalClass: "SCI200", ExternalGradeID: 9, CourseID: 99, GroupID: 0, GradeItemID: 12, Actor: "a"},
	} {
		_, err := svc.Save(context.Background(), input)
		require.NoError(t, err)
	}

	all, err := svc.ListByCourse(context.Background(), 12, "all")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	course, err := svc.ListByCourse(context.Background(), 12, "course")
	require.NoError(t, err)
	require.Len(t, course, 1)
	assert.EqualValues(t, 0, course[0].GroupID)

	group, err := svc.ListByCourse(context.Background(), 12, "group")
	require.NoError(t, err)
	require.Len(t, group, 1)
	assert.EqualValues(t, 7, group[0].GroupID)

	_, err = svc.ListByCourse(context.Background(), 12, "bogus")
	assert.Error(t, err)
}

func TestCleanupStaleSkipsEmptySets(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store)

	_, err := svc.Save(context.Background(), SaveInput{
		ExternalClass: "MATH101", ExternalGradeID: 5, CourseID: 12, GroupID: 7, GradeItemID: 10, Actor: "a",
	})
	require.NoError(t, err)

	stats, err := svc.CleanupStale(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.StaleCourses)
	assert.Zero(t, stats.StaleGroups)
	assert.Empty(t, store.deleteCourseCalls, "empty active set must not reach the store")
	assert.Empty(t, store.deleteGroupCalls)
	assert.Len(t, store.rows, 1)
}

func TestCleanupStaleRetiresMappings(t *testing.T) {
	store := newMockStore()
	svc := newTestService(store)

	for _, input := range []SaveInput{
		{ExternalClass: "MATH101", ExternalGradeID: 5, CourseID: 12, GroupID: 0, GradeItemID: 10, Actor: "a"},
		{ExternalClass: "MATH101", ExternalGradeID: 6, CourseID: 13, GroupID: 0, GradeItemID: 11, Actor: "a"},
		{ExternalClass: "MATH101", ExternalGradeID: 5, CourseID: 12, GroupID: 7, GradeItemID: 12, Actor: "a"},
	} {
		_, err := svc.Save(context.Background(), input)
		require.NoError(t, err)
	}

	// Course 13 and group 7 are gone; course 12 with group 4 remain.
	stats, err := svc.CleanupStale(context.Background(), []int64{12}, []int64{4})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.StaleCourses)
	assert.EqualValues(t, 1, stats.StaleGroups)
	require.Len(t, store.rows, 1)
	for _, row := range store.rows {
		assert.EqualValues(t, 12, row.CourseID)
		assert.True(t, row.CourseLevel())
	}
}
