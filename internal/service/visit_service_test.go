package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	"github.com/noah-isme/sims-infirmary-api/internal/repository"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
)

type visitStoreStub struct {
	visits    map[string]*models.Visit
	since     time.Time
	filter    models.VisitFilter
	stampedAt time.Time
	shared    []string
	// administered counts recorded doses per visit; Delete refuses visits listed here.
	administered map[string]int
	// concurrent, when set, replaces the stored disposition right before a guarded update.
	concurrent *models.Disposition
}

func newVisitStoreStub(visits ...models.Visit) *visitStoreStub {
	s := &visitStoreStub{visits: map[string]*models.Visit{}, stampedAt: time.Date(2024, 3, 10, 16, 0, 0, 0, time.UTC)}
	for i := range visits {
		v := visits[i]
		s.visits[v.ID] = &v
	}
	return s
}

func (s *visitStoreStub) Create(ctx context.Context, exec sqlx.ExtContext, visit *models.Visit) error {
	if visit.ID == "" {
		visit.ID = "visit-new"
	}
	stored := *visit
	s.visits[visit.ID] = &stored
	return nil
}

func (s *visitStoreStub) FindByID(ctx context.Context, id string) (*models.Visit, error) {
	v, ok := s.visits[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	stored := *v
	return &stored, nil
}

func (s *visitStoreStub) FindForShare(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Visit, error) {
	if exec == nil {
		return nil, errors.New("share lock requires a transaction")
	}
	s.shared = append(s.shared, id)
	return s.FindByID(ctx, id)
}

func (s *visitStoreStub) Update(ctx context.Context, exec sqlx.ExtContext, visit *models.Visit, prev *models.Disposition) error {
	current, ok := s.visits[visit.ID]
	if !ok {
		return repository.ErrStaleVisit
	}
	if s.concurrent != nil {
		current.Disposition = s.concurrent
	}
	if current.CurrentDisposition() != dispositionValue(prev) || (current.Disposition == nil) != (prev == nil) {
		return repository.ErrStaleVisit
	}
	stored := *visit
	stored.Emergency = current.Emergency || visit.Emergency
	stored.DispositionTime = current.DispositionTime
	if stored.DispositionTime == nil && stored.Disposition != nil {
		at := s.stampedAt
		stored.DispositionTime = &at
	}
	s.visits[visit.ID] = &stored
	visit.Emergency = stored.Emergency
	visit.DispositionTime = stored.DispositionTime
	return nil
}

func (s *visitStoreStub) Delete(ctx context.Context, exec sqlx.ExtContext, id string) error {
	if _, ok := s.visits[id]; !ok {
		return sql.ErrNoRows
	}
	if s.administered[id] > 0 {
		return repository.ErrVisitHasAdministrations
	}
	delete(s.visits, id)
	return nil
}

func (s *visitStoreStub) List(ctx context.Context, filter models.VisitFilter) ([]models.Visit, int, error) {
	s.filter = filter
	var out []models.Visit
	for _, v := range s.visits {
		out = append(out, *v)
	}
	return out, len(out), nil
}

func (s *visitStoreStub) ListSince(ctx context.Context, since time.Time) ([]models.Visit, error) {
	s.since = since
	return nil, nil
}

func (s *visitStoreStub) CountByStudent(ctx context.Context, studentID string) (int, error) {
	count := 0
	for _, v := range s.visits {
		if v.StudentID == studentID {
			count++
		}
	}
	return count, nil
}

func dispositionValue(d *models.Disposition) models.Disposition {
	if d == nil {
		return ""
	}
	return *d
}

type studentReaderStub map[string]models.Student

func (s studentReaderStub) FindByID(ctx context.Context, id string) (*models.Student, error) {
	student, ok := s[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &student, nil
}

type staffDirectoryStub []models.Staff

func (s staffDirectoryStub) FindByID(ctx context.Context, id string) (*models.Staff, error) {
	for i := range s {
		if s[i].ID == id {
			member := s[i]
			return &member, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s staffDirectoryStub) ListActiveByRoles(ctx context.Context, roles ...models.UserRole) ([]models.Staff, error) {
	var out []models.Staff
	for _, member := range s {
		if member.Status != models.StaffStatusActive {
			continue
		}
		for _, role := range roles {
			if member.Role == role {
				out = append(out, member)
				break
			}
		}
	}
	return out, nil
}

var (
	testStudents = studentReaderStub{"student-7": {ID: "student-7", FirstName: "Ayu", LastName: "Lestari", GradeLevel: "10"}}
	testStaff    = staffDirectoryStub{
		{ID: "nurse-1", FullName: "Nurse One", Role: models.RoleNurse, Status: models.StaffStatusActive},
		{ID: "nurse-2", FullName: "Nurse Two", Role: models.RoleNurse, Status: models.StaffStatusActive},
		{ID: "admin-1", FullName: "Admin One", Role: models.RoleAdmin, Status: models.StaffStatusActive},
		{ID: "teacher-1", FullName: "Teacher One", Role: models.RoleTeacher, Status: models.StaffStatusActive},
		{ID: "nurse-9", FullName: "Former Nurse", Role: models.RoleNurse, Status: models.StaffStatusInactive},
	}
)

func openVisit() models.Visit {
	return models.Visit{
		ID:        "visit-7",
		StudentID: "student-7",
		StaffID:   "nurse-1",
		VisitTime: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
		Reason:    "headache",
	}
}

func newVisitServiceForTest(t *testing.T, store *visitStoreStub, alerts *alertsStub) (*VisitService, func() error) {
	t.Helper()
	tx, mock := newTxProviderMock(t)
	svc := NewVisitService(store, testStudents, testStaff, alerts, tx, nil, nil, VisitConfig{RecentDays: 7})
	svc.now = func() time.Time { return time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC) }
	return svc, func() error {
		return mock.ExpectationsWereMet()
	}
}

func TestVisitServiceCreateEmergencyAlertsOnce(t *testing.T) {
	store := newVisitStoreStub()
	alerts := &alertsStub{recipients: []string{"nurse-1", "nurse-2", "admin-1"}}
	tx, mock := newTxProviderMock(t)
	svc := NewVisitService(store, testStudents, testStaff, alerts, tx, nil, nil, VisitConfig{})
	mock.ExpectBegin()
	mock.ExpectCommit()

	visit, err := svc.Create(context.Background(), dto.CreateVisitRequest{
		StudentID: "student-7",
		StaffID:   "nurse-1",
		Reason:    "fainted during PE",
		Emergency: true,
	}, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, models.VisitStateOpen, visit.State())
	assert.Nil(t, visit.DispositionTime)
	assert.False(t, visit.VisitTime.IsZero())

	require.Len(t, alerts.staged, 1)
	assert.Equal(t, models.NotificationEmergencyVisit, alerts.staged[0].Type)
	require.Len(t, alerts.delivered, 1)
	require.Len(t, alerts.delivered[0], 3)
	for _, n := range alerts.delivered[0] {
		assert.Equal(t, models.NotificationUnread, n.Status)
		assert.Equal(t, models.RelatedEntityVisit, *n.RelatedEntityType)
		assert.Equal(t, visit.ID, *n.RelatedEntityID)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVisitServiceCreate(t *testing.T) {
	t.Run("routine visit raises no alert", func(t *testing.T) {
		alerts := &alertsStub{recipients: []string{"nurse-1"}}
		store := newVisitStoreStub()
		svc, done := newVisitServiceForTest(t, store, alerts)
		svc.tx.(*txProviderMock).mock.ExpectBegin()
		svc.tx.(*txProviderMock).mock.ExpectCommit()

		visitTime := time.Date(2024, 3, 10, 8, 15, 0, 0, time.UTC)
		_, err := svc.Create(context.Background(), dto.CreateVisitRequest{
			StudentID: "student-7",
			StaffID:   "admin-1",
			Reason:    " stomach ache ",
			VisitTime: &visitTime,
		}, adminActor())
		require.NoError(t, err)
		stored := store.visits["visit-new"]
		assert.Equal(t, "stomach ache", stored.Reason)
		assert.Equal(t, visitTime, stored.VisitTime)
		assert.Empty(t, alerts.staged)
		require.NoError(t, done())
	})

	t.Run("disposition at creation stamps time", func(t *testing.T) {
		store := newVisitStoreStub()
		svc, _ := newVisitServiceForTest(t, store, &alertsStub{})
		svc.tx.(*txProviderMock).mock.ExpectBegin()
		svc.tx.(*txProviderMock).mock.ExpectCommit()

		disposition := models.DispositionReturnedToClass
		visit, err := svc.Create(context.Background(), dto.CreateVisitRequest{
			StudentID:   "student-7",
			StaffID:     "nurse-1",
			Reason:      "scraped knee",
			Disposition: &disposition,
		}, nurseActor())
		require.NoError(t, err)
		require.NotNil(t, visit.DispositionTime)
		assert.Equal(t, time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC), *visit.DispositionTime)
		assert.Equal(t, models.VisitStateDisposed, visit.State())
	})

	invalid := models.Disposition("GONE_FISHING")
	cases := []struct {
		name  string
		req   dto.CreateVisitRequest
		actor *models.JWTClaims
		code  string
	}{
		{"teacher caller", dto.CreateVisitRequest{StudentID: "student-7", StaffID: "nurse-1", Reason: "cough"}, teacherActor(), appErrors.ErrForbidden.Code},
		{"anonymous caller", dto.CreateVisitRequest{StudentID: "student-7", StaffID: "nurse-1", Reason: "cough"}, nil, appErrors.ErrUnauthorized.Code},
		{"blank reason", dto.CreateVisitRequest{StudentID: "student-7", StaffID: "nurse-1", Reason: "   "}, nurseActor(), appErrors.ErrValidation.Code},
		{"unknown disposition", dto.CreateVisitRequest{StudentID: "student-7", StaffID: "nurse-1", Reason: "cough", Disposition: &invalid}, nurseActor(), appErrors.ErrValidation.Code},
		{"missing student", dto.CreateVisitRequest{StudentID: "student-404", StaffID: "nurse-1", Reason: "cough"}, nurseActor(), appErrors.ErrNotFound.Code},
		{"missing staff", dto.CreateVisitRequest{StudentID: "student-7", StaffID: "staff-404", Reason: "cough"}, nurseActor(), appErrors.ErrNotFound.Code},
		{"teacher attending", dto.CreateVisitRequest{StudentID: "student-7", StaffID: "teacher-1", Reason: "cough"}, nurseActor(), appErrors.ErrValidation.Code},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newVisitStoreStub()
			svc, done := newVisitServiceForTest(t, store, &alertsStub{})
			_, err := svc.Create(context.Background(), tc.req, tc.actor)
			require.Error(t, err)
			assert.Equal(t, tc.code, appErrors.FromError(err).Code)
			assert.Empty(t, store.visits)
			require.NoError(t, done())
		})
	}
}

func TestVisitServiceDispositionTimeSetOnce(t *testing.T) {
	store := newVisitStoreStub(openVisit())
	alerts := &alertsStub{recipients: []string{"admin-1"}}
	svc, done := newVisitServiceForTest(t, store, alerts)
	mock := svc.tx.(*txProviderMock).mock
	mock.ExpectBegin()
	mock.ExpectCommit()

	visit, err := svc.SetDisposition(context.Background(), "visit-7", dto.SetDispositionRequest{Disposition: models.DispositionSentHome}, nurseActor())
	require.NoError(t, err)
	require.NotNil(t, visit.DispositionTime)
	stamped := *visit.DispositionTime
	require.Len(t, alerts.staged, 1)
	assert.Equal(t, models.NotificationDispositionChange, alerts.staged[0].Type)
	require.Len(t, alerts.delivered, 1)
	assert.Len(t, alerts.delivered[0], 2)

	visit, err = svc.SetDisposition(context.Background(), "visit-7", dto.SetDispositionRequest{Disposition: models.DispositionSentHome}, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, stamped, *visit.DispositionTime)
	assert.Len(t, alerts.staged, 1)

	store.stampedAt = stamped.Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectCommit()
	visit, err = svc.SetDisposition(context.Background(), "visit-7", dto.SetDispositionRequest{Disposition: models.DispositionReferredToHospital}, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, models.DispositionReferredToHospital, visit.CurrentDisposition())
	assert.Equal(t, stamped, *visit.DispositionTime)
	assert.Equal(t, 2, alerts.countStaged(models.NotificationDispositionChange))
	require.NoError(t, done())
}

func TestVisitServiceUpdate(t *testing.T) {
	t.Run("raising emergency alerts without disposition change", func(t *testing.T) {
		store := newVisitStoreStub(openVisit())
		alerts := &alertsStub{recipients: []string{"nurse-1", "admin-1"}}
		svc, done := newVisitServiceForTest(t, store, alerts)
		svc.tx.(*txProviderMock).mock.ExpectBegin()
		svc.tx.(*txProviderMock).mock.ExpectCommit()

		raised := true
		visit, err := svc.Update(context.Background(), "visit-7", dto.UpdateVisitRequest{
			StudentID: "student-7",
			StaffID:   "nurse-1",
			Reason:    "headache with fever",
			Emergency: &raised,
		}, nurseActor())
		require.NoError(t, err)
		assert.True(t, visit.Emergency)
		assert.Nil(t, visit.Disposition)
		assert.Equal(t, 1, alerts.countStaged(models.NotificationEmergencyVisit))
		assert.Equal(t, 0, alerts.countStaged(models.NotificationDispositionChange))
		require.NoError(t, done())
	})

	t.Run("emergency is never cleared", func(t *testing.T) {
		existing := openVisit()
		existing.Emergency = true
		store := newVisitStoreStub(existing)
		alerts := &alertsStub{}
		svc, _ := newVisitServiceForTest(t, store, alerts)
		svc.tx.(*txProviderMock).mock.ExpectBegin()
		svc.tx.(*txProviderMock).mock.ExpectCommit()

		cleared := false
		visit, err := svc.Update(context.Background(), "visit-7", dto.UpdateVisitRequest{
			StudentID: "student-7",
			StaffID:   "nurse-1",
			Reason:    "headache",
			Emergency: &cleared,
		}, nurseActor())
		require.NoError(t, err)
		assert.True(t, visit.Emergency)
		assert.Empty(t, alerts.staged)
	})

	t.Run("unchanged attending staff is not rechecked", func(t *testing.T) {
		existing := openVisit()
		existing.StaffID = "nurse-retired"
		store := newVisitStoreStub(existing)
		svc, _ := newVisitServiceForTest(t, store, &alertsStub{})
		svc.tx.(*txProviderMock).mock.ExpectBegin()
		svc.tx.(*txProviderMock).mock.ExpectCommit()

		_, err := svc.Update(context.Background(), "visit-7", dto.UpdateVisitRequest{
			StudentID: "student-7",
			StaffID:   "nurse-retired",
			Reason:    "headache",
		}, nurseActor())
		require.NoError(t, err)
	})

	t.Run("nil disposition keeps the current one", func(t *testing.T) {
		existing := openVisit()
		home := models.DispositionSentHome
		stamped := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
		existing.Disposition = &home
		existing.DispositionTime = &stamped
		store := newVisitStoreStub(existing)
		alerts := &alertsStub{}
		svc, _ := newVisitServiceForTest(t, store, alerts)
		svc.tx.(*txProviderMock).mock.ExpectBegin()
		svc.tx.(*txProviderMock).mock.ExpectCommit()

		visit, err := svc.Update(context.Background(), "visit-7", dto.UpdateVisitRequest{
			StudentID: "student-7",
			StaffID:   "nurse-1",
			Reason:    "headache",
		}, nurseActor())
		require.NoError(t, err)
		assert.Equal(t, models.DispositionSentHome, visit.CurrentDisposition())
		assert.Equal(t, stamped, *visit.DispositionTime)
		assert.Empty(t, alerts.staged)
	})

	t.Run("concurrent disposition change conflicts", func(t *testing.T) {
		store := newVisitStoreStub(openVisit())
		other := models.DispositionUnderObservation
		store.concurrent = &other
		alerts := &alertsStub{recipients: []string{"admin-1"}}
		svc, done := newVisitServiceForTest(t, store, alerts)
		svc.tx.(*txProviderMock).mock.ExpectBegin()
		svc.tx.(*txProviderMock).mock.ExpectRollback()

		_, err := svc.SetDisposition(context.Background(), "visit-7", dto.SetDispositionRequest{Disposition: models.DispositionSentHome}, nurseActor())
		require.Error(t, err)
		appErr := appErrors.FromError(err)
		assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
		assert.Equal(t, "visit was modified concurrently", appErr.Message)
		assert.Empty(t, alerts.delivered)
		require.NoError(t, done())
	})

	t.Run("missing visit", func(t *testing.T) {
		svc, _ := newVisitServiceForTest(t, newVisitStoreStub(), &alertsStub{})
		_, err := svc.Update(context.Background(), "visit-404", dto.UpdateVisitRequest{StudentID: "student-7", StaffID: "nurse-1", Reason: "x"}, nurseActor())
		assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
	})
}

func TestVisitServiceDelete(t *testing.T) {
	t.Run("visit with administrations is kept", func(t *testing.T) {
		store := newVisitStoreStub(openVisit())
		store.administered = map[string]int{"visit-7": 1}
		svc, done := newVisitServiceForTest(t, store, &alertsStub{})
		mock := svc.tx.(*txProviderMock).mock
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := svc.Delete(context.Background(), "visit-7", adminActor())
		require.Error(t, err)
		appErr := appErrors.FromError(err)
		assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
		assert.Equal(t, "visit has recorded medication administrations", appErr.Message)
		assert.Contains(t, store.visits, "visit-7")
		require.NoError(t, done())
	})

	t.Run("nurse cannot delete", func(t *testing.T) {
		store := newVisitStoreStub(openVisit())
		svc, done := newVisitServiceForTest(t, store, &alertsStub{})
		err := svc.Delete(context.Background(), "visit-7", nurseActor())
		assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
		require.NoError(t, done())
	})

	t.Run("admin deletes", func(t *testing.T) {
		store := newVisitStoreStub(openVisit())
		svc, done := newVisitServiceForTest(t, store, &alertsStub{})
		mock := svc.tx.(*txProviderMock).mock
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectRollback()

		require.NoError(t, svc.Delete(context.Background(), "visit-7", adminActor()))
		assert.NotContains(t, store.visits, "visit-7")

		err := svc.Delete(context.Background(), "visit-7", adminActor())
		assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
		require.NoError(t, done())
	})
}

func TestVisitServiceQueries(t *testing.T) {
	store := newVisitStoreStub(openVisit())
	svc, _ := newVisitServiceForTest(t, store, &alertsStub{})
	ctx := context.Background()

	from := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	_, _, err := svc.List(ctx, models.VisitFilter{From: &from, To: &to}, nurseActor())
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	visits, page, err := svc.List(ctx, models.VisitFilter{StudentID: "student-7", PageSize: 500}, nurseActor())
	require.NoError(t, err)
	assert.Len(t, visits, 1)
	assert.Equal(t, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, page)
	assert.Equal(t, 20, store.filter.PageSize)

	_, err = svc.Recent(ctx, nil, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 3, 15, 0, 0, 0, time.UTC), store.since)

	days := -2
	_, err = svc.Recent(ctx, &days, nurseActor())
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	count, err := svc.CountByStudent(ctx, "student-7", nurseActor())
	require.NoError(t, err)
	assert.Equal(t, 1, count.Count)

	_, err = svc.Get(ctx, "visit-7", teacherActor())
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}
