package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
	"github.com/noah-isme/sims-infirmary-api/pkg/jobs"
)

type notificationStoreStub struct {
	rows        []models.Notification
	countCalls  int
	createCalls int
	// afterCount runs once a count has been taken, before it is returned.
	afterCount func()
}

func (s *notificationStoreStub) CreateBatch(ctx context.Context, exec sqlx.ExtContext, notifications []models.Notification) error {
	s.createCalls++
	for i := range notifications {
		notifications[i].ID = "n-" + notifications[i].RecipientID
		s.rows = append(s.rows, notifications[i])
	}
	return nil
}

func (s *notificationStoreStub) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, page, size int) ([]models.Notification, int, error) {
	var out []models.Notification
	for _, n := range s.rows {
		if n.RecipientID != recipientID {
			continue
		}
		if unreadOnly && n.Status != models.NotificationUnread {
			continue
		}
		out = append(out, n)
	}
	return out, len(out), nil
}

func (s *notificationStoreStub) CountUnread(ctx context.Context, recipientID string) (int, error) {
	s.countCalls++
	count := 0
	for _, n := range s.rows {
		if n.RecipientID == recipientID && n.Status == models.NotificationUnread {
			count++
		}
	}
	if s.afterCount != nil {
		s.afterCount()
	}
	return count, nil
}

func (s *notificationStoreStub) MarkRead(ctx context.Context, id, recipientID string, at time.Time) (bool, error) {
	for i := range s.rows {
		n := &s.rows[i]
		if n.ID == id && n.RecipientID == recipientID && n.Status == models.NotificationUnread {
			n.Status = models.NotificationRead
			n.ReadAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (s *notificationStoreStub) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	var count int64
	for i := range s.rows {
		n := &s.rows[i]
		if n.RecipientID == recipientID && n.Status == models.NotificationUnread {
			n.Status = models.NotificationRead
			n.ReadAt = &at
			count++
		}
	}
	return count, nil
}

type pushQueueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *pushQueueStub) EnqueueContext(ctx context.Context, job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type memoryCacheRepo struct {
	values map[string]interface{}
}

func (m *memoryCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	v, ok := m.values[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	switch d := dest.(type) {
	case *int:
		*d = v.(int)
	case *string:
		*d = v.(string)
	default:
		return errors.New("unsupported cache destination")
	}
	return nil
}

func (m *memoryCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.values[key] = value
	return nil
}

func (m *memoryCacheRepo) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

type notificationFixture struct {
	svc   *NotificationService
	store *notificationStoreStub
	queue *pushQueueStub
	cache *memoryCacheRepo
}

func newNotificationFixture(t *testing.T) notificationFixture {
	t.Helper()
	store := &notificationStoreStub{}
	queue := &pushQueueStub{}
	repo := &memoryCacheRepo{values: map[string]interface{}{}}
	cache := NewCacheService(repo, nil, time.Minute, nil, true)
	svc := NewNotificationService(store, testStaff, testStudents, queue, cache, nil, nil, nil, NotificationConfig{})
	svc.now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }
	return notificationFixture{svc: svc, store: store, queue: queue, cache: repo}
}

func TestNotificationServiceEmergencyVisitFanOut(t *testing.T) {
	fx := newNotificationFixture(t)
	ctx := context.Background()
	visit := &models.Visit{ID: "visit-7", StudentID: "student-7", StaffID: "nurse-1", Reason: "fainted", Emergency: true}
	student := &models.Student{ID: "student-7", FirstName: "Ayu", LastName: "Lestari", GradeLevel: "10"}

	req, err := fx.svc.EmergencyVisitAlert(ctx, visit, student)
	require.NoError(t, err)
	assert.Equal(t, "Emergency visit for Ayu Lestari (Grade: 10). Reason: fainted", req.Message)

	created, err := fx.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, created, 3)
	recipients := make([]string, 0, len(created))
	for _, n := range created {
		recipients = append(recipients, n.RecipientID)
		assert.Equal(t, models.NotificationEmergencyVisit, n.Type)
		assert.Equal(t, models.NotificationUnread, n.Status)
		assert.Equal(t, models.RelatedEntityVisit, *n.RelatedEntityType)
		assert.Equal(t, "visit-7", *n.RelatedEntityID)
		assert.Equal(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), n.CreatedAt)
	}
	assert.ElementsMatch(t, []string{"nurse-1", "nurse-2", "admin-1"}, recipients)
	require.Len(t, fx.queue.jobs, 3)
	assert.Equal(t, pushJobType, fx.queue.jobs[0].Type)
	assert.IsType(t, models.Notification{}, fx.queue.jobs[0].Payload)
}

func TestNotificationServiceDispositionChangeDeduplicatesAttending(t *testing.T) {
	fx := newNotificationFixture(t)
	ctx := context.Background()
	home := models.DispositionSentHome
	visit := &models.Visit{ID: "visit-7", StaffID: "admin-1", Disposition: &home}
	student := &models.Student{FirstName: "Ayu", LastName: "Lestari"}

	req, err := fx.svc.DispositionChangeAlert(ctx, visit, student)
	require.NoError(t, err)
	assert.Equal(t, "Student Ayu Lestari disposition changed to: SENT_HOME", req.Message)

	created, err := fx.svc.Dispatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "admin-1", created[0].RecipientID)
}

func TestNotificationServiceLowStockMessage(t *testing.T) {
	fx := newNotificationFixture(t)
	item := ibuprofen(0, 5)
	req, err := fx.svc.LowStockAlert(context.Background(), &item)
	require.NoError(t, err)
	assert.Equal(t, "Ibuprofen is running low. Current stock: 0, Minimum required: 5", req.Message)
	assert.Equal(t, models.RelatedEntityInventory, req.RelatedEntityType)
	assert.ElementsMatch(t, []string{"nurse-1", "nurse-2", "admin-1"}, req.Recipients)
}

func TestNotificationServicePushFailureDoesNotFailDispatch(t *testing.T) {
	fx := newNotificationFixture(t)
	fx.queue.err = jobs.ErrNotStarted

	created, err := fx.svc.Dispatch(context.Background(), DispatchRequest{
		Type:       models.NotificationSystemAlert,
		Title:      "Maintenance",
		Message:    "Infirmary closed at noon",
		Recipients: []string{"nurse-1", "", "nurse-1"},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Nil(t, created[0].RelatedEntityType)
	assert.Len(t, fx.store.rows, 1)
}

func TestNotificationServiceStageWithoutRecipients(t *testing.T) {
	fx := newNotificationFixture(t)
	batch, err := fx.svc.Stage(context.Background(), nil, DispatchRequest{Type: models.NotificationLowStock})
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Zero(t, fx.store.createCalls)

	fx.svc.Deliver(context.Background(), batch)
	assert.Empty(t, fx.queue.jobs)
}

func TestNotificationServiceReadTracking(t *testing.T) {
	fx := newNotificationFixture(t)
	ctx := context.Background()
	_, err := fx.svc.Dispatch(ctx, DispatchRequest{Type: models.NotificationSystemAlert, Title: "a", Message: "a", Recipients: []string{"nurse-1", "admin-1"}})
	require.NoError(t, err)

	count, err := fx.svc.UnreadCount(ctx, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = fx.svc.UnreadCount(ctx, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, fx.store.countCalls)

	updated, err := fx.svc.MarkRead(ctx, "n-admin-1", nurseActor())
	require.NoError(t, err)
	assert.False(t, updated)

	updated, err = fx.svc.MarkRead(ctx, "n-nurse-1", nurseActor())
	require.NoError(t, err)
	assert.True(t, updated)
	assert.NotContains(t, fx.cache.values, unreadVersionKey("nurse-1"))

	updated, err = fx.svc.MarkRead(ctx, "n-nurse-1", nurseActor())
	require.NoError(t, err)
	assert.False(t, updated)

	count, err = fx.svc.UnreadCount(ctx, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 2, fx.store.countCalls)

	_, err = fx.svc.UnreadCount(ctx, nil)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestNotificationServiceUnreadCountIgnoresCountTakenBeforeInvalidation(t *testing.T) {
	fx := newNotificationFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := fx.svc.Dispatch(ctx, DispatchRequest{Type: models.NotificationSystemAlert, Title: "t", Message: "m", Recipients: []string{"nurse-1"}})
		require.NoError(t, err)
	}

	fx.store.afterCount = func() {
		fx.store.afterCount = nil
		updated, err := fx.svc.MarkAllRead(ctx, nurseActor())
		require.NoError(t, err)
		require.EqualValues(t, 2, updated)
	}
	count, err := fx.svc.UnreadCount(ctx, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = fx.svc.UnreadCount(ctx, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 2, fx.store.countCalls)

	count, err = fx.svc.UnreadCount(ctx, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 2, fx.store.countCalls)
}

func TestNotificationServiceMarkAllReadIsIdempotent(t *testing.T) {
	fx := newNotificationFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := fx.svc.Dispatch(ctx, DispatchRequest{Type: models.NotificationSystemAlert, Title: "t", Message: "m", Recipients: []string{"nurse-1"}})
		require.NoError(t, err)
	}

	count, err := fx.svc.MarkAllRead(ctx, nurseActor())
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	unread, _, err := fx.svc.List(ctx, nurseActor(), true, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, unread)

	count, err = fx.svc.MarkAllRead(ctx, nurseActor())
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestNotificationServiceStudentCheckup(t *testing.T) {
	fx := newNotificationFixture(t)
	ctx := context.Background()

	created, err := fx.svc.NotifyStudentCheckup(ctx, dto.CheckupReminderRequest{StudentID: "student-7"}, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, "nurse-1", created.RecipientID)
	assert.Equal(t, models.NotificationStudentCheckup, created.Type)
	assert.Equal(t, "Regular checkup for Ayu Lestari (Grade: 10) is due", created.Message)

	created, err = fx.svc.NotifyStudentCheckup(ctx, dto.CheckupReminderRequest{StudentID: "student-7", RecipientID: "nurse-2"}, adminActor())
	require.NoError(t, err)
	assert.Equal(t, "nurse-2", created.RecipientID)

	_, err = fx.svc.NotifyStudentCheckup(ctx, dto.CheckupReminderRequest{StudentID: "student-7", RecipientID: "teacher-1"}, nurseActor())
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	rows := len(fx.store.rows)
	_, err = fx.svc.NotifyStudentCheckup(ctx, dto.CheckupReminderRequest{StudentID: "student-7", RecipientID: "nurse-9"}, nurseActor())
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, "checkup reminders can only be sent to active staff", appErr.Message)
	assert.Len(t, fx.store.rows, rows)

	_, err = fx.svc.NotifyStudentCheckup(ctx, dto.CheckupReminderRequest{StudentID: "student-404"}, nurseActor())
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	_, err = fx.svc.NotifyStudentCheckup(ctx, dto.CheckupReminderRequest{StudentID: "student-7"}, teacherActor())
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

type pusherStub struct {
	pushed []models.Notification
	err    error
}

func (p *pusherStub) Push(ctx context.Context, notification models.Notification) error {
	if p.err != nil {
		return p.err
	}
	p.pushed = append(p.pushed, notification)
	return nil
}

func TestPushWorkerHandle(t *testing.T) {
	pusher := &pusherStub{}
	worker := NewPushWorker(pusher, nil, nil, time.Second)
	ctx := context.Background()

	require.NoError(t, worker.Handle(ctx, jobs.Job{ID: "n-1", Type: pushJobType, Payload: models.Notification{ID: "n-1", RecipientID: "nurse-1"}}))
	require.Len(t, pusher.pushed, 1)

	require.NoError(t, worker.Handle(ctx, jobs.Job{ID: "bad", Type: pushJobType, Payload: "not a notification"}))
	assert.Len(t, pusher.pushed, 1)

	pusher.err = errors.New("recipient offline")
	err := worker.Handle(ctx, jobs.Job{ID: "n-2", Type: pushJobType, Payload: models.Notification{ID: "n-2"}})
	require.Error(t, err)
}
