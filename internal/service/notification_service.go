package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
	"github.com/noah-isme/sims-infirmary-api/pkg/jobs"
)

const (
	pushJobType        = "notification.push"
	unreadCacheKeyBase = "notifications:unread:"
)

type notificationStore interface {
	CreateBatch(ctx context.Context, exec sqlx.ExtContext, notifications []models.Notification) error
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, page, size int) ([]models.Notification, int, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	MarkRead(ctx context.Context, id, recipientID string, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error)
}

type staffDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Staff, error)
	ListActiveByRoles(ctx context.Context, roles ...models.UserRole) ([]models.Staff, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type pushEnqueuer interface {
	EnqueueContext(ctx context.Context, job jobs.Job) error
}

// Pusher delivers a persisted notification to its recipient if they are online.
type Pusher interface {
	Push(ctx context.Context, notification models.Notification) error
}

// DispatchRequest describes one alert fanned out to several recipients.
type DispatchRequest struct {
	Type              models.NotificationType
	Title             string
	Message           string
	Recipients        []string
	RelatedEntityType string
	RelatedEntityID   string
}

// NotificationConfig tunes push delivery and the unread counter cache.
type NotificationConfig struct {
	PushTimeout    time.Duration
	UnreadCacheTTL time.Duration
}

// NotificationService persists notifications and hands them to the push pipeline.
type NotificationService struct {
	store     notificationStore
	staff     staffDirectory
	students  studentReader
	queue     pushEnqueuer
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       NotificationConfig
	now       func() time.Time
}

// NewNotificationService wires the dispatcher.
func NewNotificationService(
	store notificationStore,
	staff staffDirectory,
	students studentReader,
	queue pushEnqueuer,
	cache *CacheService,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg NotificationConfig,
) *NotificationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 250 * time.Millisecond
	}
	return &NotificationService{
		store:     store,
		staff:     staff,
		students:  students,
		queue:     queue,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Dispatch stores one UNREAD notification per distinct recipient and schedules a push
// for each. Push problems are logged and counted, never returned.
func (s *NotificationService) Dispatch(ctx context.Context, req DispatchRequest) ([]models.Notification, error) {
	batch, err := s.Stage(ctx, nil, req)
	if err != nil {
		return nil, err
	}
	s.Deliver(ctx, batch)
	return batch, nil
}

// Stage persists the notifications of req through exec, which may be the caller's
// transaction. Deliver must be called once that transaction has committed.
func (s *NotificationService) Stage(ctx context.Context, exec sqlx.ExtContext, req DispatchRequest) ([]models.Notification, error) {
	recipients := uniqueRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, nil
	}

	createdAt := s.now().UTC()
	batch := make([]models.Notification, 0, len(recipients))
	for _, recipient := range recipients {
		n := models.Notification{
			Title:       req.Title,
			Message:     req.Message,
			Type:        req.Type,
			Status:      models.NotificationUnread,
			RecipientID: recipient,
			CreatedAt:   createdAt,
		}
		if req.RelatedEntityType != "" {
			n.RelatedEntityType = stringPtr(req.RelatedEntityType)
			n.RelatedEntityID = stringPtr(req.RelatedEntityID)
		}
		batch = append(batch, n)
	}

	if err := s.store.CreateBatch(ctx, exec, batch); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store notifications")
	}
	return batch, nil
}

// Deliver runs the post-commit side of a dispatch: counters, unread cache
// invalidation and push scheduling.
func (s *NotificationService) Deliver(ctx context.Context, batch []models.Notification) {
	if len(batch) == 0 {
		return
	}
	kind := batch[0].Type
	s.metrics.NotificationsDispatched(kind, len(batch))
	if kind == models.NotificationLowStock {
		s.metrics.LowStockAlerted()
	}
	fields := []zap.Field{zap.String("type", string(kind)), zap.Int("recipients", len(batch))}
	if batch[0].RelatedEntityID != nil {
		fields = append(fields, zap.String("related_entity_id", *batch[0].RelatedEntityID))
	}
	s.logger.Info("notifications dispatched", fields...)

	recipients := make([]string, len(batch))
	for i, n := range batch {
		recipients[i] = n.RecipientID
	}
	s.invalidateUnread(ctx, recipients...)
	s.schedulePush(ctx, batch)
}

func (s *NotificationService) schedulePush(ctx context.Context, batch []models.Notification) {
	if s.queue == nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PushTimeout)
	defer cancel()
	for _, n := range batch {
		if err := s.queue.EnqueueContext(pushCtx, jobs.Job{ID: n.ID, Type: pushJobType, Payload: n}); err != nil {
			s.metrics.PushFailed()
			s.logger.Warn("push enqueue failed",
				zap.String("notification_id", n.ID),
				zap.String("recipient_id", n.RecipientID),
				zap.Error(err),
			)
		}
	}
}

// EmergencyVisitAlert addresses every active nurse and admin about an emergency visit.
func (s *NotificationService) EmergencyVisitAlert(ctx context.Context, visit *models.Visit, student *models.Student) (DispatchRequest, error) {
	recipients, err := s.recipientsByRole(ctx, models.RoleNurse, models.RoleAdmin)
	if err != nil {
		return DispatchRequest{}, err
	}
	return DispatchRequest{
		Type:  models.NotificationEmergencyVisit,
		Title: "Emergency Visit Alert",
		Message: fmt.Sprintf("Emergency visit for %s %s (Grade: %s). Reason: %s",
			student.FirstName, student.LastName, student.GradeLevel, visit.Reason),
		Recipients:        recipients,
		RelatedEntityType: models.RelatedEntityVisit,
		RelatedEntityID:   visit.ID,
	}, nil
}

// DispositionChangeAlert addresses admins and the attending staff member.
func (s *NotificationService) DispositionChangeAlert(ctx context.Context, visit *models.Visit, student *models.Student) (DispatchRequest, error) {
	recipients, err := s.recipientsByRole(ctx, models.RoleAdmin)
	if err != nil {
		return DispatchRequest{}, err
	}
	return DispatchRequest{
		Type:  models.NotificationDispositionChange,
		Title: "Disposition Update",
		Message: fmt.Sprintf("Student %s %s disposition changed to: %s",
			student.FirstName, student.LastName, visit.CurrentDisposition()),
		Recipients:        append(recipients, visit.StaffID),
		RelatedEntityType: models.RelatedEntityVisit,
		RelatedEntityID:   visit.ID,
	}, nil
}

// LowStockAlert addresses every active nurse and admin about an item at or below threshold.
func (s *NotificationService) LowStockAlert(ctx context.Context, item *models.StockItem) (DispatchRequest, error) {
	recipients, err := s.recipientsByRole(ctx, models.RoleNurse, models.RoleAdmin)
	if err != nil {
		return DispatchRequest{}, err
	}
	return DispatchRequest{
		Type:  models.NotificationLowStock,
		Title: "Low Stock Alert",
		Message: fmt.Sprintf("%s is running low. Current stock: %d, Minimum required: %d",
			item.Name, item.CurrentStock, item.MinimumStock),
		Recipients:        recipients,
		RelatedEntityType: models.RelatedEntityInventory,
		RelatedEntityID:   item.ID,
	}, nil
}

// NotifyStudentCheckup sends a checkup reminder about a student to one staff member,
// defaulting to the caller.
func (s *NotificationService) NotifyStudentCheckup(ctx context.Context, req dto.CheckupReminderRequest, actor *models.JWTClaims) (*models.Notification, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid checkup reminder payload")
	}
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	recipient := req.RecipientID
	if recipient == "" {
		recipient = actor.UserID
	} else {
		staff, err := s.staff.FindByID(ctx, recipient)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "recipient not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recipient")
		}
		if staff.Role != models.RoleNurse {
			return nil, appErrors.Clone(appErrors.ErrValidation, "checkup reminders can only be sent to nurses")
		}
		if staff.Status != models.StaffStatusActive {
			return nil, appErrors.Clone(appErrors.ErrValidation, "checkup reminders can only be sent to active staff")
		}
	}

	created, err := s.Dispatch(ctx, DispatchRequest{
		Type:              models.NotificationStudentCheckup,
		Title:             "Student Checkup Reminder",
		Message:           fmt.Sprintf("Regular checkup for %s %s (Grade: %s) is due", student.FirstName, student.LastName, student.GradeLevel),
		Recipients:        []string{recipient},
		RelatedEntityType: models.RelatedEntityStudent,
		RelatedEntityID:   student.ID,
	})
	if err != nil {
		return nil, err
	}
	return &created[0], nil
}

// List returns the caller's notifications, newest first.
func (s *NotificationService) List(ctx context.Context, actor *models.JWTClaims, unreadOnly bool, page, size int) ([]models.Notification, *models.Pagination, error) {
	if err := requireActor(actor); err != nil {
		return nil, nil, err
	}
	items, total, err := s.store.ListByRecipient(ctx, actor.UserID, unreadOnly, page, size)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return items, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// UnreadCount returns the caller's unread total, served from cache when enabled.
// Counts are cached under the recipient's current version; invalidation drops the
// version, so a count computed before it is never read again.
func (s *NotificationService) UnreadCount(ctx context.Context, actor *models.JWTClaims) (int, error) {
	if err := requireActor(actor); err != nil {
		return 0, err
	}
	if !s.cache.Enabled() {
		return s.countUnread(ctx, actor.UserID)
	}
	key := unreadCountKey(actor.UserID, s.unreadVersion(ctx, actor.UserID))
	var cached int
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return cached, nil
	}
	count, err := s.countUnread(ctx, actor.UserID)
	if err != nil {
		return 0, err
	}
	_ = s.cache.Set(ctx, key, count, s.cfg.UnreadCacheTTL)
	return count, nil
}

func (s *NotificationService) countUnread(ctx context.Context, recipientID string) (int, error) {
	count, err := s.store.CountUnread(ctx, recipientID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count unread notifications")
	}
	return count, nil
}

// unreadVersion returns the recipient's cache version, starting a new one when none is stored.
func (s *NotificationService) unreadVersion(ctx context.Context, recipientID string) string {
	key := unreadVersionKey(recipientID)
	var version string
	if hit, _ := s.cache.Get(ctx, key, &version); hit && version != "" {
		return version
	}
	version = uuid.NewString()
	_ = s.cache.Set(ctx, key, version, s.cfg.UnreadCacheTTL)
	return version
}

// MarkRead marks one of the caller's notifications as read. Missing, foreign and
// already-read notifications report false without error.
func (s *NotificationService) MarkRead(ctx context.Context, id string, actor *models.JWTClaims) (bool, error) {
	if err := requireActor(actor); err != nil {
		return false, err
	}
	updated, err := s.store.MarkRead(ctx, id, actor.UserID, s.now().UTC())
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification read")
	}
	if !updated {
		s.logger.Warn("notification not marked read", zap.String("notification_id", id), zap.String("recipient_id", actor.UserID))
		return false, nil
	}
	s.invalidateUnread(ctx, actor.UserID)
	return true, nil
}

// MarkAllRead marks every unread notification of the caller as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, actor *models.JWTClaims) (int64, error) {
	if err := requireActor(actor); err != nil {
		return 0, err
	}
	count, err := s.store.MarkAllRead(ctx, actor.UserID, s.now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notifications read")
	}
	if count > 0 {
		s.invalidateUnread(ctx, actor.UserID)
	}
	return count, nil
}

func (s *NotificationService) recipientsByRole(ctx context.Context, roles ...models.UserRole) ([]string, error) {
	staff, err := s.staff.ListActiveByRoles(ctx, roles...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve notification recipients")
	}
	ids := make([]string, 0, len(staff))
	for _, member := range staff {
		ids = append(ids, member.ID)
	}
	return ids, nil
}

func (s *NotificationService) invalidateUnread(ctx context.Context, recipients ...string) {
	if !s.cache.Enabled() {
		return
	}
	keys := make([]string, len(recipients))
	for i, r := range recipients {
		keys[i] = unreadVersionKey(r)
	}
	_ = s.cache.Delete(ctx, keys...)
}

// PushWorker drains the push queue into a Pusher.
type PushWorker struct {
	pusher  Pusher
	metrics *MetricsService
	logger  *zap.Logger
	timeout time.Duration
}

// NewPushWorker constructs a worker bounded by timeout per push.
func NewPushWorker(pusher Pusher, metrics *MetricsService, logger *zap.Logger, timeout time.Duration) *PushWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &PushWorker{pusher: pusher, metrics: metrics, logger: logger, timeout: timeout}
}

// Handle processes a queue job.
func (w *PushWorker) Handle(ctx context.Context, job jobs.Job) error {
	notification, ok := job.Payload.(models.Notification)
	if !ok {
		w.logger.Error("unexpected push payload", zap.String("job_id", job.ID), zap.String("type", job.Type))
		return nil
	}
	pushCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.pusher.Push(pushCtx, notification); err != nil {
		w.metrics.PushFailed()
		w.logger.Warn("notification push failed",
			zap.String("notification_id", notification.ID),
			zap.String("recipient_id", notification.RecipientID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func unreadVersionKey(recipientID string) string {
	return unreadCacheKeyBase + "version:" + recipientID
}

func unreadCountKey(recipientID, version string) string {
	return unreadCacheKeyBase + recipientID + ":" + version
}

func uniqueRecipients(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func stringPtr(v string) *string {
	return &v
}
