package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

const notificationColumns = `id, title, message, type, status, recipient_id, related_entity_type, related_entity_id,
created_at, read_at`

// NotificationRepository persists per-recipient notifications.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository constructs a NotificationRepository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// CreateBatch inserts the notifications. With a nil exec the rows are written in their
// own transaction; otherwise they join the caller's transaction.
func (r *NotificationRepository) CreateBatch(ctx context.Context, exec sqlx.ExtContext, notifications []models.Notification) (err error) {
	if len(notifications) == 0 {
		return nil
	}
	if exec != nil {
		return r.insertAll(ctx, exec, notifications)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notification transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = r.insertAll(ctx, tx, notifications); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit notifications: %w", err)
	}
	return nil
}

func (r *NotificationRepository) insertAll(ctx context.Context, exec sqlx.ExtContext, notifications []models.Notification) error {
	const query = `INSERT INTO notifications (id, title, message, type, status, recipient_id, related_entity_type,
related_entity_id, created_at, read_at)
VALUES (:id, :title, :message, :type, :status, :recipient_id, :related_entity_type, :related_entity_id, :created_at, :read_at)`
	now := time.Now().UTC()
	for i := range notifications {
		n := &notifications[i]
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.Status == "" {
			n.Status = models.NotificationUnread
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		if _, err := sqlx.NamedExecContext(ctx, exec, query, n); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return nil
}

// ListByRecipient returns a recipient's notifications, newest first, with the total count.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, page, size int) ([]models.Notification, int, error) {
	where := "recipient_id = $1"
	args := []interface{}{recipientID}
	if unreadOnly {
		where += " AND status = $2"
		args = append(args, models.NotificationUnread)
	}
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM notifications WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		notificationColumns, where, size, (page-1)*size)

	var out []models.Notification
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM notifications WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}
	return out, total, nil
}

// CountUnread counts a recipient's unread notifications.
func (r *NotificationRepository) CountUnread(ctx context.Context, recipientID string) (int, error) {
	const query = `SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, recipientID, models.NotificationUnread); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead moves one of the recipient's UNREAD notifications to READ. It reports
// whether a row changed; foreign or already-read notifications yield false.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientID string, at time.Time) (bool, error) {
	const query = `UPDATE notifications SET status = $1, read_at = COALESCE(read_at, $2)
WHERE id = $3 AND recipient_id = $4 AND status = $5`
	result, err := r.db.ExecContext(ctx, query, models.NotificationRead, at, id, recipientID, models.NotificationUnread)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("notification rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkAllRead moves every UNREAD notification of the recipient to READ.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	const query = `UPDATE notifications SET status = $1, read_at = COALESCE(read_at, $2)
WHERE recipient_id = $3 AND status = $4`
	result, err := r.db.ExecContext(ctx, query, models.NotificationRead, at, recipientID, models.NotificationUnread)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("notification rows affected: %w", err)
	}
	return affected, nil
}
