package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
	"github.com/noah-isme/sims-infirmary-api/pkg/response"
)

type notificationService interface {
	List(ctx context.Context, actor *models.JWTClaims, unreadOnly bool, page, size int) ([]models.Notification, *models.Pagination, error)
	UnreadCount(ctx context.Context, actor *models.JWTClaims) (int, error)
	MarkRead(ctx context.Context, id string, actor *models.JWTClaims) (bool, error)
	MarkAllRead(ctx context.Context, actor *models.JWTClaims) (int64, error)
	NotifyStudentCheckup(ctx context.Context, req dto.CheckupReminderRequest, actor *models.JWTClaims) (*models.Notification, error)
}

// NotificationHandler exposes the caller's notification inbox.
type NotificationHandler struct {
	service notificationService
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(service notificationService) *NotificationHandler {
	return &NotificationHandler{service: service}
}

// List godoc
// @Summary List own notifications
// @Tags Notifications
// @Produce json
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /notifications [get]
func (h *NotificationHandler) List(c *gin.Context) {
	h.list(c, false)
}

// Unread godoc
// @Summary List own unread notifications
// @Tags Notifications
// @Produce json
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /notifications/unread [get]
func (h *NotificationHandler) Unread(c *gin.Context) {
	h.list(c, true)
}

func (h *NotificationHandler) list(c *gin.Context, unreadOnly bool) {
	items, pagination, err := h.service.List(c.Request.Context(), claimsFromContext(c), unreadOnly, parseQueryInt(c, "page", 1), parseQueryInt(c, "limit", 20))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// UnreadCount godoc
// @Summary Count own unread notifications
// @Tags Notifications
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /notifications/unread-count [get]
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	count, err := h.service.UnreadCount(c.Request.Context(), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.UnreadCount{Count: count}, nil)
}

// MarkRead godoc
// @Summary Mark a notification as read
// @Tags Notifications
// @Produce json
// @Param id path string true "Notification ID"
// @Success 200 {object} response.Envelope
// @Router /notifications/{id}/read [post]
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id := c.Param("id")
	updated, err := h.service.MarkRead(c.Request.Context(), id, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.MarkReadResult{ID: id, Updated: updated}, nil)
}

// MarkAllRead godoc
// @Summary Mark all own notifications as read
// @Tags Notifications
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /notifications/read-all [post]
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	updated, err := h.service.MarkAllRead(c.Request.Context(), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.MarkAllReadResult{Updated: updated}, nil)
}

// Checkup godoc
// @Summary Send a student checkup reminder
// @Tags Notifications
// @Accept json
// @Produce json
// @Param payload body dto.CheckupReminderRequest true "Reminder payload"
// @Success 201 {object} response.Envelope
// @Router /notifications/checkup [post]
func (h *NotificationHandler) Checkup(c *gin.Context) {
	var req dto.CheckupReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	notification, err := h.service.NotifyStudentCheckup(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, notification)
}
