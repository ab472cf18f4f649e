package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
	"github.com/noah-isme/sims-infirmary-api/pkg/response"
)

type notificationStream interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
}

// RealtimeHandler upgrades authenticated requests to notification websockets.
type RealtimeHandler struct {
	stream notificationStream
	logger *zap.Logger
}

// NewRealtimeHandler constructs a realtime handler.
func NewRealtimeHandler(stream notificationStream, logger *zap.Logger) *RealtimeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHandler{stream: stream, logger: logger}
}

// Notifications godoc
// @Summary Stream own notifications over a websocket
// @Tags Notifications
// @Param access_token query string false "Bearer token when headers cannot be set"
// @Success 101
// @Router /ws/notifications [get]
func (h *RealtimeHandler) Notifications(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required"))
		return
	}
	// The upgrader has already written the failure response.
	if err := h.stream.Serve(c.Writer, c.Request, claims.UserID); err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("user_id", claims.UserID), zap.Error(err))
	}
}
