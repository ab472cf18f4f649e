package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
	"github.com/noah-isme/sims-infirmary-api/pkg/response"
)

type visitService interface {
	Create(ctx context.Context, req dto.CreateVisitRequest, actor *models.JWTClaims) (*models.Visit, error)
	Update(ctx context.Context, id string, req dto.UpdateVisitRequest, actor *models.JWTClaims) (*models.Visit, error)
	SetDisposition(ctx context.Context, id string, req dto.SetDispositionRequest, actor *models.JWTClaims) (*models.Visit, error)
	Delete(ctx context.Context, id string, actor *models.JWTClaims) error
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Visit, error)
	List(ctx context.Context, filter models.VisitFilter, actor *models.JWTClaims) ([]models.Visit, *models.Pagination, error)
	Recent(ctx context.Context, days *int, actor *models.JWTClaims) ([]models.Visit, error)
	CountByStudent(ctx context.Context, studentID string, actor *models.JWTClaims) (*dto.VisitCount, error)
}

// VisitHandler exposes infirmary visit endpoints.
type VisitHandler struct {
	service visitService
}

// NewVisitHandler constructs a visit handler.
func NewVisitHandler(service visitService) *VisitHandler {
	return &VisitHandler{service: service}
}

// List godoc
// @Summary List visits
// @Tags Visits
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param staffId query string false "Filter by attending staff"
// @Param from query string false "Visits at or after (YYYY-MM-DD or RFC3339)"
// @Param to query string false "Visits at or before (YYYY-MM-DD or RFC3339)"
// @Param emergency query bool false "Only emergency visits"
// @Param open query bool false "Only visits without a disposition"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /visits [get]
func (h *VisitHandler) List(c *gin.Context) {
	filter := models.VisitFilter{
		StudentID:     strings.TrimSpace(c.Query("studentId")),
		StaffID:       strings.TrimSpace(c.Query("staffId")),
		EmergencyOnly: parseQueryBool(c, "emergency"),
		OpenOnly:      parseQueryBool(c, "open"),
		Page:          parseQueryInt(c, "page", 1),
		PageSize:      parseQueryInt(c, "limit", 20),
	}
	var err error
	if filter.From, err = parseTimeParam("from", c.Query("from")); err != nil {
		response.Error(c, err)
		return
	}
	if filter.To, err = parseEndTimeParam("to", c.Query("to")); err != nil {
		response.Error(c, err)
		return
	}

	visits, pagination, err := h.service.List(c.Request.Context(), filter, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, visits, pagination)
}

// Get godoc
// @Summary Get visit detail
// @Tags Visits
// @Produce json
// @Param id path string true "Visit ID"
// @Success 200 {object} response.Envelope
// @Router /visits/{id} [get]
func (h *VisitHandler) Get(c *gin.Context) {
	visit, err := h.service.Get(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, visit, nil)
}

// Create godoc
// @Summary Open a visit
// @Tags Visits
// @Accept json
// @Produce json
// @Param payload body dto.CreateVisitRequest true "Visit payload"
// @Success 201 {object} response.Envelope
// @Router /visits [post]
func (h *VisitHandler) Create(c *gin.Context) {
	var req dto.CreateVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	visit, err := h.service.Create(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, visit)
}

// Update godoc
// @Summary Update visit
// @Tags Visits
// @Accept json
// @Produce json
// @Param id path string true "Visit ID"
// @Param payload body dto.UpdateVisitRequest true "Visit payload"
// @Success 200 {object} response.Envelope
// @Router /visits/{id} [put]
func (h *VisitHandler) Update(c *gin.Context) {
	var req dto.UpdateVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	visit, err := h.service.Update(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, visit, nil)
}

// SetDisposition godoc
// @Summary Record visit disposition
// @Tags Visits
// @Accept json
// @Produce json
// @Param id path string true "Visit ID"
// @Param payload body dto.SetDispositionRequest true "Disposition payload"
// @Success 200 {object} response.Envelope
// @Router /visits/{id}/disposition [patch]
func (h *VisitHandler) SetDisposition(c *gin.Context) {
	var req dto.SetDispositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	visit, err := h.service.SetDisposition(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, visit, nil)
}

// Delete godoc
// @Summary Delete visit
// @Tags Visits
// @Param id path string true "Visit ID"
// @Success 204
// @Router /visits/{id} [delete]
func (h *VisitHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Recent godoc
// @Summary List recent visits
// @Tags Visits
// @Produce json
// @Param days query int false "Look-back window in days"
// @Success 200 {object} response.Envelope
// @Router /visits/recent [get]
func (h *VisitHandler) Recent(c *gin.Context) {
	days, err := optionalQueryInt(c, "days")
	if err != nil {
		response.Error(c, err)
		return
	}
	visits, err := h.service.Recent(c.Request.Context(), days, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, visits, nil)
}

// CountByStudent godoc
// @Summary Count visits of a student
// @Tags Visits
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /visits/students/{studentId}/count [get]
func (h *VisitHandler) CountByStudent(c *gin.Context) {
	count, err := h.service.CountByStudent(c.Request.Context(), c.Param("studentId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, count, nil)
}
