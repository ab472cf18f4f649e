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

type administrationService interface {
	Administer(ctx context.Context, req dto.AdministerMedicationRequest, actor *models.JWTClaims) (*models.Administration, error)
	ListByVisit(ctx context.Context, visitID string, actor *models.JWTClaims) ([]models.Administration, error)
	ListByStudent(ctx context.Context, studentID string, actor *models.JWTClaims) ([]models.Administration, error)
	Recent(ctx context.Context, limit int, actor *models.JWTClaims) ([]models.Administration, error)
}

// AdministrationHandler exposes medication administration endpoints.
type AdministrationHandler struct {
	service administrationService
}

// NewAdministrationHandler constructs an administration handler.
func NewAdministrationHandler(service administrationService) *AdministrationHandler {
	return &AdministrationHandler{service: service}
}

// Administer godoc
// @Summary Record a medication administration
// @Tags Administrations
// @Accept json
// @Produce json
// @Param payload body dto.AdministerMedicationRequest true "Administration payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /medications/administrations [post]
func (h *AdministrationHandler) Administer(c *gin.Context) {
	var req dto.AdministerMedicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	admin, err := h.service.Administer(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, admin)
}

// ListByVisit godoc
// @Summary List administrations of a visit
// @Tags Administrations
// @Produce json
// @Param visitId path string true "Visit ID"
// @Success 200 {object} response.Envelope
// @Router /medications/administrations/visits/{visitId} [get]
func (h *AdministrationHandler) ListByVisit(c *gin.Context) {
	items, err := h.service.ListByVisit(c.Request.Context(), c.Param("visitId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// ListByStudent godoc
// @Summary List administrations of a student
// @Tags Administrations
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /medications/administrations/students/{studentId} [get]
func (h *AdministrationHandler) ListByStudent(c *gin.Context) {
	items, err := h.service.ListByStudent(c.Request.Context(), c.Param("studentId"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Recent godoc
// @Summary List recent administrations
// @Tags Administrations
// @Produce json
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /medications/administrations/recent [get]
func (h *AdministrationHandler) Recent(c *gin.Context) {
	items, err := h.service.Recent(c.Request.Context(), parseQueryInt(c, "limit", 0), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}
