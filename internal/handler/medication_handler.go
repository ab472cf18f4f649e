package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	"github.com/noah-isme/sims-infirmary-api/internal/service"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
	"github.com/noah-isme/sims-infirmary-api/pkg/response"
)

type inventoryService interface {
	Create(ctx context.Context, req dto.CreateStockItemRequest, actor *models.JWTClaims) (*models.StockItem, error)
	Update(ctx context.Context, id string, req dto.UpdateStockItemRequest, actor *models.JWTClaims) (*models.StockItem, error)
	Deactivate(ctx context.Context, id string, actor *models.JWTClaims) error
	AdjustStock(ctx context.Context, id string, req dto.AdjustStockRequest, actor *models.JWTClaims) (*models.StockItem, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.StockItem, error)
	ListActive(ctx context.Context, actor *models.JWTClaims) ([]models.StockItem, error)
	LowStock(ctx context.Context, actor *models.JWTClaims) ([]models.StockItem, error)
	Expiring(ctx context.Context, days *int, actor *models.JWTClaims) ([]models.StockItem, error)
	Movements(ctx context.Context, id string, limit int, actor *models.JWTClaims) ([]models.StockMovement, error)
}

type inventoryExporter interface {
	Inventory(ctx context.Context, report, format string, days *int, actor *models.JWTClaims) (*service.ExportResult, error)
}

// MedicationHandler exposes the medication inventory endpoints.
type MedicationHandler struct {
	inventory inventoryService
	exports   inventoryExporter
}

// NewMedicationHandler constructs a medication handler.
func NewMedicationHandler(inventory inventoryService, exports inventoryExporter) *MedicationHandler {
	return &MedicationHandler{inventory: inventory, exports: exports}
}

// List godoc
// @Summary List active medications
// @Tags Medications
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /medications/inventory [get]
func (h *MedicationHandler) List(c *gin.Context) {
	items, err := h.inventory.ListActive(c.Request.Context(), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Get godoc
// @Summary Get medication
// @Tags Medications
// @Produce json
// @Param id path string true "Stock item ID"
// @Success 200 {object} response.Envelope
// @Router /medications/inventory/{id} [get]
func (h *MedicationHandler) Get(c *gin.Context) {
	item, err := h.inventory.Get(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Create godoc
// @Summary Register medication
// @Tags Medications
// @Accept json
// @Produce json
// @Param payload body dto.CreateStockItemRequest true "Medication payload"
// @Success 201 {object} response.Envelope
// @Router /medications/inventory [post]
func (h *MedicationHandler) Create(c *gin.Context) {
	var req dto.CreateStockItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	item, err := h.inventory.Create(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, item)
}

// Update godoc
// @Summary Update medication metadata
// @Tags Medications
// @Accept json
// @Produce json
// @Param id path string true "Stock item ID"
// @Param payload body dto.UpdateStockItemRequest true "Medication payload"
// @Success 200 {object} response.Envelope
// @Router /medications/inventory/{id} [put]
func (h *MedicationHandler) Update(c *gin.Context) {
	var req dto.UpdateStockItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	item, err := h.inventory.Update(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Deactivate godoc
// @Summary Deactivate medication
// @Tags Medications
// @Param id path string true "Stock item ID"
// @Success 204
// @Router /medications/inventory/{id} [delete]
func (h *MedicationHandler) Deactivate(c *gin.Context) {
	if err := h.inventory.Deactivate(c.Request.Context(), c.Param("id"), claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// AdjustStock godoc
// @Summary Adjust stock level
// @Tags Medications
// @Accept json
// @Produce json
// @Param id path string true "Stock item ID"
// @Param payload body dto.AdjustStockRequest true "Signed stock change"
// @Success 200 {object} response.Envelope
// @Router /medications/inventory/{id}/stock [patch]
func (h *MedicationHandler) AdjustStock(c *gin.Context) {
	var req dto.AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	item, err := h.inventory.AdjustStock(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// LowStock godoc
// @Summary List medications at or below minimum stock
// @Tags Medications
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /medications/inventory/low-stock [get]
func (h *MedicationHandler) LowStock(c *gin.Context) {
	items, err := h.inventory.LowStock(c.Request.Context(), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Expiring godoc
// @Summary List medications expiring soon
// @Tags Medications
// @Produce json
// @Param days query int false "Days ahead"
// @Success 200 {object} response.Envelope
// @Router /medications/inventory/expiring [get]
func (h *MedicationHandler) Expiring(c *gin.Context) {
	days, err := optionalQueryInt(c, "days")
	if err != nil {
		response.Error(c, err)
		return
	}
	items, err := h.inventory.Expiring(c.Request.Context(), days, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Movements godoc
// @Summary List stock movements of a medication
// @Tags Medications
// @Produce json
// @Param id path string true "Stock item ID"
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /medications/inventory/{id}/movements [get]
func (h *MedicationHandler) Movements(c *gin.Context) {
	movements, err := h.inventory.Movements(c.Request.Context(), c.Param("id"), parseQueryInt(c, "limit", 0), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, movements, nil)
}

// Export godoc
// @Summary Export inventory report
// @Tags Medications
// @Produce text/csv
// @Produce application/pdf
// @Param report query string false "low-stock or expiring"
// @Param format query string false "csv or pdf"
// @Param days query int false "Days ahead for the expiring report"
// @Success 200 {file} file
// @Router /medications/inventory/export [get]
func (h *MedicationHandler) Export(c *gin.Context) {
	days, err := optionalQueryInt(c, "days")
	if err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.exports.Inventory(c.Request.Context(), c.Query("report"), c.Query("format"), days, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, result.Filename, result.ContentType, result.Body)
}
