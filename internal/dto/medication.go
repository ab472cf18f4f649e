package dto

import "time"

// CreateStockItemRequest registers a new inventory item.
type CreateStockItemRequest struct {
	Name         string     `json:"name" validate:"required,max=150"`
	GenericName  *string    `json:"genericName"`
	DosageForm   *string    `json:"dosageForm"`
	Strength     *string    `json:"strength"`
	Supplier     *string    `json:"supplier"`
	CurrentStock int        `json:"currentStock" validate:"gte=0"`
	MinimumStock int        `json:"minimumStock" validate:"gte=0"`
	ExpiryDate   *time.Time `json:"expiryDate"`
}

// UpdateStockItemRequest edits item metadata. Stock levels only move through adjustments.
type UpdateStockItemRequest struct {
	Name         string     `json:"name" validate:"required,max=150"`
	GenericName  *string    `json:"genericName"`
	DosageForm   *string    `json:"dosageForm"`
	Strength     *string    `json:"strength"`
	Supplier     *string    `json:"supplier"`
	MinimumStock int        `json:"minimumStock" validate:"gte=0"`
	ExpiryDate   *time.Time `json:"expiryDate"`
}

// AdjustStockRequest applies a signed change to an item's stock.
type AdjustStockRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason" validate:"omitempty,max=64"`
}

// AdministerMedicationRequest records a dose given during a visit.
type AdministerMedicationRequest struct {
	VisitID        string  `json:"visitId" validate:"required"`
	StockItemID    *string `json:"stockItemId"`
	MedicationName string  `json:"medicationName" validate:"required"`
	Dosage         *string `json:"dosage"`
	BatchNumber    *string `json:"batchNumber"`
	Notes          *string `json:"notes"`
	AdministeredBy string  `json:"administeredBy" validate:"required"`
}
