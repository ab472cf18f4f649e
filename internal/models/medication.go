package models

import "time"

// StockStatus is the lifecycle state of an inventory item.
type StockStatus string

const (
	StockStatusActive   StockStatus = "ACTIVE"
	StockStatusInactive StockStatus = "INACTIVE"
)

// Reasons recorded on stock movements.
const (
	StockReasonAdministration = "administration"
	StockReasonRestock        = "restock"
	StockReasonCorrection     = "correction"
)

// StockAdjustmentKind classifies a manual adjustment by the sign of its delta.
func StockAdjustmentKind(delta int) string {
	if delta > 0 {
		return StockReasonRestock
	}
	return StockReasonCorrection
}

// StockItem is a medication or supply tracked by the infirmary ledger.
type StockItem struct {
	ID           string      `db:"id" json:"id"`
	Name         string      `db:"name" json:"name"`
	GenericName  *string     `db:"generic_name" json:"generic_name,omitempty"`
	DosageForm   *string     `db:"dosage_form" json:"dosage_form,omitempty"`
	Strength     *string     `db:"strength" json:"strength,omitempty"`
	Supplier     *string     `db:"supplier" json:"supplier,omitempty"`
	CurrentStock int         `db:"current_stock" json:"current_stock"`
	MinimumStock int         `db:"minimum_stock" json:"minimum_stock"`
	ExpiryDate   *time.Time  `db:"expiry_date" json:"expiry_date,omitempty"`
	Status       StockStatus `db:"status" json:"status"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// IsLow reports whether the item is at or below its reorder threshold.
func (s *StockItem) IsLow() bool {
	return s.CurrentStock <= s.MinimumStock
}

// Active reports whether the item can still be dispensed.
func (s *StockItem) Active() bool {
	return s.Status == StockStatusActive
}

// StockMovement is an append-only ledger entry for a stock change.
type StockMovement struct {
	ID             string    `db:"id" json:"id"`
	StockItemID    string    `db:"stock_item_id" json:"stock_item_id"`
	Delta          int       `db:"delta" json:"delta"`
	ResultingStock int       `db:"resulting_stock" json:"resulting_stock"`
	Reason         string    `db:"reason" json:"reason"`
	ActorID        string    `db:"actor_id" json:"actor_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Administration records a dose given during a visit. Append-only.
type Administration struct {
	ID             string    `db:"id" json:"id"`
	VisitID        string    `db:"visit_id" json:"visit_id"`
	StockItemID    *string   `db:"stock_item_id" json:"stock_item_id,omitempty"`
	MedicationName string    `db:"medication_name" json:"medication_name"`
	Dosage         *string   `db:"dosage" json:"dosage,omitempty"`
	BatchNumber    *string   `db:"batch_number" json:"batch_number,omitempty"`
	Notes          *string   `db:"notes" json:"notes,omitempty"`
	AdministeredAt time.Time `db:"administered_at" json:"administered_at"`
	AdministeredBy string    `db:"administered_by" json:"administered_by"`
}
