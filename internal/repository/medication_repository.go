package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

const stockColumns = `id, name, generic_name, dosage_form, strength, supplier, current_stock, minimum_stock,
expiry_date, status, created_at, updated_at`

// MedicationRepository persists inventory items and their stock ledger.
type MedicationRepository struct {
	db *sqlx.DB
}

// NewMedicationRepository constructs a MedicationRepository.
func NewMedicationRepository(db *sqlx.DB) *MedicationRepository {
	return &MedicationRepository{db: db}
}

func (r *MedicationRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Create inserts a new inventory item.
func (r *MedicationRepository) Create(ctx context.Context, item *models.StockItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = models.StockStatusActive
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	const query = `INSERT INTO medication_inventory (id, name, generic_name, dosage_form, strength, supplier,
current_stock, minimum_stock, expiry_date, status, created_at, updated_at)
VALUES (:id, :name, :generic_name, :dosage_form, :strength, :supplier,
:current_stock, :minimum_stock, :expiry_date, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, item); err != nil {
		return fmt.Errorf("create stock item: %w", err)
	}
	return nil
}

// Update writes item metadata. current_stock is left untouched.
func (r *MedicationRepository) Update(ctx context.Context, item *models.StockItem) error {
	item.UpdatedAt = time.Now().UTC()
	const query = `UPDATE medication_inventory SET name = :name, generic_name = :generic_name, dosage_form = :dosage_form,
strength = :strength, supplier = :supplier, minimum_stock = :minimum_stock, expiry_date = :expiry_date, updated_at = :updated_at
WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, item)
	if err != nil {
		return fmt.Errorf("update stock item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("stock item rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FindByID loads an item. Missing rows surface as sql.ErrNoRows.
func (r *MedicationRepository) FindByID(ctx context.Context, id string) (*models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM medication_inventory WHERE id = $1`
	var item models.StockItem
	if err := r.db.GetContext(ctx, &item, query, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// FindForUpdate loads an item and locks its row until the surrounding transaction ends.
func (r *MedicationRepository) FindForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM medication_inventory WHERE id = $1 FOR UPDATE`
	var item models.StockItem
	if err := sqlx.GetContext(ctx, r.exec(exec), &item, query, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateStock sets the stock level of a locked item.
func (r *MedicationRepository) UpdateStock(ctx context.Context, exec sqlx.ExtContext, id string, stock int, at time.Time) error {
	const query = `UPDATE medication_inventory SET current_stock = $1, updated_at = $2 WHERE id = $3`
	if _, err := r.exec(exec).ExecContext(ctx, query, stock, at, id); err != nil {
		return fmt.Errorf("update stock level: %w", err)
	}
	return nil
}

// RecordMovement appends a ledger entry.
func (r *MedicationRepository) RecordMovement(ctx context.Context, exec sqlx.ExtContext, movement *models.StockMovement) error {
	if movement.ID == "" {
		movement.ID = uuid.NewString()
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO stock_movements (id, stock_item_id, delta, resulting_stock, reason, actor_id, created_at)
VALUES (:id, :stock_item_id, :delta, :resulting_stock, :reason, :actor_id, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, movement); err != nil {
		return fmt.Errorf("record stock movement: %w", err)
	}
	return nil
}

// ListMovements returns the most recent ledger entries of an item.
func (r *MedicationRepository) ListMovements(ctx context.Context, stockItemID string, limit int) ([]models.StockMovement, error) {
	const query = `SELECT id, stock_item_id, delta, resulting_stock, reason, actor_id, created_at
FROM stock_movements WHERE stock_item_id = $1 ORDER BY created_at DESC LIMIT $2`
	var movements []models.StockMovement
	if err := r.db.SelectContext(ctx, &movements, query, stockItemID, limit); err != nil {
		return nil, fmt.Errorf("list stock movements: %w", err)
	}
	return movements, nil
}

// ExistsActiveName checks whether another active item already uses name.
func (r *MedicationRepository) ExistsActiveName(ctx context.Context, name, excludeID string) (bool, error) {
	query := `SELECT 1 FROM medication_inventory WHERE LOWER(name) = LOWER($1) AND status = $2`
	args := []interface{}{name, models.StockStatusActive}
	if excludeID != "" {
		query += " AND id <> $3"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check stock item name: %w", err)
	}
	return true, nil
}

// SetStatus changes the lifecycle state of an item.
func (r *MedicationRepository) SetStatus(ctx context.Context, id string, status models.StockStatus) error {
	const query = `UPDATE medication_inventory SET status = $1, updated_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set stock item status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("stock item rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListActive returns active items ordered by name.
func (r *MedicationRepository) ListActive(ctx context.Context) ([]models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM medication_inventory WHERE status = $1 ORDER BY name ASC`
	return r.selectItems(ctx, "list active stock items", query, models.StockStatusActive)
}

// ListLowStock returns active items at or below their threshold.
func (r *MedicationRepository) ListLowStock(ctx context.Context) ([]models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM medication_inventory
WHERE status = $1 AND current_stock <= minimum_stock ORDER BY current_stock ASC, name ASC`
	return r.selectItems(ctx, "list low stock items", query, models.StockStatusActive)
}

// ListExpiring returns active items expiring on or before cutoff, soonest first.
func (r *MedicationRepository) ListExpiring(ctx context.Context, cutoff time.Time) ([]models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM medication_inventory
WHERE status = $1 AND expiry_date IS NOT NULL AND expiry_date <= $2 ORDER BY expiry_date ASC`
	return r.selectItems(ctx, "list expiring stock items", query, models.StockStatusActive, cutoff)
}

func (r *MedicationRepository) selectItems(ctx context.Context, op, query string, args ...interface{}) ([]models.StockItem, error) {
	var items []models.StockItem
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}
