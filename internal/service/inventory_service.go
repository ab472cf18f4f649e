package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
)

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type stockStore interface {
	Create(ctx context.Context, item *models.StockItem) error
	Update(ctx context.Context, item *models.StockItem) error
	FindByID(ctx context.Context, id string) (*models.StockItem, error)
	FindForUpdate(ctx context.Context, exec sqlx.ExtContext, id string) (*models.StockItem, error)
	UpdateStock(ctx context.Context, exec sqlx.ExtContext, id string, stock int, at time.Time) error
	RecordMovement(ctx context.Context, exec sqlx.ExtContext, movement *models.StockMovement) error
	ListMovements(ctx context.Context, stockItemID string, limit int) ([]models.StockMovement, error)
	ExistsActiveName(ctx context.Context, name, excludeID string) (bool, error)
	SetStatus(ctx context.Context, id string, status models.StockStatus) error
	ListActive(ctx context.Context) ([]models.StockItem, error)
	ListLowStock(ctx context.Context) ([]models.StockItem, error)
	ListExpiring(ctx context.Context, cutoff time.Time) ([]models.StockItem, error)
}

type stockAlerts interface {
	LowStockAlert(ctx context.Context, item *models.StockItem) (DispatchRequest, error)
	Stage(ctx context.Context, exec sqlx.ExtContext, req DispatchRequest) ([]models.Notification, error)
	Deliver(ctx context.Context, batch []models.Notification)
}

// InventoryConfig holds ledger query defaults.
type InventoryConfig struct {
	ExpiringDays int
}

// InventoryService is the stock ledger: item lifecycle plus serialized stock movements.
type InventoryService struct {
	store     stockStore
	alerts    stockAlerts
	tx        txProvider
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       InventoryConfig
	now       func() time.Time
}

// NewInventoryService wires the ledger.
func NewInventoryService(store stockStore, alerts stockAlerts, tx txProvider, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg InventoryConfig) *InventoryService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExpiringDays <= 0 {
		cfg.ExpiringDays = 30
	}
	return &InventoryService{
		store:     store,
		alerts:    alerts,
		tx:        tx,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Create registers a new stock item.
func (s *InventoryService) Create(ctx context.Context, req dto.CreateStockItemRequest, actor *models.JWTClaims) (*models.StockItem, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid stock item payload")
	}
	if err := s.ensureNameAvailable(ctx, req.Name, ""); err != nil {
		return nil, err
	}

	item := &models.StockItem{
		Name:         req.Name,
		GenericName:  req.GenericName,
		DosageForm:   req.DosageForm,
		Strength:     req.Strength,
		Supplier:     req.Supplier,
		CurrentStock: req.CurrentStock,
		MinimumStock: req.MinimumStock,
		ExpiryDate:   req.ExpiryDate,
		Status:       models.StockStatusActive,
	}
	if err := s.store.Create(ctx, item); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create stock item")
	}
	s.logger.Info("stock item created", zap.String("stock_item_id", item.ID), zap.String("actor_id", actor.UserID))
	return item, nil
}

// Update edits item metadata. Stock levels only move through AdjustStock.
func (s *InventoryService) Update(ctx context.Context, id string, req dto.UpdateStockItemRequest, actor *models.JWTClaims) (*models.StockItem, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid stock item payload")
	}
	item, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Active() {
		if err := s.ensureNameAvailable(ctx, req.Name, id); err != nil {
			return nil, err
		}
	}

	item.Name = req.Name
	item.GenericName = req.GenericName
	item.DosageForm = req.DosageForm
	item.Strength = req.Strength
	item.Supplier = req.Supplier
	item.MinimumStock = req.MinimumStock
	item.ExpiryDate = req.ExpiryDate
	if err := s.store.Update(ctx, item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "stock item not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update stock item")
	}
	return item, nil
}

// Deactivate retires an item. Administration history is kept.
func (s *InventoryService) Deactivate(ctx context.Context, id string, actor *models.JWTClaims) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, id, models.StockStatusInactive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "stock item not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate stock item")
	}
	s.logger.Info("stock item deactivated", zap.String("stock_item_id", id), zap.String("actor_id", actor.UserID))
	return nil
}

// AdjustStock applies a signed delta to an item's stock in one transaction. A result
// below zero is rejected; a result at or below threshold raises one low stock alert.
func (s *InventoryService) AdjustStock(ctx context.Context, id string, req dto.AdjustStockRequest, actor *models.JWTClaims) (item *models.StockItem, err error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid stock adjustment payload")
	}
	if req.Delta == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "delta must not be zero")
	}
	kind := models.StockAdjustmentKind(req.Delta)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = kind
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start stock transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	item, err = s.LockForAdjustment(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	staged, err := s.ApplyAdjustment(ctx, tx, item, req.Delta, reason, actor.UserID)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit stock adjustment")
	}

	s.Publish(ctx, kind, staged)
	return item, nil
}

// LockForAdjustment loads an active item and holds its row lock for the transaction.
func (s *InventoryService) LockForAdjustment(ctx context.Context, exec sqlx.ExtContext, id string) (*models.StockItem, error) {
	item, err := s.store.FindForUpdate(ctx, exec, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "stock item not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock stock item")
	}
	if !item.Active() {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("medication '%s' is inactive", item.Name))
	}
	return item, nil
}

// ApplyAdjustment writes the new stock level and its ledger entry for an item locked
// through exec, updating item in place. Low stock alerts are staged on the same
// transaction; hand them to Publish after commit.
func (s *InventoryService) ApplyAdjustment(ctx context.Context, exec sqlx.ExtContext, item *models.StockItem, delta int, reason, actorID string) ([]models.Notification, error) {
	newStock := item.CurrentStock + delta
	if newStock < 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("insufficient stock. current stock: %d", item.CurrentStock))
	}

	at := s.now().UTC()
	if err := s.store.UpdateStock(ctx, exec, item.ID, newStock, at); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update stock level")
	}
	movement := &models.StockMovement{
		StockItemID:    item.ID,
		Delta:          delta,
		ResultingStock: newStock,
		Reason:         reason,
		ActorID:        actorID,
		CreatedAt:      at,
	}
	if err := s.store.RecordMovement(ctx, exec, movement); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record stock movement")
	}
	item.CurrentStock = newStock
	item.UpdatedAt = at

	if !item.IsLow() || s.alerts == nil {
		return nil, nil
	}
	alert, err := s.alerts.LowStockAlert(ctx, item)
	if err != nil {
		return nil, err
	}
	return s.alerts.Stage(ctx, exec, alert)
}

// Publish finishes a committed adjustment: counters and low stock delivery. kind is one
// of the StockReason constants; free-text reasons stay on the movement row.
func (s *InventoryService) Publish(ctx context.Context, kind string, staged []models.Notification) {
	s.metrics.StockAdjusted(kind)
	if len(staged) > 0 && s.alerts != nil {
		s.alerts.Deliver(ctx, staged)
	}
}

// Get returns an item by ID.
func (s *InventoryService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.StockItem, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	return s.load(ctx, id)
}

// ListActive returns dispensable items by name.
func (s *InventoryService) ListActive(ctx context.Context, actor *models.JWTClaims) ([]models.StockItem, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	items, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list stock items")
	}
	return items, nil
}

// LowStock returns active items at or below their threshold.
func (s *InventoryService) LowStock(ctx context.Context, actor *models.JWTClaims) ([]models.StockItem, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	items, err := s.store.ListLowStock(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list low stock items")
	}
	return items, nil
}

// Expiring returns active items expiring within days from today. A nil days uses the
// configured window.
func (s *InventoryService) Expiring(ctx context.Context, days *int, actor *models.JWTClaims) ([]models.StockItem, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	window := s.cfg.ExpiringDays
	if days != nil {
		if *days < 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "days must not be negative")
		}
		window = *days
	}
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	items, err := s.store.ListExpiring(ctx, today.AddDate(0, 0, window))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list expiring stock items")
	}
	return items, nil
}

// Movements returns the latest ledger entries of an item.
func (s *InventoryService) Movements(ctx context.Context, id string, limit int, actor *models.JWTClaims) ([]models.StockMovement, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	movements, err := s.store.ListMovements(ctx, id, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list stock movements")
	}
	return movements, nil
}

func (s *InventoryService) load(ctx context.Context, id string) (*models.StockItem, error) {
	item, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "stock item not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load stock item")
	}
	return item, nil
}

func (s *InventoryService) ensureNameAvailable(ctx context.Context, name, excludeID string) error {
	exists, err := s.store.ExistsActiveName(ctx, name, excludeID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check stock item name")
	}
	if exists {
		return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("medication with name '%s' already exists", name))
	}
	return nil
}
