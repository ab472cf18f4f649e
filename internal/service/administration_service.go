package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
)

type administrationStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, admin *models.Administration) error
	ListByVisit(ctx context.Context, visitID string) ([]models.Administration, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Administration, error)
	ListRecent(ctx context.Context, limit int) ([]models.Administration, error)
}

type visitReader interface {
	FindByID(ctx context.Context, id string) (*models.Visit, error)
	FindForShare(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Visit, error)
}

type stockLedger interface {
	LockForAdjustment(ctx context.Context, exec sqlx.ExtContext, id string) (*models.StockItem, error)
	ApplyAdjustment(ctx context.Context, exec sqlx.ExtContext, item *models.StockItem, delta int, reason, actorID string) ([]models.Notification, error)
	Publish(ctx context.Context, kind string, staged []models.Notification)
}

// AdministrationConfig holds administration query defaults.
type AdministrationConfig struct {
	RecentLimit int
}

// AdministrationService records doses given during visits and draws them from stock.
type AdministrationService struct {
	store     administrationStore
	visits    visitReader
	ledger    stockLedger
	tx        txProvider
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       AdministrationConfig
}

// NewAdministrationService wires the administration orchestrator.
func NewAdministrationService(
	store administrationStore,
	visits visitReader,
	ledger stockLedger,
	tx txProvider,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg AdministrationConfig,
) *AdministrationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 10
	}
	return &AdministrationService{
		store:     store,
		visits:    visits,
		ledger:    ledger,
		tx:        tx,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// Administer records a dose. The visit is share-locked for the transaction so it cannot
// be deleted underneath the record. When the dose names a stock item, one unit is drawn
// from the ledger in the same transaction.
func (s *AdministrationService) Administer(ctx context.Context, req dto.AdministerMedicationRequest, actor *models.JWTClaims) (admin *models.Administration, err error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	req.MedicationName = strings.TrimSpace(req.MedicationName)
	req.AdministeredBy = strings.TrimSpace(req.AdministeredBy)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid administration payload")
	}

	admin = &models.Administration{
		VisitID:        req.VisitID,
		MedicationName: req.MedicationName,
		Dosage:         req.Dosage,
		BatchNumber:    req.BatchNumber,
		Notes:          req.Notes,
		AdministeredBy: req.AdministeredBy,
	}
	if req.StockItemID != nil && strings.TrimSpace(*req.StockItemID) != "" {
		stockID := strings.TrimSpace(*req.StockItemID)
		admin.StockItemID = &stockID
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start administration transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = s.visits.FindForShare(ctx, tx, req.VisitID); err != nil {
		err = visitLookupError(err)
		return nil, err
	}

	var staged []models.Notification
	if admin.StockItemID != nil {
		item, lockErr := s.ledger.LockForAdjustment(ctx, tx, *admin.StockItemID)
		if lockErr != nil {
			err = lockErr
			return nil, err
		}
		if item.CurrentStock <= 0 {
			err = appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("Medication '%s' is out of stock.", item.Name))
			return nil, err
		}
		if staged, err = s.ledger.ApplyAdjustment(ctx, tx, item, -1, models.StockReasonAdministration, actor.UserID); err != nil {
			return nil, err
		}
	}
	if err = s.store.Create(ctx, tx, admin); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record administration")
	}
	if err = tx.Commit(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit administration")
	}

	if admin.StockItemID != nil {
		s.ledger.Publish(ctx, models.StockReasonAdministration, staged)
	}
	s.recorded(admin)
	return admin, nil
}

func (s *AdministrationService) recorded(admin *models.Administration) {
	s.metrics.MedicationAdministered()
	fields := []zap.Field{
		zap.String("administration_id", admin.ID),
		zap.String("visit_id", admin.VisitID),
		zap.String("medication", admin.MedicationName),
	}
	if admin.StockItemID != nil {
		fields = append(fields, zap.String("stock_item_id", *admin.StockItemID))
	}
	s.logger.Info("medication administered", fields...)
}

// ListByVisit returns the administrations of a visit, newest first.
func (s *AdministrationService) ListByVisit(ctx context.Context, visitID string, actor *models.JWTClaims) ([]models.Administration, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	if _, err := s.loadVisit(ctx, visitID); err != nil {
		return nil, err
	}
	items, err := s.store.ListByVisit(ctx, visitID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list administrations")
	}
	return items, nil
}

// ListByStudent returns administrations across a student's visits, newest first.
func (s *AdministrationService) ListByStudent(ctx context.Context, studentID string, actor *models.JWTClaims) ([]models.Administration, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	items, err := s.store.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list administrations")
	}
	return items, nil
}

// Recent returns the latest administrations. Zero uses the configured limit.
func (s *AdministrationService) Recent(ctx context.Context, limit int, actor *models.JWTClaims) ([]models.Administration, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "limit must not be negative")
	}
	if limit == 0 {
		limit = s.cfg.RecentLimit
	}
	if limit > 100 {
		limit = 100
	}
	items, err := s.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list recent administrations")
	}
	return items, nil
}

func (s *AdministrationService) loadVisit(ctx context.Context, id string) (*models.Visit, error) {
	visit, err := s.visits.FindByID(ctx, id)
	if err != nil {
		return nil, visitLookupError(err)
	}
	return visit, nil
}

func visitLookupError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "visit not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load visit")
}
