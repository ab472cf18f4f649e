package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	"github.com/noah-isme/sims-infirmary-api/internal/repository"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
)

type visitStore interface {
	Create(ctx context.Context, exec sqlx.ExtContext, visit *models.Visit) error
	FindByID(ctx context.Context, id string) (*models.Visit, error)
	Update(ctx context.Context, exec sqlx.ExtContext, visit *models.Visit, prev *models.Disposition) error
	Delete(ctx context.Context, exec sqlx.ExtContext, id string) error
	List(ctx context.Context, filter models.VisitFilter) ([]models.Visit, int, error)
	ListSince(ctx context.Context, since time.Time) ([]models.Visit, error)
	CountByStudent(ctx context.Context, studentID string) (int, error)
}

type visitAlerts interface {
	EmergencyVisitAlert(ctx context.Context, visit *models.Visit, student *models.Student) (DispatchRequest, error)
	DispositionChangeAlert(ctx context.Context, visit *models.Visit, student *models.Student) (DispatchRequest, error)
	Stage(ctx context.Context, exec sqlx.ExtContext, req DispatchRequest) ([]models.Notification, error)
	Deliver(ctx context.Context, batch []models.Notification)
}

// VisitConfig holds visit query defaults.
type VisitConfig struct {
	RecentDays int
}

// VisitService owns the visit lifecycle: OPEN until a disposition is recorded.
type VisitService struct {
	visits    visitStore
	students  studentReader
	staff     staffDirectory
	alerts    visitAlerts
	tx        txProvider
	validator *validator.Validate
	logger    *zap.Logger
	cfg       VisitConfig
	now       func() time.Time
}

// NewVisitService wires the visit state machine.
func NewVisitService(
	visits visitStore,
	students studentReader,
	staff staffDirectory,
	alerts visitAlerts,
	tx txProvider,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg VisitConfig,
) *VisitService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecentDays <= 0 {
		cfg.RecentDays = 7
	}
	return &VisitService{
		visits:    visits,
		students:  students,
		staff:     staff,
		alerts:    alerts,
		tx:        tx,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Create opens a visit. Emergency visits alert every active nurse and admin.
func (s *VisitService) Create(ctx context.Context, req dto.CreateVisitRequest, actor *models.JWTClaims) (*models.Visit, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid visit payload")
	}
	if err := validateDisposition(req.Disposition); err != nil {
		return nil, err
	}
	student, err := s.loadStudent(ctx, req.StudentID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureAttending(ctx, req.StaffID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	visit := &models.Visit{
		StudentID:       req.StudentID,
		StaffID:         req.StaffID,
		VisitTime:       now,
		Reason:          req.Reason,
		Symptoms:        req.Symptoms,
		Observations:    req.Observations,
		VitalSigns:      req.VitalSigns,
		FinalAssessment: req.FinalAssessment,
		Emergency:       req.Emergency,
		Disposition:     req.Disposition,
		ReferredBy:      req.ReferredBy,
	}
	if req.VisitTime != nil {
		visit.VisitTime = req.VisitTime.UTC()
	}
	if visit.Disposition != nil {
		visit.DispositionTime = &now
	}

	err = s.commit(ctx, func(exec sqlx.ExtContext) ([]DispatchRequest, error) {
		if err := s.visits.Create(ctx, exec, visit); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create visit")
		}
		if !visit.Emergency {
			return nil, nil
		}
		alert, err := s.alerts.EmergencyVisitAlert(ctx, visit, student)
		if err != nil {
			return nil, err
		}
		return []DispatchRequest{alert}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("visit created",
		zap.String("visit_id", visit.ID),
		zap.String("student_id", visit.StudentID),
		zap.Bool("emergency", visit.Emergency),
	)
	return visit, nil
}

// Update replaces the editable fields of a visit. A changed disposition alerts admins
// and the attending staff member; a newly raised emergency flag alerts nurses and admins.
func (s *VisitService) Update(ctx context.Context, id string, req dto.UpdateVisitRequest, actor *models.JWTClaims) (*models.Visit, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid visit payload")
	}
	if err := validateDisposition(req.Disposition); err != nil {
		return nil, err
	}
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	student, err := s.loadStudent(ctx, req.StudentID)
	if err != nil {
		return nil, err
	}
	if req.StaffID != current.StaffID {
		if err := s.ensureAttending(ctx, req.StaffID); err != nil {
			return nil, err
		}
	}

	next := *current
	next.StudentID = req.StudentID
	next.StaffID = req.StaffID
	if req.VisitTime != nil {
		next.VisitTime = req.VisitTime.UTC()
	}
	next.Reason = req.Reason
	next.Symptoms = req.Symptoms
	next.Observations = req.Observations
	next.VitalSigns = req.VitalSigns
	next.FinalAssessment = req.FinalAssessment
	next.ReferredBy = req.ReferredBy
	if req.Emergency != nil && *req.Emergency {
		next.Emergency = true
	}
	if req.Disposition != nil {
		next.Disposition = req.Disposition
	}

	return s.apply(ctx, current, &next, student)
}

// SetDisposition records the outcome of a visit. Repeating the current disposition is a no-op.
func (s *VisitService) SetDisposition(ctx context.Context, id string, req dto.SetDispositionRequest, actor *models.JWTClaims) (*models.Visit, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid disposition payload")
	}
	if err := validateDisposition(&req.Disposition); err != nil {
		return nil, err
	}
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.CurrentDisposition() == req.Disposition {
		return current, nil
	}
	student, err := s.loadStudent(ctx, current.StudentID)
	if err != nil {
		return nil, err
	}

	next := *current
	disposition := req.Disposition
	next.Disposition = &disposition
	return s.apply(ctx, current, &next, student)
}

func (s *VisitService) apply(ctx context.Context, current, next *models.Visit, student *models.Student) (*models.Visit, error) {
	dispositionChanged := next.Disposition != nil && next.CurrentDisposition() != current.CurrentDisposition()
	emergencyRaised := next.Emergency && !current.Emergency

	err := s.commit(ctx, func(exec sqlx.ExtContext) ([]DispatchRequest, error) {
		if err := s.visits.Update(ctx, exec, next, current.Disposition); err != nil {
			if errors.Is(err, repository.ErrStaleVisit) {
				return nil, appErrors.Clone(appErrors.ErrConflict, "visit was modified concurrently")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update visit")
		}
		var alerts []DispatchRequest
		if dispositionChanged {
			alert, err := s.alerts.DispositionChangeAlert(ctx, next, student)
			if err != nil {
				return nil, err
			}
			alerts = append(alerts, alert)
		}
		if emergencyRaised {
			alert, err := s.alerts.EmergencyVisitAlert(ctx, next, student)
			if err != nil {
				return nil, err
			}
			alerts = append(alerts, alert)
		}
		return alerts, nil
	})
	if err != nil {
		return nil, err
	}
	if dispositionChanged {
		s.logger.Info("visit disposition changed",
			zap.String("visit_id", next.ID),
			zap.String("from", string(current.CurrentDisposition())),
			zap.String("to", string(next.CurrentDisposition())),
		)
	}
	return next, nil
}

// commit runs write in a transaction, stages the alerts it returns on the same
// transaction and delivers them once committed.
func (s *VisitService) commit(ctx context.Context, write func(exec sqlx.ExtContext) ([]DispatchRequest, error)) (err error) {
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start visit transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	alerts, err := write(tx)
	if err != nil {
		return err
	}
	staged := make([][]models.Notification, 0, len(alerts))
	for _, alert := range alerts {
		batch, stageErr := s.alerts.Stage(ctx, tx, alert)
		if stageErr != nil {
			err = stageErr
			return err
		}
		staged = append(staged, batch)
	}
	if err = tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit visit")
	}
	for _, batch := range staged {
		s.alerts.Deliver(ctx, batch)
	}
	return nil
}

// Delete removes a visit that has no recorded administrations. The visit row stays
// locked until the transaction ends.
func (s *VisitService) Delete(ctx context.Context, id string, actor *models.JWTClaims) (err error) {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start visit transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.visits.Delete(ctx, tx, id); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = appErrors.Clone(appErrors.ErrNotFound, "visit not found")
		case errors.Is(err, repository.ErrVisitHasAdministrations):
			err = appErrors.Clone(appErrors.ErrConflict, "visit has recorded medication administrations")
		default:
			err = appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete visit")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to commit visit delete")
	}
	s.logger.Info("visit deleted", zap.String("visit_id", id), zap.String("actor_id", actor.UserID))
	return nil
}

// Get returns a visit by ID.
func (s *VisitService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Visit, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	return s.load(ctx, id)
}

// List returns visits matching the filter, newest first.
func (s *VisitService) List(ctx context.Context, filter models.VisitFilter, actor *models.JWTClaims) ([]models.Visit, *models.Pagination, error) {
	if err := requireClinical(actor); err != nil {
		return nil, nil, err
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "start date must not be after end date")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	visits, total, err := s.visits.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list visits")
	}
	return visits, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Recent returns visits of the last days, newest first. A nil days uses the configured window.
func (s *VisitService) Recent(ctx context.Context, days *int, actor *models.JWTClaims) ([]models.Visit, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	window := s.cfg.RecentDays
	if days != nil {
		if *days < 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "days must not be negative")
		}
		window = *days
	}
	since := s.now().UTC().AddDate(0, 0, -window)
	visits, err := s.visits.ListSince(ctx, since)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list recent visits")
	}
	return visits, nil
}

// CountByStudent returns how many visits a student has.
func (s *VisitService) CountByStudent(ctx context.Context, studentID string, actor *models.JWTClaims) (*dto.VisitCount, error) {
	if err := requireClinical(actor); err != nil {
		return nil, err
	}
	count, err := s.visits.CountByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count visits")
	}
	return &dto.VisitCount{StudentID: studentID, Count: count}, nil
}

func (s *VisitService) load(ctx context.Context, id string) (*models.Visit, error) {
	visit, err := s.visits.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "visit not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load visit")
	}
	return visit, nil
}

func (s *VisitService) loadStudent(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.students.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

func (s *VisitService) ensureAttending(ctx context.Context, staffID string) error {
	staff, err := s.staff.FindByID(ctx, staffID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "staff member not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load staff member")
	}
	if !staff.CanAttend() {
		return appErrors.Clone(appErrors.ErrValidation, "attending staff must be a nurse or admin")
	}
	return nil
}

func validateDisposition(d *models.Disposition) error {
	if d != nil && !d.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, "invalid disposition")
	}
	return nil
}
