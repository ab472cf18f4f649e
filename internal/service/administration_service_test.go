package service

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sims-infirmary-api/internal/dto"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	"github.com/noah-isme/sims-infirmary-api/internal/repository"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
)

type administrationStoreStub struct {
	records   []models.Administration
	createErr error
	limit     int
}

func (s *administrationStoreStub) Create(ctx context.Context, exec sqlx.ExtContext, admin *models.Administration) error {
	if s.createErr != nil {
		return s.createErr
	}
	admin.ID = "adm-1"
	admin.AdministeredAt = time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC)
	s.records = append(s.records, *admin)
	return nil
}

func (s *administrationStoreStub) ListByVisit(ctx context.Context, visitID string) ([]models.Administration, error) {
	var out []models.Administration
	for _, r := range s.records {
		if r.VisitID == visitID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *administrationStoreStub) ListByStudent(ctx context.Context, studentID string) ([]models.Administration, error) {
	return s.records, nil
}

func (s *administrationStoreStub) ListRecent(ctx context.Context, limit int) ([]models.Administration, error) {
	s.limit = limit
	return s.records, nil
}

type administrationFixture struct {
	svc    *AdministrationService
	stock  *stockStoreStub
	store  *administrationStoreStub
	visits *visitStoreStub
	alerts *alertsStub
	done   func() error
}

func newAdministrationFixture(t *testing.T, items ...models.StockItem) administrationFixture {
	t.Helper()
	stock := newStockStoreStub(items...)
	alerts := &alertsStub{recipients: []string{"nurse-1", "admin-1"}}
	tx, mock := newTxProviderMock(t)
	ledger := NewInventoryService(stock, alerts, tx, nil, nil, nil, InventoryConfig{})
	store := &administrationStoreStub{}
	visits := newVisitStoreStub(openVisit())
	svc := NewAdministrationService(store, visits, ledger, tx, nil, nil, nil, AdministrationConfig{RecentLimit: 10})
	return administrationFixture{svc: svc, stock: stock, store: store, visits: visits, alerts: alerts, done: mock.ExpectationsWereMet}
}

func ibuprofenDose() dto.AdministerMedicationRequest {
	id := "ibuprofen"
	return dto.AdministerMedicationRequest{
		VisitID:        "visit-7",
		StockItemID:    &id,
		MedicationName: "Ibuprofen",
		AdministeredBy: "Nurse One",
	}
}

func TestAdministrationServiceDrawsLastUnitThenRefuses(t *testing.T) {
	fx := newAdministrationFixture(t, ibuprofen(1, 5))
	mock := fx.svc.tx.(*txProviderMock).mock
	mock.ExpectBegin()
	mock.ExpectCommit()

	admin, err := fx.svc.Administer(context.Background(), ibuprofenDose(), nurseActor())
	require.NoError(t, err)
	assert.Equal(t, "adm-1", admin.ID)
	assert.Equal(t, 0, fx.stock.items["ibuprofen"].CurrentStock)
	require.Len(t, fx.stock.movements, 1)
	assert.Equal(t, -1, fx.stock.movements[0].Delta)
	assert.Equal(t, models.StockReasonAdministration, fx.stock.movements[0].Reason)
	require.Len(t, fx.store.records, 1)
	assert.Equal(t, []string{"visit-7"}, fx.visits.shared)

	require.Len(t, fx.alerts.staged, 1)
	assert.Equal(t, models.NotificationLowStock, fx.alerts.staged[0].Type)
	require.Len(t, fx.alerts.delivered, 1)
	assert.ElementsMatch(t, []string{"nurse-1", "admin-1"}, []string{fx.alerts.delivered[0][0].RecipientID, fx.alerts.delivered[0][1].RecipientID})

	mock.ExpectBegin()
	mock.ExpectRollback()
	_, err = fx.svc.Administer(context.Background(), ibuprofenDose(), nurseActor())
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	assert.Equal(t, "Medication 'Ibuprofen' is out of stock.", appErr.Message)
	assert.Equal(t, 0, fx.stock.items["ibuprofen"].CurrentStock)
	assert.Len(t, fx.store.records, 1)
	assert.Len(t, fx.stock.movements, 1)
	assert.Len(t, fx.alerts.delivered, 1)
	require.NoError(t, fx.done())
}

func TestAdministrationServiceWithoutStockItem(t *testing.T) {
	fx := newAdministrationFixture(t)
	mock := fx.svc.tx.(*txProviderMock).mock
	mock.ExpectBegin()
	mock.ExpectCommit()
	req := dto.AdministerMedicationRequest{
		VisitID:        "visit-7",
		MedicationName: "Own inhaler",
		AdministeredBy: "Nurse One",
	}

	admin, err := fx.svc.Administer(context.Background(), req, nurseActor())
	require.NoError(t, err)
	assert.Nil(t, admin.StockItemID)
	assert.Len(t, fx.store.records, 1)
	assert.Empty(t, fx.stock.movements)
	assert.Equal(t, []string{"visit-7"}, fx.visits.shared)
	require.NoError(t, fx.done())
}

func TestAdministrationServiceSharesVisitLock(t *testing.T) {
	tx, mock := newTxProviderMock(t)
	visits := repository.NewVisitRepository(tx.(*txProviderMock).db)
	store := &administrationStoreStub{}
	svc := NewAdministrationService(store, visits, nil, tx, nil, nil, nil, AdministrationConfig{})
	req := dto.AdministerMedicationRequest{VisitID: "visit-7", MedicationName: "Saline", AdministeredBy: "Nurse One"}

	t.Run("visit locked before the record is written", func(t *testing.T) {
		now := time.Now()
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM visits WHERE id = $1 FOR SHARE")).
			WithArgs("visit-7").
			WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "staff_id", "visit_time", "reason", "symptoms", "observations",
				"vital_signs", "final_assessment", "emergency", "disposition", "disposition_time", "referred_by", "created_at", "updated_at"}).
				AddRow("visit-7", "student-7", "nurse-1", now, "cut", nil, nil, nil, nil, false, nil, nil, nil, now, now))
		mock.ExpectCommit()

		_, err := svc.Administer(context.Background(), req, nurseActor())
		require.NoError(t, err)
		assert.Len(t, store.records, 1)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("visit deleted concurrently", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM visits WHERE id = $1 FOR SHARE")).
			WithArgs("visit-7").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := svc.Administer(context.Background(), req, nurseActor())
		assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
		assert.Len(t, store.records, 1)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAdministrationServiceRejections(t *testing.T) {
	inactive := ibuprofen(10, 1)
	inactive.Status = models.StockStatusInactive

	t.Run("missing visit", func(t *testing.T) {
		fx := newAdministrationFixture(t, ibuprofen(10, 1))
		req := ibuprofenDose()
		req.VisitID = "visit-404"
		mock := fx.svc.tx.(*txProviderMock).mock
		mock.ExpectBegin()
		mock.ExpectRollback()
		_, err := fx.svc.Administer(context.Background(), req, nurseActor())
		assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
		require.NoError(t, fx.done())
	})

	t.Run("blank administered by", func(t *testing.T) {
		fx := newAdministrationFixture(t, ibuprofen(10, 1))
		req := ibuprofenDose()
		req.AdministeredBy = "  "
		_, err := fx.svc.Administer(context.Background(), req, nurseActor())
		assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	})

	t.Run("teacher", func(t *testing.T) {
		fx := newAdministrationFixture(t, ibuprofen(10, 1))
		_, err := fx.svc.Administer(context.Background(), ibuprofenDose(), teacherActor())
		assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	})

	t.Run("inactive item", func(t *testing.T) {
		fx := newAdministrationFixture(t, inactive)
		mock := fx.svc.tx.(*txProviderMock).mock
		mock.ExpectBegin()
		mock.ExpectRollback()
		_, err := fx.svc.Administer(context.Background(), ibuprofenDose(), nurseActor())
		assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
		assert.Empty(t, fx.store.records)
		require.NoError(t, fx.done())
	})

	t.Run("record write fails", func(t *testing.T) {
		fx := newAdministrationFixture(t, ibuprofen(3, 5))
		fx.store.createErr = errors.New("connection reset")
		mock := fx.svc.tx.(*txProviderMock).mock
		mock.ExpectBegin()
		mock.ExpectRollback()
		_, err := fx.svc.Administer(context.Background(), ibuprofenDose(), nurseActor())
		assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
		assert.Empty(t, fx.alerts.delivered)
		require.NoError(t, fx.done())
	})
}

func TestAdministrationServiceQueries(t *testing.T) {
	fx := newAdministrationFixture(t)
	ctx := context.Background()
	mock := fx.svc.tx.(*txProviderMock).mock
	mock.ExpectBegin()
	mock.ExpectCommit()
	_, err := fx.svc.Administer(ctx, dto.AdministerMedicationRequest{VisitID: "visit-7", MedicationName: "Saline", AdministeredBy: "Nurse One"}, nurseActor())
	require.NoError(t, err)

	items, err := fx.svc.ListByVisit(ctx, "visit-7", nurseActor())
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = fx.svc.ListByVisit(ctx, "visit-404", nurseActor())
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	_, err = fx.svc.Recent(ctx, 0, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, 10, fx.store.limit)

	_, err = fx.svc.Recent(ctx, 1000, nurseActor())
	require.NoError(t, err)
	assert.Equal(t, 100, fx.store.limit)

	_, err = fx.svc.Recent(ctx, -1, nurseActor())
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	students, err := fx.svc.ListByStudent(ctx, "student-7", adminActor())
	require.NoError(t, err)
	assert.Len(t, students, 1)
}
