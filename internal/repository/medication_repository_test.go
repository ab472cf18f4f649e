package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

var stockRowColumns = []string{"id", "name", "generic_name", "dosage_form", "strength", "supplier", "current_stock",
	"minimum_stock", "expiry_date", "status", "created_at", "updated_at"}

func TestMedicationRepositoryFindForUpdateInsideTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMedicationRepository(db)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM medication_inventory WHERE id = $1 FOR UPDATE")).
		WithArgs("stock-1").
		WillReturnRows(sqlmock.NewRows(stockRowColumns).
			AddRow("stock-1", "Paracetamol", "acetaminophen", "tablet", "500mg", nil, 12, 5, nil, "ACTIVE", now, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE medication_inventory SET current_stock = $1, updated_at = $2 WHERE id = $3")).
		WithArgs(11, sqlmock.AnyArg(), "stock-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO stock_movements").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	item, err := repo.FindForUpdate(context.Background(), tx, "stock-1")
	require.NoError(t, err)
	assert.Equal(t, 12, item.CurrentStock)
	assert.True(t, item.Active())

	require.NoError(t, repo.UpdateStock(context.Background(), tx, "stock-1", 11, now))
	movement := &models.StockMovement{StockItemID: "stock-1", Delta: -1, ResultingStock: 11, Reason: models.StockReasonAdministration, ActorID: "nurse-1"}
	require.NoError(t, repo.RecordMovement(context.Background(), tx, movement))
	assert.NotEmpty(t, movement.ID)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMedicationRepositoryUpdateLeavesStockAlone(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMedicationRepository(db)

	mock.ExpectExec(`(?s)UPDATE medication_inventory SET name = .+ minimum_stock = .+ WHERE id = `).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), &models.StockItem{ID: "stock-1", Name: "Ibuprofen", CurrentStock: 999})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMedicationRepositoryExistsActiveName(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMedicationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM medication_inventory WHERE LOWER(name) = LOWER($1) AND status = $2 AND id <> $3 LIMIT 1")).
		WithArgs("Paracetamol", models.StockStatusActive, "stock-1").
		WillReturnError(sql.ErrNoRows)

	exists, err := repo.ExistsActiveName(context.Background(), "Paracetamol", "stock-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMedicationRepositorySetStatusMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMedicationRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE medication_inventory SET status = $1")).
		WithArgs(models.StockStatusInactive, sqlmock.AnyArg(), "stock-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetStatus(context.Background(), "stock-1", models.StockStatusInactive)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMedicationRepositoryListLowStock(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMedicationRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("current_stock <= minimum_stock")).
		WithArgs(models.StockStatusActive).
		WillReturnRows(sqlmock.NewRows(stockRowColumns).
			AddRow("stock-1", "Plaster", nil, nil, nil, nil, 2, 10, nil, "ACTIVE", now, now))

	items, err := repo.ListLowStock(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].IsLow())
}

func TestMedicationRepositoryListExpiring(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMedicationRepository(db)

	cutoff := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("expiry_date IS NOT NULL AND expiry_date <= $2 ORDER BY expiry_date ASC")).
		WithArgs(models.StockStatusActive, cutoff).
		WillReturnRows(sqlmock.NewRows(stockRowColumns))

	items, err := repo.ListExpiring(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Empty(t, items)
}
