package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

const administrationColumns = `a.id, a.visit_id, a.stock_item_id, a.medication_name, a.dosage, a.batch_number, a.notes,
a.administered_at, a.administered_by`

// AdministrationRepository persists medication administrations. Rows are never updated.
type AdministrationRepository struct {
	db *sqlx.DB
}

// NewAdministrationRepository constructs an AdministrationRepository.
func NewAdministrationRepository(db *sqlx.DB) *AdministrationRepository {
	return &AdministrationRepository{db: db}
}

func (r *AdministrationRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Create inserts an administration, optionally inside the caller's transaction.
func (r *AdministrationRepository) Create(ctx context.Context, exec sqlx.ExtContext, admin *models.Administration) error {
	if admin.ID == "" {
		admin.ID = uuid.NewString()
	}
	if admin.AdministeredAt.IsZero() {
		admin.AdministeredAt = time.Now().UTC()
	}
	const query = `INSERT INTO medication_administrations (id, visit_id, stock_item_id, medication_name, dosage,
batch_number, notes, administered_at, administered_by)
VALUES (:id, :visit_id, :stock_item_id, :medication_name, :dosage, :batch_number, :notes, :administered_at, :administered_by)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, admin); err != nil {
		return fmt.Errorf("create administration: %w", err)
	}
	return nil
}

// ListByVisit returns administrations of a visit, newest first.
func (r *AdministrationRepository) ListByVisit(ctx context.Context, visitID string) ([]models.Administration, error) {
	query := `SELECT ` + administrationColumns + ` FROM medication_administrations a
WHERE a.visit_id = $1 ORDER BY a.administered_at DESC`
	var out []models.Administration
	if err := r.db.SelectContext(ctx, &out, query, visitID); err != nil {
		return nil, fmt.Errorf("list administrations by visit: %w", err)
	}
	return out, nil
}

// ListByStudent returns administrations across all visits of a student, newest first.
func (r *AdministrationRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Administration, error) {
	query := `SELECT ` + administrationColumns + ` FROM medication_administrations a
JOIN visits v ON v.id = a.visit_id
WHERE v.student_id = $1 ORDER BY a.administered_at DESC`
	var out []models.Administration
	if err := r.db.SelectContext(ctx, &out, query, studentID); err != nil {
		return nil, fmt.Errorf("list administrations by student: %w", err)
	}
	return out, nil
}

// ListRecent returns the latest administrations.
func (r *AdministrationRepository) ListRecent(ctx context.Context, limit int) ([]models.Administration, error) {
	query := `SELECT ` + administrationColumns + ` FROM medication_administrations a
ORDER BY a.administered_at DESC LIMIT $1`
	var out []models.Administration
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("list recent administrations: %w", err)
	}
	return out, nil
}
