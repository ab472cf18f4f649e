package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

// StaffRepository reads staff members used for attendance checks and notification fan-out.
type StaffRepository struct {
	db *sqlx.DB
}

// NewStaffRepository constructs a StaffRepository.
func NewStaffRepository(db *sqlx.DB) *StaffRepository {
	return &StaffRepository{db: db}
}

// FindByID fetches a staff member by ID. Missing rows surface as sql.ErrNoRows.
func (r *StaffRepository) FindByID(ctx context.Context, id string) (*models.Staff, error) {
	const query = `SELECT id, full_name, email, role, status, created_at FROM staff WHERE id = $1`
	var staff models.Staff
	if err := r.db.GetContext(ctx, &staff, query, id); err != nil {
		return nil, err
	}
	return &staff, nil
}

// ListActiveByRoles returns active staff holding any of the roles.
func (r *StaffRepository) ListActiveByRoles(ctx context.Context, roles ...models.UserRole) ([]models.Staff, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	const query = `SELECT id, full_name, email, role, status, created_at FROM staff
WHERE status = $1 AND role = ANY($2) ORDER BY full_name ASC`
	var staff []models.Staff
	if err := r.db.SelectContext(ctx, &staff, query, models.StaffStatusActive, pq.Array(names)); err != nil {
		return nil, fmt.Errorf("list staff by roles: %w", err)
	}
	return staff, nil
}
