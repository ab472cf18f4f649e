package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

// ErrStaleVisit is returned when a visit's disposition changed between read and write.
var ErrStaleVisit = errors.New("visit disposition changed concurrently")

// ErrVisitHasAdministrations is returned when a delete targets a visit with recorded doses.
var ErrVisitHasAdministrations = errors.New("visit has medication administrations")

const visitColumns = `id, student_id, staff_id, visit_time, reason, symptoms, observations, vital_signs,
final_assessment, emergency, disposition, disposition_time, referred_by, created_at, updated_at`

// VisitRepository persists infirmary visits.
type VisitRepository struct {
	db *sqlx.DB
}

// NewVisitRepository constructs a VisitRepository.
func NewVisitRepository(db *sqlx.DB) *VisitRepository {
	return &VisitRepository{db: db}
}

func (r *VisitRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// Create inserts a new visit, optionally inside the caller's transaction.
func (r *VisitRepository) Create(ctx context.Context, exec sqlx.ExtContext, visit *models.Visit) error {
	if visit.ID == "" {
		visit.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if visit.CreatedAt.IsZero() {
		visit.CreatedAt = now
	}
	visit.UpdatedAt = now
	const query = `INSERT INTO visits (id, student_id, staff_id, visit_time, reason, symptoms, observations, vital_signs,
final_assessment, emergency, disposition, disposition_time, referred_by, created_at, updated_at)
VALUES (:id, :student_id, :staff_id, :visit_time, :reason, :symptoms, :observations, :vital_signs,
:final_assessment, :emergency, :disposition, :disposition_time, :referred_by, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, visit); err != nil {
		return fmt.Errorf("create visit: %w", err)
	}
	return nil
}

// FindByID loads a visit. Missing rows surface as sql.ErrNoRows.
func (r *VisitRepository) FindByID(ctx context.Context, id string) (*models.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE id = $1`
	var visit models.Visit
	if err := r.db.GetContext(ctx, &visit, query, id); err != nil {
		return nil, err
	}
	return &visit, nil
}

// Update writes the visit only if its disposition still equals prev. The emergency flag
// can only be raised and disposition_time is stamped once. Returns ErrStaleVisit when
// the guard does not match.
func (r *VisitRepository) Update(ctx context.Context, exec sqlx.ExtContext, visit *models.Visit, prev *models.Disposition) error {
	visit.UpdatedAt = time.Now().UTC()
	var stamp *time.Time
	if visit.Disposition != nil {
		stamp = &visit.UpdatedAt
	}
	const query = `UPDATE visits SET
	student_id = $1,
	staff_id = $2,
	visit_time = $3,
	reason = $4,
	symptoms = $5,
	observations = $6,
	vital_signs = $7,
	final_assessment = $8,
	emergency = emergency OR $9,
	disposition = $10,
	disposition_time = COALESCE(disposition_time, $11),
	referred_by = $12,
	updated_at = $13
WHERE id = $14 AND disposition IS NOT DISTINCT FROM $15
RETURNING emergency, disposition_time`
	var out struct {
		Emergency       bool       `db:"emergency"`
		DispositionTime *time.Time `db:"disposition_time"`
	}
	err := sqlx.GetContext(ctx, r.exec(exec), &out, query,
		visit.StudentID,
		visit.StaffID,
		visit.VisitTime,
		visit.Reason,
		visit.Symptoms,
		visit.Observations,
		visit.VitalSigns,
		visit.FinalAssessment,
		visit.Emergency,
		visit.Disposition,
		stamp,
		visit.ReferredBy,
		visit.UpdatedAt,
		visit.ID,
		prev,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStaleVisit
		}
		return fmt.Errorf("update visit: %w", err)
	}
	visit.Emergency = out.Emergency
	visit.DispositionTime = out.DispositionTime
	return nil
}

// FindForShare loads a visit and holds a share lock on it until exec commits, so the
// row cannot be deleted while dependents are written.
func (r *VisitRepository) FindForShare(ctx context.Context, exec sqlx.ExtContext, id string) (*models.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE id = $1 FOR SHARE`
	var visit models.Visit
	if err := sqlx.GetContext(ctx, r.exec(exec), &visit, query, id); err != nil {
		return nil, err
	}
	return &visit, nil
}

// Delete removes a visit that has no administrations. Missing rows surface as
// sql.ErrNoRows and visits with administrations as ErrVisitHasAdministrations.
func (r *VisitRepository) Delete(ctx context.Context, exec sqlx.ExtContext, id string) error {
	const lockQuery = `SELECT id FROM visits WHERE id = $1 FOR UPDATE`
	const deleteQuery = `DELETE FROM visits WHERE id = $1
		AND NOT EXISTS (SELECT 1 FROM medication_administrations WHERE visit_id = $1)`

	ext := r.exec(exec)
	var locked string
	if err := sqlx.GetContext(ctx, ext, &locked, lockQuery, id); err != nil {
		return err
	}
	result, err := ext.ExecContext(ctx, deleteQuery, id)
	if err != nil {
		return fmt.Errorf("delete visit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("visit rows affected: %w", err)
	}
	if affected == 0 {
		return ErrVisitHasAdministrations
	}
	return nil
}

// List returns visits matching the filter, newest first, with the total count.
func (r *VisitRepository) List(ctx context.Context, filter models.VisitFilter) ([]models.Visit, int, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}

	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.StaffID != "" {
		args = append(args, filter.StaffID)
		conditions = append(conditions, fmt.Sprintf("staff_id = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("visit_time >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("visit_time <= $%d", len(args)))
	}
	if filter.EmergencyOnly {
		conditions = append(conditions, "emergency = TRUE")
	}
	if filter.OpenOnly {
		conditions = append(conditions, "disposition IS NULL")
	}
	where := strings.Join(conditions, " AND ")

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s FROM visits WHERE %s ORDER BY visit_time DESC LIMIT %d OFFSET %d`, visitColumns, where, size, offset)
	var visits []models.Visit
	if err := r.db.SelectContext(ctx, &visits, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list visits: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM visits WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count visits: %w", err)
	}
	return visits, total, nil
}

// ListSince returns visits at or after since, newest first.
func (r *VisitRepository) ListSince(ctx context.Context, since time.Time) ([]models.Visit, error) {
	query := `SELECT ` + visitColumns + ` FROM visits WHERE visit_time >= $1 ORDER BY visit_time DESC`
	var visits []models.Visit
	if err := r.db.SelectContext(ctx, &visits, query, since); err != nil {
		return nil, fmt.Errorf("list recent visits: %w", err)
	}
	return visits, nil
}

// CountByStudent counts all visits of a student.
func (r *VisitRepository) CountByStudent(ctx context.Context, studentID string) (int, error) {
	const query = `SELECT COUNT(*) FROM visits WHERE student_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, studentID); err != nil {
		return 0, fmt.Errorf("count visits by student: %w", err)
	}
	return count, nil
}
