package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

func TestStaffRepositoryListActiveByRoles(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStaffRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND role = ANY($2)")).
		WithArgs(models.StaffStatusActive, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "email", "role", "status", "created_at"}).
			AddRow("admin-1", "Ana Admin", nil, "ADMIN", "ACTIVE", time.Now()).
			AddRow("nurse-1", "Rina Nurse", "rina@school.test", "NURSE", "ACTIVE", time.Now()))

	staff, err := repo.ListActiveByRoles(context.Background(), models.RoleNurse, models.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, staff, 2)
	assert.True(t, staff[1].CanAttend())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStaffRepositoryListActiveByRolesEmpty(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewStaffRepository(db)

	staff, err := repo.ListActiveByRoles(context.Background())
	require.NoError(t, err)
	assert.Nil(t, staff)
}

func TestStudentRepositoryFindByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStudentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, first_name, last_name, grade_level FROM students WHERE id = $1")).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "first_name", "last_name", "grade_level"}).AddRow("student-1", "Budi", "Santoso", "7"))

	student, err := repo.FindByID(context.Background(), "student-1")
	require.NoError(t, err)
	assert.Equal(t, "Budi Santoso", student.FullName())
}
