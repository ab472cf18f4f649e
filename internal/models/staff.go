package models

import "time"

// UserRole represents the staff roles known to the infirmary.
type UserRole string

const (
	RoleNurse   UserRole = "NURSE"
	RoleAdmin   UserRole = "ADMIN"
	RoleTeacher UserRole = "TEACHER"
)

// StaffStatus is the lifecycle state of a staff record.
type StaffStatus string

const (
	StaffStatusActive   StaffStatus = "ACTIVE"
	StaffStatusInactive StaffStatus = "INACTIVE"
)

// Staff is the read-only view of a school staff member.
type Staff struct {
	ID        string      `db:"id" json:"id"`
	FullName  string      `db:"full_name" json:"full_name"`
	Email     *string     `db:"email" json:"email,omitempty"`
	Role      UserRole    `db:"role" json:"role"`
	Status    StaffStatus `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// CanAttend reports whether the staff member may be recorded as attending a visit.
func (s *Staff) CanAttend() bool {
	return s != nil && (s.Role == RoleNurse || s.Role == RoleAdmin)
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
