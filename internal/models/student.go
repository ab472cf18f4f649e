package models

import "strings"

// Student is the read-only view of a learner needed by the infirmary.
type Student struct {
	ID         string `db:"id" json:"id"`
	FirstName  string `db:"first_name" json:"first_name"`
	LastName   string `db:"last_name" json:"last_name"`
	GradeLevel string `db:"grade_level" json:"grade_level"`
}

// FullName joins first and last name.
func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}
