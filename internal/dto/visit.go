package dto

import (
	"time"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

// CreateVisitRequest opens a visit for a student.
type CreateVisitRequest struct {
	StudentID       string              `json:"studentId" validate:"required"`
	StaffID         string              `json:"staffId" validate:"required"`
	VisitTime       *time.Time          `json:"visitTime"`
	Reason          string              `json:"reason" validate:"required"`
	Symptoms        *string             `json:"symptoms"`
	Observations    *string             `json:"observations"`
	VitalSigns      *string             `json:"vitalSigns"`
	FinalAssessment *string             `json:"finalAssessment"`
	Emergency       bool                `json:"emergency"`
	Disposition     *models.Disposition `json:"disposition"`
	ReferredBy      *string             `json:"referredBy"`
}

// UpdateVisitRequest replaces the editable fields of a visit. A nil disposition
// keeps the current one; a nil emergency flag keeps the current flag.
type UpdateVisitRequest struct {
	StudentID       string              `json:"studentId" validate:"required"`
	StaffID         string              `json:"staffId" validate:"required"`
	VisitTime       *time.Time          `json:"visitTime"`
	Reason          string              `json:"reason" validate:"required"`
	Symptoms        *string             `json:"symptoms"`
	Observations    *string             `json:"observations"`
	VitalSigns      *string             `json:"vitalSigns"`
	FinalAssessment *string             `json:"finalAssessment"`
	Emergency       *bool               `json:"emergency"`
	Disposition     *models.Disposition `json:"disposition"`
	ReferredBy      *string             `json:"referredBy"`
}

// SetDispositionRequest records only the outcome of a visit.
type SetDispositionRequest struct {
	Disposition models.Disposition `json:"disposition" validate:"required"`
}

// VisitCount is returned by the per-student visit counter.
type VisitCount struct {
	StudentID string `json:"studentId"`
	Count     int    `json:"count"`
}
