package models

import "time"

// Disposition is the outcome recorded when a visit is closed.
type Disposition string

const (
	DispositionReturnedToClass    Disposition = "RETURNED_TO_CLASS"
	DispositionSentHome           Disposition = "SENT_HOME"
	DispositionUnderObservation   Disposition = "UNDER_OBSERVATION"
	DispositionReferredToHospital Disposition = "REFERRED_TO_HOSPITAL"
)

// Valid reports whether d is one of the known dispositions.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionReturnedToClass, DispositionSentHome, DispositionUnderObservation, DispositionReferredToHospital:
		return true
	}
	return false
}

// VisitState is derived from whether a disposition has been recorded.
type VisitState string

const (
	VisitStateOpen     VisitState = "OPEN"
	VisitStateDisposed VisitState = "DISPOSED"
)

// Visit is one student encounter with the infirmary.
type Visit struct {
	ID              string       `db:"id" json:"id"`
	StudentID       string       `db:"student_id" json:"student_id"`
	StaffID         string       `db:"staff_id" json:"staff_id"`
	VisitTime       time.Time    `db:"visit_time" json:"visit_time"`
	Reason          string       `db:"reason" json:"reason"`
	Symptoms        *string      `db:"symptoms" json:"symptoms,omitempty"`
	Observations    *string      `db:"observations" json:"observations,omitempty"`
	VitalSigns      *string      `db:"vital_signs" json:"vital_signs,omitempty"`
	FinalAssessment *string      `db:"final_assessment" json:"final_assessment,omitempty"`
	Emergency       bool         `db:"emergency" json:"emergency"`
	Disposition     *Disposition `db:"disposition" json:"disposition,omitempty"`
	DispositionTime *time.Time   `db:"disposition_time" json:"disposition_time,omitempty"`
	ReferredBy      *string      `db:"referred_by" json:"referred_by,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// State returns OPEN until a disposition is recorded.
func (v *Visit) State() VisitState {
	if v.Disposition == nil {
		return VisitStateOpen
	}
	return VisitStateDisposed
}

// CurrentDisposition returns the disposition or the empty value.
func (v *Visit) CurrentDisposition() Disposition {
	if v.Disposition == nil {
		return ""
	}
	return *v.Disposition
}

// VisitFilter narrows visit listings. Zero values disable a filter.
type VisitFilter struct {
	StudentID     string
	StaffID       string
	From          *time.Time
	To            *time.Time
	EmergencyOnly bool
	OpenOnly      bool
	Page          int
	PageSize      int
}
