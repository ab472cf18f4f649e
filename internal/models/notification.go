package models

import "time"

// NotificationType classifies why a notification was raised.
type NotificationType string

const (
	NotificationEmergencyVisit    NotificationType = "EMERGENCY_VISIT"
	NotificationDispositionChange NotificationType = "DISPOSITION_CHANGE"
	NotificationLowStock          NotificationType = "LOW_STOCK"
	NotificationSystemAlert       NotificationType = "SYSTEM_ALERT"
	NotificationStudentCheckup    NotificationType = "STUDENT_CHECKUP"
)

// NotificationStatus only moves forward: UNREAD, READ, ARCHIVED.
type NotificationStatus string

const (
	NotificationUnread   NotificationStatus = "UNREAD"
	NotificationRead     NotificationStatus = "READ"
	NotificationArchived NotificationStatus = "ARCHIVED"
)

// Entity kinds a notification may point at.
const (
	RelatedEntityVisit     = "Visit"
	RelatedEntityInventory = "MedicationInventory"
	RelatedEntityStudent   = "Student"
)

// Notification is one message addressed to one staff member.
type Notification struct {
	ID                string             `db:"id" json:"id"`
	Title             string             `db:"title" json:"title"`
	Message           string             `db:"message" json:"message"`
	Type              NotificationType   `db:"type" json:"type"`
	Status            NotificationStatus `db:"status" json:"status"`
	RecipientID       string             `db:"recipient_id" json:"recipient_id"`
	RelatedEntityType *string            `db:"related_entity_type" json:"related_entity_type,omitempty"`
	RelatedEntityID   *string            `db:"related_entity_id" json:"related_entity_id,omitempty"`
	CreatedAt         time.Time          `db:"created_at" json:"created_at"`
	ReadAt            *time.Time         `db:"read_at" json:"read_at,omitempty"`
}
