package dto

// CheckupReminderRequest asks for a checkup reminder about a student.
// RecipientID defaults to the caller.
type CheckupReminderRequest struct {
	StudentID   string `json:"studentId" validate:"required"`
	RecipientID string `json:"recipientId"`
}

// MarkReadResult reports whether a notification changed state.
type MarkReadResult struct {
	ID      string `json:"id"`
	Updated bool   `json:"updated"`
}

// MarkAllReadResult reports how many notifications were marked read.
type MarkAllReadResult struct {
	Updated int64 `json:"updated"`
}

// UnreadCount is the caller's unread notification total.
type UnreadCount struct {
	Count int `json:"count"`
}
