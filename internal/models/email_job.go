package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an email job.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether a dispatch has finished with the record (SENT or
// FAILED). A FAILED record is still dispatched again when a queue entry for
// it is processed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// EmailJob is one scheduled email delivery. ScheduledAt never changes after
// creation; rate-limit deferrals move the queue entry's ready time, not the
// record's scheduled time.
type EmailJob struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Recipient   string     `json:"recipient"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Status      Status     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
