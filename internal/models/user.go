package models

import (
	"time"

	"github.com/google/uuid"
)

// User identifies a sender. Rate-limit counters are scoped by User.ID.
// Users are upserted by email on first use; there are no credentials here.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
