package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is a local wallet account. Balance is only ever changed through the
// repository.
type User struct {
	ID          uuid.UUID `json:"id"`
	Identifier  string    `json:"identifier"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Balance     Amount    `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionContext is the authenticated identity a UI-facing operation runs as.
type SessionContext struct {
	UserID uuid.UUID
}

// Credentials are the login secrets captured at registration.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the input of the onboarding registrar.
type RegisterRequest struct {
	Identifier  string      `json:"identifier"`
	DisplayName string      `json:"display_name"`
	Credentials Credentials `json:"credentials"`
}
