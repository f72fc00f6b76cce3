package models

import (
	"time"
)

// Session is the application session handed out after a verified
// ceremony. Token optionally carries a signed JWT for downstream
// services; the ID alone is enough for the validate/logout endpoints.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
