package models

import (
	"time"
)

// User is an enrolled account. A User record is created only when the
// first registration ceremony verifies; the provisional id generated at
// ceremony begin becomes the durable id. The record is never mutated
// after creation.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}
