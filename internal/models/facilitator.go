package models

import "time"

// Facilitator is an account that runs interviews for one company.
type Facilitator struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Company      string    `json:"company"`
	CreatedAt    time.Time `json:"created_at"`
}
