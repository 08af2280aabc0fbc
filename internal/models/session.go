package models

import "time"

// Session is one guided discovery interview belonging to one
// facilitator/company context. Title stays empty until the deriver
// names it. Finished is recorded but never gates writes.
type Session struct {
	ID            int64     `json:"id"`
	FacilitatorID int64     `json:"facilitator_id"`
	Company       string    `json:"company"`
	Facilitator   string    `json:"facilitator"`
	Title         string    `json:"title"`
	Finished      bool      `json:"finished"`
	CreatedAt     time.Time `json:"created_at"`
}
