package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session tracks one relay connection. ID is the call SID.
type Session struct {
	ID                string    `json:"call_sid"`
	From              string    `json:"from,omitempty"`
	To                string    `json:"to,omitempty"`
	UserID            string    `json:"user_id,omitempty"`
	Status            Status    `json:"status"`
	PromptCount       int       `json:"prompt_count"`
	InterruptionCount int       `json:"interruption_count"`
	EndReason         string    `json:"end_reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}
