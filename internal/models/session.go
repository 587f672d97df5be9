package models

import "time"

type Session struct {
	SessionID          string        `json:"session_id"`
	DoctorID           string        `json:"doctor_id"`
	SessionDate        string        `json:"session_date"`
	StartAt            time.Time     `json:"start_at"`
	EndAt              time.Time     `json:"end_at"`
	MaxTokens          int           `json:"max_tokens"`
	Status             string        `json:"status"`
	CurrentToken       int           `json:"current_token"`
	IsPaused           bool          `json:"is_paused"`
	TotalPausedMinutes int           `json:"total_paused_minutes"`
	PauseHistory       []PauseWindow `json:"pause_history,omitempty"`
	PausedAt           *time.Time    `json:"paused_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

type PauseWindow struct {
	PausedAt        time.Time `json:"paused_at"`
	ResumedAt       time.Time `json:"resumed_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

const (
	SessionScheduled = "scheduled"
	SessionLive      = "live"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// Active reports whether the session still accepts queue operations.
func (s Session) Active() bool {
	return s.Status != SessionCompleted && s.Status != SessionCancelled
}
