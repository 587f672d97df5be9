package models

import "time"

type Call struct {
	CallID          string     `json:"call_id"`
	AppointmentID   string     `json:"appointment_id"`
	DoctorID        string     `json:"doctor_id"`
	PatientID       string     `json:"patient_id"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
}

const (
	CallInitiated = "initiated"
	CallAccepted  = "accepted"
	CallEnded     = "ended"
	CallMissed    = "missed"
	CallDeclined  = "declined"
)

// ActiveCall reports whether the call still blocks new calls for its appointment.
func (c Call) ActiveCall() bool {
	return c.Status == CallInitiated || c.Status == CallAccepted
}
