package models

import "time"

type Appointment struct {
	AppointmentID string     `json:"appointment_id"`
	SessionID     string     `json:"session_id"`
	DoctorID      string     `json:"doctor_id"`
	PatientID     string     `json:"patient_id"`
	TokenNumber   *int       `json:"token_number,omitempty"`
	Status        string     `json:"status"`
	QueueStatus   string     `json:"queue_status"`
	Mode          string     `json:"mode"`
	RecallCount   int        `json:"recall_count"`
	PaymentOrder  string     `json:"payment_order_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
}

// Appointment lifecycle statuses.
const (
	ApptScheduled          = "scheduled"
	ApptConfirmed          = "confirmed"
	ApptCalled             = "called"
	ApptInConsultation     = "in_consultation"
	ApptCompleted          = "completed"
	ApptCancelled          = "cancelled"
	ApptCancelledBySession = "cancelled_by_session"
)

// Queue serving statuses.
const (
	QueueWaiting        = "waiting"
	QueueCalled         = "called"
	QueueInConsultation = "in_consultation"
	QueueSkipped        = "skipped"
	QueueNoShow         = "no_show"
	QueueCompleted      = "completed"
	QueueCancelled      = "cancelled"
)

// Consultation modes.
const (
	ModeToken = "token"
	ModeCall  = "call"
)

const MaxRecalls = 2

// ActiveEntry reports whether the appointment still occupies a queue position.
func (a Appointment) ActiveEntry() bool {
	switch a.QueueStatus {
	case QueueWaiting, QueueCalled, QueueInConsultation:
		return true
	}
	return false
}

func (a Appointment) Cancelled() bool {
	return a.Status == ApptCancelled || a.Status == ApptCancelledBySession
}
