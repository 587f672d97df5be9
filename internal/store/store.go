package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harshu-panchal/healiinn-sub004/internal/models"
)

type CreateSessionInput struct {
	DoctorID    string
	SessionDate string
	StartAt     time.Time
	EndAt       time.Time
	MaxTokens   int
}

type CreateAppointmentInput struct {
	RequestID    string
	DoctorID     string
	PatientID    string
	SessionID    string
	Mode         string
	PaymentOrder string
	CreatedAt    time.Time
}

type CreateCallInput struct {
	CallID        string
	AppointmentID string
	DoctorID      string
	PatientID     string
	CreatedAt     time.Time
}

type EndCallInput struct {
	CallID          string
	Status          string
	Reason          string
	EndedAt         time.Time
	DurationSeconds int
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}

// Store is the persistence surface for the scheduling and signaling core.
// Every mutation is atomic per row; cross-entry invariants (unique live
// tokens) are enforced by partial unique indexes and surfaced as sentinel
// errors so callers can run their bounded retry policies.
type Store interface {
	// Sessions.
	GetOrCreateSession(ctx context.Context, input CreateSessionInput) (models.Session, bool, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
	SessionForDoctorDate(ctx context.Context, doctorID, sessionDate string) (models.Session, bool, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, from []string, to string, at time.Time) (models.Session, error)
	PauseSession(ctx context.Context, sessionID string, at time.Time) (models.Session, error)
	ResumeSession(ctx context.Context, sessionID string, at time.Time) (models.Session, error)
	AdvanceCurrentToken(ctx context.Context, sessionID string, token int, at time.Time) (models.Session, error)
	ListExpiredLiveSessions(ctx context.Context, now time.Time) ([]models.Session, error)
	CancelSession(ctx context.Context, sessionID string, at time.Time) (models.Session, []models.Appointment, error)

	// Appointments / queue entries.
	CreateAppointment(ctx context.Context, input CreateAppointmentInput) (models.Appointment, bool, error)
	GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error)
	MaxAssignedToken(ctx context.Context, sessionID string) (int, error)
	CancelledTokens(ctx context.Context, sessionID string) ([]int, error)
	TokenHeld(ctx context.Context, sessionID string, token int) (bool, error)
	AssignToken(ctx context.Context, appointmentID string, token int, at time.Time) (models.Appointment, error)
	CountBookedEntries(ctx context.Context, sessionID string) (int, error)
	ActiveEntries(ctx context.Context, sessionID string) ([]models.Appointment, error)
	CountActiveEntries(ctx context.Context, sessionID string) (int, error)
	NextWaitingEntry(ctx context.Context, sessionID string, afterToken int) (models.Appointment, bool, error)
	MarkEntryCalled(ctx context.Context, appointmentID string, at time.Time) (models.Appointment, error)
	MarkEntrySkipped(ctx context.Context, appointmentID string) (models.Appointment, error)
	StartConsultation(ctx context.Context, appointmentID string) (models.Appointment, error)
	CompleteEntry(ctx context.Context, appointmentID string, at time.Time) (models.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID string, at time.Time) (models.Appointment, error)
	IncrementRecall(ctx context.Context, appointmentID string, limit int) (models.Appointment, error)

	// Calls.
	CreateCall(ctx context.Context, input CreateCallInput) (models.Call, error)
	GetCall(ctx context.Context, callID string) (models.Call, error)
	AcceptCall(ctx context.Context, callID string, at time.Time) (models.Call, error)
	DeclineCall(ctx context.Context, callID string) (models.Call, error)
	EndCall(ctx context.Context, input EndCallInput) (models.Call, error)
	ActiveCallForAppointment(ctx context.Context, appointmentID string) (models.Call, bool, error)
	ActiveCallForParty(ctx context.Context, userID string) (models.Call, bool, error)

	// Outbox for the notification worker.
	ListOutboxEvents(ctx context.Context, offset OutboxOffset, limit int) ([]OutboxEvent, error)
	GetOutboxOffset(ctx context.Context, consumer string) (OutboxOffset, error)
	UpdateOutboxOffset(ctx context.Context, consumer string, offset OutboxOffset) error
}
