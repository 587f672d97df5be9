package schedule

import (
	"context"

	"github.com/harshu-panchal/healiinn-sub004/internal/bus"
	"github.com/harshu-panchal/healiinn-sub004/internal/models"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

type BookInput struct {
	RequestID    string
	DoctorID     string
	PatientID    string
	SessionDate  string
	Mode         string
	PaymentOrder string
}

// Book creates a tokenless queue entry in the doctor's session for the day,
// creating the session lazily. The token is only assigned at confirmation,
// after payment succeeds.
func (m *Manager) Book(ctx context.Context, input BookInput) (models.Appointment, models.Session, error) {
	session, err := m.GetOrCreateSession(ctx, input.DoctorID, input.SessionDate)
	if err != nil {
		return models.Appointment{}, models.Session{}, err
	}
	if !session.Active() {
		return models.Appointment{}, models.Session{}, store.ErrInvalidState
	}

	// Fail early when the session is already full; the allocator re-checks
	// capacity at confirmation.
	if _, err := m.alloc.Predict(ctx, session); err != nil {
		return models.Appointment{}, models.Session{}, err
	}

	appt, _, err := m.store.CreateAppointment(ctx, store.CreateAppointmentInput{
		RequestID:    input.RequestID,
		DoctorID:     input.DoctorID,
		PatientID:    input.PatientID,
		SessionID:    session.SessionID,
		Mode:         input.Mode,
		PaymentOrder: input.PaymentOrder,
		CreatedAt:    m.now(),
	})
	if err != nil {
		return models.Appointment{}, models.Session{}, err
	}
	return appt, session, nil
}

// Confirm runs token allocation for a paid booking and announces the
// assignment and fresh estimates.
func (m *Manager) Confirm(ctx context.Context, appointmentID string) (models.Appointment, error) {
	appt, err := m.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return models.Appointment{}, err
	}
	if appt.TokenNumber != nil {
		// Confirmation retries are harmless; the token is already fixed.
		return appt, nil
	}
	session, err := m.store.GetSession(ctx, appt.SessionID)
	if err != nil {
		return models.Appointment{}, err
	}
	if !session.Active() {
		return models.Appointment{}, store.ErrInvalidState
	}

	confirmed, err := m.alloc.Assign(ctx, session, appointmentID)
	if err != nil {
		return models.Appointment{}, err
	}

	m.bus.Publish(bus.UserChannel(confirmed.PatientID), bus.NewEvent(EventTokenAssigned, map[string]interface{}{
		"appointment_id": confirmed.AppointmentID,
		"session_id":     confirmed.SessionID,
		"token_number":   confirmed.TokenNumber,
	}))
	m.PushETAs(ctx, confirmed.SessionID)
	return confirmed, nil
}

// Cancel cancels a queue entry. Its token number joins the session's
// permanent exclusion set.
func (m *Manager) Cancel(ctx context.Context, appointmentID string) (models.Appointment, error) {
	appt, err := m.store.CancelAppointment(ctx, appointmentID, m.now())
	if err != nil {
		return models.Appointment{}, err
	}
	m.bus.Publish(bus.UserChannel(appt.PatientID), bus.NewEvent("appointment:cancelled", map[string]interface{}{
		"appointment_id": appt.AppointmentID,
		"session_id":     appt.SessionID,
	}))
	m.PushETAs(ctx, appt.SessionID)
	return appt, nil
}

// Reschedule moves a confirmed booking to another day: the old entry is
// cancelled (its token stays excluded) and a fresh entry is booked and
// confirmed in the target session with the same allocation algorithm.
func (m *Manager) Reschedule(ctx context.Context, appointmentID, newDate, requestID string) (models.Appointment, error) {
	old, err := m.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return models.Appointment{}, err
	}
	if old.Cancelled() || old.Status == models.ApptCompleted {
		return models.Appointment{}, store.ErrInvalidState
	}

	session, err := m.GetOrCreateSession(ctx, old.DoctorID, newDate)
	if err != nil {
		return models.Appointment{}, err
	}
	if !session.Active() {
		return models.Appointment{}, store.ErrInvalidState
	}
	// Same-day reschedules free their own slot, so the capacity pre-check
	// only applies when moving to a different session.
	if session.SessionID != old.SessionID {
		if _, err := m.alloc.Predict(ctx, session); err != nil {
			return models.Appointment{}, err
		}
	}

	if _, err := m.store.CancelAppointment(ctx, appointmentID, m.now()); err != nil {
		return models.Appointment{}, err
	}
	m.PushETAs(ctx, old.SessionID)

	moved, _, err := m.store.CreateAppointment(ctx, store.CreateAppointmentInput{
		RequestID:    requestID,
		DoctorID:     old.DoctorID,
		PatientID:    old.PatientID,
		SessionID:    session.SessionID,
		Mode:         old.Mode,
		PaymentOrder: old.PaymentOrder,
		CreatedAt:    m.now(),
	})
	if err != nil {
		return models.Appointment{}, err
	}
	return m.Confirm(ctx, moved.AppointmentID)
}

// PredictNextToken previews the token a booking for (doctor, date) would
// receive without reserving anything.
func (m *Manager) PredictNextToken(ctx context.Context, doctorID, sessionDate string) (int, models.Session, error) {
	session, err := m.GetOrCreateSession(ctx, doctorID, sessionDate)
	if err != nil {
		return 0, models.Session{}, err
	}
	token, err := m.alloc.Predict(ctx, session)
	if err != nil {
		return 0, models.Session{}, err
	}
	return token, session, nil
}
