package signaling

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/harshu-panchal/healiinn-sub004/internal/bus"
	"github.com/harshu-panchal/healiinn-sub004/internal/models"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

// Event types published on the fan-out bus by the signaling layer.
const (
	EventInvite        = "call:invite"
	EventAccepted      = "call:accepted"
	EventDeclined      = "call:declined"
	EventEnded         = "call:ended"
	EventMissed        = "call:missed"
	EventPatientJoined = "call:patientJoined"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"

	ReasonParticipantDisconnected = "participant_disconnected"
)

// MediaCleaner releases the media resources bound to a call. Cleanup
// failures never block the signaling state machine.
type MediaCleaner interface {
	CleanupCall(callID string) error
}

// Coordinator mediates the invite/accept/decline/end handshake between a
// doctor and a patient. The Call record is the single source of truth;
// every bus publish happens after the record has advanced.
type Coordinator struct {
	store store.Store
	bus   *bus.Bus
	media MediaCleaner
	now   func() time.Time
}

func NewCoordinator(st store.Store, fanout *bus.Bus, media MediaCleaner) *Coordinator {
	return &Coordinator{
		store: st,
		bus:   fanout,
		media: media,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock, for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Initiate starts a call for a call-mode appointment the doctor owns.
// Exactly one active call may exist per appointment.
//
// The invite goes to the patient's private channel and to the patient-role
// broadcast channel. Freshly connected clients can miss their private
// channel registration, so the redundant publish is deliberate; clients
// filter on patient_id.
func (c *Coordinator) Initiate(ctx context.Context, doctorID, doctorName, appointmentID string) (models.Call, error) {
	appt, err := c.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return models.Call{}, err
	}
	if appt.DoctorID != doctorID {
		return models.Call{}, store.ErrNotOwner
	}
	if appt.Mode != models.ModeCall {
		return models.Call{}, store.ErrNotCallMode
	}
	if _, active, err := c.store.ActiveCallForAppointment(ctx, appointmentID); err != nil {
		return models.Call{}, err
	} else if active {
		return models.Call{}, store.ErrCallInProgress
	}

	call, err := c.store.CreateCall(ctx, store.CreateCallInput{
		CallID:        uuid.NewString(),
		AppointmentID: appointmentID,
		DoctorID:      doctorID,
		PatientID:     appt.PatientID,
		CreatedAt:     c.now(),
	})
	if err != nil {
		return models.Call{}, err
	}

	invite := bus.NewEvent(EventInvite, map[string]interface{}{
		"call_id":        call.CallID,
		"appointment_id": call.AppointmentID,
		"doctor_id":      call.DoctorID,
		"doctor_name":    doctorName,
		"patient_id":     call.PatientID,
	})
	c.bus.PublishWithFallback(bus.UserChannel(call.PatientID), []string{bus.RoleChannel(RolePatient)}, invite)
	return call, nil
}

// Accept moves an initiated call to accepted and notifies the doctor. The
// caller gets the updated record back as the synchronous acknowledgment.
func (c *Coordinator) Accept(ctx context.Context, patientID, callID string) (models.Call, error) {
	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return models.Call{}, err
	}
	if call.PatientID != patientID {
		return models.Call{}, store.ErrNotOwner
	}
	if !store.ValidCallTransition(call.Status, models.CallAccepted) {
		return models.Call{}, store.ErrInvalidState
	}

	accepted, err := c.store.AcceptCall(ctx, callID, c.now())
	if err != nil {
		return models.Call{}, err
	}

	c.bus.Publish(bus.UserChannel(accepted.DoctorID), bus.NewEvent(EventAccepted, map[string]interface{}{
		"call_id": accepted.CallID,
	}))
	c.bus.Publish(bus.UserChannel(accepted.DoctorID), bus.NewEvent(EventPatientJoined, map[string]interface{}{
		"call_id":   accepted.CallID,
		"doctor_id": accepted.DoctorID,
	}))
	return accepted, nil
}

// Decline rejects an initiated call. Declining an already declined or
// ended call is a no-op ack rather than an error.
func (c *Coordinator) Decline(ctx context.Context, patientID, callID string) (models.Call, error) {
	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return models.Call{}, err
	}
	if call.PatientID != patientID {
		return models.Call{}, store.ErrNotOwner
	}
	if call.Status == models.CallDeclined || call.Status == models.CallEnded {
		return call, nil
	}
	if !store.ValidCallTransition(call.Status, models.CallDeclined) {
		return models.Call{}, store.ErrInvalidState
	}

	declined, err := c.store.DeclineCall(ctx, callID)
	if err != nil {
		return models.Call{}, err
	}

	event := bus.NewEvent(EventDeclined, map[string]interface{}{
		"call_id": declined.CallID,
	})
	c.bus.PublishWithFallback(bus.CallChannel(declined.CallID),
		[]string{bus.UserChannel(declined.DoctorID), bus.RoleChannel(RoleDoctor)}, event)
	return declined, nil
}

// End terminates a call from either party. The termination events always
// fire, even if media cleanup fails, so clients never desync from the
// authoritative Call record.
func (c *Coordinator) End(ctx context.Context, partyID, callID, reason string) (models.Call, error) {
	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return models.Call{}, err
	}
	if call.DoctorID != partyID && call.PatientID != partyID {
		return models.Call{}, store.ErrNotOwner
	}
	if !store.ValidCallTransition(call.Status, models.CallEnded) {
		return models.Call{}, store.ErrInvalidState
	}
	return c.end(ctx, call, models.CallEnded, reason)
}

// Miss records an unanswered invite. Only the initiating doctor may mark
// a call missed, and only while it is still ringing; there is no
// server-side invite timer, the doctor's client decides when to give up.
func (c *Coordinator) Miss(ctx context.Context, doctorID, callID string) (models.Call, error) {
	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return models.Call{}, err
	}
	if call.DoctorID != doctorID {
		return models.Call{}, store.ErrNotOwner
	}
	if !store.ValidCallTransition(call.Status, models.CallMissed) {
		return models.Call{}, store.ErrInvalidState
	}
	return c.end(ctx, call, models.CallMissed, "no_answer")
}

// HandleDisconnect force-ends the active call of a party that dropped its
// connection mid-call.
func (c *Coordinator) HandleDisconnect(ctx context.Context, partyID string) {
	call, active, err := c.store.ActiveCallForParty(ctx, partyID)
	if err != nil {
		log.Printf("disconnect lookup error party=%s: %v", partyID, err)
		return
	}
	if !active {
		return
	}
	if _, err := c.end(ctx, call, models.CallEnded, ReasonParticipantDisconnected); err != nil {
		log.Printf("disconnect end error call=%s: %v", call.CallID, err)
	}
}

func (c *Coordinator) end(ctx context.Context, call models.Call, status, reason string) (models.Call, error) {
	endedAt := c.now()
	duration := 0
	if call.StartedAt != nil {
		duration = int(endedAt.Sub(*call.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
	}

	ended, err := c.store.EndCall(ctx, store.EndCallInput{
		CallID:          call.CallID,
		Status:          status,
		Reason:          reason,
		EndedAt:         endedAt,
		DurationSeconds: duration,
	})
	if err != nil {
		return models.Call{}, err
	}

	if c.media != nil {
		if err := c.media.CleanupCall(ended.CallID); err != nil {
			log.Printf("media cleanup error call=%s: %v", ended.CallID, err)
		}
	}

	eventType := EventEnded
	if ended.Status == models.CallMissed {
		eventType = EventMissed
	}
	event := bus.NewEvent(eventType, map[string]interface{}{
		"call_id":          ended.CallID,
		"reason":           ended.Reason,
		"duration_seconds": ended.DurationSeconds,
	})
	c.bus.PublishWithFallback(bus.CallChannel(ended.CallID), []string{
		bus.UserChannel(ended.DoctorID),
		bus.UserChannel(ended.PatientID),
		bus.RoleChannel(RoleDoctor),
		bus.RoleChannel(RolePatient),
	}, event)
	return ended, nil
}
