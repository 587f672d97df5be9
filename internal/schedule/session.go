package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/harshu-panchal/healiinn-sub004/internal/bus"
	"github.com/harshu-panchal/healiinn-sub004/internal/models"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

// Event types published on the fan-out bus by the scheduling core.
const (
	EventETAUpdate      = "token:eta:update"
	EventTokenAssigned  = "token:assigned"
	EventTokenCalled    = "token:called"
	EventSessionUpdated = "session:updated"
	EventSessionStatus  = "session:status:changed"
)

const dateLayout = "2006-01-02"

type Config struct {
	AverageConsultMinutes int
	DayStartHour          int
	DayEndHour            int
	MinTokens             int
	RecallLimit           int
	TokenRetryLimit       int
}

func (c Config) withDefaults() Config {
	if c.AverageConsultMinutes <= 0 {
		c.AverageConsultMinutes = 15
	}
	if c.DayStartHour <= 0 {
		c.DayStartHour = 9
	}
	if c.DayEndHour <= 0 || c.DayEndHour <= c.DayStartHour {
		c.DayEndHour = 17
	}
	if c.MinTokens <= 0 {
		c.MinTokens = 1
	}
	if c.RecallLimit <= 0 {
		c.RecallLimit = models.MaxRecalls
	}
	return c
}

// Manager owns the per-day consultation session lifecycle and the queue
// operations around it.
type Manager struct {
	store store.Store
	bus   *bus.Bus
	alloc *Allocator
	eta   *Estimator
	cfg   Config
	now   func() time.Time
}

func NewManager(st store.Store, fanout *bus.Bus, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		store: st,
		bus:   fanout,
		alloc: NewAllocator(st, cfg.TokenRetryLimit),
		eta:   NewEstimator(cfg.AverageConsultMinutes),
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
	m.alloc.now = now
}

func (m *Manager) Allocator() *Allocator { return m.alloc }
func (m *Manager) Estimator() *Estimator { return m.eta }

// GetOrCreateSession returns the session for (doctor, date), creating one
// lazily with default hours. Capacity is fixed at creation from the window
// length and the average consultation time.
func (m *Manager) GetOrCreateSession(ctx context.Context, doctorID, sessionDate string) (models.Session, error) {
	day, err := time.Parse(dateLayout, sessionDate)
	if err != nil {
		return models.Session{}, fmt.Errorf("invalid session date %q: %w", sessionDate, err)
	}
	startAt := time.Date(day.Year(), day.Month(), day.Day(), m.cfg.DayStartHour, 0, 0, 0, time.UTC)
	endAt := time.Date(day.Year(), day.Month(), day.Day(), m.cfg.DayEndHour, 0, 0, 0, time.UTC)
	capacity := int(endAt.Sub(startAt).Minutes()) / m.cfg.AverageConsultMinutes
	if capacity < m.cfg.MinTokens {
		capacity = m.cfg.MinTokens
	}

	session, created, err := m.store.GetOrCreateSession(ctx, store.CreateSessionInput{
		DoctorID:    doctorID,
		SessionDate: sessionDate,
		StartAt:     startAt,
		EndAt:       endAt,
		MaxTokens:   capacity,
	})
	if err != nil {
		return models.Session{}, err
	}
	if created {
		m.publishSession(session)
	}
	return session, nil
}

// SetState applies a validated clock-state transition. Entering live is
// rejected unless the wall clock lies inside the session's scheduled window.
func (m *Manager) SetState(ctx context.Context, sessionID, to string) (models.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if !store.ValidSessionTransition(session.Status, to) {
		return models.Session{}, store.ErrInvalidState
	}

	now := m.now()
	if to == models.SessionLive && session.Status == models.SessionScheduled {
		if now.Before(session.StartAt) || !now.Before(session.EndAt) {
			return models.Session{}, fmt.Errorf("%w: session runs %s to %s",
				store.ErrOutsideWindow,
				session.StartAt.Format("15:04"), session.EndAt.Format("15:04"))
		}
	}

	if to == models.SessionCancelled {
		return m.CancelSession(ctx, sessionID)
	}

	updated, err := m.store.UpdateSessionStatus(ctx, sessionID, []string{session.Status}, to, now)
	if err != nil {
		return models.Session{}, err
	}
	m.publishSession(updated)
	if to == models.SessionLive || to == models.SessionCompleted {
		m.PushETAs(ctx, sessionID)
	}
	return updated, nil
}

// Pause marks a live session paused and records the pause-window start.
func (m *Manager) Pause(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := m.store.PauseSession(ctx, sessionID, m.now())
	if err != nil {
		return models.Session{}, err
	}
	m.publishSession(session)
	return session, nil
}

// Resume closes the open pause window and accumulates its minutes. Paused
// time is bookkept but deliberately not subtracted from ETA estimates.
func (m *Manager) Resume(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := m.store.ResumeSession(ctx, sessionID, m.now())
	if err != nil {
		return models.Session{}, err
	}
	m.publishSession(session)
	return session, nil
}

// CancelSession cancels the session and cascades to every non-terminal
// queue entry in it.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) (models.Session, error) {
	session, cancelled, err := m.store.CancelSession(ctx, sessionID, m.now())
	if err != nil {
		return models.Session{}, err
	}
	m.publishSession(session)
	for _, appt := range cancelled {
		m.bus.Publish(bus.UserChannel(appt.PatientID), bus.NewEvent("appointment:cancelled", map[string]interface{}{
			"appointment_id": appt.AppointmentID,
			"session_id":     appt.SessionID,
			"reason":         "session_cancelled",
		}))
	}
	return session, nil
}

// AutoCompleteExpired sweeps live sessions whose window has passed. A session
// with patients still mid-queue is left live so the doctor can finish; its
// ETAs are re-pushed instead.
func (m *Manager) AutoCompleteExpired(ctx context.Context) (int, error) {
	now := m.now()
	expired, err := m.store.ListExpiredLiveSessions(ctx, now)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, session := range expired {
		active, err := m.store.CountActiveEntries(ctx, session.SessionID)
		if err != nil {
			return completed, err
		}
		if active > 0 {
			m.PushETAs(ctx, session.SessionID)
			continue
		}
		updated, err := m.store.UpdateSessionStatus(ctx, session.SessionID, []string{models.SessionLive}, models.SessionCompleted, now)
		if err != nil {
			// Lost the race with an explicit transition; nothing to undo.
			continue
		}
		m.publishSession(updated)
		completed++
	}
	return completed, nil
}

// CallNext advances the serving position to the requested entry, or to the
// lowest waiting token above the current one. A scheduled session goes live
// on its first call.
func (m *Manager) CallNext(ctx context.Context, sessionID, targetEntryID string) (models.Appointment, models.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Appointment{}, models.Session{}, err
	}
	if session.Status != models.SessionScheduled && session.Status != models.SessionLive {
		return models.Appointment{}, models.Session{}, store.ErrInvalidState
	}

	var entry models.Appointment
	if targetEntryID != "" {
		entry, err = m.store.GetAppointment(ctx, targetEntryID)
		if err != nil {
			return models.Appointment{}, models.Session{}, err
		}
		if entry.SessionID != sessionID {
			return models.Appointment{}, models.Session{}, store.ErrNotOwner
		}
		if entry.TokenNumber == nil {
			return models.Appointment{}, models.Session{}, store.ErrTokenUnassigned
		}
	} else {
		var found bool
		entry, found, err = m.store.NextWaitingEntry(ctx, sessionID, session.CurrentToken)
		if err != nil {
			return models.Appointment{}, models.Session{}, err
		}
		if !found {
			return models.Appointment{}, models.Session{}, store.ErrNoMorePatients
		}
	}

	now := m.now()
	called, err := m.store.MarkEntryCalled(ctx, entry.AppointmentID, now)
	if err != nil {
		return models.Appointment{}, models.Session{}, err
	}

	// Advancing is monotonic: recalling a lower, skipped token does not pull
	// the serving position backwards.
	if *called.TokenNumber > session.CurrentToken {
		session, err = m.store.AdvanceCurrentToken(ctx, sessionID, *called.TokenNumber, now)
		if err != nil {
			return models.Appointment{}, models.Session{}, err
		}
	}

	m.bus.Publish(bus.UserChannel(called.PatientID), bus.NewEvent(EventTokenCalled, map[string]interface{}{
		"appointment_id": called.AppointmentID,
		"session_id":     sessionID,
		"token_number":   called.TokenNumber,
	}))
	m.publishSession(session)
	m.PushETAs(ctx, sessionID)
	return called, session, nil
}

// Recall re-announces an already-called entry, bounded by the recall limit.
func (m *Manager) Recall(ctx context.Context, appointmentID string) (models.Appointment, error) {
	appt, err := m.store.IncrementRecall(ctx, appointmentID, m.cfg.RecallLimit)
	if err != nil {
		return models.Appointment{}, err
	}
	m.bus.Publish(bus.UserChannel(appt.PatientID), bus.NewEvent(EventTokenCalled, map[string]interface{}{
		"appointment_id": appt.AppointmentID,
		"session_id":     appt.SessionID,
		"token_number":   appt.TokenNumber,
		"recall_count":   appt.RecallCount,
	}))
	return appt, nil
}

// Skip parks a called patient who did not show; their position stays fixed
// by the original token.
func (m *Manager) Skip(ctx context.Context, appointmentID string) (models.Appointment, error) {
	appt, err := m.store.MarkEntrySkipped(ctx, appointmentID)
	if err != nil {
		return models.Appointment{}, err
	}
	m.PushETAs(ctx, appt.SessionID)
	return appt, nil
}

func (m *Manager) StartConsultation(ctx context.Context, appointmentID string) (models.Appointment, error) {
	return m.store.StartConsultation(ctx, appointmentID)
}

func (m *Manager) CompleteEntry(ctx context.Context, appointmentID string) (models.Appointment, error) {
	appt, err := m.store.CompleteEntry(ctx, appointmentID, m.now())
	if err != nil {
		return models.Appointment{}, err
	}
	m.PushETAs(ctx, appt.SessionID)
	return appt, nil
}

// PushETAs recomputes estimates from the latest session snapshot and
// delivers one update per active entry to its patient's channel.
func (m *Manager) PushETAs(ctx context.Context, sessionID string) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	entries, err := m.store.ActiveEntries(ctx, sessionID)
	if err != nil {
		return
	}
	now := m.now()
	for _, entry := range entries {
		estimate, ok := m.eta.ForEntry(session, entry, now)
		if !ok {
			continue
		}
		m.bus.Publish(bus.UserChannel(entry.PatientID), bus.NewEvent(EventETAUpdate, estimate))
	}
}

// QueueSnapshot returns the active entries of a session with fresh
// estimates, sweeping expired sessions first.
func (m *Manager) QueueSnapshot(ctx context.Context, sessionID string) (models.Session, []Estimate, error) {
	if _, err := m.AutoCompleteExpired(ctx); err != nil {
		return models.Session{}, nil, err
	}
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, nil, err
	}
	entries, err := m.store.ActiveEntries(ctx, sessionID)
	if err != nil {
		return models.Session{}, nil, err
	}
	return session, m.eta.ForSession(session, entries, m.now()), nil
}

func (m *Manager) publishSession(session models.Session) {
	channel := bus.SessionChannel(session.SessionID)
	m.bus.Publish(channel, bus.NewEvent(EventSessionStatus, map[string]interface{}{
		"session_id": session.SessionID,
		"status":     session.Status,
	}))
	m.bus.Publish(channel, bus.NewEvent(EventSessionUpdated, map[string]interface{}{
		"session": session,
	}))
}
