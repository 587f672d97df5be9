package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harshu-panchal/healiinn-sub004/internal/models"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

// memStore mirrors the persistence semantics the scheduling core relies
// on: per-record atomic conditional updates, MAX-based token aggregation,
// and uniqueness of live token numbers per session.
type memStore struct {
	store.Store

	mu           sync.Mutex
	seq          int
	sessions     map[string]models.Session
	appointments map[string]models.Appointment

	// assignFailures forces ErrTokenTaken on the next N AssignToken
	// calls, to exercise the allocator's retry path.
	assignFailures int

	// onMarkCalled runs before MarkEntryCalled takes the lock, to
	// interleave a concurrent serving-position change.
	onMarkCalled func()
}

func newMemStore() *memStore {
	return &memStore{
		sessions:     make(map[string]models.Session),
		appointments: make(map[string]models.Appointment),
	}
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memStore) GetOrCreateSession(_ context.Context, input store.CreateSessionInput) (models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.DoctorID == input.DoctorID && session.SessionDate == input.SessionDate {
			return session, false, nil
		}
	}
	session := models.Session{
		SessionID:   s.nextID("sess"),
		DoctorID:    input.DoctorID,
		SessionDate: input.SessionDate,
		StartAt:     input.StartAt,
		EndAt:       input.EndAt,
		MaxTokens:   input.MaxTokens,
		Status:      models.SessionScheduled,
	}
	s.sessions[session.SessionID] = session
	return session, true, nil
}

func (s *memStore) GetSession(_ context.Context, sessionID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *memStore) SessionForDoctorDate(_ context.Context, doctorID, sessionDate string) (models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.DoctorID == doctorID && session.SessionDate == sessionDate {
			return session, true, nil
		}
	}
	return models.Session{}, false, nil
}

func (s *memStore) UpdateSessionStatus(_ context.Context, sessionID string, from []string, to string, at time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	matched := false
	for _, status := range from {
		if session.Status == status {
			matched = true
		}
	}
	if !matched {
		return models.Session{}, store.ErrInvalidState
	}
	session.Status = to
	switch to {
	case models.SessionLive:
		if session.StartedAt == nil {
			startedAt := at
			session.StartedAt = &startedAt
		}
		session.IsPaused = false
	case models.SessionCompleted, models.SessionCancelled:
		endedAt := at
		session.EndedAt = &endedAt
	}
	s.sessions[sessionID] = session
	return session, nil
}

func (s *memStore) PauseSession(_ context.Context, sessionID string, at time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	if session.Status != models.SessionLive {
		return models.Session{}, store.ErrInvalidState
	}
	session.Status = models.SessionPaused
	session.IsPaused = true
	pausedAt := at
	session.PausedAt = &pausedAt
	s.sessions[sessionID] = session
	return session, nil
}

func (s *memStore) ResumeSession(_ context.Context, sessionID string, at time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	if session.Status != models.SessionPaused || session.PausedAt == nil {
		return models.Session{}, store.ErrInvalidState
	}
	minutes := int(at.Sub(*session.PausedAt) / time.Minute)
	session.PauseHistory = append(session.PauseHistory, models.PauseWindow{
		PausedAt:        *session.PausedAt,
		ResumedAt:       at,
		DurationMinutes: minutes,
	})
	session.TotalPausedMinutes += minutes
	session.Status = models.SessionLive
	session.IsPaused = false
	session.PausedAt = nil
	s.sessions[sessionID] = session
	return session, nil
}

func (s *memStore) AdvanceCurrentToken(_ context.Context, sessionID string, token int, at time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	if session.Status != models.SessionScheduled && session.Status != models.SessionLive {
		return models.Session{}, store.ErrInvalidState
	}
	if session.CurrentToken >= token {
		// Stale advance; a concurrent caller already moved past this token.
		return session, nil
	}
	session.CurrentToken = token
	if session.Status == models.SessionScheduled {
		session.Status = models.SessionLive
		startedAt := at
		session.StartedAt = &startedAt
	}
	s.sessions[sessionID] = session
	return session, nil
}

func (s *memStore) ListExpiredLiveSessions(_ context.Context, now time.Time) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, session := range s.sessions {
		if session.Status == models.SessionLive && !session.EndAt.After(now) {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *memStore) CancelSession(_ context.Context, sessionID string, at time.Time) (models.Session, []models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, nil, store.ErrSessionNotFound
	}
	if session.Status == models.SessionCompleted || session.Status == models.SessionCancelled {
		return models.Session{}, nil, store.ErrInvalidState
	}
	session.Status = models.SessionCancelled
	endedAt := at
	session.EndedAt = &endedAt
	s.sessions[sessionID] = session

	var cancelled []models.Appointment
	for id, appt := range s.appointments {
		if appt.SessionID != sessionID || appt.Cancelled() || appt.Status == models.ApptCompleted {
			continue
		}
		appt.Status = models.ApptCancelledBySession
		appt.QueueStatus = models.QueueCancelled
		s.appointments[id] = appt
		cancelled = append(cancelled, appt)
	}
	return session, cancelled, nil
}

func (s *memStore) CreateAppointment(_ context.Context, input store.CreateAppointmentInput) (models.Appointment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if input.RequestID != "" {
		for _, appt := range s.appointments {
			if appt.RequestID == input.RequestID {
				return appt, false, nil
			}
		}
	}
	appt := models.Appointment{
		AppointmentID: s.nextID("appt"),
		SessionID:     input.SessionID,
		DoctorID:      input.DoctorID,
		PatientID:     input.PatientID,
		Status:        models.ApptScheduled,
		QueueStatus:   models.QueueWaiting,
		Mode:          input.Mode,
		PaymentOrder:  input.PaymentOrder,
		CreatedAt:     input.CreatedAt,
		RequestID:     input.RequestID,
	}
	s.appointments[appt.AppointmentID] = appt
	return appt, true, nil
}

func (s *memStore) GetAppointment(_ context.Context, appointmentID string) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	return appt, nil
}

func (s *memStore) MaxAssignedToken(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, appt := range s.appointments {
		if appt.SessionID == sessionID && appt.TokenNumber != nil && !appt.Cancelled() && *appt.TokenNumber > max {
			max = *appt.TokenNumber
		}
	}
	return max, nil
}

func (s *memStore) CancelledTokens(_ context.Context, sessionID string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int]bool{}
	var tokens []int
	for _, appt := range s.appointments {
		if appt.SessionID == sessionID && appt.TokenNumber != nil && appt.Cancelled() && !seen[*appt.TokenNumber] {
			seen[*appt.TokenNumber] = true
			tokens = append(tokens, *appt.TokenNumber)
		}
	}
	sort.Ints(tokens)
	return tokens, nil
}

func (s *memStore) TokenHeld(_ context.Context, sessionID string, token int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenHeldLocked(sessionID, token), nil
}

func (s *memStore) tokenHeldLocked(sessionID string, token int) bool {
	for _, appt := range s.appointments {
		if appt.SessionID == sessionID && appt.TokenNumber != nil && *appt.TokenNumber == token && !appt.Cancelled() {
			return true
		}
	}
	return false
}

func (s *memStore) AssignToken(_ context.Context, appointmentID string, token int, at time.Time) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if appt.Status != models.ApptScheduled {
		return models.Appointment{}, store.ErrInvalidState
	}
	if s.assignFailures > 0 {
		s.assignFailures--
		return models.Appointment{}, store.ErrTokenTaken
	}
	if s.tokenHeldLocked(appt.SessionID, token) {
		return models.Appointment{}, store.ErrTokenTaken
	}
	assigned := token
	appt.TokenNumber = &assigned
	appt.Status = models.ApptConfirmed
	appt.QueueStatus = models.QueueWaiting
	confirmedAt := at
	appt.ConfirmedAt = &confirmedAt
	s.appointments[appointmentID] = appt
	return appt, nil
}

func (s *memStore) CountBookedEntries(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, appt := range s.appointments {
		if appt.SessionID == sessionID && !appt.Cancelled() {
			count++
		}
	}
	return count, nil
}

func (s *memStore) ActiveEntries(_ context.Context, sessionID string) ([]models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []models.Appointment
	for _, appt := range s.appointments {
		if appt.SessionID != sessionID || appt.TokenNumber == nil {
			continue
		}
		switch appt.QueueStatus {
		case models.QueueWaiting, models.QueueCalled, models.QueueInConsultation, models.QueueSkipped:
			entries = append(entries, appt)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return *entries[i].TokenNumber < *entries[j].TokenNumber
	})
	return entries, nil
}

func (s *memStore) CountActiveEntries(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, appt := range s.appointments {
		if appt.SessionID == sessionID && appt.ActiveEntry() {
			count++
		}
	}
	return count, nil
}

func (s *memStore) NextWaitingEntry(_ context.Context, sessionID string, afterToken int) (models.Appointment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best models.Appointment
	found := false
	for _, appt := range s.appointments {
		if appt.SessionID != sessionID || appt.TokenNumber == nil || appt.QueueStatus != models.QueueWaiting {
			continue
		}
		if *appt.TokenNumber <= afterToken {
			continue
		}
		if !found || *appt.TokenNumber < *best.TokenNumber {
			best = appt
			found = true
		}
	}
	return best, found, nil
}

func (s *memStore) MarkEntryCalled(_ context.Context, appointmentID string, at time.Time) (models.Appointment, error) {
	if s.onMarkCalled != nil {
		s.onMarkCalled()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if appt.QueueStatus != models.QueueWaiting && appt.QueueStatus != models.QueueSkipped {
		return models.Appointment{}, store.ErrInvalidState
	}
	appt.Status = models.ApptCalled
	appt.QueueStatus = models.QueueCalled
	s.appointments[appointmentID] = appt
	return appt, nil
}

func (s *memStore) MarkEntrySkipped(_ context.Context, appointmentID string) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if appt.QueueStatus != models.QueueCalled {
		return models.Appointment{}, store.ErrInvalidState
	}
	appt.QueueStatus = models.QueueSkipped
	s.appointments[appointmentID] = appt
	return appt, nil
}

func (s *memStore) StartConsultation(_ context.Context, appointmentID string) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if appt.QueueStatus != models.QueueCalled {
		return models.Appointment{}, store.ErrInvalidState
	}
	appt.Status = models.ApptInConsultation
	appt.QueueStatus = models.QueueInConsultation
	s.appointments[appointmentID] = appt
	return appt, nil
}

func (s *memStore) CompleteEntry(_ context.Context, appointmentID string, at time.Time) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if appt.QueueStatus != models.QueueCalled && appt.QueueStatus != models.QueueInConsultation {
		return models.Appointment{}, store.ErrInvalidState
	}
	appt.Status = models.ApptCompleted
	appt.QueueStatus = models.QueueCompleted
	s.appointments[appointmentID] = appt
	return appt, nil
}

func (s *memStore) CancelAppointment(_ context.Context, appointmentID string, at time.Time) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	switch appt.Status {
	case models.ApptScheduled, models.ApptConfirmed, models.ApptCalled:
	default:
		return models.Appointment{}, store.ErrInvalidState
	}
	appt.Status = models.ApptCancelled
	appt.QueueStatus = models.QueueCancelled
	s.appointments[appointmentID] = appt
	return appt, nil
}

func (s *memStore) IncrementRecall(_ context.Context, appointmentID string, limit int) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if appt.QueueStatus != models.QueueCalled {
		return models.Appointment{}, store.ErrInvalidState
	}
	if appt.RecallCount >= limit {
		return models.Appointment{}, store.ErrRecallLimit
	}
	appt.RecallCount++
	s.appointments[appointmentID] = appt
	return appt, nil
}
