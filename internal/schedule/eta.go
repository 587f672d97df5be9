package schedule

import (
	"time"

	"github.com/harshu-panchal/healiinn-sub004/internal/models"
)

type Estimate struct {
	AppointmentID        string    `json:"appointment_id"`
	TokenNumber          int       `json:"token_number"`
	PatientsAhead        int       `json:"patients_ahead"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
	EstimatedCallTime    time.Time `json:"estimated_call_time"`
}

// Estimator computes estimated call times from the serving position.
// Estimates are recomputed from a fresh session snapshot on every serving
// or queue change; they are never cached.
type Estimator struct {
	avgConsultMinutes int
}

func NewEstimator(avgConsultMinutes int) *Estimator {
	if avgConsultMinutes <= 0 {
		avgConsultMinutes = 15
	}
	return &Estimator{avgConsultMinutes: avgConsultMinutes}
}

// ForEntry estimates the call time for one token-bearing entry. Returns
// false for entries without a token.
func (e *Estimator) ForEntry(session models.Session, entry models.Appointment, now time.Time) (Estimate, bool) {
	if entry.TokenNumber == nil {
		return Estimate{}, false
	}
	token := *entry.TokenNumber

	ahead := token - session.CurrentToken - 1
	if ahead < 0 {
		ahead = 0
	}

	avg := time.Duration(e.avgConsultMinutes) * time.Minute
	var estimatedCall time.Time
	if entry.QueueStatus == models.QueueSkipped {
		// A skipped patient's position is fixed by the original token, not
		// by the current serving order.
		estimatedCall = session.StartAt.Add(time.Duration(token-1) * avg)
	} else {
		base := e.base(session, now)
		estimatedCall = base.Add(time.Duration(token-session.CurrentToken) * avg)
	}

	estimate := Estimate{
		AppointmentID: entry.AppointmentID,
		TokenNumber:   token,
		PatientsAhead: ahead,
	}
	if !estimatedCall.After(now) {
		estimate.EstimatedCallTime = now
		estimate.EstimatedWaitMinutes = 0
		return estimate, true
	}
	estimate.EstimatedCallTime = estimatedCall
	estimate.EstimatedWaitMinutes = int(estimatedCall.Sub(now) / time.Minute)
	return estimate, true
}

// base picks the reference point estimates count from: now once serving has
// begun, the session start once it is running but has served nobody, and
// now again for sessions that have not started.
func (e *Estimator) base(session models.Session, now time.Time) time.Time {
	live := session.Status == models.SessionLive || session.Status == models.SessionPaused
	if live && session.CurrentToken > 0 {
		return now
	}
	if live && session.CurrentToken == 0 {
		if session.StartedAt != nil {
			return *session.StartedAt
		}
		return session.StartAt
	}
	return now
}

// ForSession estimates every active, token-bearing entry in token order.
func (e *Estimator) ForSession(session models.Session, entries []models.Appointment, now time.Time) []Estimate {
	var estimates []Estimate
	for _, entry := range entries {
		estimate, ok := e.ForEntry(session, entry, now)
		if !ok {
			continue
		}
		estimates = append(estimates, estimate)
	}
	return estimates
}
