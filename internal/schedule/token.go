package schedule

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/harshu-panchal/healiinn-sub004/internal/models"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

// Allocator produces the next usable token number for a session. Token
// numbers are unique among non-cancelled entries, and a number that ever
// belonged to a cancelled entry is permanently excluded from reuse.
//
// The store only guarantees per-row atomicity, so allocation is a bounded
// compare-and-swap loop: compute a candidate from aggregates, attempt the
// conditional assignment, and recompute on collision. Past the retry
// ceiling the allocator degrades to maxToken+1 with a logged inconsistency
// instead of failing a paid booking.
type Allocator struct {
	store      store.Store
	retryLimit int
	now        func() time.Time
}

const defaultTokenRetryLimit = 10

func NewAllocator(st store.Store, retryLimit int) *Allocator {
	if retryLimit <= 0 {
		retryLimit = defaultTokenRetryLimit
	}
	return &Allocator{
		store:      st,
		retryLimit: retryLimit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Predict returns the token number the next confirmed booking would
// receive. It shares the candidate computation with Assign so the number
// shown to a not-yet-booked patient always matches what gets issued.
//
// Capacity counts occupied slots, not token values: cancellations free a
// slot while their numbers stay excluded, so late tokens can exceed
// MaxTokens numerically.
func (a *Allocator) Predict(ctx context.Context, session models.Session) (int, error) {
	booked, err := a.store.CountBookedEntries(ctx, session.SessionID)
	if err != nil {
		return 0, err
	}
	if booked >= session.MaxTokens {
		return 0, store.ErrNoSlots
	}
	return a.candidate(ctx, session.SessionID)
}

// Assign allocates and commits a token for the appointment. Used at booking
// confirmation and at reschedule.
func (a *Allocator) Assign(ctx context.Context, session models.Session, appointmentID string) (models.Appointment, error) {
	// The entry being confirmed already occupies its slot, so strictly
	// greater means an overbooked session.
	booked, err := a.store.CountBookedEntries(ctx, session.SessionID)
	if err != nil {
		return models.Appointment{}, err
	}
	if booked > session.MaxTokens {
		return models.Appointment{}, store.ErrNoSlots
	}

	for attempt := 0; attempt < a.retryLimit; attempt++ {
		candidate, err := a.candidate(ctx, session.SessionID)
		if err != nil {
			return models.Appointment{}, err
		}
		appt, err := a.store.AssignToken(ctx, appointmentID, candidate, a.now())
		if err != nil {
			if errors.Is(err, store.ErrTokenTaken) {
				continue
			}
			return models.Appointment{}, err
		}
		return appt, nil
	}

	// Concurrent churn exhausted the retries; degrade to the raw aggregate
	// so the booking still completes, and leave a trail for operators.
	max, err := a.store.MaxAssignedToken(ctx, session.SessionID)
	if err != nil {
		return models.Appointment{}, err
	}
	fallback := max + 1
	log.Printf("token allocation inconsistency session=%s appointment=%s fallback_token=%d", session.SessionID, appointmentID, fallback)
	return a.store.AssignToken(ctx, appointmentID, fallback, a.now())
}

// candidate computes maxToken+1 stepped past the cancelled-token exclusion
// set and any number a live entry already holds.
func (a *Allocator) candidate(ctx context.Context, sessionID string) (int, error) {
	max, err := a.store.MaxAssignedToken(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	cancelled, err := a.store.CancelledTokens(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	excluded := make(map[int]bool, len(cancelled))
	for _, token := range cancelled {
		excluded[token] = true
	}

	candidate := max + 1
	for attempt := 0; attempt < a.retryLimit; attempt++ {
		if excluded[candidate] {
			candidate++
			continue
		}
		// Defensive re-check: MAX can lag behind a racing confirmation.
		held, err := a.store.TokenHeld(ctx, sessionID, candidate)
		if err != nil {
			return 0, err
		}
		if !held {
			return candidate, nil
		}
		candidate++
	}

	fallback := max + 1
	log.Printf("token candidate search exhausted session=%s fallback_token=%d", sessionID, fallback)
	return fallback, nil
}
