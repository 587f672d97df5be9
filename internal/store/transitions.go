package store

import "github.com/harshu-panchal/healiinn-sub004/internal/models"

var sessionTransitions = map[string][]string{
	models.SessionLive:      {models.SessionScheduled, models.SessionPaused},
	models.SessionPaused:    {models.SessionLive},
	models.SessionCompleted: {models.SessionScheduled, models.SessionLive, models.SessionPaused},
	models.SessionCancelled: {models.SessionScheduled, models.SessionLive, models.SessionPaused},
}

// ValidSessionTransition reports whether a session may move from one clock
// state to another. Completed and cancelled are terminal.
func ValidSessionTransition(from, to string) bool {
	allowed, ok := sessionTransitions[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

var callTransitions = map[string][]string{
	models.CallAccepted: {models.CallInitiated},
	models.CallDeclined: {models.CallInitiated},
	models.CallMissed:   {models.CallInitiated},
	// A caller may hang up before the answer, so initiated -> ended is legal.
	models.CallEnded: {models.CallInitiated, models.CallAccepted},
}

func ValidCallTransition(from, to string) bool {
	allowed, ok := callTransitions[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}
