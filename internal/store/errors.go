package store

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrCallNotFound        = errors.New("call not found")
	ErrInvalidState        = errors.New("invalid state for this action")
	ErrOutsideWindow       = errors.New("current time is outside the session window")
	ErrNoSlots             = errors.New("no available slots")
	ErrNoMorePatients      = errors.New("no more patients in the queue")
	ErrTokenTaken          = errors.New("token number already taken")
	ErrCallInProgress      = errors.New("call already in progress")
	ErrNotOwner            = errors.New("caller does not own this resource")
	ErrNotCallMode         = errors.New("appointment is not in call consultation mode")
	ErrRecallLimit         = errors.New("recall limit reached")
	ErrTokenUnassigned     = errors.New("appointment has no token")
)
