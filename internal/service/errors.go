package service

import "errors"

// ErrInvalidAmount means a non-positive amount was passed.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrExpired means the code's expiry has passed.
var ErrExpired = errors.New("code expired")

// ErrStationBusy means the station already has an active session.
var ErrStationBusy = errors.New("station has an active session")

// Outcome discriminates a fresh creation from an idempotent replay so
// callers can tell "succeeded just now" from "duplicate of a prior
// success". A replay is not an error.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeAlreadyExists
)

func (o Outcome) String() string {
	if o == OutcomeAlreadyExists {
		return "already_exists"
	}
	return "created"
}
