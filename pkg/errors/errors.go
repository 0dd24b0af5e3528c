package sentinal_errors

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTooLarge           = errors.New("payload too large")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// Key exchange preconditions
var (
	ErrNoPairwiseSession  = errors.New("no pairwise session with recipient device")
	ErrNoEligibleDevices  = errors.New("no recipient device satisfies the collect strategy")
	ErrNoGroupSession     = errors.New("no outbound group session for room")
	ErrOneTimeKeyConsumed = errors.New("one-time key already consumed")
	ErrUnknownDevice      = errors.New("unknown device")
)

// NowPtr returns a pointer to current time
func NowPtr() *time.Time {
	now := time.Now()
	return &now
}
