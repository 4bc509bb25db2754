package service

import "errors"

var (
	// ErrAlreadyMonitored is returned when starting a monitor for a subject
	// that is already active.
	ErrAlreadyMonitored = errors.New("player is already monitored")
	// ErrNotMonitored is returned for operations on a subject that is not
	// actively monitored.
	ErrNotMonitored = errors.New("player is not monitored")
	// ErrProfileNotFound is returned when the tag does not resolve to a
	// player upstream.
	ErrProfileNotFound = errors.New("player profile not found")
)
