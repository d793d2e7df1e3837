package models

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobTerminal is returned when updating a job that already completed or failed.
	ErrJobTerminal = errors.New("job is in a terminal state")
)
