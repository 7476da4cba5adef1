package model

import "github.com/m-mizutani/goerr/v2"

// Error taxonomy. Callers classify with errors.Is.
var (
	// ErrValidation rejects a bad category, confidence or shape at write time.
	ErrValidation = goerr.New("validation error")

	// ErrNotFound is returned for operations on unknown ids.
	ErrNotFound = goerr.New("not found")

	// ErrGatewayTimeout means the embedding gateway timed out or failed.
	ErrGatewayTimeout = goerr.New("embedding gateway unavailable")

	// ErrStorage wraps any durability layer failure.
	ErrStorage = goerr.New("storage error")

	// ErrClosed is returned when enqueueing into a stopped queue.
	ErrClosed = goerr.New("closed")
)
