package domain

import "errors"

var (
	// ErrSessionNotFound is returned by registry lookups for unknown ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStreamLimit is returned when the concurrent stream ceiling is hit.
	ErrStreamLimit = errors.New("too many concurrent streams")

	// ErrEmptyMessage is returned for requests with a blank message.
	ErrEmptyMessage = errors.New("message cannot be empty")

	// ErrMessageTooLong is returned for requests over the configured size.
	ErrMessageTooLong = errors.New("message exceeds maximum length")

	// ErrRequestBlocked is returned when the admission policy rejects a request.
	ErrRequestBlocked = errors.New("request blocked by admission policy")
)
