package interfaces

import "errors"

var (
	// ErrJobNotFound is returned when no job has the requested ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a job is not in a status the
	// requested operation may move it from.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrEmptyType is returned when a job is created without a type.
	ErrEmptyType = errors.New("job type cannot be empty")

	// ErrInvalidPayload is returned when a payload or result is not valid JSON.
	ErrInvalidPayload = errors.New("payload must be valid JSON")
)
