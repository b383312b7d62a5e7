package buffer

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when the file to load does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrTooLarge is returned when a file to load exceeds the transfer cap.
	ErrTooLarge = errors.New("file exceeds maximum transfer size")

	// ErrCapacityExceeded is returned when an append would overflow the cap.
	ErrCapacityExceeded = errors.New("transfer buffer capacity exceeded")

	// ErrAccessViolation is returned for names that escape a Dir root or
	// that the process may not touch.
	ErrAccessViolation = errors.New("access violation")

	// ErrIO covers any other read or write failure.
	ErrIO = errors.New("file i/o error")
)
