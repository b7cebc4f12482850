package database

import "errors"

var (
	// ErrClosed is returned when attempting to use a closed database
	ErrClosed = errors.New("database is closed")

	// ErrQueryFailed is returned when a statement fails
	ErrQueryFailed = errors.New("query failed")

	// ErrInvalidCursor is returned when a cursor points past the newest row
	ErrInvalidCursor = errors.New("cursor out of range")

	// ErrNoDiskDatabase is returned when a disk read is requested without a
	// configured database path
	ErrNoDiskDatabase = errors.New("no on-disk database configured")
)
