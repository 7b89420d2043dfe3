package storage

import "errors"

// Common storage errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict is returned when a conditional update matched no row
	ErrConflict = errors.New("record state changed concurrently")
)
