package repository

import "errors"

// Common repository errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("record already exists")
	ErrConflict     = errors.New("record was modified concurrently")
	ErrInvalidInput = errors.New("invalid input")
)
