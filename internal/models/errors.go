package models

import "errors"

var (
	// ErrNotFound is returned when no record exists for a kind/id pair.
	ErrNotFound = errors.New("entity not found")
	// ErrLeaseLost is returned by write-backs when the caller no longer holds the lease.
	ErrLeaseLost = errors.New("entity lease lost")
)
