package store

import "errors"

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrInvalidState   = errors.New("invalid ticket state")
	// ErrConflict marks a transaction that lost a write race and may be re-run.
	ErrConflict = errors.New("transaction conflict")
)
