package queue

import (
	"errors"
	"fmt"

	"photoline/internal/store"
)

var (
	ErrQueueEmpty           = errors.New("no one is waiting")
	ErrNotFound             = errors.New("ticket not found")
	ErrConcurrencyExhausted = errors.New("the line is busy, please try again")

	// ErrInvalidState rejects a manual status change the state machine does not allow.
	ErrInvalidState = store.ErrInvalidState
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// DuplicateActiveTicketError names the ticket the phone is still waiting on so
// the client can send the family back to it.
type DuplicateActiveTicketError struct {
	TicketNumber int64
}

func (e *DuplicateActiveTicketError) Error() string {
	return fmt.Sprintf("this phone number already has active ticket #%d", e.TicketNumber)
}

type NotFoundError struct {
	TicketNumber int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ticket #%d not found", e.TicketNumber)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
