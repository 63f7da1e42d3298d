package store

import (
	"context"
	"time"

	"photoline/internal/models"
)

// SettingsUpdate is a merge write: nil fields keep their stored value.
type SettingsUpdate struct {
	LastTicketNumber     *int64
	CurrentServingTicket *int64
	UpdatedAt            time.Time
}

// Tx is the view of the store inside one atomic transaction. Reads observe a
// consistent snapshot and writes commit together or not at all.
type Tx interface {
	GetSettings(ctx context.Context) (models.Settings, error)
	PutSettings(ctx context.Context, update SettingsUpdate) error
	GetTicket(ctx context.Context, ticketNumber int64) (models.Ticket, bool, error)
	InsertTicket(ctx context.Context, ticket models.Ticket) error
	UpdateTicketStatus(ctx context.Context, ticketNumber int64, status models.Status) error
	GetPhoneEntry(ctx context.Context, phoneNumber string) (models.PhoneEntry, bool, error)
	PutPhoneEntry(ctx context.Context, entry models.PhoneEntry) error
	AppendEvent(ctx context.Context, event Event) error
}

// TicketMutator edits a locked ticket in place and returns the event to append
// alongside the write, or nil for none.
type TicketMutator func(ticket *models.Ticket) (*Event, error)

type QueueStore interface {
	// RunInTx runs fn in a single transaction. A lost write race surfaces as
	// ErrConflict and the caller decides whether to re-run fn.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	// UpdateTicket atomically rewrites the mutable fields of one ticket.
	UpdateTicket(ctx context.Context, ticketNumber int64, fn TicketMutator) (models.Ticket, error)
	GetSettings(ctx context.Context) (models.Settings, error)
	GetTicket(ctx context.Context, ticketNumber int64) (models.Ticket, error)
	ListTickets(ctx context.Context, statuses ...models.Status) ([]models.Ticket, error)
}

type Outbox interface {
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]Event, error)
	GetOffset(ctx context.Context, consumer string) (int64, error)
	UpdateOffset(ctx context.Context, consumer string, seq int64) error
	RecordNotification(ctx context.Context, notification Notification) error
}

type Store interface {
	QueueStore
	Outbox
	Ping(ctx context.Context) error
	Close()
}

type Notification struct {
	NotificationID string
	EventID        string
	Kind           string
	TicketNumber   int64
	Recipient      string
	Status         string
	Attempts       int
	LastError      string
	CreatedAt      time.Time
}

const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
	NotificationDead   = "dead"
)
