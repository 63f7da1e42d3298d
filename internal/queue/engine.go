package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"photoline/internal/models"
	"photoline/internal/phone"
	"photoline/internal/store"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// WarmupOffset is how many tickets behind the new current ticket get the
	// "almost your turn" notice.
	WarmupOffset = 5
	// MinutesPerTicket is the average time the photographer spends per family.
	MinutesPerTicket = 3

	defaultMaxAttempts = 5
)

var tracer = otel.Tracer("photoline/queue")

type Options struct {
	// MaxAttempts bounds how often a transaction is re-run after losing a write race.
	MaxAttempts int
	// RetryInterval is the first backoff delay between attempts.
	RetryInterval time.Duration
	Now           func() time.Time
}

type Engine struct {
	store store.QueueStore
	opts  Options
}

type CreateTicketInput struct {
	ParentName  string `json:"parent_name" validate:"required,max=200"`
	ChildName   string `json:"child_name" validate:"required,max=200"`
	Educator    string `json:"educator" validate:"required,max=200"`
	PhoneNumber string `json:"phone_number" validate:"required,max=40"`
}

// Snapshot is the public view of the line used by the sign-up page and the consoles.
type Snapshot struct {
	LastTicketNumber     int64     `json:"last_ticket_number"`
	CurrentServingTicket int64     `json:"current_serving_ticket"`
	WaitingCount         int64     `json:"waiting_count"`
	EstimatedWaitMinutes int64     `json:"estimated_wait_minutes"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

func NewEngine(st store.QueueStore, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 20 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: st, opts: opts}
}

func (e *Engine) CreateTicket(ctx context.Context, input CreateTicketInput) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "queue.CreateTicket")
	defer func() { endSpan(span, err) }()

	parentName := strings.TrimSpace(input.ParentName)
	childName := strings.TrimSpace(input.ChildName)
	educator := strings.TrimSpace(input.Educator)
	switch {
	case parentName == "":
		return models.Ticket{}, &ValidationError{Field: "parent_name", Message: "parent name is required"}
	case childName == "":
		return models.Ticket{}, &ValidationError{Field: "child_name", Message: "child name is required"}
	case educator == "":
		return models.Ticket{}, &ValidationError{Field: "educator", Message: "educator is required"}
	}
	phoneNumber, err := phone.Normalize(input.PhoneNumber)
	if err != nil {
		return models.Ticket{}, &ValidationError{Field: "phone_number", Message: err.Error()}
	}

	err = e.retry(ctx, func() error {
		return e.store.RunInTx(ctx, func(tx store.Tx) error {
			settings, err := tx.GetSettings(ctx)
			if err != nil {
				return fmt.Errorf("read settings: %w", err)
			}

			entry, found, err := tx.GetPhoneEntry(ctx, phoneNumber)
			if err != nil {
				return fmt.Errorf("read phone entry: %w", err)
			}
			if found {
				existing, ok, err := tx.GetTicket(ctx, entry.TicketNumber)
				if err != nil {
					return fmt.Errorf("read ticket %d: %w", entry.TicketNumber, err)
				}
				if ok && existing.Active(settings.CurrentServingTicket) {
					return &DuplicateActiveTicketError{TicketNumber: existing.TicketNumber}
				}
			}

			now := e.opts.Now().UTC()
			next := settings.LastTicketNumber + 1
			// Families still ahead once the current ticket is done.
			ahead := next - settings.CurrentServingTicket - 1
			if ahead < 0 {
				ahead = 0
			}
			ticket = models.Ticket{
				TicketNumber:             next,
				ParentName:               parentName,
				ChildName:                childName,
				Educator:                 educator,
				PhoneNumber:              phoneNumber,
				Status:                   models.StatusWaiting,
				EstimatedMinutesAtSignup: int(ahead) * MinutesPerTicket,
				PhotoURLs:                []string{},
				CreatedAt:                now,
			}
			if err := tx.InsertTicket(ctx, ticket); err != nil {
				return fmt.Errorf("insert ticket: %w", err)
			}
			if err := tx.PutSettings(ctx, store.SettingsUpdate{LastTicketNumber: &next, UpdatedAt: now}); err != nil {
				return fmt.Errorf("update settings: %w", err)
			}
			if err := tx.PutPhoneEntry(ctx, models.PhoneEntry{PhoneNumber: phoneNumber, TicketNumber: next, CreatedAt: now}); err != nil {
				return fmt.Errorf("update phone entry: %w", err)
			}
			event, err := store.NewTicketEvent(store.EventTicketCreated, ticket, "", now)
			if err != nil {
				return err
			}
			return tx.AppendEvent(ctx, event)
		})
	})
	if err != nil {
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.Int64("ticket.number", ticket.TicketNumber))
	return ticket, nil
}

// AdvanceQueue moves the serving pointer to the next ticket and puts the
// ticket WarmupOffset places behind it on notice. All writes commit together.
func (e *Engine) AdvanceQueue(ctx context.Context) (current int64, err error) {
	ctx, span := tracer.Start(ctx, "queue.AdvanceQueue")
	defer func() { endSpan(span, err) }()

	err = e.retry(ctx, func() error {
		return e.store.RunInTx(ctx, func(tx store.Tx) error {
			settings, err := tx.GetSettings(ctx)
			if err != nil {
				return fmt.Errorf("read settings: %w", err)
			}

			target := settings.CurrentServingTicket + 1
			next, ok, err := tx.GetTicket(ctx, target)
			if err != nil {
				return fmt.Errorf("read ticket %d: %w", target, err)
			}
			if !ok {
				return ErrQueueEmpty
			}
			warmup, hasWarmup, err := tx.GetTicket(ctx, target+WarmupOffset)
			if err != nil {
				return fmt.Errorf("read ticket %d: %w", target+WarmupOffset, err)
			}

			if err := tx.UpdateTicketStatus(ctx, target, models.StatusCurrent); err != nil {
				return fmt.Errorf("set ticket %d current: %w", target, err)
			}
			payload := store.AdvancedPayload{CurrentServingTicket: target, Current: store.Ref(next)}
			if hasWarmup {
				if err := tx.UpdateTicketStatus(ctx, warmup.TicketNumber, models.StatusNotificationSent); err != nil {
					return fmt.Errorf("set ticket %d notification_sent: %w", warmup.TicketNumber, err)
				}
				payload.Warmup = store.Ref(warmup)
			}

			now := e.opts.Now().UTC()
			last := settings.LastTicketNumber
			if target > last {
				last = target
			}
			if err := tx.PutSettings(ctx, store.SettingsUpdate{
				LastTicketNumber:     &last,
				CurrentServingTicket: &target,
				UpdatedAt:            now,
			}); err != nil {
				return fmt.Errorf("update settings: %w", err)
			}

			event, err := store.NewEvent(store.EventQueueAdvanced, target, payload, now)
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, event); err != nil {
				return err
			}
			current = target
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("ticket.number", current))
	return current, nil
}

func (e *Engine) MarkPhotographed(ctx context.Context, ticketNumber int64) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "queue.MarkPhotographed", trace.WithAttributes(attribute.Int64("ticket.number", ticketNumber)))
	defer func() { endSpan(span, err) }()

	return e.updateTicket(ctx, ticketNumber, func(t *models.Ticket) (*store.Event, error) {
		from := t.Status
		now := e.opts.Now().UTC()
		t.Status = models.StatusCompleted
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		event, err := store.NewTicketEvent(store.EventTicketPhotographed, *t, from, now)
		if err != nil {
			return nil, err
		}
		return &event, nil
	})
}

// RecordDelivery adds the uploaded photo links to a ticket and marks it
// delivered. It does not require the ticket to have been photographed first.
func (e *Engine) RecordDelivery(ctx context.Context, ticketNumber int64, urls []string) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "queue.RecordDelivery", trace.WithAttributes(attribute.Int64("ticket.number", ticketNumber)))
	defer func() { endSpan(span, err) }()

	incoming := store.MergeURLs(nil, urls)
	if len(incoming) == 0 {
		return models.Ticket{}, &ValidationError{Field: "urls", Message: "at least one photo URL is required"}
	}

	return e.updateTicket(ctx, ticketNumber, func(t *models.Ticket) (*store.Event, error) {
		from := t.Status
		now := e.opts.Now().UTC()
		t.PhotoURLs = store.MergeURLs(t.PhotoURLs, incoming)
		t.Status = models.StatusPhotosUploaded
		if t.DeliveredAt == nil {
			t.DeliveredAt = &now
		}
		if !store.Entered(from, t.Status, models.StatusPhotosUploaded) {
			return nil, nil
		}
		event, err := store.NewTicketEvent(store.EventTicketDelivered, *t, from, now)
		if err != nil {
			return nil, err
		}
		return &event, nil
	})
}

// SetTicketStatus applies a manual correction from a staff console. It never
// touches the counters.
func (e *Engine) SetTicketStatus(ctx context.Context, ticketNumber int64, value string) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "queue.SetTicketStatus", trace.WithAttributes(attribute.Int64("ticket.number", ticketNumber)))
	defer func() { endSpan(span, err) }()

	target, ok := models.ParseStatus(value)
	if !ok {
		return models.Ticket{}, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", value)}
	}
	action, ok := store.ActionForStatus(target)
	if !ok {
		return models.Ticket{}, &ValidationError{Field: "status", Message: fmt.Sprintf("status %q cannot be set manually", value)}
	}

	return e.updateTicket(ctx, ticketNumber, func(t *models.Ticket) (*store.Event, error) {
		from := t.Status
		if from == target {
			return nil, nil
		}
		if !store.ValidTransition(action, from) {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidState, from, target)
		}
		now := e.opts.Now().UTC()
		t.Status = target
		if target == models.StatusCompleted && t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		event, err := store.NewTicketEvent(store.EventTicketStatusChanged, *t, from, now)
		if err != nil {
			return nil, err
		}
		return &event, nil
	})
}

func (e *Engine) GetTicket(ctx context.Context, ticketNumber int64) (models.Ticket, error) {
	ticket, err := e.store.GetTicket(ctx, ticketNumber)
	if errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, &NotFoundError{TicketNumber: ticketNumber}
	}
	return ticket, err
}

func (e *Engine) Status(ctx context.Context) (Snapshot, error) {
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	waiting := settings.LastTicketNumber - settings.CurrentServingTicket
	if waiting < 0 {
		waiting = 0
	}
	return Snapshot{
		LastTicketNumber:     settings.LastTicketNumber,
		CurrentServingTicket: settings.CurrentServingTicket,
		WaitingCount:         waiting,
		EstimatedWaitMinutes: waiting * MinutesPerTicket,
		UpdatedAt:            settings.UpdatedAt,
	}, nil
}

// ListPendingUploads returns every ticket the uploader still owes photos, in line order.
func (e *Engine) ListPendingUploads(ctx context.Context) ([]models.Ticket, error) {
	tickets, err := e.store.ListTickets(ctx, models.PendingUploadStatuses...)
	if err != nil {
		return nil, err
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return tickets, nil
}

func (e *Engine) updateTicket(ctx context.Context, ticketNumber int64, fn store.TicketMutator) (models.Ticket, error) {
	var ticket models.Ticket
	err := e.retry(ctx, func() error {
		updated, err := e.store.UpdateTicket(ctx, ticketNumber, fn)
		if err != nil {
			return err
		}
		ticket = updated
		return nil
	})
	if errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, &NotFoundError{TicketNumber: ticketNumber}
	}
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// retry re-runs op while it loses write races. Any other error ends the
// attempt loop immediately.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.opts.RetryInterval
	policy.MaxInterval = 20 * e.opts.RetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, store.ErrConflict) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(e.opts.MaxAttempts)))
	if err != nil && errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w after %d attempts: %v", ErrConcurrencyExhausted, e.opts.MaxAttempts, err)
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
