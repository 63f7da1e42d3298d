package notify

import (
	"context"
	"log/slog"
	"time"

	"photoline/internal/store"

	"github.com/google/uuid"
)

const DefaultConsumer = "notifier"

// Broadcaster receives every committed event, in outbox order, for the live consoles.
type Broadcaster interface {
	Broadcast(event store.Event)
}

type Config struct {
	Consumer     string
	BatchSize    int
	MaxAttempts  int
	PhotoBaseURL string
}

// Worker reads the outbox from its last committed offset and sends the texts
// each event triggers. Delivery is at-least-once: a crash between sending and
// saving the offset replays the batch.
type Worker struct {
	outbox       store.Outbox
	provider     Provider
	hub          Broadcaster
	logger       *slog.Logger
	consumer     string
	batchSize    int
	maxAttempts  int
	photoBaseURL string
}

func New(outbox store.Outbox, provider Provider, hub Broadcaster, logger *slog.Logger, cfg Config) *Worker {
	if cfg.Consumer == "" {
		cfg.Consumer = DefaultConsumer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		outbox:       outbox,
		provider:     provider,
		hub:          hub,
		logger:       logger,
		consumer:     cfg.Consumer,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		photoBaseURL: cfg.PhotoBaseURL,
	}
}

// Run processes one batch and returns the number of events consumed.
func (w *Worker) Run(ctx context.Context) (int, error) {
	last, err := w.outbox.GetOffset(ctx, w.consumer)
	if err != nil {
		return 0, err
	}

	events, err := w.outbox.ListEvents(ctx, last, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	for _, event := range events {
		if w.hub != nil {
			w.hub.Broadcast(event)
		}
		w.processEvent(ctx, event)
		last = event.Seq
	}

	if err := w.outbox.UpdateOffset(ctx, w.consumer, last); err != nil {
		return len(events), err
	}
	return len(events), nil
}

func (w *Worker) processEvent(ctx context.Context, event store.Event) {
	// Feed-only workers relay events to the hub without texting anyone.
	if w.provider == nil {
		return
	}
	messages, err := BuildMessages(event, w.photoBaseURL)
	if err != nil {
		w.logger.ErrorContext(ctx, "notify: skip malformed event",
			slog.String("event_id", event.EventID),
			slog.String("type", event.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, msg := range messages {
		w.deliver(ctx, event, msg)
	}
}

func (w *Worker) deliver(ctx context.Context, event store.Event, msg Message) {
	notification := store.Notification{
		// Stable per event and kind so a replayed batch updates the same record.
		NotificationID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(event.EventID+"/"+msg.Kind)).String(),
		EventID:        event.EventID,
		Kind:           msg.Kind,
		TicketNumber:   msg.TicketNumber,
		Recipient:      msg.Recipient,
		CreatedAt:      time.Now().UTC(),
	}

	var sendErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		notification.Attempts = attempt
		sendErr = w.provider.Send(ctx, msg)
		if sendErr == nil {
			break
		}
		w.logger.WarnContext(ctx, "notify: send failed",
			slog.String("kind", msg.Kind),
			slog.Int64("ticket_number", msg.TicketNumber),
			slog.Int("attempt", attempt),
			slog.String("error", sendErr.Error()),
		)
		if ctx.Err() != nil {
			break
		}
	}

	switch {
	case sendErr == nil:
		notification.Status = store.NotificationSent
	case notification.Attempts >= w.maxAttempts:
		notification.Status = store.NotificationDead
		notification.LastError = sendErr.Error()
	default:
		notification.Status = store.NotificationFailed
		notification.LastError = sendErr.Error()
	}
	if err := w.outbox.RecordNotification(ctx, notification); err != nil {
		w.logger.ErrorContext(ctx, "notify: record notification",
			slog.String("notification_id", notification.NotificationID),
			slog.String("error", err.Error()),
		)
	}
}

func Start(ctx context.Context, interval time.Duration, w *Worker) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := w.Run(ctx)
				if err != nil {
					if ctx.Err() == nil {
						w.logger.Error("notify worker error", slog.String("error", err.Error()))
					}
					break
				}
				// Drain a backlog without waiting a full tick per batch.
				if n < w.batchSize {
					break
				}
			}
		}
	}
}
