package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"photoline/internal/models"
	"photoline/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_number, parent_name, child_name, educator, phone_number, status,
	estimated_minutes_at_signup, photo_urls, created_at, completed_at, delivered_at`

type Store struct {
	pool *pgxpool.Pool
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunInTx runs fn at SERIALIZABLE isolation. Serialization failures, deadlocks
// and unique violations from a racing first write come back as store.ErrConflict.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(txView{q: tx}); err != nil {
		return classify(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticketNumber int64, fn store.TicketMutator) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, found, err := getTicket(ctx, tx, ticketNumber, true)
	if err != nil {
		return models.Ticket{}, err
	}
	if !found {
		err = store.ErrTicketNotFound
		return models.Ticket{}, err
	}

	event, err := fn(&ticket)
	if err != nil {
		return models.Ticket{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE queue
		SET status = $1, photo_urls = $2, completed_at = $3, delivered_at = $4
		WHERE ticket_number = $5
	`, string(ticket.Status), nonNil(ticket.PhotoURLs), ticket.CompletedAt, ticket.DeliveredAt, ticket.TicketNumber)
	if err != nil {
		return models.Ticket{}, err
	}

	if event != nil {
		if err = appendEvent(ctx, tx, *event); err != nil {
			return models.Ticket{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, classify(err)
	}
	return ticket, nil
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	return getSettings(ctx, s.pool, false)
}

func (s *Store) GetTicket(ctx context.Context, ticketNumber int64) (models.Ticket, error) {
	ticket, found, err := getTicket(ctx, s.pool, ticketNumber, false)
	if err != nil {
		return models.Ticket{}, err
	}
	if !found {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, statuses ...models.Status) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM queue`
	var args []interface{}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, status := range statuses {
			values[i] = string(status)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, values)
	}
	query += ` ORDER BY ticket_number ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id::text, type, ticket_number, payload, created_at
		FROM outbox_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var event store.Event
		var payload []byte
		if err := rows.Scan(&event.Seq, &event.EventID, &event.Type, &event.TicketNumber, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT last_seq FROM consumer_offsets WHERE consumer = $1`, consumer).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *Store) UpdateOffset(ctx context.Context, consumer string, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO consumer_offsets (consumer, last_seq, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer) DO UPDATE SET last_seq = EXCLUDED.last_seq, updated_at = EXCLUDED.updated_at
	`, consumer, seq, time.Now().UTC())
	return err
}

func (s *Store) RecordNotification(ctx context.Context, n store.Notification) error {
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (notification_id, event_id, kind, ticket_number, recipient, status, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (notification_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error
	`, n.NotificationID, n.EventID, n.Kind, n.TicketNumber, n.Recipient, n.Status, n.Attempts, nullIfEmpty(n.LastError), createdAt)
	return err
}

type txView struct {
	q querier
}

func (t txView) GetSettings(ctx context.Context) (models.Settings, error) {
	return getSettings(ctx, t.q, true)
}

func (t txView) PutSettings(ctx context.Context, update store.SettingsUpdate) error {
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO settings (id, last_ticket_number, current_serving_ticket, updated_at)
		VALUES (1, COALESCE($1::bigint, 0), COALESCE($2::bigint, 0), $3)
		ON CONFLICT (id) DO UPDATE SET
			last_ticket_number = COALESCE($1::bigint, settings.last_ticket_number),
			current_serving_ticket = COALESCE($2::bigint, settings.current_serving_ticket),
			updated_at = $3
	`, update.LastTicketNumber, update.CurrentServingTicket, updatedAt)
	return err
}

func (t txView) GetTicket(ctx context.Context, ticketNumber int64) (models.Ticket, bool, error) {
	return getTicket(ctx, t.q, ticketNumber, false)
}

func (t txView) InsertTicket(ctx context.Context, ticket models.Ticket) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO queue (ticket_number, parent_name, child_name, educator, phone_number, status,
			estimated_minutes_at_signup, photo_urls, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ticket.TicketNumber, ticket.ParentName, ticket.ChildName, ticket.Educator, ticket.PhoneNumber,
		string(ticket.Status), ticket.EstimatedMinutesAtSignup, nonNil(ticket.PhotoURLs), ticket.CreatedAt)
	return err
}

func (t txView) UpdateTicketStatus(ctx context.Context, ticketNumber int64, status models.Status) error {
	tag, err := t.q.Exec(ctx, `UPDATE queue SET status = $1 WHERE ticket_number = $2`, string(status), ticketNumber)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTicketNotFound
	}
	return nil
}

func (t txView) GetPhoneEntry(ctx context.Context, phoneNumber string) (models.PhoneEntry, bool, error) {
	entry := models.PhoneEntry{PhoneNumber: phoneNumber}
	err := t.q.QueryRow(ctx, `
		SELECT ticket_number, created_at FROM phone_numbers WHERE phone_number = $1
	`, phoneNumber).Scan(&entry.TicketNumber, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PhoneEntry{}, false, nil
	}
	if err != nil {
		return models.PhoneEntry{}, false, err
	}
	return entry, true, nil
}

func (t txView) PutPhoneEntry(ctx context.Context, entry models.PhoneEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO phone_numbers (phone_number, ticket_number, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone_number) DO UPDATE SET
			ticket_number = EXCLUDED.ticket_number,
			created_at = EXCLUDED.created_at
	`, entry.PhoneNumber, entry.TicketNumber, entry.CreatedAt)
	return err
}

func (t txView) AppendEvent(ctx context.Context, event store.Event) error {
	return appendEvent(ctx, t.q, event)
}

// appendEvent takes the outbox lock, held until the surrounding transaction
// ends, so seq order matches commit order. Nothing else is locked after it.
func appendEvent(ctx context.Context, q querier, event store.Event) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('photoline_outbox'))`); err != nil {
		return err
	}
	_, err := q.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, ticket_number, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.EventID, event.Type, event.TicketNumber, string(event.Payload), event.CreatedAt)
	return err
}

func getSettings(ctx context.Context, q querier, forUpdate bool) (models.Settings, error) {
	query := `SELECT last_ticket_number, current_serving_ticket, updated_at FROM settings WHERE id = 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var settings models.Settings
	err := q.QueryRow(ctx, query).Scan(&settings.LastTicketNumber, &settings.CurrentServingTicket, &settings.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Settings{}, nil
	}
	if err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

func getTicket(ctx context.Context, q querier, ticketNumber int64, forUpdate bool) (models.Ticket, bool, error) {
	query := `SELECT ` + ticketColumns + ` FROM queue WHERE ticket_number = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	ticket, err := scanTicket(q.QueryRow(ctx, query, ticketNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var completedAtNull sql.NullTime
	var deliveredAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketNumber, &ticket.ParentName, &ticket.ChildName, &ticket.Educator,
		&ticket.PhoneNumber, &status, &ticket.EstimatedMinutesAtSignup, &ticket.PhotoURLs, &ticket.CreatedAt,
		&completedAtNull, &deliveredAtNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.Status(status)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	ticket.DeliveredAt = nullTimePtr(deliveredAtNull)
	if ticket.PhotoURLs == nil {
		ticket.PhotoURLs = []string{}
	}
	return ticket, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
