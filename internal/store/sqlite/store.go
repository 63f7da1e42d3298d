package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"photoline/internal/models"
	"photoline/internal/store"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const ticketColumns = `ticket_number, parent_name, child_name, educator, phone_number, status,
	estimated_minutes_at_signup, photo_urls, created_at, completed_at, delivered_at`

// Store keeps the queue in a single SQLite file. All access goes through one
// connection so transactions are serialized by the pool itself.
type Store struct {
	db *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(txView{q: sqlTx}); err != nil {
		return classify(err)
	}
	if err = sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticketNumber int64, fn store.TicketMutator) (models.Ticket, error) {
	var updated models.Ticket
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		view := tx.(txView)
		ticket, found, err := getTicket(ctx, view.q, ticketNumber)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrTicketNotFound
		}
		event, err := fn(&ticket)
		if err != nil {
			return err
		}
		if err := writeTicket(ctx, view.q, ticket); err != nil {
			return err
		}
		if event != nil {
			if err := view.AppendEvent(ctx, *event); err != nil {
				return err
			}
		}
		updated = ticket
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return updated, nil
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	return getSettings(ctx, s.db)
}

func (s *Store) GetTicket(ctx context.Context, ticketNumber int64) (models.Ticket, error) {
	ticket, found, err := getTicket(ctx, s.db, ticketNumber)
	if err != nil {
		return models.Ticket{}, err
	}
	if !found {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, statuses ...models.Status) ([]models.Ticket, error) {
	query := "SELECT " + ticketColumns + " FROM queue"
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY ticket_number ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, type, ticket_number, payload, created_at
		FROM outbox_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var event store.Event
		var payload string
		var createdAt string
		if err := rows.Scan(&event.Seq, &event.EventID, &event.Type, &event.TicketNumber, &payload, &createdAt); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		if event.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT last_seq FROM consumer_offsets WHERE consumer = ?`, consumer).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get offset: %w", err)
	}
	return seq, nil
}

func (s *Store) UpdateOffset(ctx context.Context, consumer string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumer_offsets (consumer, last_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (consumer) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at
	`, consumer, seq, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("update offset: %w", err)
	}
	return nil
}

func (s *Store) RecordNotification(ctx context.Context, n store.Notification) error {
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (notification_id, event_id, kind, ticket_number, recipient, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (notification_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error
	`, n.NotificationID, n.EventID, n.Kind, n.TicketNumber, n.Recipient, n.Status, n.Attempts, nullIfEmpty(n.LastError), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

type txView struct {
	q querier
}

func (t txView) GetSettings(ctx context.Context) (models.Settings, error) {
	return getSettings(ctx, t.q)
}

func (t txView) PutSettings(ctx context.Context, update store.SettingsUpdate) error {
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO settings (id, last_ticket_number, current_serving_ticket, updated_at)
		VALUES (1, COALESCE(?1, 0), COALESCE(?2, 0), ?3)
		ON CONFLICT (id) DO UPDATE SET
			last_ticket_number = COALESCE(?1, settings.last_ticket_number),
			current_serving_ticket = COALESCE(?2, settings.current_serving_ticket),
			updated_at = ?3
	`, nullInt(update.LastTicketNumber), nullInt(update.CurrentServingTicket), formatTime(updatedAt))
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

func (t txView) GetTicket(ctx context.Context, ticketNumber int64) (models.Ticket, bool, error) {
	return getTicket(ctx, t.q, ticketNumber)
}

func (t txView) InsertTicket(ctx context.Context, ticket models.Ticket) error {
	urls, err := json.Marshal(nonNil(ticket.PhotoURLs))
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO queue (ticket_number, parent_name, child_name, educator, phone_number, status,
			estimated_minutes_at_signup, photo_urls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ticket.TicketNumber, ticket.ParentName, ticket.ChildName, ticket.Educator, ticket.PhoneNumber,
		string(ticket.Status), ticket.EstimatedMinutesAtSignup, string(urls), formatTime(ticket.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert ticket %d: %w", ticket.TicketNumber, err)
	}
	return nil
}

func (t txView) UpdateTicketStatus(ctx context.Context, ticketNumber int64, status models.Status) error {
	res, err := t.q.ExecContext(ctx, `UPDATE queue SET status = ? WHERE ticket_number = ?`, string(status), ticketNumber)
	if err != nil {
		return fmt.Errorf("update ticket %d status: %w", ticketNumber, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return store.ErrTicketNotFound
	}
	return nil
}

func (t txView) GetPhoneEntry(ctx context.Context, phoneNumber string) (models.PhoneEntry, bool, error) {
	entry := models.PhoneEntry{PhoneNumber: phoneNumber}
	var createdAt string
	err := t.q.QueryRowContext(ctx, `
		SELECT ticket_number, created_at FROM phone_numbers WHERE phone_number = ?
	`, phoneNumber).Scan(&entry.TicketNumber, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PhoneEntry{}, false, nil
	}
	if err != nil {
		return models.PhoneEntry{}, false, fmt.Errorf("get phone entry: %w", err)
	}
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.PhoneEntry{}, false, err
	}
	return entry, true, nil
}

func (t txView) PutPhoneEntry(ctx context.Context, entry models.PhoneEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO phone_numbers (phone_number, ticket_number, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (phone_number) DO UPDATE SET
			ticket_number = excluded.ticket_number,
			created_at = excluded.created_at
	`, entry.PhoneNumber, entry.TicketNumber, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("put phone entry: %w", err)
	}
	return nil
}

func (t txView) AppendEvent(ctx context.Context, event store.Event) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, type, ticket_number, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.EventID, event.Type, event.TicketNumber, string(event.Payload), formatTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("append event %s: %w", event.Type, err)
	}
	return nil
}

func getSettings(ctx context.Context, q querier) (models.Settings, error) {
	var settings models.Settings
	var updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT last_ticket_number, current_serving_ticket, updated_at FROM settings WHERE id = 1
	`).Scan(&settings.LastTicketNumber, &settings.CurrentServingTicket, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Settings{}, nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	if settings.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

func getTicket(ctx context.Context, q querier, ticketNumber int64) (models.Ticket, bool, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+ticketColumns+" FROM queue WHERE ticket_number = ?", ticketNumber)
	if err != nil {
		return models.Ticket{}, false, fmt.Errorf("get ticket %d: %w", ticketNumber, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return models.Ticket{}, false, rows.Err()
	}
	ticket, err := scanTicket(rows)
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func writeTicket(ctx context.Context, q querier, ticket models.Ticket) error {
	urls, err := json.Marshal(nonNil(ticket.PhotoURLs))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE queue
		SET status = ?, photo_urls = ?, completed_at = ?, delivered_at = ?
		WHERE ticket_number = ?
	`, string(ticket.Status), string(urls), nullTime(ticket.CompletedAt), nullTime(ticket.DeliveredAt), ticket.TicketNumber)
	if err != nil {
		return fmt.Errorf("write ticket %d: %w", ticket.TicketNumber, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var urls string
	var createdAt string
	var completedAt sql.NullString
	var deliveredAt sql.NullString
	if err := row.Scan(&ticket.TicketNumber, &ticket.ParentName, &ticket.ChildName, &ticket.Educator,
		&ticket.PhoneNumber, &status, &ticket.EstimatedMinutesAtSignup, &urls, &createdAt, &completedAt, &deliveredAt); err != nil {
		return models.Ticket{}, fmt.Errorf("scan ticket: %w", err)
	}
	ticket.Status = models.Status(status)
	if err := json.Unmarshal([]byte(urls), &ticket.PhotoURLs); err != nil {
		return models.Ticket{}, fmt.Errorf("decode photo urls: %w", err)
	}
	var err error
	if ticket.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Ticket{}, err
	}
	if ticket.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return models.Ticket{}, err
	}
	if ticket.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *moderncsqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	return err
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return parsed, nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	parsed, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func nullTime(value *time.Time) interface{} {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func nullInt(value *int64) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
