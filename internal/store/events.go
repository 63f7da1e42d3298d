package store

import (
	"encoding/json"
	"strings"
	"time"

	"photoline/internal/models"

	"github.com/google/uuid"
)

const (
	EventTicketCreated       = "ticket.created"
	EventQueueAdvanced       = "queue.advanced"
	EventTicketPhotographed  = "ticket.photographed"
	EventTicketDelivered     = "ticket.delivered"
	EventTicketStatusChanged = "ticket.status_changed"
)

// Event is an outbox row. Seq is assigned by the store on insert. Stores must
// make seq order match commit order so consumers can track a single offset.
type Event struct {
	Seq          int64           `json:"seq"`
	EventID      string          `json:"event_id"`
	Type         string          `json:"type"`
	TicketNumber int64           `json:"ticket_number"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

type TicketRef struct {
	TicketNumber int64  `json:"ticket_number"`
	PhoneNumber  string `json:"phone_number"`
}

type TicketPayload struct {
	TicketNumber int64         `json:"ticket_number"`
	PhoneNumber  string        `json:"phone_number"`
	ChildName    string        `json:"child_name,omitempty"`
	FromStatus   models.Status `json:"from_status,omitempty"`
	Status       models.Status `json:"status"`
	PhotoURL     string        `json:"photo_url,omitempty"`
}

type AdvancedPayload struct {
	CurrentServingTicket int64      `json:"current_serving_ticket"`
	Current              *TicketRef `json:"current,omitempty"`
	Warmup               *TicketRef `json:"warmup,omitempty"`
}

func NewEvent(eventType string, ticketNumber int64, payload interface{}, createdAt time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:      uuid.NewString(),
		Type:         eventType,
		TicketNumber: ticketNumber,
		Payload:      raw,
		CreatedAt:    createdAt.UTC(),
	}, nil
}

func NewTicketEvent(eventType string, ticket models.Ticket, from models.Status, createdAt time.Time) (Event, error) {
	payload := TicketPayload{
		TicketNumber: ticket.TicketNumber,
		PhoneNumber:  ticket.PhoneNumber,
		ChildName:    ticket.ChildName,
		FromStatus:   from,
		Status:       ticket.Status,
	}
	if len(ticket.PhotoURLs) > 0 {
		payload.PhotoURL = ticket.PhotoURLs[0]
	}
	return NewEvent(eventType, ticket.TicketNumber, payload, createdAt)
}

func Ref(ticket models.Ticket) *TicketRef {
	return &TicketRef{TicketNumber: ticket.TicketNumber, PhoneNumber: ticket.PhoneNumber}
}

// MergeURLs returns existing followed by the new entries of incoming, keeping
// first-seen order and dropping blanks and duplicates.
func MergeURLs(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, raw := range list {
			url := strings.TrimSpace(raw)
			if url == "" {
				continue
			}
			if _, ok := seen[url]; ok {
				continue
			}
			seen[url] = struct{}{}
			merged = append(merged, url)
		}
	}
	return merged
}
