package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"photoline/internal/store"
)

// Subscription narrows what a client receives. A client with no subscription
// receives nothing; TicketNumber 0 means every event. Only Staff clients see
// phone numbers and names.
type Subscription struct {
	Active       bool
	Staff        bool
	TicketNumber int64
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

type SubscribeMessage struct {
	Action       string `json:"action"`
	TicketNumber int64  `json:"ticket_number"`
	Token        string `json:"token,omitempty"`
}

var privateFields = []string{"phone_number", "child_name", "parent_name", "photo_url"}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast fans an outbox event out to matching clients. Clients whose
// buffer is full miss the message instead of stalling the sender.
func (h *Hub) Broadcast(event store.Event) {
	full, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("realtime: encode event", slog.String("event_id", event.EventID), slog.String("error", err.Error()))
		return
	}
	redacted, err := json.Marshal(Redact(event))
	if err != nil {
		h.logger.Error("realtime: encode event", slog.String("event_id", event.EventID), slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, event) {
			continue
		}
		payload := redacted
		if client.Subscription.Staff {
			payload = full
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("realtime: drop message", slog.String("client_id", client.ID), slog.Int64("seq", event.Seq))
		}
	}
}

func match(sub Subscription, event store.Event) bool {
	if !sub.Active {
		return false
	}
	// Every advance moves every family's place in line.
	if sub.TicketNumber == 0 || event.Type == store.EventQueueAdvanced {
		return true
	}
	return event.TicketNumber == sub.TicketNumber
}

// Redact strips contact details and gallery links from an event payload,
// including the nested ticket refs of an advance.
func Redact(event store.Event) store.Event {
	var payload map[string]interface{}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		event.Payload = json.RawMessage("{}")
		return event
	}
	scrub(payload)
	raw, err := json.Marshal(payload)
	if err != nil {
		event.Payload = json.RawMessage("{}")
		return event
	}
	event.Payload = raw
	return event
}

func scrub(value map[string]interface{}) {
	for _, field := range privateFields {
		delete(value, field)
	}
	for _, nested := range value {
		if child, ok := nested.(map[string]interface{}); ok {
			scrub(child)
		}
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	if msg.TicketNumber < 0 {
		return SubscribeMessage{}, false
	}
	return msg, true
}
