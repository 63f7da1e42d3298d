package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"photoline/internal/store"
)

const (
	KindCreated   = "created"
	KindCurrent   = "current"
	KindWarmup    = "warmup"
	KindDelivered = "delivered"
)

type Message struct {
	Kind         string `json:"kind"`
	TicketNumber int64  `json:"ticket_number"`
	Recipient    string `json:"recipient"`
	Body         string `json:"body"`
}

// BuildMessages turns one outbox event into the texts it triggers. Bodies are
// built only from the event payload so a redelivered event renders the same text.
func BuildMessages(event store.Event, photoBaseURL string) ([]Message, error) {
	switch event.Type {
	case store.EventTicketCreated:
		var payload store.TicketPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", event.Type, err)
		}
		if payload.PhoneNumber == "" || payload.TicketNumber == 0 {
			return nil, nil
		}
		return []Message{{
			Kind:         KindCreated,
			TicketNumber: payload.TicketNumber,
			Recipient:    payload.PhoneNumber,
			Body:         welcomeText(payload.TicketNumber),
		}}, nil

	case store.EventQueueAdvanced:
		var payload store.AdvancedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", event.Type, err)
		}
		if payload.CurrentServingTicket == 0 {
			return nil, nil
		}
		var messages []Message
		if ref := payload.Current; ref != nil && ref.PhoneNumber != "" {
			messages = append(messages, Message{
				Kind:         KindCurrent,
				TicketNumber: ref.TicketNumber,
				Recipient:    ref.PhoneNumber,
				Body:         fmt.Sprintf("It's your turn for photos! Please bring your little one to the photo spot now. Ticket #%d", ref.TicketNumber),
			})
		}
		if ref := payload.Warmup; ref != nil && ref.PhoneNumber != "" {
			messages = append(messages, Message{
				Kind:         KindWarmup,
				TicketNumber: ref.TicketNumber,
				Recipient:    ref.PhoneNumber,
				Body:         fmt.Sprintf("Photos are coming up soon. You're about 5 families away, please get your kiddo ready. Ticket #%d", ref.TicketNumber),
			})
		}
		return messages, nil

	case store.EventTicketDelivered:
		var payload store.TicketPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", event.Type, err)
		}
		if payload.PhoneNumber == "" {
			return nil, nil
		}
		return []Message{{
			Kind:         KindDelivered,
			TicketNumber: payload.TicketNumber,
			Recipient:    payload.PhoneNumber,
			Body:         deliveryText(payload, photoBaseURL),
		}}, nil
	}
	return nil, nil
}

func welcomeText(ticketNumber int64) string {
	return fmt.Sprintf("You're in the photo line! Ticket #%d. "+
		"We'll text when you're close, when it's your turn, and when your photos are ready. Keep your kiddo nearby!", ticketNumber)
}

func deliveryText(payload store.TicketPayload, photoBaseURL string) string {
	link := payload.PhotoURL
	if link == "" && photoBaseURL != "" {
		link = fmt.Sprintf("%s/ticket_%d", strings.TrimRight(photoBaseURL, "/"), payload.TicketNumber)
	}
	if link == "" {
		return fmt.Sprintf("Your photos are ready! Check the gallery for Ticket #%d", payload.TicketNumber)
	}
	return "Your photos are ready! See them here: " + link
}
