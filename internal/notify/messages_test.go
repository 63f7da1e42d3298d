package notify

import (
	"strings"
	"testing"
	"time"

	"photoline/internal/models"
	"photoline/internal/store"
)

func ticketEvent(t *testing.T, eventType string, ticket models.Ticket) store.Event {
	t.Helper()
	event, err := store.NewTicketEvent(eventType, ticket, "", time.Now())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return event
}

func TestBuildMessagesCreated(t *testing.T) {
	event := ticketEvent(t, store.EventTicketCreated, models.Ticket{
		TicketNumber: 4, PhoneNumber: "+15555551212", Status: models.StatusWaiting,
	})
	messages, err := BuildMessages(event, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(messages) != 1 || messages[0].Kind != KindCreated || messages[0].Recipient != "+15555551212" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if !strings.Contains(messages[0].Body, "Ticket #4") {
		t.Fatalf("welcome text must name the ticket: %q", messages[0].Body)
	}
}

func TestBuildMessagesAdvanced(t *testing.T) {
	payload := store.AdvancedPayload{
		CurrentServingTicket: 3,
		Current:              &store.TicketRef{TicketNumber: 3, PhoneNumber: "+15555550003"},
		Warmup:               &store.TicketRef{TicketNumber: 8, PhoneNumber: "+15555550008"},
	}
	event, err := store.NewEvent(store.EventQueueAdvanced, 3, payload, time.Now())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}

	messages, err := BuildMessages(event, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected current and warmup texts, got %+v", messages)
	}
	if messages[0].Kind != KindCurrent || messages[0].TicketNumber != 3 {
		t.Fatalf("unexpected current message: %+v", messages[0])
	}
	if messages[1].Kind != KindWarmup || messages[1].Recipient != "+15555550008" {
		t.Fatalf("unexpected warmup message: %+v", messages[1])
	}

	payload.Warmup = nil
	event, _ = store.NewEvent(store.EventQueueAdvanced, 3, payload, time.Now())
	messages, _ = BuildMessages(event, "")
	if len(messages) != 1 {
		t.Fatalf("expected only the current text without a warmup ticket, got %+v", messages)
	}
}

func TestBuildMessagesDeliveredLink(t *testing.T) {
	tests := []struct {
		name    string
		urls    []string
		baseURL string
		want    string
	}{
		{"first url", []string{"https://x/1.jpg", "https://x/2.jpg"}, "https://gallery", "https://x/1.jpg"},
		{"base url fallback", nil, "https://gallery/", "https://gallery/ticket_7"},
		{"gallery text", nil, "", "Check the gallery for Ticket #7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := ticketEvent(t, store.EventTicketDelivered, models.Ticket{
				TicketNumber: 7, PhoneNumber: "+15555550007", Status: models.StatusPhotosUploaded, PhotoURLs: tt.urls,
			})
			messages, err := BuildMessages(event, tt.baseURL)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if len(messages) != 1 || !strings.Contains(messages[0].Body, tt.want) {
				t.Fatalf("expected body containing %q, got %+v", tt.want, messages)
			}
		})
	}
}

func TestBuildMessagesIgnoresOtherEvents(t *testing.T) {
	event := ticketEvent(t, store.EventTicketPhotographed, models.Ticket{TicketNumber: 1, PhoneNumber: "+15555550001"})
	messages, err := BuildMessages(event, "")
	if err != nil || len(messages) != 0 {
		t.Fatalf("expected no messages, got %+v (%v)", messages, err)
	}
}

func TestBuildMessagesMalformedPayload(t *testing.T) {
	event := store.Event{Type: store.EventTicketCreated, Payload: []byte("{")}
	if _, err := BuildMessages(event, ""); err == nil {
		t.Fatalf("expected decode error")
	}
}
