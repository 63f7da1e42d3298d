package models

import "time"

type Status string

const (
	StatusWaiting          Status = "waiting"
	StatusNotificationSent Status = "notification_sent"
	StatusCurrent          Status = "current"
	StatusCompleted        Status = "completed"
	StatusPhotosUploaded   Status = "photos_uploaded"
)

var statuses = []Status{
	StatusWaiting,
	StatusNotificationSent,
	StatusCurrent,
	StatusCompleted,
	StatusPhotosUploaded,
}

// PendingUploadStatuses are the statuses the uploader console works through.
var PendingUploadStatuses = []Status{
	StatusWaiting,
	StatusNotificationSent,
	StatusCurrent,
	StatusCompleted,
}

func ParseStatus(value string) (Status, bool) {
	for _, status := range statuses {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

type Ticket struct {
	TicketNumber             int64      `json:"ticket_number"`
	ParentName               string     `json:"parent_name"`
	ChildName                string     `json:"child_name"`
	Educator                 string     `json:"educator"`
	PhoneNumber              string     `json:"phone_number"`
	Status                   Status     `json:"status"`
	EstimatedMinutesAtSignup int        `json:"estimated_minutes_at_signup"`
	PhotoURLs                []string   `json:"photo_urls"`
	CreatedAt                time.Time  `json:"created_at"`
	CompletedAt              *time.Time `json:"completed_at,omitempty"`
	DeliveredAt              *time.Time `json:"delivered_at,omitempty"`
}

// Active reports whether the ticket still blocks a new sign-up from the same phone.
func (t Ticket) Active(currentServing int64) bool {
	if currentServing > t.TicketNumber {
		return false
	}
	return t.Status != StatusPhotosUploaded
}

type Settings struct {
	LastTicketNumber     int64     `json:"last_ticket_number"`
	CurrentServingTicket int64     `json:"current_serving_ticket"`
	UpdatedAt            time.Time `json:"updated_at,omitempty"`
}

type PhoneEntry struct {
	PhoneNumber  string    `json:"phone_number"`
	TicketNumber int64     `json:"ticket_number"`
	CreatedAt    time.Time `json:"created_at"`
}
