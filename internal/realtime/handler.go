package realtime

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const Prefix = "/realtime"

var ErrStaffOnly = errors.New("realtime: staff token required for the full feed")

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewHandler serves the SockJS feed. Clients send subscribe or unsubscribe
// messages and receive event envelopes as text frames. A subscribe carrying
// staffToken unlocks the full feed; an empty staffToken treats every client
// as staff.
func NewHandler(h *Hub, staffToken string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return sockjs.NewHandler(Prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)
		logger.Debug("realtime: client connected", slog.String("client_id", client.ID))

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			sub, err := subscriptionFor(parsed, staffToken)
			if err != nil {
				frame, _ := json.Marshal(errorFrame{Type: "error", Error: err.Error()})
				if err := session.Send(string(frame)); err != nil {
					return
				}
			}
			h.UpdateSubscription(client, sub)
		}
	})
}

// subscriptionFor maps a client message to a subscription. Families may follow
// a single ticket; the all-events feed needs the staff token.
func subscriptionFor(msg SubscribeMessage, staffToken string) (Subscription, error) {
	if msg.Action == "unsubscribe" {
		return Subscription{}, nil
	}
	staff := staffToken == "" ||
		(msg.Token != "" && subtle.ConstantTimeCompare([]byte(msg.Token), []byte(staffToken)) == 1)
	if msg.TicketNumber == 0 && !staff {
		return Subscription{}, ErrStaffOnly
	}
	return Subscription{Active: true, Staff: staff, TicketNumber: msg.TicketNumber}, nil
}
