package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"photoline/internal/models"
	"photoline/internal/queue"

	"github.com/go-playground/validator/v10"
)

// QueueService is the slice of the queue engine the transport drives.
type QueueService interface {
	CreateTicket(ctx context.Context, input queue.CreateTicketInput) (models.Ticket, error)
	AdvanceQueue(ctx context.Context) (int64, error)
	MarkPhotographed(ctx context.Context, ticketNumber int64) (models.Ticket, error)
	RecordDelivery(ctx context.Context, ticketNumber int64, urls []string) (models.Ticket, error)
	SetTicketStatus(ctx context.Context, ticketNumber int64, status string) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketNumber int64) (models.Ticket, error)
	ListPendingUploads(ctx context.Context) ([]models.Ticket, error)
	Status(ctx context.Context) (queue.Snapshot, error)
}

// StatusCache fronts the queue snapshot; mutations invalidate it.
type StatusCache interface {
	Status(ctx context.Context) (queue.Snapshot, error)
	Invalidate(ctx context.Context)
}

type Handler struct {
	queue    QueueService
	status   StatusCache
	ready    func(ctx context.Context) error
	validate *validator.Validate
	logger   *slog.Logger
}

type Options struct {
	// Status defaults to reading the snapshot straight from the engine.
	Status StatusCache

	// Ready backs /healthz; nil always reports healthy.
	Ready func(ctx context.Context) error

	Logger *slog.Logger
}

type deliveryRequest struct {
	URLs []string `json:"urls" validate:"required,min=1,dive,required,url"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

// publicTicket is what a family sees when looking up a ticket without the
// staff token.
type publicTicket struct {
	TicketNumber         int64         `json:"ticket_number"`
	Status               models.Status `json:"status"`
	CurrentServingTicket int64         `json:"current_serving_ticket"`
	EstimatedWaitMinutes int64         `json:"estimated_wait_minutes"`
}

type advanceResponse struct {
	CurrentServingTicket int64 `json:"current_serving_ticket"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	TicketNumber int64  `json:"ticket_number,omitempty"`
}

func NewHandler(service QueueService, options Options) *Handler {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	status := options.Status
	if status == nil {
		status = engineStatus{service}
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		queue:    service,
		status:   status,
		ready:    options.Ready,
		validate: validate,
		logger:   options.Logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicketActions)
	mux.HandleFunc("/api/queue", h.handleQueueStatus)
	mux.HandleFunc("/api/queue/advance", h.handleAdvance)
	mux.HandleFunc("/api/uploads/pending", h.handlePendingUploads)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", slog.String("error", err.Error()))
			writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "unavailable", "store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req queue.CreateTicketInput
	if !h.decodeRequest(w, r, &req) {
		return
	}

	ticket, err := h.queue.CreateTicket(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.status.Invalidate(r.Context())
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ticketNumber, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ticketNumber <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket number must be a positive integer")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		h.handleGetTicket(w, r, ticketNumber)
	case "photographed":
		h.handlePhotographed(w, r, ticketNumber)
	case "delivery":
		h.handleDelivery(w, r, ticketNumber)
	case "status":
		h.handleSetStatus(w, r, ticketNumber)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketNumber int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ticket, err := h.queue.GetTicket(r.Context(), ticketNumber)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if IsStaff(r.Context()) {
		writeJSON(w, http.StatusOK, ticket)
		return
	}
	snapshot, err := h.status.Status(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicView(ticket, snapshot.CurrentServingTicket))
}

func publicView(ticket models.Ticket, current int64) publicTicket {
	view := publicTicket{
		TicketNumber:         ticket.TicketNumber,
		Status:               ticket.Status,
		CurrentServingTicket: current,
	}
	if ticket.Status == models.StatusWaiting || ticket.Status == models.StatusNotificationSent {
		if ahead := ticket.TicketNumber - current - 1; ahead > 0 {
			view.EstimatedWaitMinutes = ahead * queue.MinutesPerTicket
		}
	}
	return view
}

func (h *Handler) handlePhotographed(w http.ResponseWriter, r *http.Request, ticketNumber int64) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ticket, err := h.queue.MarkPhotographed(r.Context(), ticketNumber)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request, ticketNumber int64) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req deliveryRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.queue.RecordDelivery(r.Context(), ticketNumber, req.URLs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request, ticketNumber int64) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req statusRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.queue.SetTicketStatus(r.Context(), ticketNumber, strings.TrimSpace(req.Status))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snapshot, err := h.status.Status(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	current, err := h.queue.AdvanceQueue(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.status.Invalidate(r.Context())
	writeJSON(w, http.StatusOK, advanceResponse{CurrentServingTicket: current})
}

func (h *Handler) handlePendingUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tickets, err := h.queue.ListPendingUploads(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return "invalid request payload"
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		switch fe.Tag() {
		case "required":
			messages = append(messages, fe.Field()+" is required")
		case "max":
			messages = append(messages, fe.Field()+" is too long")
		case "url":
			messages = append(messages, fe.Field()+" must be a URL")
		default:
			messages = append(messages, fe.Field()+" is invalid")
		}
	}
	return strings.Join(messages, "; ")
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := requestIDFromRequest(r)
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
	var dup *queue.DuplicateActiveTicketError
	if errors.As(err, &dup) {
		writeJSON(w, status, errorResponse{
			RequestID: requestID,
			Error:     responseError{Code: code, Message: msg, TicketNumber: dup.TicketNumber},
		})
		return
	}
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	var validation *queue.ValidationError
	var dup *queue.DuplicateActiveTicketError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.As(err, &dup):
		return http.StatusConflict, "duplicate_active_ticket", dup.Error()
	case errors.Is(err, queue.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no more tickets in the queue"
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, queue.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, queue.ErrConcurrencyExhausted):
		return http.StatusServiceUnavailable, "busy", "queue is busy, try again"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type engineStatus struct {
	service QueueService
}

func (s engineStatus) Status(ctx context.Context) (queue.Snapshot, error) {
	return s.service.Status(ctx)
}

func (engineStatus) Invalidate(context.Context) {}
