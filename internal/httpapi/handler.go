// Package httpapi serves the derived desk state to the kiosk, CS and
// display screens running next to the agent.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strings"

	"qms/mpp-desk/internal/announce"
	"qms/mpp-desk/internal/api"
	"qms/mpp-desk/internal/availability"
	"qms/mpp-desk/internal/catalog"
	"qms/mpp-desk/internal/lifecycle"
	"qms/mpp-desk/internal/models"
	"qms/mpp-desk/internal/realtime"
	"qms/mpp-desk/internal/session"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Backend is what the screens can see and do. *session.Session implements it.
type Backend interface {
	Services() []availability.Result
	TakeTicket(ctx context.Context, serviceName string) (models.Ticket, models.Counter, error)
	Counter(id models.ID) (models.Counter, bool)
	Counters() []models.Counter
	Desk(counterID models.ID) (lifecycle.Desk, error)
	Act(ctx context.Context, counterID models.ID, action string, ticketID models.ID) (models.Ticket, error)
	Markers() *realtime.Markers
	Notices() *announce.Notices

	GetCounter(ctx context.Context, id models.ID) (models.Counter, error)
	CreateCounter(ctx context.Context, counter models.Counter, prefix string) (models.Counter, error)
	UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error)
	DeleteCounter(ctx context.Context, id models.ID) error
	Trashed(ctx context.Context) ([]models.Counter, error)
	RestoreCounter(ctx context.Context, id models.ID) (models.Counter, error)
	ForceDeleteCounter(ctx context.Context, id models.ID) error
}

// StatusSource reports realtime connection health.
type StatusSource interface {
	Status() realtime.Status
}

type Handler struct {
	backend Backend
	status  StatusSource
	logger  *zap.Logger
}

type Options struct {
	Status StatusSource
	Logger *zap.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type takeTicketRequest struct {
	Service string `json:"service"`
}

type takeTicketResponse struct {
	Ticket  models.Ticket  `json:"ticket"`
	Counter models.Counter `json:"counter"`
	Display string         `json:"display"`
}

type deskActionRequest struct {
	TicketID models.ID `json:"ticket_id"`
}

type deskResponse struct {
	Counter        models.Counter          `json:"counter"`
	Tickets        []models.Ticket         `json:"tickets"`
	Waiting        []models.Ticket         `json:"waiting"`
	Called         *models.Ticket          `json:"called"`
	Served         *models.Ticket          `json:"served"`
	Buttons        lifecycle.Buttons       `json:"buttons"`
	RecentlyCalled *realtime.Marker        `json:"recently_called"`
	Notices        []announce.Announcement `json:"notices"`
}

type counterRequest struct {
	Name          string `json:"name"`
	Code          string `json:"code"`
	CodePrefix    string `json:"code_prefix"`
	Quota         int    `json:"quota"`
	ScheduleStart string `json:"schedule_start"`
	ScheduleEnd   string `json:"schedule_end"`
	Active        *bool  `json:"is_active"`
}

func NewHandler(backend Backend, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{backend: backend, status: opts.Status, logger: opts.Logger}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingMiddleware(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", expvar.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/services", h.handleServices)
		r.Post("/tickets", h.handleTakeTicket)
		r.Get("/realtime", h.handleRealtime)
		r.Get("/display", h.handleDisplay)

		r.Route("/desk/{counterID}", func(r chi.Router) {
			r.Get("/", h.handleDesk)
			r.Post("/call", h.deskAction(lifecycle.ActionCall))
			r.Post("/serve", h.deskAction(lifecycle.ActionServe))
			r.Post("/complete", h.deskAction(lifecycle.ActionComplete))
			r.Post("/cancel", h.deskAction(lifecycle.ActionCancel))
			r.Post("/call-next", h.deskAction(lifecycle.ActionCallNext))
		})

		r.Route("/admin/counters", func(r chi.Router) {
			r.Get("/", h.handleListCounters)
			r.Post("/", h.handleCreateCounter)
			r.Get("/trashed", h.handleTrashedCounters)
			r.Get("/{id}", h.handleGetCounter)
			r.Put("/{id}", h.handleUpdateCounter)
			r.Delete("/{id}", h.handleDeleteCounter)
			r.Post("/{id}/restore", h.handleRestoreCounter)
			r.Delete("/{id}/force", h.handleForceDeleteCounter)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": h.backend.Services()})
}

func (h *Handler) handleTakeTicket(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	var req takeTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Service = strings.TrimSpace(req.Service)
	if req.Service == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "service is required")
		return
	}
	ticket, counter, err := h.backend.TakeTicket(r.Context(), req.Service)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, takeTicketResponse{
		Ticket:  ticket,
		Counter: counter,
		Display: announce.FormatQueueNumber(ticket.QueueNumber),
	})
}

func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeJSON(w, http.StatusOK, realtime.Status{State: realtime.StateDisconnected, Markers: h.backend.Markers().Active()})
		return
	}
	writeJSON(w, http.StatusOK, h.status.Status())
}

// handleDisplay feeds the hall display board: the latest announcements and
// the counters that called within the marker window.
func (h *Handler) handleDisplay(w http.ResponseWriter, r *http.Request) {
	markers := h.backend.Markers().Active()
	if markers == nil {
		markers = []realtime.Marker{}
	}
	notices := h.backend.Notices().List()
	if notices == nil {
		notices = []announce.Announcement{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recently_called": markers,
		"notices":         notices,
	})
}

func (h *Handler) handleDesk(w http.ResponseWriter, r *http.Request) {
	counterID := models.ID(chi.URLParam(r, "counterID"))
	counter, ok := h.backend.Counter(counterID)
	if !ok {
		h.fail(w, r, session.ErrUnknownCounter)
		return
	}
	desk, err := h.backend.Desk(counterID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := deskResponse{
		Counter: counter,
		Tickets: nonNil(desk.Tickets()),
		Waiting: nonNil(desk.Waiting()),
		Buttons: desk.Buttons(),
		Notices: []announce.Announcement{},
	}
	if called, ok := desk.Called(); ok {
		resp.Called = &called
	}
	if served, ok := desk.Served(); ok {
		resp.Served = &served
	}
	if marker, ok := h.backend.Markers().Get(counterID); ok {
		resp.RecentlyCalled = &marker
	}
	for _, notice := range h.backend.Notices().List() {
		if notice.CounterCode == counter.Code {
			resp.Notices = append(resp.Notices, notice)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deskAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFrom(r)
		counterID := models.ID(chi.URLParam(r, "counterID"))

		// The body is optional; chunked requests report no length.
		var req deskActionRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		needsTicket := action == lifecycle.ActionCall || action == lifecycle.ActionServe || action == lifecycle.ActionComplete
		if needsTicket && req.TicketID == "" {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "ticket_id is required")
			return
		}

		ticket, err := h.backend.Act(r.Context(), counterID, action, req.TicketID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": ticket})
	}
}

func (h *Handler) handleListCounters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"counters": nonNilCounters(h.backend.Counters())})
}

func (h *Handler) handleTrashedCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := h.backend.Trashed(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"counters": nonNilCounters(counters)})
}

func (h *Handler) handleGetCounter(w http.ResponseWriter, r *http.Request) {
	counter, err := h.backend.GetCounter(r.Context(), models.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleCreateCounter(w http.ResponseWriter, r *http.Request) {
	var req counterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	counter := req.counter("")
	if req.Active == nil {
		counter.Active = true
	}
	created, err := h.backend.CreateCounter(r.Context(), counter, req.CodePrefix)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateCounter(w http.ResponseWriter, r *http.Request) {
	id := models.ID(chi.URLParam(r, "id"))
	var req counterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	counter := req.counter(id)
	if req.Active == nil {
		if current, ok := h.backend.Counter(id); ok {
			counter.Active = current.Active
		}
	}
	updated, err := h.backend.UpdateCounter(r.Context(), counter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteCounter(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.DeleteCounter(r.Context(), models.ID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRestoreCounter(w http.ResponseWriter, r *http.Request) {
	counter, err := h.backend.RestoreCounter(r.Context(), models.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleForceDeleteCounter(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.ForceDeleteCounter(r.Context(), models.ID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req counterRequest) counter(id models.ID) models.Counter {
	counter := models.Counter{
		ID:            id,
		Name:          req.Name,
		Code:          req.Code,
		DailyQuota:    req.Quota,
		ScheduleStart: req.ScheduleStart,
		ScheduleEnd:   req.ScheduleEnd,
	}
	if req.Active != nil {
		counter.Active = *req.Active
	}
	return counter
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r)),
			zap.Error(err),
		)
	}
	writeError(w, requestIDFrom(r), status, code, message)
}

func mapError(err error) (int, string, string) {
	var apiErr *api.Error
	switch {
	case errors.Is(err, session.ErrUnknownService):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, session.ErrUnknownCounter):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, session.ErrServiceUnavailable):
		return http.StatusConflict, "service_unavailable", err.Error()
	case errors.Is(err, session.ErrDuplicateCode):
		return http.StatusConflict, "duplicate_code", "counter code already in use"
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "session_closed", "session closed"
	case errors.Is(err, lifecycle.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, lifecycle.ErrBusy):
		return http.StatusConflict, "busy", "another action is in progress"
	case errors.Is(err, lifecycle.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter already has an active ticket"
	case errors.Is(err, lifecycle.ErrNoActiveTicket):
		return http.StatusConflict, "no_active_ticket", "no called or served ticket"
	case errors.Is(err, lifecycle.ErrNoWaiting):
		return http.StatusConflict, "no_waiting_ticket", "no waiting ticket"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, lifecycle.ErrDetached):
		return http.StatusConflict, "desk_detached", "desk view closed"
	case errors.Is(err, catalog.ErrInvalidCode),
		errors.Is(err, catalog.ErrInvalidName),
		errors.Is(err, catalog.ErrInvalidQuota),
		errors.Is(err, catalog.ErrInvalidSchedule),
		errors.Is(err, catalog.ErrCodeExhausted):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.As(err, &apiErr):
		status := apiErr.Status
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		return status, "upstream_error", api.Message(err)
	default:
		return http.StatusBadGateway, "upstream_unavailable", api.GenericMessage
	}
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func nonNil(tickets []models.Ticket) []models.Ticket {
	if tickets == nil {
		return []models.Ticket{}
	}
	return tickets
}

func nonNilCounters(counters []models.Counter) []models.Counter {
	if counters == nil {
		return []models.Counter{}
	}
	return counters
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
