package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"qms/mpp-desk/internal/models"
)

const dateLayout = "2006-01-02"

type createTicketRequest struct {
	CounterID   string `json:"counter_id"`
	ServiceName string `json:"service_name"`
}

type callNextRequest struct {
	CounterID string `json:"counter_id"`
	QueueID   string `json:"queue_id,omitempty"`
}

// ListTickets returns every ticket issued on date.
func (c *Client) ListTickets(ctx context.Context, date time.Time) ([]models.Ticket, error) {
	var tickets []models.Ticket
	query := map[string]string{"date": date.Format(dateLayout)}
	if err := c.get(ctx, "/queues", query, &tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (c *Client) ListCounterTickets(ctx context.Context, counterID models.ID, date time.Time) ([]models.Ticket, error) {
	var tickets []models.Ticket
	query := map[string]string{
		"counter_id": counterID.String(),
		"date":       date.Format(dateLayout),
	}
	if err := c.get(ctx, "/queues", query, &tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (c *Client) CreateTicket(ctx context.Context, counterID models.ID, serviceName string) (models.Ticket, error) {
	var ticket models.Ticket
	body := createTicketRequest{CounterID: counterID.String(), ServiceName: serviceName}
	if err := c.send(ctx, http.MethodPost, "/queues", body, &ticket); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (c *Client) CallTicket(ctx context.Context, id models.ID) (models.Ticket, error) {
	return c.transition(ctx, id, "call")
}

func (c *Client) ServeTicket(ctx context.Context, id models.ID) (models.Ticket, error) {
	return c.transition(ctx, id, "serve")
}

func (c *Client) CompleteTicket(ctx context.Context, id models.ID) (models.Ticket, error) {
	return c.transition(ctx, id, "done")
}

func (c *Client) CancelTicket(ctx context.Context, id models.ID) (models.Ticket, error) {
	return c.transition(ctx, id, "cancel")
}

// CallNext asks the API to call queueID on counterID. An empty queueID lets
// the server pick.
func (c *Client) CallNext(ctx context.Context, counterID, queueID models.ID) (models.Ticket, error) {
	var ticket models.Ticket
	body := callNextRequest{CounterID: counterID.String(), QueueID: queueID.String()}
	if err := c.send(ctx, http.MethodPost, "/queues/call-next", body, &ticket); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (c *Client) transition(ctx context.Context, id models.ID, action string) (models.Ticket, error) {
	var ticket models.Ticket
	path := "/queues/" + url.PathEscape(id.String()) + "/" + action
	if err := c.send(ctx, http.MethodPost, path, nil, &ticket); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}
