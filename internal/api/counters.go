package api

import (
	"context"
	"net/http"
	"net/url"

	"qms/mpp-desk/internal/models"
)

func counterPath(id models.ID, suffix string) string {
	return "/counters/" + url.PathEscape(id.String()) + suffix
}

func (c *Client) ListCounters(ctx context.Context) ([]models.Counter, error) {
	var counters []models.Counter
	if err := c.get(ctx, "/counters", nil, &counters); err != nil {
		return nil, err
	}
	return counters, nil
}

func (c *Client) GetCounter(ctx context.Context, id models.ID) (models.Counter, error) {
	var counter models.Counter
	if err := c.get(ctx, counterPath(id, ""), nil, &counter); err != nil {
		return models.Counter{}, err
	}
	return counter, nil
}

func (c *Client) CreateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	var created models.Counter
	if err := c.send(ctx, http.MethodPost, "/counters", counterBody(counter), &created); err != nil {
		return models.Counter{}, err
	}
	return created, nil
}

func (c *Client) UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	var updated models.Counter
	if err := c.send(ctx, http.MethodPut, counterPath(counter.ID, ""), counterBody(counter), &updated); err != nil {
		return models.Counter{}, err
	}
	return updated, nil
}

// DeleteCounter soft-deletes; the counter stays restorable.
func (c *Client) DeleteCounter(ctx context.Context, id models.ID) error {
	return c.send(ctx, http.MethodDelete, counterPath(id, ""), nil, nil)
}

func (c *Client) ListTrashedCounters(ctx context.Context) ([]models.Counter, error) {
	var counters []models.Counter
	if err := c.get(ctx, "/counters/trashed", nil, &counters); err != nil {
		return nil, err
	}
	return counters, nil
}

func (c *Client) RestoreCounter(ctx context.Context, id models.ID) (models.Counter, error) {
	var restored models.Counter
	if err := c.send(ctx, http.MethodPost, counterPath(id, "/restore"), nil, &restored); err != nil {
		return models.Counter{}, err
	}
	return restored, nil
}

// ForceDeleteCounter removes a trashed counter for good.
func (c *Client) ForceDeleteCounter(ctx context.Context, id models.ID) error {
	return c.send(ctx, http.MethodDelete, counterPath(id, "/force"), nil, nil)
}

type counterRequest struct {
	Name          string `json:"name"`
	Code          string `json:"code"`
	Quota         int    `json:"quota"`
	ScheduleStart string `json:"schedule_start,omitempty"`
	ScheduleEnd   string `json:"schedule_end,omitempty"`
	IsActive      bool   `json:"is_active"`
}

func counterBody(counter models.Counter) counterRequest {
	return counterRequest{
		Name:          counter.Name,
		Code:          counter.Code,
		Quota:         counter.DailyQuota,
		ScheduleStart: counter.ScheduleStart,
		ScheduleEnd:   counter.ScheduleEnd,
		IsActive:      counter.Active,
	}
}
