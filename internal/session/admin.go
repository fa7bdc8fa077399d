package session

import (
	"context"
	"strings"

	"qms/mpp-desk/internal/catalog"
	"qms/mpp-desk/internal/models"
)

// CreateCounter validates and creates a counter. An empty code is filled
// with the next free code for prefix; trashed counters keep their codes.
func (s *Session) CreateCounter(ctx context.Context, counter models.Counter, prefix string) (models.Counter, error) {
	counter.Name = strings.TrimSpace(counter.Name)
	counter.Code = strings.ToUpper(strings.TrimSpace(counter.Code))
	trashed, err := s.api.ListTrashedCounters(ctx)
	if err != nil {
		return models.Counter{}, err
	}
	taken := append(s.allCounters(), trashed...)
	if counter.Code == "" {
		code, err := catalog.NextCode(prefix, taken)
		if err != nil {
			return models.Counter{}, err
		}
		counter.Code = code
	}
	if err := catalog.ValidateCounter(counter); err != nil {
		return models.Counter{}, err
	}
	if codeTaken(taken, counter.Code, "") {
		return models.Counter{}, ErrDuplicateCode
	}
	created, err := s.api.CreateCounter(ctx, counter)
	if err != nil {
		return models.Counter{}, err
	}
	return created, s.RefreshCounters(ctx)
}

func (s *Session) UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	counter.Name = strings.TrimSpace(counter.Name)
	counter.Code = strings.ToUpper(strings.TrimSpace(counter.Code))
	if err := catalog.ValidateCounter(counter); err != nil {
		return models.Counter{}, err
	}
	if codeTaken(s.allCounters(), counter.Code, counter.ID) {
		return models.Counter{}, ErrDuplicateCode
	}
	updated, err := s.api.UpdateCounter(ctx, counter)
	if err != nil {
		return models.Counter{}, err
	}
	return updated, s.RefreshCounters(ctx)
}

// DeleteCounter soft-deletes a counter. Its tickets stay on the server.
func (s *Session) DeleteCounter(ctx context.Context, id models.ID) error {
	if err := s.api.DeleteCounter(ctx, id); err != nil {
		return err
	}
	return s.RefreshCounters(ctx)
}

func (s *Session) RestoreCounter(ctx context.Context, id models.ID) (models.Counter, error) {
	restored, err := s.api.RestoreCounter(ctx, id)
	if err != nil {
		return models.Counter{}, err
	}
	return restored, s.RefreshCounters(ctx)
}

func (s *Session) ForceDeleteCounter(ctx context.Context, id models.ID) error {
	if err := s.api.ForceDeleteCounter(ctx, id); err != nil {
		return err
	}
	return s.RefreshCounters(ctx)
}

func (s *Session) allCounters() []models.Counter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Counter(nil), s.counters...)
}

func codeTaken(counters []models.Counter, code string, except models.ID) bool {
	for _, counter := range counters {
		if counter.Code == code && counter.ID != except {
			return true
		}
	}
	return false
}

func (s *Session) GetCounter(ctx context.Context, id models.ID) (models.Counter, error) {
	return s.api.GetCounter(ctx, id)
}
