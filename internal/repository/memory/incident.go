package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/repository"
)

// IncidentStore is an in-memory IncidentStore.
type IncidentStore struct {
	mu        sync.Mutex
	incidents []*model.Incident
	failNext  int
}

var _ repository.IncidentStore = (*IncidentStore)(nil)

func NewIncidentStore() *IncidentStore {
	return &IncidentStore{}
}

// FailNext makes the next n Create calls return an error.
func (s *IncidentStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *IncidentStore) Create(ctx context.Context, incident *model.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("injected incident store failure")
	}

	cp := *incident
	s.incidents = append(s.incidents, &cp)
	return nil
}

func (s *IncidentStore) List(ctx context.Context, filter repository.Filter, limit int) ([]*model.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Incident
	for _, inc := range s.incidents {
		if !filter.Since.IsZero() && inc.CreatedAt.Before(filter.Since) {
			continue
		}
		cp := *inc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
