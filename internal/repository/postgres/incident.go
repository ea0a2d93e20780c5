package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"context"

	"github.com/jmoiron/sqlx"

	"github.com/harborview/backoffice/internal/model"
	"github.com/harborview/backoffice/internal/repository"
)

// IncidentStore persists observability incidents in postgres.
type IncidentStore struct {
	db *sqlx.DB
}

var _ repository.IncidentStore = (*IncidentStore)(nil)

func NewIncidentStore(db *sqlx.DB) *IncidentStore {
	return &IncidentStore{db: db}
}

func (s *IncidentStore) Create(ctx context.Context, incident *model.Incident) error {
	query := `
		INSERT INTO event_incidents (id, source, error, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, query,
		incident.ID,
		incident.Source,
		incident.Error,
		[]byte(incident.Metadata),
		incident.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

func (s *IncidentStore) List(ctx context.Context, filter repository.Filter, limit int) ([]*model.Incident, error) {
	query := `SELECT id, source, error, metadata, created_at FROM event_incidents`

	var clauses []string
	var args []interface{}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		clauses = append(clauses, fmt.Sprintf("metadata->>'event_type' = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	var incidents []*model.Incident
	if err := s.db.SelectContext(ctx, &incidents, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return incidents, nil
}
