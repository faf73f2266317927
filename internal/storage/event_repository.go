package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// EventRepository persists the append-only per-identity event log
type EventRepository struct {
	db *PostgresDB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *PostgresDB) *EventRepository {
	return &EventRepository{db: db}
}

// ListByIdentity returns the events of one identity in append order,
// starting after the given event id
func (r *EventRepository) ListByIdentity(ctx context.Context, id types.IdentityContext, afterID int64) ([]*models.Event, error) {
	query := `
		SELECT id, uuid, chain, address, kind, payload, created_at
		FROM events
		WHERE chain = $1 AND address = $2 AND id > $3
		ORDER BY id
	`

	rows, err := r.db.Pool().Query(ctx, query, id.Chain, id.Address, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event := &models.Event{}
		var payload []byte
		if err := rows.Scan(
			&event.ID,
			&event.UUID,
			&event.Context.Chain,
			&event.Context.Address,
			&event.Kind,
			&payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// append inserts one event inside the given transaction
func (r *EventRepository) append(ctx context.Context, q Querier, event *models.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	query := `
		INSERT INTO events (uuid, chain, address, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err = q.QueryRow(ctx, query,
		event.UUID,
		event.Context.Chain,
		event.Context.Address,
		event.Kind,
		payload,
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
