package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/registrar-challenger/internal/types"
)

// MessageRepository tracks processed adapter messages and per-adapter resume
// counters. Processed-message inserts happen in the same transaction as the
// state change they caused, which is what makes adapter redelivery safe.
type MessageRepository struct {
	db *PostgresDB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *PostgresDB) *MessageRepository {
	return &MessageRepository{db: db}
}

// IsProcessed reports whether a message has already been applied
func (r *MessageRepository) IsProcessed(ctx context.Context, adapter types.AdapterName, messageID string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_messages WHERE adapter = $1 AND message_id = $2)`,
		adapter, messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return exists, nil
}

// markProcessed records a message id inside the given transaction
func (r *MessageRepository) markProcessed(ctx context.Context, q Querier, adapter types.AdapterName, messageID string) error {
	if _, err := q.Exec(ctx,
		`INSERT INTO processed_messages (adapter, message_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		adapter, messageID,
	); err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

// Counter returns the resume position of one adapter, empty when unset
func (r *MessageRepository) Counter(ctx context.Context, adapter types.AdapterName) (string, error) {
	var last string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT last_message_id FROM message_counters WHERE adapter = $1`,
		adapter,
	).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to fetch message counter: %w", err)
	}
	return last, nil
}

// SetCounter stores the resume position of one adapter
func (r *MessageRepository) SetCounter(ctx context.Context, adapter types.AdapterName, last string) error {
	if _, err := r.db.Pool().Exec(ctx,
		`INSERT INTO message_counters (adapter, last_message_id) VALUES ($1, $2)
		 ON CONFLICT (adapter) DO UPDATE SET last_message_id = EXCLUDED.last_message_id`,
		adapter, last,
	); err != nil {
		return fmt.Errorf("failed to store message counter: %w", err)
	}
	return nil
}
