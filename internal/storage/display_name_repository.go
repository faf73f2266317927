package storage

import (
	"context"
	"fmt"

	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// DisplayNameRepository persists the per-chain set of verified display names
// consulted by the similarity guard
type DisplayNameRepository struct {
	db *PostgresDB
}

// NewDisplayNameRepository creates a new display name repository
func NewDisplayNameRepository(db *PostgresDB) *DisplayNameRepository {
	return &DisplayNameRepository{db: db}
}

// ListByChain returns the verified display names of one chain
func (r *DisplayNameRepository) ListByChain(ctx context.Context, chain types.ChainName) ([]models.DisplayNameEntry, error) {
	query := `
		SELECT chain, address, display_name
		FROM display_names
		WHERE chain = $1
		ORDER BY address
	`

	rows, err := r.db.Pool().Query(ctx, query, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to list display names: %w", err)
	}
	defer rows.Close()

	var entries []models.DisplayNameEntry
	for rows.Next() {
		var entry models.DisplayNameEntry
		if err := rows.Scan(&entry.Context.Chain, &entry.Context.Address, &entry.DisplayName); err != nil {
			return nil, fmt.Errorf("failed to scan display name: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// upsert inserts or replaces one entry inside the given transaction
func (r *DisplayNameRepository) upsert(ctx context.Context, q Querier, entry models.DisplayNameEntry) error {
	query := `
		INSERT INTO display_names (chain, address, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain, address) DO UPDATE SET display_name = EXCLUDED.display_name
	`
	if _, err := q.Exec(ctx, query, entry.Context.Chain, entry.Context.Address, entry.DisplayName); err != nil {
		return fmt.Errorf("failed to upsert display name: %w", err)
	}
	return nil
}

// delete removes the entry of one identity inside the given transaction
func (r *DisplayNameRepository) delete(ctx context.Context, q Querier, id types.IdentityContext) error {
	if _, err := q.Exec(ctx,
		`DELETE FROM display_names WHERE chain = $1 AND address = $2`,
		id.Chain, id.Address,
	); err != nil {
		return fmt.Errorf("failed to delete display name: %w", err)
	}
	return nil
}
