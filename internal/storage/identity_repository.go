package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// IdentityRepository handles identity and field persistence
type IdentityRepository struct {
	db *PostgresDB
}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository(db *PostgresDB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Get retrieves an identity with its fields, or nil when none exists
func (r *IdentityRepository) Get(ctx context.Context, id types.IdentityContext) (*models.Identity, error) {
	return r.get(ctx, r.db.Pool(), id)
}

func (r *IdentityRepository) get(ctx context.Context, q Querier, id types.IdentityContext) (*models.Identity, error) {
	query := `
		SELECT id, chain, address, is_fully_verified, judgement_submitted,
			   revision, identity_hex, inserted_at, completed_at
		FROM identities
		WHERE chain = $1 AND address = $2
	`

	identity := &models.Identity{}
	err := q.QueryRow(ctx, query, id.Chain, id.Address).Scan(
		&identity.ID,
		&identity.Context.Chain,
		&identity.Context.Address,
		&identity.IsFullyVerified,
		&identity.JudgementSubmitted,
		&identity.Revision,
		&identity.IdentityHex,
		&identity.InsertedAt,
		&identity.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch identity: %w", err)
	}

	if err := r.loadFields(ctx, q, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

func (r *IdentityRepository) loadFields(ctx context.Context, q Querier, identity *models.Identity) error {
	query := `
		SELECT id, identity_id, kind, value, challenge_kind,
			   COALESCE(token, ''), COALESCE(second_token, ''),
			   status, failed_attempts, verified_at
		FROM fields
		WHERE identity_id = $1
		ORDER BY id
	`

	rows, err := q.Query(ctx, query, identity.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch fields: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		field := &models.Field{}
		if err := rows.Scan(
			&field.ID,
			&field.IdentityID,
			&field.Kind,
			&field.Value,
			&field.Challenge.Kind,
			&field.Challenge.Token,
			&field.Challenge.SecondToken,
			&field.Status,
			&field.FailedAttempts,
			&field.VerifiedAt,
		); err != nil {
			return fmt.Errorf("failed to scan field: %w", err)
		}
		identity.Fields = append(identity.Fields, field)
	}

	return rows.Err()
}

// ListActive returns all identities that have not completed their request
// cycle yet. Used to rebuild the in-memory view on restart.
func (r *IdentityRepository) ListActive(ctx context.Context) ([]*models.Identity, error) {
	query := `
		SELECT chain, address
		FROM identities
		WHERE completed_at IS NULL
		ORDER BY id
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active identities: %w", err)
	}
	defer rows.Close()

	var contexts []types.IdentityContext
	for rows.Next() {
		var id types.IdentityContext
		if err := rows.Scan(&id.Chain, &id.Address); err != nil {
			return nil, fmt.Errorf("failed to scan identity context: %w", err)
		}
		contexts = append(contexts, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	identities := make([]*models.Identity, 0, len(contexts))
	for _, id := range contexts {
		identity, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			identities = append(identities, identity)
		}
	}
	return identities, nil
}

// ListJudgementCandidates returns fully verified identities whose judgement
// has not been submitted yet
func (r *IdentityRepository) ListJudgementCandidates(ctx context.Context, chain types.ChainName) ([]*models.Identity, error) {
	query := `
		SELECT chain, address
		FROM identities
		WHERE chain = $1 AND is_fully_verified = TRUE AND judgement_submitted = FALSE
		ORDER BY id
	`

	rows, err := r.db.Pool().Query(ctx, query, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to list judgement candidates: %w", err)
	}
	defer rows.Close()

	var contexts []types.IdentityContext
	for rows.Next() {
		var id types.IdentityContext
		if err := rows.Scan(&id.Chain, &id.Address); err != nil {
			return nil, fmt.Errorf("failed to scan identity context: %w", err)
		}
		contexts = append(contexts, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	identities := make([]*models.Identity, 0, len(contexts))
	for _, id := range contexts {
		identity, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			identities = append(identities, identity)
		}
	}
	return identities, nil
}

// save upserts the identity row and reconciles its field rows inside the
// given transaction
func (r *IdentityRepository) save(ctx context.Context, q Querier, identity *models.Identity) error {
	if identity.InsertedAt.IsZero() {
		identity.InsertedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO identities (
			chain, address, is_fully_verified, judgement_submitted,
			revision, identity_hex, inserted_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chain, address) DO UPDATE SET
			is_fully_verified = EXCLUDED.is_fully_verified,
			judgement_submitted = EXCLUDED.judgement_submitted,
			revision = EXCLUDED.revision,
			identity_hex = EXCLUDED.identity_hex,
			completed_at = EXCLUDED.completed_at
		RETURNING id
	`

	err := q.QueryRow(ctx, query,
		identity.Context.Chain,
		identity.Context.Address,
		identity.IsFullyVerified,
		identity.JudgementSubmitted,
		identity.Revision,
		identity.IdentityHex,
		identity.InsertedAt,
		identity.CompletedAt,
	).Scan(&identity.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert identity: %w", err)
	}

	if err := r.pruneFields(ctx, q, identity); err != nil {
		return err
	}

	for _, field := range identity.Fields {
		field.IdentityID = identity.ID
		if err := r.saveField(ctx, q, field); err != nil {
			return err
		}
	}
	return nil
}

// pruneFields deletes field rows whose kind is no longer declared
func (r *IdentityRepository) pruneFields(ctx context.Context, q Querier, identity *models.Identity) error {
	if len(identity.Fields) == 0 {
		_, err := q.Exec(ctx, `DELETE FROM fields WHERE identity_id = $1`, identity.ID)
		if err != nil {
			return fmt.Errorf("failed to prune fields: %w", err)
		}
		return nil
	}

	kinds := make([]string, 0, len(identity.Fields))
	args := []any{identity.ID}
	for i, field := range identity.Fields {
		kinds = append(kinds, fmt.Sprintf("$%d", i+2))
		args = append(args, field.Kind)
	}

	query := fmt.Sprintf(
		`DELETE FROM fields WHERE identity_id = $1 AND kind NOT IN (%s)`,
		strings.Join(kinds, ", "),
	)
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to prune fields: %w", err)
	}
	return nil
}

func (r *IdentityRepository) saveField(ctx context.Context, q Querier, field *models.Field) error {
	query := `
		INSERT INTO fields (
			identity_id, kind, value, challenge_kind, token, second_token,
			status, failed_attempts, verified_at
		)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)
		ON CONFLICT (identity_id, kind) DO UPDATE SET
			value = EXCLUDED.value,
			challenge_kind = EXCLUDED.challenge_kind,
			token = EXCLUDED.token,
			second_token = EXCLUDED.second_token,
			status = EXCLUDED.status,
			failed_attempts = EXCLUDED.failed_attempts,
			verified_at = EXCLUDED.verified_at
		RETURNING id
	`

	err := q.QueryRow(ctx, query,
		field.IdentityID,
		field.Kind,
		field.Value,
		field.Challenge.Kind,
		field.Challenge.Token,
		field.Challenge.SecondToken,
		field.Status,
		field.FailedAttempts,
		field.VerifiedAt,
	).Scan(&field.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert field: %w", err)
	}
	return nil
}

// delete removes an identity and its fields inside the given transaction
func (r *IdentityRepository) delete(ctx context.Context, q Querier, id types.IdentityContext) error {
	if _, err := q.Exec(ctx,
		`DELETE FROM fields WHERE identity_id IN (SELECT id FROM identities WHERE chain = $1 AND address = $2)`,
		id.Chain, id.Address,
	); err != nil {
		return fmt.Errorf("failed to delete fields: %w", err)
	}
	if _, err := q.Exec(ctx,
		`DELETE FROM identities WHERE chain = $1 AND address = $2`,
		id.Chain, id.Address,
	); err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	return nil
}
