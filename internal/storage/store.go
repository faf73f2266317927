package storage

import (
	"context"
	"fmt"

	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// Change is the unit of persistence for one core command: the identity to
// upsert or drop, the events it produced, the display-name index updates and
// the dedup record of the message that caused it. Everything in one Change
// commits in a single transaction.
type Change struct {
	SaveIdentities     []*models.Identity
	DeleteIdentity     *types.IdentityContext
	Events             []*models.Event
	UpsertDisplayNames []models.DisplayNameEntry
	DeleteDisplayName  *types.IdentityContext
	ProcessedMessage   *models.ExternalMessage
}

// RegistrarStore composes the repositories and provides the atomic apply
// used by the verification core
type RegistrarStore struct {
	db           *PostgresDB
	Identities   *IdentityRepository
	DisplayNames *DisplayNameRepository
	Events       *EventRepository
	Messages     *MessageRepository
}

// NewRegistrarStore creates a store over one Postgres connection pool
func NewRegistrarStore(db *PostgresDB) *RegistrarStore {
	return &RegistrarStore{
		db:           db,
		Identities:   NewIdentityRepository(db),
		DisplayNames: NewDisplayNameRepository(db),
		Events:       NewEventRepository(db),
		Messages:     NewMessageRepository(db),
	}
}

// Apply commits a change atomically. The caller must not observe any partial
// effect: either the identity mutation, its events and the dedup record are
// all persisted, or none are.
func (s *RegistrarStore) Apply(ctx context.Context, change *Change) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for _, identity := range change.SaveIdentities {
		if err := s.Identities.save(ctx, tx, identity); err != nil {
			return err
		}
	}
	if change.DeleteIdentity != nil {
		if err := s.Identities.delete(ctx, tx, *change.DeleteIdentity); err != nil {
			return err
		}
	}
	for _, event := range change.Events {
		if err := s.Events.append(ctx, tx, event); err != nil {
			return err
		}
	}
	for _, entry := range change.UpsertDisplayNames {
		if err := s.DisplayNames.upsert(ctx, tx, entry); err != nil {
			return err
		}
	}
	if change.DeleteDisplayName != nil {
		if err := s.DisplayNames.delete(ctx, tx, *change.DeleteDisplayName); err != nil {
			return err
		}
	}
	if change.ProcessedMessage != nil {
		msg := change.ProcessedMessage
		if err := s.Messages.markProcessed(ctx, tx, msg.Adapter, msg.MessageID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit change: %w", err)
	}
	return nil
}

// FetchIdentity implements the core store interface
func (s *RegistrarStore) FetchIdentity(ctx context.Context, id types.IdentityContext) (*models.Identity, error) {
	return s.Identities.Get(ctx, id)
}

// FetchActiveIdentities implements the core store interface
func (s *RegistrarStore) FetchActiveIdentities(ctx context.Context) ([]*models.Identity, error) {
	return s.Identities.ListActive(ctx)
}

// IsMessageProcessed implements the core store interface
func (s *RegistrarStore) IsMessageProcessed(ctx context.Context, adapter types.AdapterName, messageID string) (bool, error) {
	return s.Messages.IsProcessed(ctx, adapter, messageID)
}

// VerifiedDisplayNames implements the core store interface
func (s *RegistrarStore) VerifiedDisplayNames(ctx context.Context, chain types.ChainName) ([]models.DisplayNameEntry, error) {
	return s.DisplayNames.ListByChain(ctx, chain)
}

// FetchEvents implements the core store interface
func (s *RegistrarStore) FetchEvents(ctx context.Context, id types.IdentityContext, afterID int64) ([]*models.Event, error) {
	return s.Events.ListByIdentity(ctx, id, afterID)
}
