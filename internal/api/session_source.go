package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/registrar-challenger/internal/core"
	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/storage"
	"github.com/registrar-challenger/internal/types"
)

// Bus is the cross-process frame feed, implemented by storage.EventBus
type Bus interface {
	Subscribe(ctx context.Context, chain, address string) (<-chan []byte, func(), error)
}

const sessionFrameBuffer = 16

// BusSessionSource serves sessions in the session_notifier role, where the
// verifier loop runs in another process. Snapshots and second challenges go
// straight to the shared database; incremental frames arrive over the event
// bus, published by the verifier on every commit.
type BusSessionSource struct {
	store   core.Store
	bus     Bus
	checker core.DisplayNameChecker
	log     *logging.Logger
}

// NewBusSessionSource creates a session source over the shared database and
// the event bus
func NewBusSessionSource(store core.Store, bus Bus, checker core.DisplayNameChecker) *BusSessionSource {
	return &BusSessionSource{
		store:   store,
		bus:     bus,
		checker: checker,
		log:     logging.GetGlobalLogger().WithField("component", "session_source"),
	}
}

// Subscribe reads the snapshot from the database and forwards bus frames
func (s *BusSessionSource) Subscribe(ctx context.Context, id types.IdentityContext) (<-chan *core.StateFrame, func(), error) {
	identity, err := s.store.FetchIdentity(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return nil, nil, apperrors.NewNotFoundError("identity", id.Address)
	}
	events, err := s.store.FetchEvents(ctx, id, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load events: %w", err)
	}

	payloads, busCancel, err := s.bus.Subscribe(ctx, string(id.Chain), id.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	frames := make(chan *core.StateFrame, sessionFrameBuffer)
	frames <- core.NewStateFrame(identity, events)

	go func() {
		defer close(frames)
		for payload := range payloads {
			var frame core.StateFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				s.log.WithError(err).Error("Discarding malformed bus frame")
				continue
			}
			select {
			case frames <- &frame:
			default:
				// A slow session misses this frame; a reconnect repairs
				// the view with a fresh snapshot.
				s.log.WithField("address", id.Address).Warn("Session buffer full, frame dropped")
			}
		}
	}()

	return frames, busCancel, nil
}

// VerifySecondChallenge evaluates the submission against the database. The
// database is the synchronization boundary between the two roles, so this
// write does not go through the verifier loop.
func (s *BusSessionSource) VerifySecondChallenge(ctx context.Context, sub core.SecondChallengeSubmission) (bool, error) {
	identities, err := s.store.FetchActiveIdentities(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load identities: %w", err)
	}

	saved, events, verified := core.EvaluateSecondChallenge(identities, sub)
	if len(saved) == 0 {
		return false, apperrors.NewNotFoundError("second challenge", sub.FieldValue)
	}

	change := &storage.Change{SaveIdentities: saved, Events: events}
	if err := s.store.Apply(ctx, change); err != nil {
		return false, apperrors.NewPersistenceConflictError("verify second challenge", err)
	}
	return verified, nil
}

// CheckDisplayName runs the similarity guard over the stored names
func (s *BusSessionSource) CheckDisplayName(ctx context.Context, chain types.ChainName, candidate string) ([]models.DisplayNameEntry, error) {
	existing, err := s.store.VerifiedDisplayNames(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to load display names: %w", err)
	}
	return s.checker.Check(candidate, "", existing), nil
}
