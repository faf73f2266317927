// Package core implements the verification state machine. All state
// mutations flow through a single serialized command loop, so no identity is
// ever modified concurrently and every command commits its effect and its
// notifications in one atomic change.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/retry"
	"github.com/registrar-challenger/internal/storage"
	"github.com/registrar-challenger/internal/types"
)

// Store is the persistence surface the verifier needs. It is implemented by
// storage.RegistrarStore and by the in-memory store used in tests.
type Store interface {
	FetchIdentity(ctx context.Context, id types.IdentityContext) (*models.Identity, error)
	FetchActiveIdentities(ctx context.Context) ([]*models.Identity, error)
	IsMessageProcessed(ctx context.Context, adapter types.AdapterName, messageID string) (bool, error)
	VerifiedDisplayNames(ctx context.Context, chain types.ChainName) ([]models.DisplayNameEntry, error)
	FetchEvents(ctx context.Context, id types.IdentityContext, afterID int64) ([]*models.Event, error)
	Apply(ctx context.Context, change *storage.Change) error
}

// Publisher fans committed state frames out to other processes. In the split
// deployment this is the Redis event bus; a nil publisher disables fan-out.
type Publisher interface {
	Publish(ctx context.Context, chain, address string, payload []byte) error
}

// SecondChallengeSender delivers the out-of-band second token to the user.
// Implemented by the email adapter.
type SecondChallengeSender interface {
	SendSecondChallenge(ctx context.Context, to, token string) error
}

// JudgementSink receives identities that became fully verified and need a
// judgement submitted to the watcher.
type JudgementSink interface {
	Enqueue(id types.IdentityContext)
}

const subscriberBuffer = 16

// Verifier owns all identity state. Commands are executed one at a time by
// the Run loop; the public methods block until their command has been
// processed and committed.
type Verifier struct {
	store   Store
	checker DisplayNameChecker
	log     *logging.Logger

	publisher    Publisher
	secondSender SecondChallengeSender
	judgements   JudgementSink

	commands chan func(context.Context)

	// Owned by the Run loop, never accessed from outside it.
	identities  map[types.IdentityContext]*models.Identity
	subscribers map[types.IdentityContext]map[int64]chan *StateFrame
	nextSubID   int64
}

// DisplayNameChecker is the similarity guard used at announcement time
type DisplayNameChecker interface {
	Check(candidate string, excludeAddress string, verified []models.DisplayNameEntry) []models.DisplayNameEntry
}

// NewVerifier creates a verifier over the given store
func NewVerifier(store Store, checker DisplayNameChecker) *Verifier {
	return &Verifier{
		store:       store,
		checker:     checker,
		log:         logging.GetGlobalLogger().WithField("component", "verifier"),
		commands:    make(chan func(context.Context), 64),
		identities:  make(map[types.IdentityContext]*models.Identity),
		subscribers: make(map[types.IdentityContext]map[int64]chan *StateFrame),
	}
}

// SetPublisher wires the cross-process event bus
func (v *Verifier) SetPublisher(p Publisher) { v.publisher = p }

// SetSecondChallengeSender wires the outbound email path
func (v *Verifier) SetSecondChallengeSender(s SecondChallengeSender) { v.secondSender = s }

// SetJudgementSink wires the judgement emitter
func (v *Verifier) SetJudgementSink(j JudgementSink) { v.judgements = j }

// Run loads persisted state and processes commands until the context is
// cancelled. It must be running before any public command method is called.
func (v *Verifier) Run(ctx context.Context) error {
	identities, err := v.store.FetchActiveIdentities(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active identities: %w", err)
	}
	for _, identity := range identities {
		v.identities[identity.Context] = identity
		// Resume judgement submission for identities that finished
		// verification before the last shutdown.
		if identity.IsFullyVerified && !identity.JudgementSubmitted && v.judgements != nil {
			v.judgements.Enqueue(identity.Context)
		}
	}
	v.log.WithField("identities", len(identities)).Info("Verifier state loaded")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-v.commands:
			cmd(ctx)
		}
	}
}

// submit runs fn inside the command loop and waits for its result
func (v *Verifier) submit(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	select {
	case v.commands <- func(loopCtx context.Context) { done <- fn(loopCtx) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleAnnouncement reconciles a watcher announcement into stored state
func (v *Verifier) HandleAnnouncement(ctx context.Context, ann WatcherAnnounce) error {
	return v.submit(ctx, func(loopCtx context.Context) error {
		return v.reconcile(loopCtx, ann)
	})
}

// HandleRetract drops an identity that is no longer pending on chain
func (v *Verifier) HandleRetract(ctx context.Context, ret WatcherRetract) error {
	return v.submit(ctx, func(loopCtx context.Context) error {
		if _, ok := v.identities[ret.Context]; !ok {
			return nil
		}
		change := &storage.Change{
			DeleteIdentity:    &ret.Context,
			DeleteDisplayName: &ret.Context,
		}
		if err := v.store.Apply(loopCtx, change); err != nil {
			return apperrors.NewPersistenceConflictError("retract identity", err)
		}
		delete(v.identities, ret.Context)
		v.log.WithFields(map[string]interface{}{
			"chain":   ret.Context.Chain,
			"address": ret.Context.Address,
		}).Info("Identity retracted")
		return nil
	})
}

// HandleMessage matches one inbound adapter message against pending fields
func (v *Verifier) HandleMessage(ctx context.Context, msg models.ExternalMessage) error {
	return v.submit(ctx, func(loopCtx context.Context) error {
		return v.match(loopCtx, msg)
	})
}

// VerifySecondChallenge checks the token a user submitted over HTTP against
// every email field awaiting its second challenge. It reports whether any
// field was verified.
func (v *Verifier) VerifySecondChallenge(ctx context.Context, sub SecondChallengeSubmission) (bool, error) {
	var verified bool
	err := v.submit(ctx, func(loopCtx context.Context) error {
		var err error
		verified, err = v.verifySecond(loopCtx, sub)
		return err
	})
	return verified, err
}

// ManuallyVerify applies a moderator override and returns the updated
// identities, one per chain the address is pending on
func (v *Verifier) ManuallyVerify(ctx context.Context, cmd ManualVerify) ([]*models.Identity, error) {
	var updated []*models.Identity
	err := v.submit(ctx, func(loopCtx context.Context) error {
		var err error
		updated, err = v.manuallyVerify(loopCtx, cmd)
		return err
	})
	return updated, err
}

// HandleJudgementAck marks an identity as judged after the watcher confirmed
// the judgement extrinsic
func (v *Verifier) HandleJudgementAck(ctx context.Context, id types.IdentityContext) error {
	return v.submit(ctx, func(loopCtx context.Context) error {
		cached, err := v.refresh(loopCtx, id)
		if err != nil {
			return err
		}
		if cached == nil {
			return apperrors.NewNotFoundError("identity", id.Address)
		}
		if cached.JudgementSubmitted {
			return nil
		}
		identity := cached.Clone()
		now := time.Now().UTC()
		identity.JudgementSubmitted = true
		identity.CompletedAt = &now
		events := []*models.Event{models.NewEvent(id, types.EventJudgementProvided, models.EventPayload{})}
		return v.commit(loopCtx, &storage.Change{
			SaveIdentities: []*models.Identity{identity},
			Events:         events,
		})
	})
}

// UpdateActiveDisplayNames ingests the watcher's bulk feed of on-chain
// display names into the similarity index
func (v *Verifier) UpdateActiveDisplayNames(ctx context.Context, entries []models.DisplayNameEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return v.submit(ctx, func(loopCtx context.Context) error {
		if err := v.store.Apply(loopCtx, &storage.Change{UpsertDisplayNames: entries}); err != nil {
			return apperrors.NewPersistenceConflictError("update display names", err)
		}
		v.log.WithField("count", len(entries)).Debug("Active display names updated")
		return nil
	})
}

// CheckDisplayName runs the similarity guard for an ad-hoc candidate without
// touching any state. Used by the HTTP endpoint.
func (v *Verifier) CheckDisplayName(ctx context.Context, chain types.ChainName, candidate string) ([]models.DisplayNameEntry, error) {
	existing, err := v.store.VerifiedDisplayNames(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to load display names: %w", err)
	}
	return v.checker.Check(candidate, "", existing), nil
}

// Snapshot returns the current state of an identity together with its full
// notification log
func (v *Verifier) Snapshot(ctx context.Context, id types.IdentityContext) (*StateFrame, error) {
	var frame *StateFrame
	err := v.submit(ctx, func(loopCtx context.Context) error {
		identity, ok := v.identities[id]
		if !ok {
			return apperrors.NewNotFoundError("identity", id.Address)
		}
		events, err := v.store.FetchEvents(loopCtx, id, 0)
		if err != nil {
			return fmt.Errorf("failed to load events: %w", err)
		}
		frame = NewStateFrame(identity, events)
		return nil
	})
	return frame, err
}

// Status returns the state of every pending identity with the given address,
// regardless of chain. Used by the moderator interface.
func (v *Verifier) Status(ctx context.Context, address string) ([]*StateFrame, error) {
	var frames []*StateFrame
	err := v.submit(ctx, func(loopCtx context.Context) error {
		for id, identity := range v.identities {
			if id.Address != address {
				continue
			}
			events, err := v.store.FetchEvents(loopCtx, id, 0)
			if err != nil {
				return fmt.Errorf("failed to load events: %w", err)
			}
			frames = append(frames, NewStateFrame(identity, events))
		}
		if len(frames) == 0 {
			return apperrors.NewNotFoundError("identity", address)
		}
		return nil
	})
	return frames, err
}

// Subscribe registers a live subscriber for one identity. The returned
// channel first carries a snapshot frame, then one frame per committed
// change. The cancel function releases the subscription.
func (v *Verifier) Subscribe(ctx context.Context, id types.IdentityContext) (<-chan *StateFrame, func(), error) {
	var (
		frames chan *StateFrame
		subID  int64
	)
	err := v.submit(ctx, func(loopCtx context.Context) error {
		identity, ok := v.identities[id]
		if !ok {
			return apperrors.NewNotFoundError("identity", id.Address)
		}
		events, err := v.store.FetchEvents(loopCtx, id, 0)
		if err != nil {
			return fmt.Errorf("failed to load events: %w", err)
		}

		frames = make(chan *StateFrame, subscriberBuffer)
		v.nextSubID++
		subID = v.nextSubID
		if v.subscribers[id] == nil {
			v.subscribers[id] = make(map[int64]chan *StateFrame)
		}
		v.subscribers[id][subID] = frames
		frames <- NewStateFrame(identity, events)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	cancel := func() {
		_ = v.submit(context.Background(), func(context.Context) error {
			if subs, ok := v.subscribers[id]; ok {
				delete(subs, subID)
				if len(subs) == 0 {
					delete(v.subscribers, id)
				}
			}
			return nil
		})
	}
	return frames, cancel, nil
}

// refresh re-reads one identity from the store into the cached view. The
// session notifier commits second-challenge results to the database from its
// own process, so the loop must not mutate a cached entry it has not
// re-read; a stale clone would overwrite the externally committed state.
func (v *Verifier) refresh(ctx context.Context, id types.IdentityContext) (*models.Identity, error) {
	identity, err := v.store.FetchIdentity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh identity: %w", err)
	}
	if identity == nil {
		delete(v.identities, id)
		return nil, nil
	}
	v.identities[id] = identity
	return identity, nil
}

// commit persists a change, updates the in-memory view and fans the
// resulting frames out to subscribers and the event bus
func (v *Verifier) commit(ctx context.Context, change *storage.Change) error {
	if err := v.store.Apply(ctx, change); err != nil {
		return apperrors.NewPersistenceConflictError("commit change", err)
	}

	for _, identity := range change.SaveIdentities {
		v.identities[identity.Context] = identity
		v.broadcast(ctx, identity, eventsFor(change.Events, identity.Context))
	}
	if change.DeleteIdentity != nil {
		delete(v.identities, *change.DeleteIdentity)
	}
	return nil
}

// broadcast delivers one frame to in-process subscribers and the bus
func (v *Verifier) broadcast(ctx context.Context, identity *models.Identity, events []*models.Event) {
	frame := NewStateFrame(identity, events)

	for _, sub := range v.subscribers[identity.Context] {
		select {
		case sub <- frame:
		default:
			// A slow subscriber misses this frame; its next snapshot
			// read repairs the view.
			v.log.WithField("address", identity.Context.Address).Warn("Subscriber buffer full, frame dropped")
		}
	}

	if v.publisher != nil {
		payload, err := json.Marshal(frame)
		if err != nil {
			v.log.WithError(err).Error("Failed to marshal state frame")
			return
		}
		if err := v.publisher.Publish(ctx, string(identity.Context.Chain), identity.Context.Address, payload); err != nil {
			v.log.WithError(err).Warn("Failed to publish state frame")
		}
	}
}

// finishVerification flips the identity-level flag once every field is
// verified
func finishVerification(identity *models.Identity, events []*models.Event) []*models.Event {
	if identity.IsFullyVerified || !identity.AllFieldsVerified() {
		return events
	}
	identity.IsFullyVerified = true
	events = append(events, models.NewEvent(identity.Context, types.EventIdentityFullyVerified, models.EventPayload{}))
	return events
}

// enqueueJudgements hands freshly verified identities to the emitter. Called
// after commit so a submission never races its own persistence.
func (v *Verifier) enqueueJudgements(identities []*models.Identity) {
	if v.judgements == nil {
		return
	}
	for _, identity := range identities {
		if identity.IsFullyVerified && !identity.JudgementSubmitted {
			v.judgements.Enqueue(identity.Context)
		}
	}
}

// sendSecondChallenge delivers the second token in the background with
// backoff. State is already committed; the send must not block the loop.
func (v *Verifier) sendSecondChallenge(to, token string) {
	if v.secondSender == nil {
		return
	}
	log := v.log.WithField("recipient", to)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		err := retry.WithExponentialBackoff(ctx, retry.DefaultConfig(), func(ctx context.Context, _ int) error {
			return v.secondSender.SendSecondChallenge(ctx, to, token)
		})
		if err != nil {
			log.WithError(err).Error("Failed to send second challenge")
			return
		}
		log.Info("Second challenge sent")
	}()
}

func eventsFor(events []*models.Event, id types.IdentityContext) []*models.Event {
	var out []*models.Event
	for _, e := range events {
		if e.Context == id {
			out = append(out, e)
		}
	}
	return out
}
