// Package emitter submits judgements for fully verified identities to the
// watcher and keeps retrying until the watcher acknowledges.
package emitter

import (
	"context"
	"sync"

	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/retry"
	"github.com/registrar-challenger/internal/types"
)

// JudgementSender delivers one judgement to the watcher of the identity's
// chain. The identity hex is the on-chain state checksum; the watcher uses
// it to reject judgements against a since-changed identity. Implemented by
// the watcher adapter.
type JudgementSender interface {
	SendJudgement(ctx context.Context, id types.IdentityContext, identityHex string) error
}

// IdentitySource re-reads identity state before submission so a stale queue
// entry never produces a judgement for a demoted identity.
type IdentitySource interface {
	FetchIdentity(ctx context.Context, id types.IdentityContext) (*models.Identity, error)
}

const queueSize = 256

// Emitter consumes verified identities and submits judgements. Submissions
// are deduplicated per identity revision: a re-enqueue of the same revision
// while a submission is in flight is a no-op, and a lost watcher ack is
// repaired by Reset followed by re-enqueue.
type Emitter struct {
	source IdentitySource
	sender JudgementSender
	log    *logging.Logger

	queue chan types.IdentityContext

	mu        sync.Mutex
	submitted map[types.IdentityContext]int64
}

// New creates an emitter over the given source and sender
func New(source IdentitySource, sender JudgementSender) *Emitter {
	return &Emitter{
		source:    source,
		sender:    sender,
		log:       logging.GetGlobalLogger().WithField("component", "emitter"),
		queue:     make(chan types.IdentityContext, queueSize),
		submitted: make(map[types.IdentityContext]int64),
	}
}

// Enqueue implements core.JudgementSink. It never blocks the verifier loop;
// a full queue drops the entry and relies on the startup resync to retry.
func (e *Emitter) Enqueue(id types.IdentityContext) {
	select {
	case e.queue <- id:
	default:
		e.log.WithField("address", id.Address).Warn("Judgement queue full, dropping entry")
	}
}

// Reset clears the in-flight record of an identity so the next enqueue
// submits again. Called when the watcher rejects a judgement or an ack is
// known to be lost.
func (e *Emitter) Reset(id types.IdentityContext) {
	e.mu.Lock()
	delete(e.submitted, id)
	e.mu.Unlock()
}

// Run processes the queue until the context is cancelled
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-e.queue:
			e.process(ctx, id)
		}
	}
}

func (e *Emitter) process(ctx context.Context, id types.IdentityContext) {
	log := e.log.WithFields(map[string]interface{}{
		"chain":   id.Chain,
		"address": id.Address,
	})

	identity, err := e.source.FetchIdentity(ctx, id)
	if err != nil {
		log.WithError(err).Error("Failed to load identity for judgement")
		return
	}
	if identity == nil || !identity.IsFullyVerified || identity.JudgementSubmitted {
		log.Debug("Identity no longer eligible for judgement, skipping")
		return
	}

	e.mu.Lock()
	lastRevision, inFlight := e.submitted[id]
	if inFlight && lastRevision == identity.Revision {
		e.mu.Unlock()
		log.WithField("revision", identity.Revision).Debug("Judgement already submitted for revision, skipping")
		return
	}
	e.mu.Unlock()

	err = retry.WithExponentialBackoff(ctx, retry.DefaultConfig(), func(ctx context.Context, _ int) error {
		return e.sender.SendJudgement(ctx, id, identity.IdentityHex)
	})
	if err != nil {
		log.WithError(err).Error("Failed to submit judgement")
		return
	}

	e.mu.Lock()
	e.submitted[id] = identity.Revision
	e.mu.Unlock()
	log.WithField("revision", identity.Revision).Info("Judgement submitted, awaiting watcher ack")
}
