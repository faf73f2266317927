package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

type fakeSource struct {
	mu         sync.Mutex
	identities map[types.IdentityContext]*models.Identity
}

func (f *fakeSource) FetchIdentity(_ context.Context, id types.IdentityContext) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identities[id], nil
}

func (f *fakeSource) set(identity *models.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identities == nil {
		f.identities = make(map[types.IdentityContext]*models.Identity)
	}
	f.identities[identity.Context] = identity
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []types.IdentityContext
	lastHex string
	fail    int
	errCh   chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{errCh: make(chan struct{}, 64)}
}

func (f *fakeSender) SendJudgement(_ context.Context, id types.IdentityContext, identityHex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("watcher unavailable")
	}
	f.sent = append(f.sent, id)
	f.lastHex = identityHex
	f.errCh <- struct{}{}
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) waitForSend(t *testing.T) {
	t.Helper()
	select {
	case <-f.errCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for judgement send")
	}
}

func verifiedIdentity(revision int64) *models.Identity {
	return &models.Identity{
		Context:         types.IdentityContext{Address: "5Alice", Chain: types.ChainKusama},
		IsFullyVerified: true,
		Revision:        revision,
		IdentityHex:     "0xfeed",
	}
}

func startEmitter(t *testing.T, source IdentitySource, sender JudgementSender) *Emitter {
	t.Helper()
	e := New(source, sender)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()
	return e
}

func TestSubmitsJudgementForVerifiedIdentity(t *testing.T) {
	source := &fakeSource{}
	sender := newFakeSender()
	identity := verifiedIdentity(0)
	source.set(identity)

	e := startEmitter(t, source, sender)
	e.Enqueue(identity.Context)
	sender.waitForSend(t)

	assert.Equal(t, []types.IdentityContext{identity.Context}, sender.sent)
	assert.Equal(t, "0xfeed", sender.lastHex)
}

func TestDeduplicatesPerRevision(t *testing.T) {
	source := &fakeSource{}
	sender := newFakeSender()
	identity := verifiedIdentity(3)
	source.set(identity)

	e := startEmitter(t, source, sender)
	e.Enqueue(identity.Context)
	sender.waitForSend(t)

	// Same revision again: no second submission.
	e.Enqueue(identity.Context)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sender.sentCount())

	// A new revision submits again.
	source.set(verifiedIdentity(4))
	e.Enqueue(identity.Context)
	sender.waitForSend(t)
	assert.Equal(t, 2, sender.sentCount())
}

func TestResetAllowsResubmission(t *testing.T) {
	source := &fakeSource{}
	sender := newFakeSender()
	identity := verifiedIdentity(1)
	source.set(identity)

	e := startEmitter(t, source, sender)
	e.Enqueue(identity.Context)
	sender.waitForSend(t)

	// The watcher rejected or the ack was lost: reset and resubmit.
	e.Reset(identity.Context)
	e.Enqueue(identity.Context)
	sender.waitForSend(t)
	assert.Equal(t, 2, sender.sentCount())
}

func TestSkipsIneligibleIdentities(t *testing.T) {
	source := &fakeSource{}
	sender := newFakeSender()

	pending := verifiedIdentity(0)
	pending.IsFullyVerified = false
	source.set(pending)

	e := startEmitter(t, source, sender)
	e.Enqueue(pending.Context)

	judged := verifiedIdentity(0)
	judged.JudgementSubmitted = true
	source.set(judged)
	e.Enqueue(judged.Context)

	// Unknown identity is skipped too.
	e.Enqueue(types.IdentityContext{Address: "5Ghost", Chain: types.ChainPolkadot})

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, sender.sentCount())
}

func TestRetriesTransientSendFailures(t *testing.T) {
	source := &fakeSource{}
	sender := newFakeSender()
	sender.fail = 2
	identity := verifiedIdentity(0)
	source.set(identity)

	e := startEmitter(t, source, sender)
	e.Enqueue(identity.Context)

	// Two failures then success inside the backoff loop.
	sender.waitForSend(t)
	require.Equal(t, 1, sender.sentCount())
}
