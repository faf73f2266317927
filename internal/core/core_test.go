package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/registrar-challenger/internal/displayname"
	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/storage"
	"github.com/registrar-challenger/internal/types"
)

// fakeStore is an in-memory Store with the same transactional semantics as
// the Postgres-backed one.
type fakeStore struct {
	mu           sync.Mutex
	identities   map[types.IdentityContext]*models.Identity
	displayNames map[types.IdentityContext]models.DisplayNameEntry
	events       []*models.Event
	processed    map[string]bool
	nextID       int64
	nextEventID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities:   make(map[types.IdentityContext]*models.Identity),
		displayNames: make(map[types.IdentityContext]models.DisplayNameEntry),
		processed:    make(map[string]bool),
	}
}

func (s *fakeStore) Apply(_ context.Context, change *storage.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, identity := range change.SaveIdentities {
		clone := identity.Clone()
		if clone.ID == 0 {
			s.nextID++
			clone.ID = s.nextID
		}
		s.identities[clone.Context] = clone
	}
	if change.DeleteIdentity != nil {
		delete(s.identities, *change.DeleteIdentity)
	}
	for _, event := range change.Events {
		s.nextEventID++
		clone := *event
		clone.ID = s.nextEventID
		s.events = append(s.events, &clone)
	}
	for _, entry := range change.UpsertDisplayNames {
		s.displayNames[entry.Context] = entry
	}
	if change.DeleteDisplayName != nil {
		delete(s.displayNames, *change.DeleteDisplayName)
	}
	if change.ProcessedMessage != nil {
		msg := change.ProcessedMessage
		s.processed[fmt.Sprintf("%s/%s", msg.Adapter, msg.MessageID)] = true
	}
	return nil
}

func (s *fakeStore) FetchIdentity(_ context.Context, id types.IdentityContext) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if identity, ok := s.identities[id]; ok {
		return identity.Clone(), nil
	}
	return nil, nil
}

func (s *fakeStore) FetchActiveIdentities(_ context.Context) ([]*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Identity
	for _, identity := range s.identities {
		if identity.CompletedAt == nil {
			out = append(out, identity.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) IsMessageProcessed(_ context.Context, adapter types.AdapterName, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[fmt.Sprintf("%s/%s", adapter, messageID)], nil
}

func (s *fakeStore) VerifiedDisplayNames(_ context.Context, chain types.ChainName) ([]models.DisplayNameEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DisplayNameEntry
	for _, entry := range s.displayNames {
		if entry.Context.Chain == chain {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *fakeStore) FetchEvents(_ context.Context, id types.IdentityContext, afterID int64) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, event := range s.events {
		if event.Context == id && event.ID > afterID {
			clone := *event
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeStore) eventKinds(id types.IdentityContext) []types.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.EventKind
	for _, event := range s.events {
		if event.Context == id {
			out = append(out, event.Kind)
		}
	}
	return out
}

type fakeSink struct {
	ch chan types.IdentityContext
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan types.IdentityContext, 8)}
}

func (s *fakeSink) Enqueue(id types.IdentityContext) { s.ch <- id }

func (s *fakeSink) wait(t *testing.T) types.IdentityContext {
	t.Helper()
	select {
	case id := <-s.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for judgement enqueue")
		return types.IdentityContext{}
	}
}

type fakeSecondSender struct {
	ch chan secondDelivery
}

func newFakeSecondSender() *fakeSecondSender {
	return &fakeSecondSender{ch: make(chan secondDelivery, 8)}
}

func (s *fakeSecondSender) SendSecondChallenge(_ context.Context, to, token string) error {
	s.ch <- secondDelivery{to: to, token: token}
	return nil
}

func (s *fakeSecondSender) wait(t *testing.T) secondDelivery {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second challenge delivery")
		return secondDelivery{}
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, _, _ string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return nil
}

func startVerifier(t *testing.T, store Store) *Verifier {
	t.Helper()
	v := NewVerifier(store, displayname.NewChecker(0.85))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = v.Run(ctx) }()
	return v
}

func nextFrame(t *testing.T, frames <-chan *StateFrame) *StateFrame {
	t.Helper()
	select {
	case frame := <-frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state frame")
		return nil
	}
}

func announce(kinds ...AnnouncedField) WatcherAnnounce {
	return WatcherAnnounce{
		Context: types.IdentityContext{Address: "5Alice", Chain: types.ChainKusama},
		Fields:  kinds,
	}
}

func TestEmailVerificationEndToEnd(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	sink := newFakeSink()
	sender := newFakeSecondSender()
	v.SetJudgementSink(sink)
	v.SetSecondChallengeSender(sender)
	ctx := context.Background()

	ann := announce(AnnouncedField{Kind: types.KindEmail, Value: "u@x"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	frames, cancel, err := v.Subscribe(ctx, ann.Context)
	require.NoError(t, err)
	defer cancel()

	snapshot := nextFrame(t, frames)
	require.Len(t, snapshot.State.Fields, 1)
	field := snapshot.State.Fields[0]
	assert.Equal(t, types.KindEmail, field.Value.Type)
	assert.Equal(t, string(types.StatusPending), field.Status)
	assert.Equal(t, types.ChallengeExpectedMessageWithSecond, field.Challenge.Type)
	token := field.Challenge.Content
	assert.GreaterOrEqual(t, len(token), 16)
	assert.LessOrEqual(t, len(token), 32)

	// First token arrives embedded in arbitrary text.
	msg := models.ExternalMessage{
		Adapter:   types.AdapterEmail,
		Origin:    "u@x",
		MessageID: "msg1",
		Body:      "hello " + token + " please verify",
		Timestamp: time.Now(),
	}
	require.NoError(t, v.HandleMessage(ctx, msg))

	update := nextFrame(t, frames)
	assert.Equal(t, string(types.StatusAwaitingSecond), update.State.Fields[0].Status)
	kinds := eventKinds(update.Notifications)
	assert.Contains(t, kinds, types.EventFieldVerified)
	assert.Contains(t, kinds, types.EventAwaitingSecondChallenge)

	// The second token goes out via the email adapter, never over the API.
	delivery := sender.wait(t)
	assert.Equal(t, "u@x", delivery.to)
	assert.NotEqual(t, token, delivery.token)

	verified, err := v.VerifySecondChallenge(ctx, SecondChallengeSubmission{
		FieldValue: "u@x",
		Challenge:  delivery.token,
	})
	require.NoError(t, err)
	assert.True(t, verified)

	final := nextFrame(t, frames)
	assert.True(t, final.State.IsFullyVerified)
	kinds = eventKinds(final.Notifications)
	assert.Contains(t, kinds, types.EventSecondFieldVerified)
	assert.Contains(t, kinds, types.EventIdentityFullyVerified)

	assert.Equal(t, ann.Context, sink.wait(t))
}

func TestDisplayNameConflict(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	ctx := context.Background()

	first := WatcherAnnounce{
		Context: types.IdentityContext{Address: "5Alice", Chain: types.ChainPolkadot},
		Fields:  []AnnouncedField{{Kind: types.KindDisplayName, Value: "stake"}},
	}
	require.NoError(t, v.HandleAnnouncement(ctx, first))
	assert.Contains(t, store.eventKinds(first.Context), types.EventFieldVerified)

	second := WatcherAnnounce{
		Context: types.IdentityContext{Address: "5Bob", Chain: types.ChainPolkadot},
		Fields:  []AnnouncedField{{Kind: types.KindDisplayName, Value: "stake"}},
	}
	require.NoError(t, v.HandleAnnouncement(ctx, second))

	events, err := store.FetchEvents(ctx, second.Context, 0)
	require.NoError(t, err)
	var failure *models.Event
	for _, event := range events {
		if event.Kind == types.EventFieldVerificationFailed {
			failure = event
		}
	}
	require.NotNil(t, failure)
	require.Len(t, failure.Payload.Violations, 1)
	assert.Equal(t, "5Alice", failure.Payload.Violations[0].Context.Address)

	// The conflicting name never enters the verified state.
	snapshot, err := v.Snapshot(ctx, second.Context)
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusPending), snapshot.State.Fields[0].Status)
	assert.False(t, snapshot.State.IsFullyVerified)
}

func TestDisplayNameCheckIsChainScoped(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	ctx := context.Background()

	kusama := WatcherAnnounce{
		Context: types.IdentityContext{Address: "5Alice", Chain: types.ChainKusama},
		Fields:  []AnnouncedField{{Kind: types.KindDisplayName, Value: "stake"}},
	}
	require.NoError(t, v.HandleAnnouncement(ctx, kusama))

	// Same name on another chain does not conflict.
	polkadot := WatcherAnnounce{
		Context: types.IdentityContext{Address: "5Bob", Chain: types.ChainPolkadot},
		Fields:  []AnnouncedField{{Kind: types.KindDisplayName, Value: "stake"}},
	}
	require.NoError(t, v.HandleAnnouncement(ctx, polkadot))
	assert.Contains(t, store.eventKinds(polkadot.Context), types.EventFieldVerified)
}

func TestManualVerifyAll(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	sink := newFakeSink()
	v.SetJudgementSink(sink)
	ctx := context.Background()

	ann := announce(
		AnnouncedField{Kind: types.KindEmail, Value: "u@x"},
		AnnouncedField{Kind: types.KindPGPFingerprint, Value: "E3FE"},
	)
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	frames, cancel, err := v.Subscribe(ctx, ann.Context)
	require.NoError(t, err)
	defer cancel()
	_ = nextFrame(t, frames)

	updated, err := v.ManuallyVerify(ctx, ManualVerify{Address: "5Alice", All: true})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.True(t, updated[0].IsFullyVerified)

	frame := nextFrame(t, frames)
	assert.True(t, frame.State.IsFullyVerified)
	assert.Contains(t, eventKinds(frame.Notifications), types.EventFullManualVerification)

	assert.Equal(t, ann.Context, sink.wait(t))
}

func TestManualVerifySingleField(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	ctx := context.Background()

	ann := announce(
		AnnouncedField{Kind: types.KindEmail, Value: "u@x"},
		AnnouncedField{Kind: types.KindTwitter, Value: "@alice"},
	)
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	updated, err := v.ManuallyVerify(ctx, ManualVerify{
		Address: "5Alice",
		Fields:  []types.FieldKind{types.KindTwitter},
	})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.False(t, updated[0].IsFullyVerified)
	assert.Equal(t, types.StatusManuallyVerified, updated[0].FieldByKind(types.KindTwitter).Status)
	assert.Equal(t, types.StatusPending, updated[0].FieldByKind(types.KindEmail).Status)

	_, err = v.ManuallyVerify(ctx, ManualVerify{
		Address: "5Alice",
		Fields:  []types.FieldKind{types.KindWeb},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryBadRequest, apperrors.Categorize(err).Category)
}

func TestFailedAttemptsAndDedup(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	ctx := context.Background()

	ann := announce(AnnouncedField{Kind: types.KindTwitter, Value: "@Alice"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	snapshot, err := v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	token := snapshot.State.Fields[0].Challenge.Content

	wrong := models.ExternalMessage{
		Adapter:   types.AdapterTwitter,
		Origin:    "@alice",
		MessageID: "t1",
		Body:      "not the right token",
	}
	require.NoError(t, v.HandleMessage(ctx, wrong))

	snapshot, err = v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.State.Fields[0].FailedAttempts)
	assert.Equal(t, string(types.StatusPending), snapshot.State.Fields[0].Status)

	// Correct token but the message id was already consumed: dropped.
	replay := models.ExternalMessage{
		Adapter:   types.AdapterTwitter,
		Origin:    "@alice",
		MessageID: "t1",
		Body:      token,
	}
	require.NoError(t, v.HandleMessage(ctx, replay))
	snapshot, err = v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusPending), snapshot.State.Fields[0].Status)

	fresh := models.ExternalMessage{
		Adapter:   types.AdapterTwitter,
		Origin:    "@alice",
		MessageID: "t2",
		Body:      "verifying with " + token,
	}
	require.NoError(t, v.HandleMessage(ctx, fresh))
	snapshot, err = v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusVerified), snapshot.State.Fields[0].Status)
	assert.True(t, snapshot.State.IsFullyVerified)
}

func TestTieBreaking(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	ctx := context.Background()

	// Two identities claim the same twitter account. Only the one whose
	// token is in the message verifies; the other records a failed attempt.
	alice := WatcherAnnounce{
		Context: types.IdentityContext{Address: "5Alice", Chain: types.ChainKusama},
		Fields:  []AnnouncedField{{Kind: types.KindTwitter, Value: "@shared"}},
	}
	bob := WatcherAnnounce{
		Context: types.IdentityContext{Address: "5Bob", Chain: types.ChainKusama},
		Fields:  []AnnouncedField{{Kind: types.KindTwitter, Value: "@shared"}},
	}
	require.NoError(t, v.HandleAnnouncement(ctx, alice))
	require.NoError(t, v.HandleAnnouncement(ctx, bob))

	snapshot, err := v.Snapshot(ctx, alice.Context)
	require.NoError(t, err)
	aliceToken := snapshot.State.Fields[0].Challenge.Content

	msg := models.ExternalMessage{
		Adapter:   types.AdapterTwitter,
		Origin:    "@shared",
		MessageID: "m1",
		Body:      aliceToken,
	}
	require.NoError(t, v.HandleMessage(ctx, msg))

	snapshot, err = v.Snapshot(ctx, alice.Context)
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusVerified), snapshot.State.Fields[0].Status)

	snapshot, err = v.Snapshot(ctx, bob.Context)
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusPending), snapshot.State.Fields[0].Status)
	assert.Equal(t, 1, snapshot.State.Fields[0].FailedAttempts)
}

func TestAnnouncementUpdateRegeneratesChallenge(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	ctx := context.Background()

	ann := announce(AnnouncedField{Kind: types.KindTwitter, Value: "@alice"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	snapshot, err := v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	token := snapshot.State.Fields[0].Challenge.Content

	msg := models.ExternalMessage{Adapter: types.AdapterTwitter, Origin: "@alice", MessageID: "m1", Body: token}
	require.NoError(t, v.HandleMessage(ctx, msg))

	// On-chain update swaps the handle: verification starts over.
	updated := announce(AnnouncedField{Kind: types.KindTwitter, Value: "@alice_new"})
	require.NoError(t, v.HandleAnnouncement(ctx, updated))

	snapshot, err = v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	field := snapshot.State.Fields[0]
	assert.Equal(t, "@alice_new", field.Value.Value)
	assert.Equal(t, string(types.StatusPending), field.Status)
	assert.NotEqual(t, token, field.Challenge.Content)
	assert.False(t, snapshot.State.IsFullyVerified)
	assert.Contains(t, store.eventKinds(ann.Context), types.EventIdentityUpdated)
}

func TestReplayAnnouncementIsNoop(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	ctx := context.Background()

	ann := announce(
		AnnouncedField{Kind: types.KindEmail, Value: "u@x"},
		AnnouncedField{Kind: types.KindTwitter, Value: "@alice"},
	)
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	before, err := v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	eventsBefore := len(store.eventKinds(ann.Context))

	// The watcher resends pending judgements periodically; an identical
	// announcement must not disturb state or challenges.
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	after, err := v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, eventsBefore, len(store.eventKinds(ann.Context)))
}

func TestRetractDropsIdentity(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	ctx := context.Background()

	ann := announce(AnnouncedField{Kind: types.KindDisplayName, Value: "stake"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))
	require.NoError(t, v.HandleRetract(ctx, WatcherRetract{Context: ann.Context}))

	_, err := v.Snapshot(ctx, ann.Context)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	names, err := store.VerifiedDisplayNames(ctx, ann.Context.Chain)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSubscribeUnknownIdentity(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)

	_, _, err := v.Subscribe(context.Background(), types.IdentityContext{Address: "5Nobody", Chain: types.ChainKusama})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestJudgementAckCompletesIdentity(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	sink := newFakeSink()
	v.SetJudgementSink(sink)
	ctx := context.Background()

	ann := announce(AnnouncedField{Kind: types.KindDisplayName, Value: "stake"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))
	sink.wait(t)

	require.NoError(t, v.HandleJudgementAck(ctx, ann.Context))

	snapshot, err := v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	assert.True(t, snapshot.State.JudgementSubmitted)
	assert.Contains(t, store.eventKinds(ann.Context), types.EventJudgementProvided)

	// Acks are idempotent.
	eventsBefore := len(store.eventKinds(ann.Context))
	require.NoError(t, v.HandleJudgementAck(ctx, ann.Context))
	assert.Equal(t, eventsBefore, len(store.eventKinds(ann.Context)))

	// A new announcement for a judged identity starts a fresh request.
	refreshed := announce(AnnouncedField{Kind: types.KindTwitter, Value: "@alice"})
	require.NoError(t, v.HandleAnnouncement(ctx, refreshed))
	snapshot, err = v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	assert.False(t, snapshot.State.JudgementSubmitted)
	assert.False(t, snapshot.State.IsFullyVerified)
	assert.EqualValues(t, 1, mustIdentity(t, store, ann.Context).Revision)
}

func TestRestartRebuildsState(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	v := startVerifier(t, store)
	ann := announce(AnnouncedField{Kind: types.KindEmail, Value: "u@x"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	snapshot, err := v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	token := snapshot.State.Fields[0].Challenge.Content

	sender := newFakeSecondSender()
	v.SetSecondChallengeSender(sender)
	msg := models.ExternalMessage{Adapter: types.AdapterEmail, Origin: "u@x", MessageID: "m1", Body: token}
	require.NoError(t, v.HandleMessage(ctx, msg))
	delivery := sender.wait(t)

	// A new verifier over the same store sees the same external state and
	// still accepts the second token.
	restarted := startVerifier(t, store)
	rebuilt, err := restarted.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	assert.Equal(t, snapshot.State.Context, rebuilt.State.Context)
	assert.Equal(t, string(types.StatusAwaitingSecond), rebuilt.State.Fields[0].Status)

	verified, err := restarted.VerifySecondChallenge(ctx, SecondChallengeSubmission{
		FieldValue: "u@x",
		Challenge:  delivery.token,
	})
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestRestartReenqueuesPendingJudgements(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	v := startVerifier(t, store)
	ann := announce(AnnouncedField{Kind: types.KindDisplayName, Value: "stake"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	// Fully verified but never acked: the restarted process must retry.
	sink := newFakeSink()
	restarted := NewVerifier(store, displayname.NewChecker(0.85))
	restarted.SetJudgementSink(sink)
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() { _ = restarted.Run(runCtx) }()

	assert.Equal(t, ann.Context, sink.wait(t))
}

func TestSecondChallengeRejectsWrongToken(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	v.SetSecondChallengeSender(newFakeSecondSender())
	ctx := context.Background()

	ann := announce(AnnouncedField{Kind: types.KindEmail, Value: "u@x"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	snapshot, err := v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	token := snapshot.State.Fields[0].Challenge.Content

	msg := models.ExternalMessage{Adapter: types.AdapterEmail, Origin: "u@x", MessageID: "m1", Body: token}
	require.NoError(t, v.HandleMessage(ctx, msg))

	verified, err := v.VerifySecondChallenge(ctx, SecondChallengeSubmission{FieldValue: "u@x", Challenge: "wrong"})
	require.NoError(t, err)
	assert.False(t, verified)
	assert.Contains(t, store.eventKinds(ann.Context), types.EventSecondFieldVerificationFailed)

	// No matching field at all is an error, not a silent false.
	_, err = v.VerifySecondChallenge(ctx, SecondChallengeSubmission{FieldValue: "other@x", Challenge: "wrong"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestPublisherReceivesCommittedFrames(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	publisher := &fakePublisher{}
	v.SetPublisher(publisher)
	ctx := context.Background()

	ann := announce(AnnouncedField{Kind: types.KindTwitter, Value: "@alice"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.NotEmpty(t, publisher.payloads)
	var frame StateFrame
	require.NoError(t, json.Unmarshal(publisher.payloads[0], &frame))
	assert.Equal(t, ann.Context, frame.State.Context)
}

func eventKinds(events []*models.Event) []types.EventKind {
	var out []types.EventKind
	for _, event := range events {
		out = append(out, event.Kind)
	}
	return out
}

func mustIdentity(t *testing.T, store *fakeStore, id types.IdentityContext) *models.Identity {
	t.Helper()
	identity, err := store.FetchIdentity(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, identity)
	return identity
}

func TestAnnouncementMergesExternalCommits(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	sink := newFakeSink()
	v.SetJudgementSink(sink)
	v.SetSecondChallengeSender(newFakeSecondSender())
	ctx := context.Background()

	ann := announce(AnnouncedField{Kind: types.KindEmail, Value: "u@x"})
	require.NoError(t, v.HandleAnnouncement(ctx, ann))

	snapshot, err := v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	token := snapshot.State.Fields[0].Challenge.Content

	msg := models.ExternalMessage{Adapter: types.AdapterEmail, Origin: "u@x", MessageID: "m1", Body: token}
	require.NoError(t, v.HandleMessage(ctx, msg))

	// The session notifier runs in another process and commits the second
	// challenge result to the shared database directly.
	stored := mustIdentity(t, store, ann.Context)
	saved, events, verified := EvaluateSecondChallenge([]*models.Identity{stored}, SecondChallengeSubmission{
		FieldValue: "u@x",
		Challenge:  stored.FieldByKind(types.KindEmail).Challenge.SecondToken,
	})
	require.True(t, verified)
	require.NoError(t, store.Apply(ctx, &storage.Change{SaveIdentities: saved, Events: events}))

	// The watcher resync replays the identical announcement. This loop must
	// pick up the database state and hand the identity to the emitter.
	require.NoError(t, v.HandleAnnouncement(ctx, ann))
	assert.Equal(t, ann.Context, sink.wait(t))

	snapshot, err = v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusVerified), snapshot.State.Fields[0].Status)
	assert.True(t, snapshot.State.IsFullyVerified)

	// A later on-chain update must not revert the externally committed
	// verification either.
	updated := announce(
		AnnouncedField{Kind: types.KindEmail, Value: "u@x"},
		AnnouncedField{Kind: types.KindTwitter, Value: "@alice"},
	)
	require.NoError(t, v.HandleAnnouncement(ctx, updated))

	snapshot, err = v.Snapshot(ctx, ann.Context)
	require.NoError(t, err)
	require.Len(t, snapshot.State.Fields, 2)
	for _, field := range snapshot.State.Fields {
		if field.Value.Type == types.KindEmail {
			assert.Equal(t, string(types.StatusVerified), field.Status)
		}
	}
	assert.False(t, snapshot.State.IsFullyVerified)
}

func TestAnnouncementUpdatesIdentityHex(t *testing.T) {
	store := newFakeStore()
	v := startVerifier(t, store)
	sink := newFakeSink()
	v.SetJudgementSink(sink)
	ctx := context.Background()

	ann := WatcherAnnounce{
		Context:     types.IdentityContext{Address: "5Alice", Chain: types.ChainKusama},
		IdentityHex: "0x01",
		Fields:      []AnnouncedField{{Kind: types.KindDisplayName, Value: "stake"}},
	}
	require.NoError(t, v.HandleAnnouncement(ctx, ann))
	sink.wait(t)
	assert.Equal(t, "0x01", mustIdentity(t, store, ann.Context).IdentityHex)

	// The identity info changed on chain without touching any declared
	// field: the stored checksum must follow, and the still-unjudged
	// identity goes back to the emitter with the fresh one.
	ann.IdentityHex = "0x02"
	require.NoError(t, v.HandleAnnouncement(ctx, ann))
	assert.Equal(t, ann.Context, sink.wait(t))

	refreshed := mustIdentity(t, store, ann.Context)
	assert.Equal(t, "0x02", refreshed.IdentityHex)
	assert.EqualValues(t, 1, refreshed.Revision)
	assert.True(t, refreshed.IsFullyVerified)
}
