package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/registrar-challenger/internal/core"
	"github.com/registrar-challenger/internal/displayname"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/storage"
	"github.com/registrar-challenger/internal/types"
)

func pendingEmailIdentity(address string) *models.Identity {
	return &models.Identity{
		Context: types.IdentityContext{Address: address, Chain: types.ChainKusama},
		Fields: []*models.Field{{
			Kind:   types.KindEmail,
			Value:  "u@x",
			Status: types.StatusPending,
			Challenge: models.Challenge{
				Kind:  types.ChallengeExpectedMessageWithSecond,
				Token: "FirstToken111111",
			},
		}},
	}
}

func dialSession(t *testing.T, handler *Server) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(handler.Handler())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/account_status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readResult(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var result struct {
		Type    string          `json:"type"`
		Message json.RawMessage `json:"message"`
	}
	require.NoError(t, conn.ReadJSON(&result))
	return result.Type, result.Message
}

func TestAccountStatusSession(t *testing.T) {
	source := newFakeSource()
	id := types.IdentityContext{Address: "5Alice", Chain: types.ChainKusama}
	identity := pendingEmailIdentity("5Alice")
	updates := source.addIdentity(id, core.NewStateFrame(identity, nil))

	conn := dialSession(t, newTestServer(source))
	require.NoError(t, conn.WriteJSON(map[string]string{"address": "5Alice", "chain": "kusama"}))

	resultType, message := readResult(t, conn)
	require.Equal(t, "ok", resultType)

	var frame core.StateFrame
	require.NoError(t, json.Unmarshal(message, &frame))
	assert.Equal(t, id, frame.State.Context)
	require.Len(t, frame.State.Fields, 1)
	assert.Equal(t, "FirstToken111111", frame.State.Fields[0].Challenge.Content)

	// A heartbeat is accepted and discarded, the session stays open.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "heartbeat"}))

	// A committed change produces an incremental frame.
	verified := identity.Clone()
	verified.Fields[0].Status = types.StatusVerified
	verified.IsFullyVerified = true
	updates <- core.NewStateFrame(verified, []*models.Event{
		models.NewEvent(id, types.EventFieldVerified, models.EventPayload{Field: types.KindEmail, Value: "u@x"}),
	})

	resultType, message = readResult(t, conn)
	require.Equal(t, "ok", resultType)
	require.NoError(t, json.Unmarshal(message, &frame))
	assert.True(t, frame.State.IsFullyVerified)
	require.Len(t, frame.Notifications, 1)
	assert.Equal(t, types.EventFieldVerified, frame.Notifications[0].Kind)
}

func TestAccountStatusUnknownIdentity(t *testing.T) {
	conn := dialSession(t, newTestServer(newFakeSource()))
	require.NoError(t, conn.WriteJSON(map[string]string{"address": "5Ghost", "chain": "kusama"}))

	resultType, message := readResult(t, conn)
	assert.Equal(t, "err", resultType)
	assert.Contains(t, string(message), "no pending judgement request")
}

func TestAccountStatusInvalidSubscribe(t *testing.T) {
	conn := dialSession(t, newTestServer(newFakeSource()))
	require.NoError(t, conn.WriteJSON(map[string]string{"address": "5Alice", "chain": "ethereum"}))

	resultType, _ := readResult(t, conn)
	assert.Equal(t, "err", resultType)
}

// busStore is an in-memory core.Store for session source tests
type busStore struct {
	mu         sync.Mutex
	identities map[types.IdentityContext]*models.Identity
	events     map[types.IdentityContext][]*models.Event
	names      map[types.ChainName][]models.DisplayNameEntry
	applied    []*storage.Change
}

func newBusStore() *busStore {
	return &busStore{
		identities: make(map[types.IdentityContext]*models.Identity),
		events:     make(map[types.IdentityContext][]*models.Event),
		names:      make(map[types.ChainName][]models.DisplayNameEntry),
	}
}

func (s *busStore) FetchIdentity(_ context.Context, id types.IdentityContext) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identities[id], nil
}

func (s *busStore) FetchActiveIdentities(context.Context) ([]*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity)
	}
	return out, nil
}

func (s *busStore) IsMessageProcessed(context.Context, types.AdapterName, string) (bool, error) {
	return false, nil
}

func (s *busStore) VerifiedDisplayNames(_ context.Context, chain types.ChainName) ([]models.DisplayNameEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[chain], nil
}

func (s *busStore) FetchEvents(_ context.Context, id types.IdentityContext, _ int64) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id], nil
}

func (s *busStore) Apply(_ context.Context, change *storage.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range change.SaveIdentities {
		s.identities[identity.Context] = identity
	}
	s.applied = append(s.applied, change)
	return nil
}

// fakeBus delivers published payloads to a single subscriber
type fakeBus struct {
	payloads chan []byte
}

func (b *fakeBus) Subscribe(context.Context, string, string) (<-chan []byte, func(), error) {
	return b.payloads, func() {}, nil
}

func TestBusSessionSourceSubscribe(t *testing.T) {
	store := newBusStore()
	id := types.IdentityContext{Address: "5Alice", Chain: types.ChainKusama}
	identity := pendingEmailIdentity("5Alice")
	store.identities[id] = identity

	bus := &fakeBus{payloads: make(chan []byte, 4)}
	source := NewBusSessionSource(store, bus, displayname.NewChecker(0.85))

	frames, cancel, err := source.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer cancel()

	snapshot := <-frames
	assert.Equal(t, id, snapshot.State.Context)

	verified := identity.Clone()
	verified.IsFullyVerified = true
	payload, err := json.Marshal(core.NewStateFrame(verified, nil))
	require.NoError(t, err)
	bus.payloads <- payload

	select {
	case frame := <-frames:
		assert.True(t, frame.State.IsFullyVerified)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bus frame")
	}

	// Unknown identities are not found.
	_, _, err = source.Subscribe(context.Background(), types.IdentityContext{Address: "5Ghost", Chain: types.ChainKusama})
	require.Error(t, err)
}

func TestBusSessionSourceSecondChallenge(t *testing.T) {
	store := newBusStore()
	id := types.IdentityContext{Address: "5Alice", Chain: types.ChainKusama}
	identity := pendingEmailIdentity("5Alice")
	identity.Fields[0].Status = types.StatusAwaitingSecond
	identity.Fields[0].Challenge.SecondToken = "SecondToken22222"
	store.identities[id] = identity

	source := NewBusSessionSource(store, &fakeBus{payloads: make(chan []byte)}, displayname.NewChecker(0.85))

	verified, err := source.VerifySecondChallenge(context.Background(), core.SecondChallengeSubmission{
		FieldValue: "u@x",
		Challenge:  "SecondToken22222",
	})
	require.NoError(t, err)
	assert.True(t, verified)

	stored := store.identities[id]
	assert.Equal(t, types.StatusVerified, stored.Fields[0].Status)
	assert.True(t, stored.IsFullyVerified)
	require.Len(t, store.applied, 1)
}
