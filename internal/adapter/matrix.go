package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/registrar-challenger/internal/config"
	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

const matrixReconnectDelay = 10 * time.Second

// MatrixAdapter syncs a Matrix account. Room messages from moderators on the
// allow-list are executed as admin commands and answered in the same room;
// everything else is delivered to the core as verification traffic.
type MatrixAdapter struct {
	cfg       config.MatrixConfig
	sink      MessageSink
	moderator ModeratorService
	client    *mautrix.Client
	admins    map[string]bool
	startup   time.Time
	log       *logging.Logger
}

// NewMatrixAdapter creates the matrix adapter. moderator may be nil when the
// instance has no admin role.
func NewMatrixAdapter(cfg config.MatrixConfig, sink MessageSink, moderator ModeratorService) (*MatrixAdapter, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, "", "")
	if err != nil {
		return nil, apperrors.NewAdapterFatalError("matrix", fmt.Errorf("invalid homeserver %s: %w", cfg.Homeserver, err))
	}
	if cfg.DBPath != "" {
		client.Store = newFileSyncStore(cfg.DBPath)
	}

	admins := make(map[string]bool, len(cfg.Admins))
	for _, admin := range cfg.Admins {
		admins[admin] = true
	}

	return &MatrixAdapter{
		cfg:       cfg,
		sink:      sink,
		moderator: moderator,
		client:    client,
		admins:    admins,
		log:       logging.GetGlobalLogger().WithField("component", "matrix"),
	}, nil
}

// Run logs in and syncs until the context is cancelled
func (a *MatrixAdapter) Run(ctx context.Context) error {
	if err := a.login(); err != nil {
		return err
	}
	a.startup = time.Now()

	syncer := a.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(_ mautrix.EventSource, evt *event.Event) {
		a.handleEvent(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(_ mautrix.EventSource, evt *event.Event) {
		a.handleInvite(evt)
	})

	for {
		err := a.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.WithError(err).Warn("Matrix sync interrupted, restarting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(matrixReconnectDelay):
		}
	}
}

func (a *MatrixAdapter) login() error {
	resp, err := a.client.Login(&mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: a.cfg.Username,
		},
		Password:         a.cfg.Password,
		StoreCredentials: true,
	})
	if err != nil {
		return apperrors.NewAdapterFatalError("matrix", fmt.Errorf("login rejected for %s: %w", a.cfg.Username, err))
	}
	a.log.WithField("userId", resp.UserID).Info("Matrix login successful")
	return nil
}

// handleInvite auto-joins rooms so users can open a direct chat with the
// registrar account
func (a *MatrixAdapter) handleInvite(evt *event.Event) {
	if evt.GetStateKey() != string(a.client.UserID) {
		return
	}
	if membership, ok := evt.Content.Raw["membership"].(string); !ok || membership != "invite" {
		return
	}
	if _, err := a.client.JoinRoomByID(evt.RoomID); err != nil {
		a.log.WithError(err).WithField("roomId", evt.RoomID).Warn("Failed to join room")
		return
	}
	a.log.WithField("roomId", evt.RoomID).Info("Joined room on invite")
}

func (a *MatrixAdapter) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == a.client.UserID {
		return
	}
	// The initial sync replays room history; only fresh messages count.
	if time.UnixMilli(evt.Timestamp).Before(a.startup.Add(-time.Minute)) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return
	}

	if a.admins[string(evt.Sender)] && a.moderator != nil {
		a.handleCommand(ctx, evt, content.Body)
		return
	}

	msg := models.ExternalMessage{
		Adapter:   types.AdapterMatrix,
		Origin:    string(evt.Sender),
		MessageID: string(evt.ID),
		Body:      content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if err := a.sink.HandleMessage(ctx, msg); err != nil {
		a.log.WithError(err).WithField("sender", evt.Sender).Error("Failed to deliver matrix message")
	}
}

func (a *MatrixAdapter) handleCommand(ctx context.Context, evt *event.Event, body string) {
	reply, err := a.moderator.Execute(ctx, string(evt.Sender), body)
	if err != nil {
		a.log.WithError(err).WithField("sender", evt.Sender).Warn("Moderator command failed")
		return
	}
	if reply == "" {
		return
	}
	if _, err := a.client.SendText(evt.RoomID, reply); err != nil {
		a.log.WithError(err).WithField("roomId", evt.RoomID).Error("Failed to send command reply")
	}
}

// fileSyncStore persists the sync token and filter id at the configured
// db_path so a restarted adapter resumes syncing where it left off instead
// of replaying room history.
type fileSyncStore struct {
	path string

	mu   sync.Mutex
	data syncState
}

type syncState struct {
	FilterID  string `json:"filter_id"`
	NextBatch string `json:"next_batch"`
}

func newFileSyncStore(path string) *fileSyncStore {
	store := &fileSyncStore{path: path}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &store.data); err != nil {
			logging.GetGlobalLogger().WithError(err).WithField("path", path).Warn("Corrupt matrix sync state, starting fresh")
			store.data = syncState{}
		}
	}
	return store
}

// persist is called with the mutex held
func (s *fileSyncStore) persist() {
	raw, err := json.Marshal(&s.data)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		logging.GetGlobalLogger().WithError(err).WithField("path", s.path).Warn("Failed to persist matrix sync state")
	}
}

func (s *fileSyncStore) SaveFilterID(_ id.UserID, filterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.FilterID = filterID
	s.persist()
}

func (s *fileSyncStore) LoadFilterID(_ id.UserID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.FilterID
}

func (s *fileSyncStore) SaveNextBatch(_ id.UserID, nextBatch string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.NextBatch = nextBatch
	s.persist()
}

func (s *fileSyncStore) LoadNextBatch(_ id.UserID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.NextBatch
}
