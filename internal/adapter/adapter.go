// Package adapter bridges external transports to the verification core: the
// watcher websocket feed, the email inbox, Twitter mentions and Matrix rooms.
// Adapters normalize inbound traffic into core commands; delivery is
// at-least-once and the core's dedup records make redelivery harmless.
package adapter

import (
	"context"

	"github.com/registrar-challenger/internal/core"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// MessageSink consumes normalized user messages. Implemented by the core
// verifier.
type MessageSink interface {
	HandleMessage(ctx context.Context, msg models.ExternalMessage) error
}

// WatcherSink consumes watcher protocol traffic. Implemented by the core
// verifier.
type WatcherSink interface {
	HandleAnnouncement(ctx context.Context, ann core.WatcherAnnounce) error
	HandleRetract(ctx context.Context, ret core.WatcherRetract) error
	HandleJudgementAck(ctx context.Context, id types.IdentityContext) error
	UpdateActiveDisplayNames(ctx context.Context, entries []models.DisplayNameEntry) error
}

// CounterStore persists per-adapter resume positions. Implemented by
// storage.MessageRepository.
type CounterStore interface {
	Counter(ctx context.Context, adapter types.AdapterName) (string, error)
	SetCounter(ctx context.Context, adapter types.AdapterName, last string) error
}

// ModeratorService executes admin commands arriving over Matrix. Implemented
// by admin.Service.
type ModeratorService interface {
	Execute(ctx context.Context, sender, input string) (string, error)
}
