package adapter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/registrar-challenger/internal/core"
	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// Watcher wire protocol. Frames are JSON objects with an event tag and an
// event-specific data payload.
const (
	// Inbound: a new or refreshed judgement request.
	eventIdentityRequest = "identity_request"
	// Inbound: the request was withdrawn on chain.
	eventCancel = "cancel"
	// Inbound: the watcher submitted our judgement extrinsic.
	eventAck = "ack"
	// Inbound: the watcher refused a frame, usually a stale judgement.
	eventError = "error"
	// Outbound: provide a judgement for a verified identity.
	eventJudgement = "judgement"
	// Resync pair: ask for and receive all pending judgement requests.
	eventPendingJudgementsRequest  = "pending_judgements_request"
	eventPendingJudgementsResponse = "pending_judgements_response"
	// Resync pair: ask for and receive all active on-chain display names.
	eventDisplayNamesRequest  = "display_names_request"
	eventDisplayNamesResponse = "display_names_response"
)

const (
	watcherReconnectDelay = 10 * time.Second
	watcherResyncInterval = 10 * time.Second
	watcherWriteTimeout   = 30 * time.Second
	// Resync traffic arrives at least every resync interval; a quiet socket
	// beyond this is dead.
	watcherReadTimeout = 90 * time.Second
)

type watcherFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// identityRequest is the announcement payload. Challengeable accounts come
// in the accounts map; the informational fields ride alongside.
type identityRequest struct {
	Chain       string            `json:"chain"`
	Address     string            `json:"address"`
	Accounts    map[string]string `json:"accounts"`
	DisplayName string            `json:"display_name,omitempty"`
	LegalName   string            `json:"legal_name,omitempty"`
	Web         string            `json:"web,omitempty"`
	IdentityHex string            `json:"identity_hex"`
}

type judgementData struct {
	Chain       string `json:"chain"`
	Address     string `json:"address"`
	IdentityHex string `json:"identity_hex"`
}

type identityRef struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

// displayNameEntryRaw tolerates both snake_case and camelCase keys; older
// watcher versions send displayName.
type displayNameEntryRaw struct {
	Address     string
	DisplayName string
}

func (d *displayNameEntryRaw) UnmarshalJSON(data []byte) error {
	var raw struct {
		Address      string `json:"address"`
		DisplayName  string `json:"display_name"`
		DisplayNameC string `json:"displayName"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Address = raw.Address
	d.DisplayName = raw.DisplayName
	if d.DisplayName == "" {
		d.DisplayName = raw.DisplayNameC
	}
	return nil
}

// tryDecodeHex unwraps hex-encoded display names. Names with emojis arrive
// as 0x-prefixed hex; anything that does not cleanly decode to UTF-8 is
// left untouched.
func tryDecodeHex(name string) string {
	if !strings.HasPrefix(name, "0x") {
		return name
	}
	decoded, err := hex.DecodeString(name[2:])
	if err != nil || !utf8.Valid(decoded) {
		return name
	}
	return string(decoded)
}

// fieldKindForWire maps the watcher's account keys onto field kinds
func fieldKindForWire(wire string) (types.FieldKind, bool) {
	switch wire {
	case "legal_name":
		return types.KindLegalName, true
	case "display_name":
		return types.KindDisplayName, true
	case "email":
		return types.KindEmail, true
	case "web":
		return types.KindWeb, true
	case "twitter":
		return types.KindTwitter, true
	case "matrix":
		return types.KindMatrix, true
	case "pgpFingerprint", "pgp_fingerprint":
		return types.KindPGPFingerprint, true
	case "image":
		return types.KindImage, true
	case "additional":
		return types.KindAdditional, true
	default:
		return "", false
	}
}

// Watcher maintains the websocket session to one chain's watcher, feeds its
// announcements into the core and carries judgements back.
type Watcher struct {
	chain    types.ChainName
	endpoint string
	sink     WatcherSink
	log      *logging.Logger

	// onRejection is invoked when the watcher refuses a judgement, so the
	// emitter can clear its in-flight record and resubmit after the next
	// reconciliation.
	onRejection func(types.IdentityContext)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWatcher creates the watcher bridge for one chain
func NewWatcher(chain types.ChainName, endpoint string, sink WatcherSink) *Watcher {
	return &Watcher{
		chain:    chain,
		endpoint: endpoint,
		sink:     sink,
		log: logging.GetGlobalLogger().WithFields(map[string]interface{}{
			"component": "watcher",
			"chain":     chain,
		}),
	}
}

// Chain returns the chain this watcher serves
func (w *Watcher) Chain() types.ChainName { return w.chain }

// OnJudgementRejection registers the rejection callback
func (w *Watcher) OnJudgementRejection(fn func(types.IdentityContext)) {
	w.onRejection = fn
}

// Run connects and reconnects until the context is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if err := w.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.WithError(err).Warn("Watcher connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(watcherReconnectDelay):
		}
	}
}

func (w *Watcher) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return apperrors.NewAdapterTransientError("watcher", fmt.Errorf("failed to dial %s: %w", w.endpoint, err))
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
	}()

	w.log.WithField("endpoint", w.endpoint).Info("Connected to watcher")

	if err := w.requestResync(); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go w.readLoop(ctx, conn, readErr)

	ticker := time.NewTicker(watcherResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := w.requestResync(); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) readLoop(ctx context.Context, conn *websocket.Conn, readErr chan<- error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(watcherReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if err := w.handleFrame(ctx, payload); err != nil {
			w.log.WithError(err).Error("Failed to handle watcher frame")
		}
	}
}

// requestResync asks the watcher for everything we might have missed: the
// pending judgement requests and the active display names
func (w *Watcher) requestResync() error {
	if err := w.writeFrame(eventPendingJudgementsRequest, nil); err != nil {
		return err
	}
	return w.writeFrame(eventDisplayNamesRequest, nil)
}

func (w *Watcher) writeFrame(event string, data interface{}) error {
	frame := watcherFrame{Event: event}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s frame: %w", event, err)
		}
		frame.Data = payload
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return apperrors.NewAdapterTransientError("watcher", fmt.Errorf("not connected to %s watcher", w.chain))
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(watcherWriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return apperrors.NewAdapterTransientError("watcher", fmt.Errorf("failed to write %s frame: %w", event, err))
	}
	return nil
}

// SendJudgement implements emitter.JudgementSender for this watcher's chain.
// The identity hex is the checksum the watcher uses to detect a judgement
// against a since-changed identity.
func (w *Watcher) SendJudgement(_ context.Context, id types.IdentityContext, identityHex string) error {
	if id.Chain != w.chain {
		return fmt.Errorf("identity %s belongs to %s, watcher serves %s", id.Address, id.Chain, w.chain)
	}
	return w.writeFrame(eventJudgement, judgementData{
		Chain:       string(id.Chain),
		Address:     id.Address,
		IdentityHex: identityHex,
	})
}

func (w *Watcher) handleFrame(ctx context.Context, payload []byte) error {
	var frame watcherFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("failed to decode watcher frame: %w", err)
	}

	switch frame.Event {
	case eventAck:
		var ref identityRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil {
			return fmt.Errorf("failed to decode ack: %w", err)
		}
		if ref.Address == "" {
			return nil
		}
		w.log.WithField("address", ref.Address).Info("Watcher confirmed judgement")
		return w.sink.HandleJudgementAck(ctx, w.context(ref.Chain, ref.Address))

	case eventError:
		var ref identityRef
		if err := json.Unmarshal(frame.Data, &ref); err == nil && ref.Address != "" {
			w.log.WithField("address", ref.Address).Warn("Watcher rejected judgement")
			if w.onRejection != nil {
				w.onRejection(w.context(ref.Chain, ref.Address))
			}
			return nil
		}
		w.log.WithField("data", string(frame.Data)).Warn("Watcher reported an error")
		return nil

	case eventIdentityRequest:
		var req identityRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return fmt.Errorf("failed to decode identity request: %w", err)
		}
		return w.sink.HandleAnnouncement(ctx, w.toAnnounce(req))

	case eventPendingJudgementsResponse:
		var reqs []identityRequest
		if err := json.Unmarshal(frame.Data, &reqs); err != nil {
			return fmt.Errorf("failed to decode pending judgements: %w", err)
		}
		for _, req := range reqs {
			if err := w.sink.HandleAnnouncement(ctx, w.toAnnounce(req)); err != nil {
				return err
			}
		}
		return nil

	case eventDisplayNamesResponse:
		var raws []displayNameEntryRaw
		if err := json.Unmarshal(frame.Data, &raws); err != nil {
			return fmt.Errorf("failed to decode display names: %w", err)
		}
		entries := make([]models.DisplayNameEntry, 0, len(raws))
		for _, raw := range raws {
			entries = append(entries, models.DisplayNameEntry{
				Context:     types.IdentityContext{Address: raw.Address, Chain: w.chain},
				DisplayName: tryDecodeHex(raw.DisplayName),
			})
		}
		return w.sink.UpdateActiveDisplayNames(ctx, entries)

	case eventCancel:
		var ref identityRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil {
			return fmt.Errorf("failed to decode cancel: %w", err)
		}
		return w.sink.HandleRetract(ctx, core.WatcherRetract{
			Context: w.context(ref.Chain, ref.Address),
		})

	default:
		w.log.WithField("event", frame.Event).Debug("Ignoring unknown watcher event")
		return nil
	}
}

// context builds an identity context, trusting the frame's chain label when
// it is valid and falling back to this watcher's chain
func (w *Watcher) context(chain, address string) types.IdentityContext {
	if parsed, ok := types.ParseChainName(chain); ok {
		return types.IdentityContext{Address: address, Chain: parsed}
	}
	return types.IdentityContext{Address: address, Chain: w.chain}
}

// toAnnounce converts a wire identity request into a core announcement.
// Unknown account keys are dropped; hex display names are decoded here so
// the core only ever sees readable names.
func (w *Watcher) toAnnounce(req identityRequest) core.WatcherAnnounce {
	ann := core.WatcherAnnounce{
		Context:     w.context(req.Chain, req.Address),
		IdentityHex: req.IdentityHex,
	}

	add := func(kind types.FieldKind, value string) {
		if value == "" {
			return
		}
		if kind == types.KindDisplayName {
			value = tryDecodeHex(value)
		}
		ann.Fields = append(ann.Fields, core.AnnouncedField{Kind: kind, Value: value})
	}

	for wire, value := range req.Accounts {
		kind, ok := fieldKindForWire(wire)
		if !ok {
			w.log.WithField("account", wire).Warn("Dropping unknown account key")
			continue
		}
		add(kind, value)
	}
	add(types.KindDisplayName, req.DisplayName)
	add(types.KindLegalName, req.LegalName)
	add(types.KindWeb, req.Web)

	// Map iteration order is random; keep announcements deterministic.
	sort.Slice(ann.Fields, func(i, j int) bool { return ann.Fields[i].Kind < ann.Fields[j].Kind })
	return ann
}

// WatcherPool routes judgements to the watcher of the right chain
type WatcherPool struct {
	watchers map[types.ChainName]*Watcher
}

// NewWatcherPool builds a pool from per-chain watchers
func NewWatcherPool(watchers ...*Watcher) *WatcherPool {
	pool := &WatcherPool{watchers: make(map[types.ChainName]*Watcher, len(watchers))}
	for _, w := range watchers {
		pool.watchers[w.Chain()] = w
	}
	return pool
}

// SendJudgement implements emitter.JudgementSender across all chains
func (p *WatcherPool) SendJudgement(ctx context.Context, id types.IdentityContext, identityHex string) error {
	w, ok := p.watchers[id.Chain]
	if !ok {
		return fmt.Errorf("no watcher configured for chain %s", id.Chain)
	}
	return w.SendJudgement(ctx, id, identityHex)
}

// Run starts every watcher and blocks until the context is cancelled
func (p *WatcherPool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range p.watchers {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			_ = w.Run(ctx)
		}(w)
	}
	wg.Wait()
	return ctx.Err()
}
