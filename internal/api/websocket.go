package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/registrar-challenger/internal/errors"
	"github.com/registrar-challenger/internal/types"
)

const (
	// Clients send a heartbeat at least every 30 seconds; a socket quiet
	// for longer than this is considered dead.
	sessionReadTimeout  = 90 * time.Second
	sessionWriteTimeout = 30 * time.Second
)

// subscribeFrame is the single frame a client sends to open a session
type subscribeFrame struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

// handleAccountStatus upgrades the connection and streams state frames for
// one identity. The first client frame selects the identity; every later
// client frame is a heartbeat and is discarded.
func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
	var sub subscribeFrame
	if err := conn.ReadJSON(&sub); err != nil {
		s.writeFrame(conn, errResult("invalid subscribe frame"))
		return
	}

	chain, ok := types.ParseChainName(sub.Chain)
	if !ok || sub.Address == "" {
		s.writeFrame(conn, errResult("subscribe frame requires a valid address and chain"))
		return
	}
	id := types.IdentityContext{Address: sub.Address, Chain: chain}

	frames, cancel, err := s.source.Subscribe(r.Context(), id)
	if err != nil {
		if apperrors.Categorize(err).Category == apperrors.CategoryNotFound {
			s.writeFrame(conn, errResult("no pending judgement request for "+sub.Address))
		} else {
			s.log.WithError(err).Error("Subscription failed")
			s.writeFrame(conn, errResult("something went wrong, contact admin"))
		}
		return
	}
	defer cancel()

	log := s.log.WithFields(map[string]interface{}{
		"chain":   chain,
		"address": sub.Address,
	})
	log.Debug("Account status session opened")

	// Heartbeats keep the read deadline fresh; their content is discarded.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !s.writeFrame(conn, okResult(frame)) {
				return
			}
		case <-readClosed:
			log.Debug("Account status session closed")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, result JsonResult) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	if err := conn.WriteJSON(result); err != nil {
		s.log.WithError(err).Debug("Failed to write session frame")
		return false
	}
	return true
}
