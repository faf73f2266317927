// Package api serves the client session interface: the display name check
// and second challenge HTTP endpoints plus the live account status
// websocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/registrar-challenger/internal/config"
	"github.com/registrar-challenger/internal/core"
	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/models"
	"github.com/registrar-challenger/internal/types"
)

// SessionSource is the verification state the API serves. In a single
// instance deployment this is the verifier itself; in the split deployment
// it is the bus-backed source reading the shared database.
type SessionSource interface {
	Subscribe(ctx context.Context, id types.IdentityContext) (<-chan *core.StateFrame, func(), error)
	VerifySecondChallenge(ctx context.Context, sub core.SecondChallengeSubmission) (bool, error)
	CheckDisplayName(ctx context.Context, chain types.ChainName, candidate string) ([]models.DisplayNameEntry, error)
}

// Server is the client session HTTP server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	source     SessionSource
	cfg        config.NotifierConfig
	upgrader   websocket.Upgrader
	log        *logging.Logger
}

// NewServer creates the session API server
func NewServer(cfg config.NotifierConfig, source SessionSource) *Server {
	s := &Server{
		router: mux.NewRouter(),
		source: source,
		cfg:    cfg,
		log:    logging.GetGlobalLogger().WithField("component", "api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/healthcheck", s.handleHealthcheck).Methods("GET")
	s.router.HandleFunc("/api/check_display_name", s.handleCheckDisplayName).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/verify_second_challenge", s.handleVerifySecondChallenge).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/api/account_status", s.handleAccountStatus).Methods("GET")

	s.httpServer = &http.Server{
		Addr:        s.cfg.APIAddress,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No write timeout; the account status socket is long-lived.
		IdleTimeout: 120 * time.Second,
	}
}

// Handler exposes the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.log.WithField("address", s.httpServer.Addr).Info("Session API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down session API")
	return s.httpServer.Shutdown(ctx)
}

// originAllowed applies the configured CORS origins to websocket upgrades.
// An empty list allows every origin.
func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.CORSAllowOrigin) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSAllowOrigin {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
