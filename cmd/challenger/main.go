// Package main runs the registrar challenger. The instance role selects
// which halves start: the adapter listener (watchers, adapters, verifier,
// emitter), the session notifier (client API over the shared database) or
// both in a single process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/registrar-challenger/internal/adapter"
	"github.com/registrar-challenger/internal/admin"
	"github.com/registrar-challenger/internal/api"
	"github.com/registrar-challenger/internal/config"
	"github.com/registrar-challenger/internal/core"
	"github.com/registrar-challenger/internal/displayname"
	"github.com/registrar-challenger/internal/emitter"
	"github.com/registrar-challenger/internal/logging"
	"github.com/registrar-challenger/internal/storage"
	"github.com/registrar-challenger/internal/types"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.LogLevel), logging.ParseLogFormat(cfg.LogFormat))
	logger := logging.GetGlobalLogger()
	logger.WithField("role", cfg.Instance.Role).Info("Registrar challenger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.NewPostgresDB(&cfg.DB)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer db.Close()

	store := storage.NewRegistrarStore(db)
	checker := displayname.NewChecker(cfg.Instance.Config.DisplayName.Limit)
	if !cfg.Instance.Config.DisplayName.IsEnabled() {
		checker = displayname.NewDisabledChecker()
		logger.Warn("Display name similarity guard disabled, names verify unconditionally")
	}

	bus, err := storage.NewEventBus(&cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() { _ = bus.Close() }()

	runCore := cfg.Instance.Role == config.RoleAdapterListener || cfg.Instance.Role == config.RoleSingleInstance
	runAPI := cfg.Instance.Role == config.RoleSessionNotifier || cfg.Instance.Role == config.RoleSingleInstance

	fatal := make(chan error, 8)

	var verifier *core.Verifier
	if runCore {
		verifier = core.NewVerifier(store, checker)
		verifier.SetPublisher(bus)

		// Watchers, one per configured chain, all feeding the verifier.
		watchers := make([]*adapter.Watcher, 0, len(cfg.Instance.Config.Watcher))
		for _, wc := range cfg.Instance.Config.Watcher {
			watchers = append(watchers, adapter.NewWatcher(wc.Network, wc.Endpoint, verifier))
		}
		pool := adapter.NewWatcherPool(watchers...)

		judgements := emitter.New(store, pool)
		verifier.SetJudgementSink(judgements)
		for _, w := range watchers {
			w.OnJudgementRejection(func(id types.IdentityContext) {
				// The submitted checksum went stale. Resubmitting right
				// away would be rejected again; clear the in-flight record
				// and let the next announcement re-enqueue with the fresh
				// checksum.
				judgements.Reset(id)
			})
		}

		go func() { fatal <- verifier.Run(ctx) }()
		go func() { _ = pool.Run(ctx) }()
		go func() { _ = judgements.Run(ctx) }()

		services := cfg.Instance.Config

		if services.Email.Enabled {
			email := adapter.NewEmailAdapter(services.Email, verifier)
			verifier.SetSecondChallengeSender(email)
			go func() { _ = email.Run(ctx) }()
			logger.Info("Email adapter started")
		}

		if services.Twitter.Enabled {
			twitter := adapter.NewTwitterAdapter(services.Twitter, verifier, store.Messages)
			go func() { _ = twitter.Run(ctx) }()
			logger.Info("Twitter adapter started")
		}

		if services.Matrix.Enabled {
			moderator := admin.NewService(verifier, services.Matrix.Admins)
			matrix, err := adapter.NewMatrixAdapter(services.Matrix, verifier, moderator)
			if err != nil {
				logger.WithError(err).Fatal("Failed to create matrix adapter")
			}
			go func() { _ = matrix.Run(ctx) }()
			logger.Info("Matrix adapter started")
		}
	}

	var server *api.Server
	if runAPI {
		var source api.SessionSource
		if verifier != nil {
			source = verifier
		} else {
			source = api.NewBusSessionSource(store, bus, checker)
		}
		server = api.NewServer(cfg.Instance.Config.Notifier, source)
		go func() { fatal <- server.Start() }()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-fatal:
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Service failed, shutting down")
		}
	}

	cancel()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Forced API shutdown")
		}
	}
	logger.Info("Registrar challenger stopped")
}
