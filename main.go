package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/flurbudurbur/Quill/internal/auth"
	"github.com/flurbudurbur/Quill/internal/cache"
	"github.com/flurbudurbur/Quill/internal/config"
	"github.com/flurbudurbur/Quill/internal/database"
	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/events"
	"github.com/flurbudurbur/Quill/internal/http"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/internal/remote"
	"github.com/flurbudurbur/Quill/internal/scheduler"
	"github.com/flurbudurbur/Quill/internal/server"
	"github.com/flurbudurbur/Quill/internal/sync"
	"github.com/flurbudurbur/Quill/internal/valkey"

	"github.com/asaskevich/EventBus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/r3labs/sse/v2"
	"github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// sessionStore is a session repo that can report its health.
type sessionStore interface {
	domain.SessionRepo
	Ping(ctx context.Context) error
}

type closeFunc func()

func (f closeFunc) Close() { f() }

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to configuration directory")
	pflag.Parse()

	// read config
	cfg := config.New(configPath, version)

	// init new logger
	log := logger.New(cfg.Config)

	// init dynamic config
	cfg.DynamicReload(log)

	// setup server-sent-events
	serverEvents := sse.New()
	serverEvents.AutoReplay = false
	serverEvents.CreateStreamWithOpts("logs", sse.StreamOpts{MaxEntries: 1000, AutoReplay: true})
	serverEvents.CreateStream(events.StreamCache)
	serverEvents.CreateStream(events.StreamSession)

	// register SSE writer
	log.RegisterSSEWriter(serverEvents)

	// setup internal eventbus
	bus := EventBus.New()

	// metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	log.Info().Msgf("Starting Quill")
	log.Info().Msgf("Version: %s", version)
	log.Info().Msgf("Commit: %s", commit)
	log.Info().Msgf("Build date: %s", date)
	log.Info().Msgf("Log-level: %s", cfg.Config.Logging.Level)

	var closers []server.Closer

	// session persistence
	var sessions sessionStore
	switch cfg.Config.Session.Backend {
	case "valkey":
		valkeyService, err := valkey.NewService(log, cfg.Config.Valkey)
		if err != nil {
			log.Fatal().Err(err).Msg("could not create new valkey service")
		}
		closers = append(closers, valkeyService)
		sessions = valkey.NewSessionRepo(log, valkeyService)
		log.Info().Msg("Using valkey session store")

	default:
		db, err := database.NewDB(cfg.Config, log)
		if err != nil {
			log.Fatal().Err(err).Msg("could not create new db")
		}

		if err := db.Open(); err != nil {
			log.Fatal().Err(err).Msg("could not open db connection")
		}
		closers = append(closers, closeFunc(func() {
			if err := db.Close(); err != nil {
				log.Error().Stack().Err(err).Msg("could not close db connection")
			}
		}))
		sessions = database.NewSessionRepo(log, db)
		log.Info().Msgf("Using database: %s", db.Driver)
	}

	sealer, err := auth.NewSealer(cfg.Config.SessionSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("session_secret must be set in config.toml")
	}

	// setup services
	var (
		remoteClient = remote.NewClient(log, cfg.Config.Remote, bus, remote.NewMetrics(registry))
		authService  = auth.NewService(log, remoteClient, sessions, sealer, bus, cfg.Config.Session.Slot)
		cacheStore   = cache.New(log, cfg.Config.Cache, bus, cache.NewMetrics(registry))
		syncService  = sync.NewService(log, remoteClient, cacheStore, authService, cfg.Config.Cache.PageSize)
	)
	remoteClient.UseTokenSource(authService)

	// register event subscribers
	subscribers := events.NewSubscribers(log, bus, cacheStore, authService, serverEvents)
	closers = append([]server.Closer{closeFunc(subscribers.Unregister), authService}, closers...)

	schedulingService := scheduler.NewService(log, cfg.Config.Scheduler, cacheStore, authService)

	httpServer := http.NewServer(
		log,
		cfg,
		serverEvents,
		version,
		commit,
		date,
		authService,
		syncService,
		sessions,
		registry,
	)

	srv := server.NewServer(log, authService, schedulingService, httpServer, closers...)
	if err := srv.Start(context.Background()); err != nil {
		log.Fatal().Stack().Err(err).Msg("could not start server")
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case err := <-srv.Errors():
		log.Error().Err(err).Msg("http server stopped")
		srv.Shutdown()
		serverEvents.Close()
		os.Exit(1)

	case sig := <-sigCh:
		log.Info().Msgf("Shutting down server due to %s...", sig)
		srv.Shutdown()
		serverEvents.Close()

		if sig == syscall.SIGHUP {
			os.Exit(1)
		}
		os.Exit(0)
	}
}
