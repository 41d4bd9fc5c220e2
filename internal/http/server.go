package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/flurbudurbur/Quill/internal/config"
	"github.com/flurbudurbur/Quill/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/r3labs/sse/v2"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	writeRequestsPerSecond = 5
	writeBurst             = 20
)

type Server struct {
	log    zerolog.Logger
	levels levelSetter
	sse    *sse.Server
	config *config.AppConfig

	version string
	commit  string
	date    string

	authService authService
	postService postService
	pinger      Pinger
	gatherer    prometheus.Gatherer
	limiter     *clientLimiter

	srv *http.Server
}

func NewServer(
	log logger.Logger,
	config *config.AppConfig,
	sse *sse.Server,
	version string,
	commit string,
	date string,
	authService authService,
	postService postService,
	pinger Pinger,
	gatherer prometheus.Gatherer,
) *Server {
	return &Server{
		log:     log.With().Str("module", "http").Logger(),
		levels:  log,
		config:  config,
		sse:     sse,
		version: version,
		commit:  commit,
		date:    date,

		authService: authService,
		postService: postService,
		pinger:      pinger,
		gatherer:    gatherer,
		limiter:     newClientLimiter(writeRequestsPerSecond, writeBurst),
	}
}

// Open listens on the configured address and serves until Shutdown.
func (s *Server) Open() error {
	cfg := s.config.Current()
	addr := fmt.Sprintf("%v:%v", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Msgf("Starting server. Listening on %s", listener.Addr().String())

	if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggerMiddleware(&s.log))

	c := cors.New(cors.Options{
		AllowCredentials:   true,
		AllowedMethods:     []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowOriginFunc:    func(origin string) bool { return true },
		OptionsPassthrough: true,
		Debug:              false,
	})

	r.Use(c.Handler)

	encoder := encoder{}

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/healthz", newHealthHandler(encoder, s.pinger).Routes)

		limited := r.Group(nil)
		limited.Use(s.RateLimiter)

		limited.Route("/auth", newAuthHandler(encoder, s.log, s.authService).Routes)
		limited.Route("/posts", newPostHandler(encoder, s.log, s.postService).Routes)

		limited.Route("/config", newConfigHandler(encoder, *s, s.config, s.levels).Routes)

		if s.sse != nil {
			s.sse.Headers = map[string]string{
				"Content-Type":      "text/event-stream",
				"Cache-Control":     "no-cache",
				"Connection":        "keep-alive",
				"X-Accel-Buffering": "no",
			}
			r.Handle("/events", s.sse)
		}
	})

	return r
}
