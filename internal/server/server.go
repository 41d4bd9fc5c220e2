package server

import (
	"context"
	"sync"
	"time"

	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/internal/scheduler"

	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Initializer restores state before the server accepts requests.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// HTTPServer is the local API listener.
type HTTPServer interface {
	Open() error
	Shutdown(ctx context.Context) error
}

// Closer releases a background resource on shutdown.
type Closer interface {
	Close()
}

type Server struct {
	log zerolog.Logger

	session   Initializer
	scheduler scheduler.Service
	http      HTTPServer
	closers   []Closer

	stopWG sync.WaitGroup
	lock   sync.Mutex
	errs   chan error
}

func NewServer(log logger.Logger, session Initializer, scheduler scheduler.Service, http HTTPServer, closers ...Closer) *Server {
	return &Server{
		log:       log.With().Str("module", "server").Logger(),
		session:   session,
		scheduler: scheduler,
		http:      http,
		closers:   closers,
		errs:      make(chan error, 1),
	}
}

// Start restores the session, starts the scheduler and serves the local
// API in the background. Serve errors are reported on Errors.
func (s *Server) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.session != nil {
		if err := s.session.Initialize(ctx); err != nil {
			s.log.Error().Err(err).Msg("could not restore session, starting signed out")
		}
	}

	s.scheduler.Start()

	if s.http != nil {
		s.stopWG.Add(1)
		go func() {
			defer s.stopWG.Done()
			if err := s.http.Open(); err != nil {
				s.errs <- err
			}
		}()
	}

	return nil
}

// Errors delivers a fatal error from the local API listener.
func (s *Server) Errors() <-chan error {
	return s.errs
}

func (s *Server) Shutdown() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.log.Info().Msg("Shutting down server")

	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.http.Shutdown(ctx); err != nil {
			s.log.Error().Err(err).Msg("could not shut down http server")
		}
		cancel()
	}
	s.stopWG.Wait()

	s.scheduler.Stop()

	for _, c := range s.closers {
		c.Close()
	}
}
