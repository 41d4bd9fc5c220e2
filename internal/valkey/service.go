package valkey

import (
	"context"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/rs/zerolog"
	"github.com/valkey-io/valkey-go"
)

// Service owns the Valkey client.
type Service struct {
	log    zerolog.Logger
	client valkey.Client
	config domain.ValkeyConfig
}

// NewService connects and pings the server.
func NewService(log logger.Logger, cfg domain.ValkeyConfig) (*Service, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to valkey at %s", cfg.Address)
	}

	s := &Service{
		log:    log.With().Str("module", "valkey").Logger(),
		client: client,
		config: cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}

	s.log.Info().Str("address", cfg.Address).Msg("connected to valkey")

	return s, nil
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return errors.Wrap(err, "failed to ping valkey")
	}
	return nil
}

func (s *Service) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *Service) Client() valkey.Client {
	return s.client
}
