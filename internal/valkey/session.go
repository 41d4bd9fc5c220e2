package valkey

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/rs/zerolog"
	"github.com/valkey-io/valkey-go"
)

const sessionKeyPrefix = "quill:session:"

// SessionRepo keeps one JSON document per slot, expiring with the token.
type SessionRepo struct {
	log     zerolog.Logger
	service *Service
	now     func() time.Time
}

func NewSessionRepo(log logger.Logger, service *Service) *SessionRepo {
	return &SessionRepo{
		log:     log.With().Str("repo", "session").Str("backend", "valkey").Logger(),
		service: service,
		now:     time.Now,
	}
}

func sessionKey(slot string) string {
	return sessionKeyPrefix + slot
}

// sessionTTL is the token's remaining lifetime. Zero means no expiry;
// a negative result means the session is already expired.
func sessionTTL(expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return -1
	}
	// valkey expiry has second granularity
	if ttl < time.Second {
		return time.Second
	}
	return ttl.Truncate(time.Second)
}

func (r *SessionRepo) Load(ctx context.Context, slot string) (*domain.StoredSession, error) {
	client := r.service.Client()

	raw, err := client.Do(ctx, client.B().Get().Key(sessionKey(slot)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		r.log.Error().Err(err).Str("slot", slot).Msg("failed to load session")
		return nil, errors.Wrap(err, "failed to load session %s", slot)
	}

	var s domain.StoredSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.log.Warn().Err(err).Str("slot", slot).Msg("dropping unreadable session")
		return nil, r.Clear(ctx, slot)
	}

	return &s, nil
}

func (r *SessionRepo) Store(ctx context.Context, session domain.StoredSession) error {
	if session.Slot == "" {
		return errors.New("session slot is required")
	}

	ttl := sessionTTL(session.ExpiresAt, r.now())
	if ttl < 0 {
		return r.Clear(ctx, session.Slot)
	}

	session.UpdatedAt = r.now()
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "failed to encode session")
	}

	client := r.service.Client()
	var cmd valkey.Completed
	if ttl == 0 {
		cmd = client.B().Set().Key(sessionKey(session.Slot)).Value(string(data)).Build()
	} else {
		cmd = client.B().Set().Key(sessionKey(session.Slot)).Value(string(data)).Ex(ttl).Build()
	}

	if err := client.Do(ctx, cmd).Error(); err != nil {
		r.log.Error().Err(err).Str("slot", session.Slot).Msg("failed to store session")
		return errors.Wrap(err, "failed to store session %s", session.Slot)
	}

	return nil
}

func (r *SessionRepo) Clear(ctx context.Context, slot string) error {
	client := r.service.Client()
	if err := client.Do(ctx, client.B().Del().Key(sessionKey(slot)).Build()).Error(); err != nil {
		r.log.Error().Err(err).Str("slot", slot).Msg("failed to clear session")
		return errors.Wrap(err, "failed to clear session %s", slot)
	}
	return nil
}

func (r *SessionRepo) Ping(ctx context.Context) error {
	return r.service.Ping(ctx)
}
