package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flurbudurbur/Quill/internal/cache"
	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"

	"github.com/asaskevich/EventBus"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
)

// Stream ids served on the local event endpoint.
const (
	StreamCache   = "cache"
	StreamSession = "session"
)

const unauthorizedTimeout = 10 * time.Second

// CacheResetter drops every cached query.
type CacheResetter interface {
	Reset()
}

// SessionHandler is the session store as seen by the subscribers.
type SessionHandler interface {
	// HandleUnauthorized ends a session the remote no longer accepts.
	HandleUnauthorized(ctx context.Context)
	OnChange(fn func(identity *domain.Identity))
}

type Subscriber struct {
	log      zerolog.Logger
	eventbus EventBus.Bus
	cache    CacheResetter
	auth     SessionHandler
	sse      logger.SSEPublisher

	mu     sync.Mutex
	viewer string
}

func NewSubscribers(log logger.Logger, eventbus EventBus.Bus, cache CacheResetter, auth SessionHandler, sse logger.SSEPublisher) *Subscriber {
	s := &Subscriber{
		log:      log.With().Str("module", "events").Logger(),
		eventbus: eventbus,
		cache:    cache,
		auth:     auth,
		sse:      sse,
	}

	// The reset has to be done before Login or Logout return, so it hooks
	// the session store directly instead of waiting on the bus.
	if auth != nil {
		auth.OnChange(s.viewerChanged)
	}

	if err := s.Register(); err != nil {
		s.log.Error().Err(err).Msg("could not register subscribers")
	}

	return s
}

// Register subscribes every handler asynchronously. Handlers publish on the
// bus themselves, which a synchronous handler cannot do.
func (s *Subscriber) Register() error {
	if err := s.eventbus.SubscribeAsync(domain.EventSessionChanged, s.sessionChanged, true); err != nil {
		return err
	}
	if err := s.eventbus.SubscribeAsync(domain.EventRemoteUnauthorized, s.remoteUnauthorized, false); err != nil {
		return err
	}
	return s.eventbus.SubscribeAsync(domain.EventCacheChanged, s.cacheChanged, false)
}

func (s *Subscriber) Unregister() {
	_ = s.eventbus.Unsubscribe(domain.EventSessionChanged, s.sessionChanged)
	_ = s.eventbus.Unsubscribe(domain.EventRemoteUnauthorized, s.remoteUnauthorized)
	_ = s.eventbus.Unsubscribe(domain.EventCacheChanged, s.cacheChanged)
}

// viewerChanged resets the cache when the viewer changes so no data
// fetched for one identity is served to another. It runs on the caller of
// the session change.
func (s *Subscriber) viewerChanged(identity *domain.Identity) {
	next := ""
	if identity != nil {
		next = identity.ID
	}

	s.mu.Lock()
	changed := next != s.viewer
	s.viewer = next
	s.mu.Unlock()

	if changed && s.cache != nil {
		s.log.Debug().Str("user_id", next).Msg("viewer changed, resetting cache")
		s.cache.Reset()
	}
}

// sessionChanged forwards the new identity to the session stream.
func (s *Subscriber) sessionChanged(identity *domain.Identity) {
	if s.sse == nil {
		return
	}

	data := []byte("null")
	if identity != nil {
		b, err := json.Marshal(identity)
		if err != nil {
			s.log.Error().Err(err).Msg("could not encode identity")
			return
		}
		data = b
	}
	s.sse.Publish(StreamSession, &sse.Event{Event: []byte("session"), Data: data})
}

func (s *Subscriber) remoteUnauthorized() {
	if s.auth == nil {
		return
	}

	s.log.Warn().Msg("remote rejected the session token")

	ctx, cancel := context.WithTimeout(context.Background(), unauthorizedTimeout)
	defer cancel()

	s.auth.HandleUnauthorized(ctx)
}

func (s *Subscriber) cacheChanged(key cache.Key) {
	if s.sse == nil {
		return
	}
	s.sse.Publish(StreamCache, &sse.Event{Event: []byte("changed"), Data: []byte(key.String())})
}
