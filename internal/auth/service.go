package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"
)

const minPasswordLength = 6

type Service interface {
	domain.SessionProvider

	Login(ctx context.Context, email, password string) (*domain.Identity, error)
	Register(ctx context.Context, email, password, displayName string) (*domain.Identity, error)
	Logout(ctx context.Context) error
	// Initialize restores the persisted session, if any, and starts mirroring
	// out-of-band session events.
	Initialize(ctx context.Context) error
	// Revalidate checks the current session against the content service.
	Revalidate(ctx context.Context) error
	// HandleUnauthorized drops the local session after the remote rejected its token.
	HandleUnauthorized(ctx context.Context)
	IsAuthenticated() bool
	Close()
}

type service struct {
	log      zerolog.Logger
	provider domain.AuthProvider
	repo     domain.SessionRepo
	sealer   *Sealer
	bus      EventBus.Bus
	slot     string
	now      func() time.Time

	// retryDelay is the pause before re-subscribing to session events.
	retryDelay time.Duration

	mu        sync.RWMutex
	session   *domain.Session
	listeners []func(*domain.Identity)
	cancelSub context.CancelFunc
	subDone   chan struct{}
}

func NewService(log logger.Logger, provider domain.AuthProvider, repo domain.SessionRepo, sealer *Sealer, bus EventBus.Bus, slot string) Service {
	if slot == "" {
		slot = "default"
	}
	return &service{
		log:        log.With().Str("module", "auth").Logger(),
		provider:   provider,
		repo:       repo,
		sealer:     sealer,
		bus:        bus,
		slot:       slot,
		now:        time.Now,
		retryDelay: 30 * time.Second,
	}
}

func (s *service) CurrentIdentity() *domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return nil
	}
	id := s.session.Identity
	return &id
}

func (s *service) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

func (s *service) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.session.Valid(s.now())
}

func (s *service) OnChange(fn func(*domain.Identity)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *service) Login(ctx context.Context, email, password string) (*domain.Identity, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}

	session, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidCredentials) {
			s.log.Warn().Err(err).Msg("sign in failed")
		}
		return nil, err
	}

	s.activate(ctx, session)
	s.log.Info().Str("user_id", session.Identity.ID).Msg("signed in")

	return s.CurrentIdentity(), nil
}

func validateRegistration(email, password, displayName string) error {
	if len(password) < minPasswordLength {
		return errors.Wrap(domain.ErrWeakPassword, "password must be at least %d characters", minPasswordLength)
	}

	v := &domain.ValidationError{}
	if !strings.Contains(email, "@") {
		v.Add("email", "must be a valid email address")
	}
	if strings.TrimSpace(displayName) == "" {
		v.Add("name", "is required")
	}
	return v.Err()
}

func (s *service) Register(ctx context.Context, email, password, displayName string) (*domain.Identity, error) {
	email = strings.TrimSpace(email)
	if err := validateRegistration(email, password, displayName); err != nil {
		return nil, err
	}

	session, err := s.provider.SignUp(ctx, email, password, strings.TrimSpace(displayName))
	if err != nil {
		return nil, err
	}

	s.activate(ctx, session)
	s.log.Info().Str("user_id", session.Identity.ID).Msg("registered")

	return s.CurrentIdentity(), nil
}

func (s *service) Logout(ctx context.Context) error {
	token := s.AccessToken()
	s.clear(ctx)

	if token == "" {
		return nil
	}
	if err := s.provider.SignOut(ctx, token); err != nil {
		s.log.Warn().Err(err).Msg("remote sign out failed, local session cleared anyway")
	}

	return nil
}

func (s *service) HandleUnauthorized(ctx context.Context) {
	if s.CurrentIdentity() == nil {
		return
	}
	s.log.Info().Msg("access token rejected, clearing session")
	s.clear(ctx)
}

func (s *service) Initialize(ctx context.Context) error {
	stored, err := s.repo.Load(ctx, s.slot)
	if err != nil {
		return errors.Wrap(err, "could not load session")
	}
	if stored == nil {
		s.log.Debug().Msg("no stored session")
		return nil
	}

	token, err := s.sealer.Open(stored.SealedToken)
	if err != nil {
		s.log.Warn().Err(err).Msg("stored session unreadable, dropping it")
		return s.repo.Clear(ctx, s.slot)
	}

	session := &domain.Session{
		Identity:    stored.Identity(),
		AccessToken: string(token),
		ExpiresAt:   stored.ExpiresAt,
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = tokenExpiry(session.AccessToken)
	}

	if !session.Valid(s.now()) {
		s.log.Info().Msg("stored session expired")
		return s.repo.Clear(ctx, s.slot)
	}

	remote, err := s.provider.GetSession(ctx, session.AccessToken)
	switch {
	case errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, domain.ErrNotFound):
		s.log.Info().Msg("stored session no longer known to the content service")
		return s.repo.Clear(ctx, s.slot)
	case err != nil:
		// keep the restored session; the next request will tell
		s.log.Warn().Err(err).Msg("could not confirm stored session")
	default:
		session = mergeSession(session, remote)
	}

	s.activate(ctx, session)
	s.log.Info().Str("user_id", session.Identity.ID).Msg("session restored")

	return nil
}

func (s *service) Revalidate(ctx context.Context) error {
	s.mu.RLock()
	current := s.session
	s.mu.RUnlock()

	if current == nil {
		return nil
	}
	if !current.Valid(s.now()) {
		s.log.Info().Msg("session expired")
		s.clear(ctx)
		return nil
	}

	remote, err := s.provider.GetSession(ctx, current.AccessToken)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) || errors.Is(err, domain.ErrNotFound) {
			s.clear(ctx)
			return nil
		}
		return errors.Wrap(err, "could not revalidate session")
	}

	s.replace(ctx, mergeSession(current, remote))
	return nil
}

func (s *service) Close() {
	s.stopSubscription()
}

// mergeSession overlays what the remote reported on top of local state.
func mergeSession(local, remote *domain.Session) *domain.Session {
	merged := *local
	if remote == nil {
		return &merged
	}
	if remote.Identity.ID != "" {
		merged.Identity = remote.Identity
	}
	if remote.AccessToken != "" && remote.AccessToken != local.AccessToken {
		merged.AccessToken = remote.AccessToken
		merged.ExpiresAt = remote.ExpiresAt
	}
	if !remote.ExpiresAt.IsZero() {
		merged.ExpiresAt = remote.ExpiresAt
	}
	if merged.ExpiresAt.IsZero() {
		merged.ExpiresAt = tokenExpiry(merged.AccessToken)
	}
	return &merged
}

// activate installs a new session and (re)starts the event subscription.
func (s *service) activate(ctx context.Context, session *domain.Session) {
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = tokenExpiry(session.AccessToken)
	}

	s.replace(ctx, session)
	s.startSubscription(session.AccessToken)
}

// replace swaps the in-memory session, persists it and notifies on identity change.
func (s *service) replace(ctx context.Context, session *domain.Session) {
	s.mu.Lock()
	prev := s.session
	s.session = session
	s.mu.Unlock()

	s.persist(ctx, session)

	if prev == nil || prev.Identity != session.Identity {
		s.notify(&session.Identity)
	}
}

// clear drops the session locally and in the store.
func (s *service) clear(ctx context.Context) {
	s.stopSubscription()

	s.mu.Lock()
	prev := s.session
	s.session = nil
	s.mu.Unlock()

	if err := s.repo.Clear(ctx, s.slot); err != nil {
		s.log.Error().Err(err).Msg("could not clear stored session")
	}

	if prev != nil {
		s.notify(nil)
	}
}

func (s *service) persist(ctx context.Context, session *domain.Session) {
	sealed, err := s.sealer.Seal([]byte(session.AccessToken))
	if err != nil {
		s.log.Error().Err(err).Msg("could not seal token")
		return
	}

	stored := domain.StoredSession{
		Slot:        s.slot,
		UserID:      session.Identity.ID,
		DisplayName: session.Identity.DisplayName,
		Email:       session.Identity.Email,
		AvatarURL:   session.Identity.AvatarURL,
		Headline:    session.Identity.Headline,
		SealedToken: sealed,
		ExpiresAt:   session.ExpiresAt,
	}
	if err := s.repo.Store(ctx, stored); err != nil {
		s.log.Error().Err(err).Msg("could not persist session")
	}
}

func (s *service) notify(identity *domain.Identity) {
	s.mu.RLock()
	listeners := append([]func(*domain.Identity){}, s.listeners...)
	s.mu.RUnlock()

	var copied *domain.Identity
	if identity != nil {
		id := *identity
		copied = &id
	}

	for _, fn := range listeners {
		fn(copied)
	}
	if s.bus != nil {
		s.bus.Publish(domain.EventSessionChanged, copied)
	}
}
