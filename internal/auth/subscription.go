package auth

import (
	"context"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
)

func (s *service) startSubscription(token string) {
	s.stopSubscription()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancelSub = cancel
	s.subDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)

		for {
			err := s.provider.Subscribe(ctx, token, func(evt domain.SessionEvent) {
				s.handleEvent(ctx, evt)
			})
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.log.Warn().Err(err).Dur("retry_in", s.retryDelay).Msg("session event stream ended")
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
		}
	}()
}

func (s *service) stopSubscription() {
	s.mu.Lock()
	cancel, done := s.cancelSub, s.subDone
	s.cancelSub, s.subDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// handleEvent mirrors a remote session change locally. It runs on the
// subscription goroutine, so it never stops the subscription itself.
func (s *service) handleEvent(ctx context.Context, evt domain.SessionEvent) {
	s.log.Debug().Str("event", string(evt.Type)).Msg("mirroring session event")

	s.mu.RLock()
	current := s.session
	s.mu.RUnlock()

	if current == nil {
		return
	}

	switch evt.Type {
	case domain.SessionEventSignedOut:
		s.mu.Lock()
		s.session = nil
		cancel := s.cancelSub
		s.cancelSub, s.subDone = nil, nil
		s.mu.Unlock()

		if err := s.repo.Clear(context.WithoutCancel(ctx), s.slot); err != nil {
			s.log.Error().Err(err).Msg("could not clear stored session")
		}
		s.notify(nil)
		if cancel != nil {
			cancel()
		}

	case domain.SessionEventTokenRefreshed, domain.SessionEventUserUpdated, domain.SessionEventSignedIn:
		if evt.Session == nil {
			return
		}
		s.replace(context.WithoutCancel(ctx), mergeSession(current, evt.Session))
	}
}
