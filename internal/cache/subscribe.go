package cache

import (
	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/pkg/errors"
)

// Subscribe calls fn asynchronously whenever the entry for key changes,
// including optimistic updates, rollbacks and Reset. The returned func
// unsubscribes.
func (s *Store) Subscribe(key Key, fn func(Key)) (func(), error) {
	return s.subscribe(key.Topic(), fn)
}

// SubscribeAll calls fn for every changed key, and with ResetKey after Reset.
func (s *Store) SubscribeAll(fn func(Key)) (func(), error) {
	return s.subscribe(domain.EventCacheChanged, fn)
}

func (s *Store) subscribe(topic string, fn func(Key)) (func(), error) {
	if err := s.bus.SubscribeAsync(topic, fn, false); err != nil {
		return nil, errors.Wrap(err, "could not subscribe to %s", topic)
	}
	return func() {
		_ = s.bus.Unsubscribe(topic, fn)
	}, nil
}

// publish notifies per-key and catch-all subscribers, once per key.
func (s *Store) publish(keys ...Key) {
	seen := make(map[Key]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true

		if k != ResetKey {
			s.bus.Publish(k.Topic(), k)
		}
		s.bus.Publish(domain.EventCacheChanged, k)
	}
}

// Wait blocks until asynchronous subscribers have run.
func (s *Store) Wait() {
	s.bus.WaitAsync()
}
