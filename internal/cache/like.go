package cache

import "github.com/flurbudurbur/Quill/internal/domain"

// LikeUpdate is one optimistic like toggle. It must end with exactly one
// Commit or Rollback.
type LikeUpdate struct {
	s      *Store
	postID string
	gen    uint64
	prev   domain.LikeState
	cached bool
}

func flip(st domain.LikeState) domain.LikeState {
	if st.ViewerHasLiked {
		st.LikeCount--
		if st.LikeCount < 0 {
			st.LikeCount = 0
		}
	} else {
		st.LikeCount++
	}
	st.ViewerHasLiked = !st.ViewerHasLiked
	return st
}

// BeginLike flips the cached like state of postID everywhere it is shown.
// Posts that are not cached are left alone.
func (s *Store) BeginLike(postID string) *LikeUpdate {
	s.mu.Lock()
	u := &LikeUpdate{s: s, postID: postID, gen: s.generation}

	var keys []Key
	if p, ok := s.posts[postID]; ok {
		u.cached = true
		u.prev = domain.LikeState{LikeCount: p.LikeCount, ViewerHasLiked: p.ViewerHasLiked}

		next := flip(u.prev)
		s.pending[postID] = next.ViewerHasLiked
		p.LikeCount, p.ViewerHasLiked = next.LikeCount, next.ViewerHasLiked
		s.posts[postID] = p

		keys = s.referencingLocked(map[string]bool{postID: true}, Key{})
	}
	s.mu.Unlock()

	s.publish(keys...)
	return u
}

// Optimistic returns the state shown while the toggle is in flight.
func (u *LikeUpdate) Optimistic() (domain.LikeState, bool) {
	if !u.cached {
		return domain.LikeState{}, false
	}
	return flip(u.prev), true
}

// Commit replaces the optimistic guess with the state the service returned.
func (u *LikeUpdate) Commit(state domain.LikeState) {
	u.finish(&state)
}

// Rollback undoes the optimistic flip on the latest snapshot, so counts
// refreshed during the toggle are kept.
func (u *LikeUpdate) Rollback() {
	u.finish(nil)
}

func (u *LikeUpdate) finish(state *domain.LikeState) {
	s := u.s
	s.mu.Lock()

	if s.generation != u.gen {
		s.mu.Unlock()
		return
	}
	liked, flipped := s.pending[u.postID]
	delete(s.pending, u.postID)

	p, ok := s.posts[u.postID]
	if !ok || (state == nil && !u.cached) {
		s.mu.Unlock()
		return
	}

	current := domain.LikeState{LikeCount: p.LikeCount, ViewerHasLiked: p.ViewerHasLiked}
	target := current
	switch {
	case state != nil:
		target = *state
	case flipped && current.ViewerHasLiked == liked:
		target = flip(current)
	}
	if target.LikeCount < 0 {
		target.LikeCount = 0
	}

	p.LikeCount, p.ViewerHasLiked = target.LikeCount, target.ViewerHasLiked
	s.posts[u.postID] = p
	s.seq++
	s.written[u.postID] = s.seq

	keys := s.referencingLocked(map[string]bool{u.postID: true}, Key{})
	s.mu.Unlock()

	s.publish(keys...)
}
