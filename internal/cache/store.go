package cache

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type fetchFunc func(ctx context.Context) (interface{}, error)

type pageRef struct {
	ids      []string
	total    int
	page     int
	lastPage int
}

type entry struct {
	key         Key
	page        *pageRef
	postID      string
	comments    []domain.Comment
	fetchedAt   time.Time
	lastUsed    time.Time
	invalidated bool
}

// refs lists the post ids the entry depends on.
func (e *entry) refs() []string {
	switch {
	case e.page != nil:
		return e.page.ids
	case e.postID != "":
		return []string{e.postID}
	case e.key.Kind == KindComments:
		return []string{e.key.ID}
	}
	return nil
}

// Store is the process-wide query cache. Post snapshots are kept once, in
// posts; page and single-post entries only reference them by id.
type Store struct {
	log       zerolog.Logger
	bus       EventBus.Bus
	metrics   *Metrics
	staleTime time.Duration
	gcTime    time.Duration
	now       func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	generation uint64
	entries    map[string]*entry
	posts      map[string]domain.Post
	tombstones map[string]time.Time
	// pending holds the liked state a toggle in flight is heading for.
	pending map[string]bool

	// seq orders fetches against local writes. A fetch that started
	// before fences[key] is not stored under key, and it does not
	// overwrite a post snapshot written after it started.
	seq      uint64
	fences   map[string]uint64
	written  map[string]uint64
	inflight map[string]*running
}

type running struct {
	key Key
	n   int
}

func New(log logger.Logger, cfg domain.CacheConfig, bus EventBus.Bus, metrics *Metrics) *Store {
	if bus == nil {
		bus = EventBus.New()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Store{
		log:        log.With().Str("module", "cache").Logger(),
		bus:        bus,
		metrics:    metrics,
		staleTime:  cfg.StaleTime,
		gcTime:     cfg.GCTime,
		now:        time.Now,
		entries:    map[string]*entry{},
		posts:      map[string]domain.Post{},
		tombstones: map[string]time.Time{},
		pending:    map[string]bool{},
		fences:     map[string]uint64{},
		written:    map[string]uint64{},
		inflight:   map[string]*running{},
	}
}

// Page reads a post list page through the cache.
func (s *Store) Page(ctx context.Context, key Key, fetch func(ctx context.Context) (*domain.PostPage, error)) (*domain.PostPage, error) {
	v, err := s.read(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fetch(ctx)
	})
	page, _ := v.(*domain.PostPage)
	return page, err
}

func (s *Store) Post(ctx context.Context, id string, fetch func(ctx context.Context) (*domain.Post, error)) (*domain.Post, error) {
	v, err := s.read(ctx, PostKey(id), func(ctx context.Context) (interface{}, error) {
		return fetch(ctx)
	})
	post, _ := v.(*domain.Post)
	return post, err
}

func (s *Store) Comments(ctx context.Context, postID string, fetch func(ctx context.Context) ([]domain.Comment, error)) ([]domain.Comment, error) {
	v, err := s.read(ctx, CommentsKey(postID), func(ctx context.Context) (interface{}, error) {
		return fetch(ctx)
	})
	comments, _ := v.([]domain.Comment)
	return comments, err
}

// read serves fresh entries directly, stale ones with a background refresh,
// and fetches synchronously for missing or invalidated entries.
func (s *Store) read(ctx context.Context, key Key, fetch fetchFunc) (interface{}, error) {
	s.mu.Lock()
	e := s.entries[key.String()]
	var prior interface{}
	if e != nil {
		e.lastUsed = s.now()
		prior = s.materialize(e)

		if !e.invalidated {
			stale := s.now().Sub(e.fetchedAt) >= s.staleTime
			s.mu.Unlock()

			if stale {
				s.metrics.reads.WithLabelValues("stale").Inc()
				go s.revalidate(key, fetch)
			} else {
				s.metrics.reads.WithLabelValues("hit").Inc()
			}
			return prior, nil
		}
	}
	s.mu.Unlock()

	s.metrics.reads.WithLabelValues("miss").Inc()

	v, err := s.fetch(ctx, key, fetch)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.drop(key)
		return nil, err
	case prior != nil:
		return prior, errors.Join(domain.ErrFetchFailed, err)
	case errors.Is(err, domain.ErrUnavailable):
		return nil, errors.Join(domain.ErrFetchFailed, err)
	default:
		return nil, err
	}
}

func (s *Store) revalidate(key Key, fetch fetchFunc) {
	if _, err := s.fetch(context.Background(), key, fetch); err != nil {
		s.log.Debug().Err(err).Str("key", key.String()).Msg("background refresh failed")
	}
}

// fetch runs at most one fetch per key. The shared call is detached from
// ctx; a caller giving up only stops waiting for it.
func (s *Store) fetch(ctx context.Context, key Key, fetch fetchFunc) (interface{}, error) {
	s.mu.Lock()
	gen := s.generation
	fence := s.fences[key.String()]
	s.mu.Unlock()

	// Callers arriving after an invalidation get a call of their own.
	ch := s.group.DoChan(fmt.Sprintf("%d|%d|%s", gen, fence, key), func() (interface{}, error) {
		started := s.begin(key)
		defer s.end(key)

		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			s.metrics.errors.Inc()
			s.log.Debug().Err(err).Str("key", key.String()).Msg("fetch failed")
			return nil, err
		}
		return s.store(key, v, gen, started)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			s.metrics.coalesced.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneValue(res.Val), nil
	}
}

func (s *Store) begin(key Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.inflight[key.String()]
	if !ok {
		r = &running{key: key}
		s.inflight[key.String()] = r
	}
	r.n++
	return s.seq
}

func (s *Store) end(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	if r, ok := s.inflight[k]; ok {
		if r.n--; r.n <= 0 {
			delete(s.inflight, k)
		}
	}
}

// fenceLocked makes results of fetches for key started before now
// unstorable.
func (s *Store) fenceLocked(key Key) {
	s.seq++
	s.fences[key.String()] = s.seq
}

// store normalizes a fetched value into the cache and returns what a
// reader of key now sees. Results from before a Reset, or from before the
// key was last invalidated, are returned but not kept.
func (s *Store) store(key Key, v interface{}, gen, started uint64) (interface{}, error) {
	s.mu.Lock()

	if gen != s.generation || s.fences[key.String()] > started {
		s.mu.Unlock()
		return cloneValue(v), nil
	}

	now := s.now()
	e := &entry{key: key, fetchedAt: now, lastUsed: now}
	changed := map[string]bool{}

	switch val := v.(type) {
	case *domain.PostPage:
		ref := &pageRef{ids: make([]string, 0, len(val.Items)), total: val.Total, page: val.Page, lastPage: val.LastPage}
		for _, p := range val.Items {
			if _, dead := s.tombstones[p.ID]; dead {
				ref.total--
				continue
			}
			if s.written[p.ID] <= started && s.putPostLocked(p) {
				changed[p.ID] = true
			}
			ref.ids = append(ref.ids, p.ID)
		}
		if ref.total < len(ref.ids) {
			ref.total = len(ref.ids)
		}
		if ref.page == 0 {
			ref.page = key.Page
		}
		if ref.lastPage == 0 || ref.total != val.Total {
			ref.lastPage = domain.LastPageFor(ref.total, key.PageSize)
		}
		e.page = ref

	case *domain.Post:
		if _, dead := s.tombstones[val.ID]; dead {
			s.mu.Unlock()
			return nil, domain.ErrNotFound
		}
		if s.written[val.ID] <= started && s.putPostLocked(*val) {
			changed[val.ID] = true
		}
		e.postID = val.ID

	case []domain.Comment:
		e.comments = cloneComments(val)

	default:
		s.mu.Unlock()
		return nil, errors.New("cache: unsupported value %T", v)
	}

	s.entries[key.String()] = e
	s.metrics.entries.Set(float64(len(s.entries)))

	notify := append([]Key{key}, s.referencingLocked(changed, key)...)
	out := s.materialize(e)
	s.mu.Unlock()

	s.publish(notify...)

	return out, nil
}

// putPostLocked stores a snapshot, keeping any optimistic like state, and
// reports whether the stored snapshot changed.
func (s *Store) putPostLocked(p domain.Post) bool {
	p = p.Clone()
	if liked, ok := s.pending[p.ID]; ok && p.ViewerHasLiked != liked {
		st := flip(domain.LikeState{LikeCount: p.LikeCount, ViewerHasLiked: p.ViewerHasLiked})
		p.LikeCount, p.ViewerHasLiked = st.LikeCount, st.ViewerHasLiked
	}
	if p.LikeCount < 0 {
		p.LikeCount = 0
	}

	old, ok := s.posts[p.ID]
	s.posts[p.ID] = p
	return !ok || !reflect.DeepEqual(old, p)
}

// referencingLocked returns the keys of entries, other than skip, holding
// any of ids.
func (s *Store) referencingLocked(ids map[string]bool, skip Key) []Key {
	if len(ids) == 0 {
		return nil
	}

	var keys []Key
	for _, e := range s.entries {
		if e.key == skip {
			continue
		}
		for _, ref := range e.refs() {
			if ids[ref] {
				keys = append(keys, e.key)
				break
			}
		}
	}
	return keys
}

func (s *Store) materialize(e *entry) interface{} {
	switch {
	case e.page != nil:
		out := &domain.PostPage{
			Items:    make([]domain.Post, 0, len(e.page.ids)),
			Total:    e.page.total,
			Page:     e.page.page,
			LastPage: e.page.lastPage,
		}
		for _, id := range e.page.ids {
			if p, ok := s.posts[id]; ok {
				out.Items = append(out.Items, p.Clone())
			}
		}
		return out
	case e.postID != "":
		p, ok := s.posts[e.postID]
		if !ok {
			return nil
		}
		c := p.Clone()
		return &c
	case e.key.Kind == KindComments:
		return cloneComments(e.comments)
	}
	return nil
}

func (s *Store) drop(key Key) {
	s.mu.Lock()
	delete(s.entries, key.String())
	s.metrics.entries.Set(float64(len(s.entries)))
	s.mu.Unlock()

	s.publish(key)
}

// PutPost stores a post confirmed by the content service and refreshes
// its single-post entry.
func (s *Store) PutPost(p domain.Post) {
	s.mu.Lock()
	if _, dead := s.tombstones[p.ID]; dead {
		s.mu.Unlock()
		return
	}

	key := PostKey(p.ID)
	s.fenceLocked(key)
	s.written[p.ID] = s.seq
	changed := map[string]bool{}
	if s.putPostLocked(p) {
		changed[p.ID] = true
	}
	now := s.now()
	s.entries[key.String()] = &entry{key: key, postID: p.ID, fetchedAt: now, lastUsed: now}
	s.metrics.entries.Set(float64(len(s.entries)))

	notify := append([]Key{key}, s.referencingLocked(changed, key)...)
	s.mu.Unlock()

	s.publish(notify...)
}

// Invalidate marks matching entries so the next read refetches
// synchronously, and keeps fetches already in flight for them from
// storing their results. It returns the number of entries marked.
func (s *Store) Invalidate(pred Predicate) int {
	s.mu.Lock()
	var keys []Key
	for _, e := range s.entries {
		if pred(e.key, e.refs()) {
			s.fenceLocked(e.key)
			if !e.invalidated {
				e.invalidated = true
				keys = append(keys, e.key)
			}
		}
	}
	for k, r := range s.inflight {
		if _, cached := s.entries[k]; !cached && pred(r.key, nil) {
			s.fenceLocked(r.key)
		}
	}
	s.mu.Unlock()

	s.publish(keys...)
	return len(keys)
}

// RemovePost prunes a deleted post from every cached page, drops its own
// entries and keeps it out of pages fetched later.
func (s *Store) RemovePost(id string) {
	s.mu.Lock()
	s.tombstones[id] = s.now()
	delete(s.posts, id)
	delete(s.pending, id)
	s.fenceLocked(PostKey(id))
	s.fenceLocked(CommentsKey(id))

	var keys []Key
	for k, e := range s.entries {
		if (e.key.Kind == KindPost || e.key.Kind == KindComments) && e.key.ID == id {
			delete(s.entries, k)
			keys = append(keys, e.key)
			continue
		}
		if e.page == nil {
			continue
		}

		ids := e.page.ids[:0:0]
		for _, ref := range e.page.ids {
			if ref != id {
				ids = append(ids, ref)
			}
		}
		if len(ids) == len(e.page.ids) {
			continue
		}
		e.page.ids = ids
		if e.page.total > 0 {
			e.page.total--
		}
		e.page.lastPage = domain.LastPageFor(e.page.total, e.key.PageSize)
		keys = append(keys, e.key)
	}
	s.metrics.entries.Set(float64(len(s.entries)))
	s.mu.Unlock()

	s.publish(keys...)
}

// AddComment appends a confirmed comment to the loaded comment list and
// bumps the post's comment count wherever the post is cached.
func (s *Store) AddComment(c domain.Comment) {
	s.mu.Lock()
	var keys []Key

	ck := CommentsKey(c.PostID)
	if e, ok := s.entries[ck.String()]; ok {
		for _, existing := range e.comments {
			if existing.ID == c.ID {
				s.mu.Unlock()
				return
			}
		}
		e.comments = append(e.comments, cloneComments([]domain.Comment{c})...)
		keys = append(keys, ck)
	}

	if p, ok := s.posts[c.PostID]; ok {
		p.CommentCount++
		s.posts[c.PostID] = p
		keys = append(keys, s.referencingLocked(map[string]bool{c.PostID: true}, ck)...)
	}
	s.mu.Unlock()

	s.publish(keys...)
}

// Reset drops everything, including fetches still in flight, e.g. when
// the signed-in identity changes.
func (s *Store) Reset() {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.entries)+1)
	for _, e := range s.entries {
		keys = append(keys, e.key)
	}
	s.generation++
	s.entries = map[string]*entry{}
	s.posts = map[string]domain.Post{}
	s.tombstones = map[string]time.Time{}
	s.pending = map[string]bool{}
	s.fences = map[string]uint64{}
	s.written = map[string]uint64{}
	s.metrics.entries.Set(0)
	s.mu.Unlock()

	s.log.Debug().Int("entries", len(keys)).Msg("cache reset")
	s.publish(append(keys, ResetKey)...)
}

// GC drops entries nobody read within the gc window, then the posts and
// tombstones nothing refers to anymore. It returns the entries dropped.
func (s *Store) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.gcTime)
	dropped := 0
	for k, e := range s.entries {
		if e.lastUsed.Before(cutoff) {
			delete(s.entries, k)
			dropped++
		}
	}

	live := map[string]bool{}
	for _, e := range s.entries {
		for _, ref := range e.refs() {
			live[ref] = true
		}
	}
	for id := range s.pending {
		live[id] = true
	}
	for id := range s.posts {
		if !live[id] {
			delete(s.posts, id)
		}
	}
	for id, at := range s.tombstones {
		if at.Before(cutoff) {
			delete(s.tombstones, id)
		}
	}

	// Fences only matter to fetches still running.
	for k := range s.fences {
		if _, running := s.inflight[k]; !running {
			delete(s.fences, k)
		}
	}
	if len(s.inflight) == 0 {
		s.written = map[string]uint64{}
	}

	s.metrics.entries.Set(float64(len(s.entries)))
	return dropped
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func cloneComments(in []domain.Comment) []domain.Comment {
	if in == nil {
		return nil
	}
	out := make([]domain.Comment, len(in))
	for i, c := range in {
		if c.Author != nil {
			a := *c.Author
			c.Author = &a
		}
		out[i] = c
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case *domain.PostPage:
		if val == nil {
			return val
		}
		out := *val
		out.Items = make([]domain.Post, len(val.Items))
		for i, p := range val.Items {
			out.Items[i] = p.Clone()
		}
		return &out
	case *domain.Post:
		if val == nil {
			return val
		}
		c := val.Clone()
		return &c
	case []domain.Comment:
		return cloneComments(val)
	}
	return v
}
