package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/asaskevich/EventBus"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()

	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := New(logger.Mock(), domain.CacheConfig{
		PageSize:  10,
		StaleTime: 5 * time.Minute,
		GCTime:    10 * time.Minute,
	}, EventBus.New(), nil)
	s.now = c.Now

	return s, c
}

func fakePost(id string) domain.Post {
	return domain.Post{
		ID:        id,
		Title:     gofakeit.Sentence(4),
		Body:      gofakeit.Paragraph(1, 2, 12, " "),
		Tags:      []string{gofakeit.Word()},
		AuthorID:  gofakeit.UUID(),
		CreatedAt: gofakeit.Date(),
		LikeCount: gofakeit.Number(1, 100),
	}
}

func pageOf(posts ...domain.Post) *domain.PostPage {
	return &domain.PostPage{Items: posts, Total: len(posts), Page: 1, LastPage: 1}
}

// pageFetcher serves a fixed page and counts calls.
type pageFetcher struct {
	calls int32
	page  func() *domain.PostPage
	err   error
}

func (f *pageFetcher) fetch(context.Context) (*domain.PostPage, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.page(), nil
}

func (f *pageFetcher) count() int {
	return int(atomic.LoadInt32(&f.calls))
}

var recommended = ListKey(domain.ListFilter{Kind: domain.ListRecommended}, 1, 10)

func ids(page *domain.PostPage) []string {
	out := make([]string, 0, len(page.Items))
	for _, p := range page.Items {
		out = append(out, p.ID)
	}
	return out
}

func TestStore_FreshHitDoesNotRefetch(t *testing.T) {
	s, _ := newTestStore(t)
	p1 := fakePost("p1")
	f := &pageFetcher{page: func() *domain.PostPage { return pageOf(p1) }}

	first, err := s.Page(context.Background(), recommended, f.fetch)
	require.NoError(t, err)
	second, err := s.Page(context.Background(), recommended, f.fetch)
	require.NoError(t, err)

	assert.Equal(t, 1, f.count())
	assert.Equal(t, first, second)
	assert.Equal(t, p1.Title, second.Items[0].Title)
}

func TestStore_ConcurrentReadsCoalesce(t *testing.T) {
	s, _ := newTestStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	fetch := func(context.Context) (*domain.PostPage, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return pageOf(fakePost("p1")), nil
	}

	var wg sync.WaitGroup
	results := make([]*domain.PostPage, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			page, err := s.Page(context.Background(), recommended, fetch)
			assert.NoError(t, err)
			results[i] = page
		}(i)
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"p1"}, ids(results[0]))
	assert.Equal(t, []string{"p1"}, ids(results[1]))
}

func TestStore_AbandonedCallerDoesNotCancelSharedFetch(t *testing.T) {
	s, _ := newTestStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel int32
	fetch := func(ctx context.Context) (*domain.PostPage, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			atomic.StoreInt32(&sawCancel, 1)
		}
		return pageOf(fakePost("p1")), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Page(ctx, recommended, fetch)
		done <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	waiter := make(chan *domain.PostPage, 1)
	go func() {
		page, err := s.Page(context.Background(), recommended, func(context.Context) (*domain.PostPage, error) {
			t.Error("second caller must attach to the in-flight fetch")
			return nil, nil
		})
		assert.NoError(t, err)
		waiter <- page
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	page := <-waiter
	assert.Equal(t, []string{"p1"}, ids(page))
	assert.Zero(t, atomic.LoadInt32(&sawCancel))
}

func TestStore_StaleWhileRevalidate(t *testing.T) {
	s, c := newTestStore(t)
	title := "old"
	var mu sync.Mutex
	f := &pageFetcher{page: func() *domain.PostPage {
		mu.Lock()
		defer mu.Unlock()
		p := fakePost("p1")
		p.Title = title
		return pageOf(p)
	}}

	_, err := s.Page(context.Background(), recommended, f.fetch)
	require.NoError(t, err)

	mu.Lock()
	title = "new"
	mu.Unlock()
	c.Advance(6 * time.Minute)

	page, err := s.Page(context.Background(), recommended, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, "old", page.Items[0].Title)

	assert.Eventually(t, func() bool {
		page, _ := s.Page(context.Background(), recommended, f.fetch)
		return page.Items[0].Title == "new"
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, f.count(), 2)
}

func TestStore_InvalidatedEntryRefetchesSynchronously(t *testing.T) {
	s, _ := newTestStore(t)
	version := 0
	f := &pageFetcher{page: func() *domain.PostPage {
		version++
		p := fakePost("p1")
		p.LikeCount = version
		return pageOf(p)
	}}

	_, err := s.Page(context.Background(), recommended, f.fetch)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Invalidate(ContainsPost("p1")))

	page, err := s.Page(context.Background(), recommended, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Items[0].LikeCount)
	assert.Equal(t, 2, f.count())
}

func TestStore_InvalidateFencesRefreshInFlight(t *testing.T) {
	s, c := newTestStore(t)
	mine := ListKey(domain.ListFilter{Kind: domain.ListMine}, 1, 10)
	old, created := fakePost("old"), fakePost("new")

	refreshing := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	fetch := func(context.Context) (*domain.PostPage, error) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			return pageOf(old), nil
		case 2:
			close(refreshing)
			<-release
			return pageOf(old), nil
		default:
			return pageOf(created, old), nil
		}
	}

	_, err := s.Page(context.Background(), mine, fetch)
	require.NoError(t, err)

	c.Advance(6 * time.Minute)
	_, err = s.Page(context.Background(), mine, fetch)
	require.NoError(t, err)
	<-refreshing

	s.Invalidate(AffectedByCreate("me"))

	page, err := s.Page(context.Background(), mine, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, ids(page))

	close(release)
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.inflight) == 0
	}, time.Second, 5*time.Millisecond)

	page, err = s.Page(context.Background(), mine, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, ids(page))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestStore_PutPostWinsOverOlderFetch(t *testing.T) {
	s, _ := newTestStore(t)
	before := fakePost("p1")
	before.Title = "before"
	after := before
	after.Title = "after"

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = s.Post(context.Background(), "p1", func(context.Context) (*domain.Post, error) {
			started <- struct{}{}
			<-release
			p := before
			return &p, nil
		})
	}()
	go func() {
		defer wg.Done()
		_, _ = s.Page(context.Background(), recommended, func(context.Context) (*domain.PostPage, error) {
			started <- struct{}{}
			<-release
			return pageOf(before), nil
		})
	}()
	<-started
	<-started

	s.PutPost(after)
	close(release)
	wg.Wait()

	post, err := s.Post(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, "after", post.Title)

	page, err := s.Page(context.Background(), recommended, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "after", page.Items[0].Title)
}

func TestStore_FetchFailureKeepsPriorValue(t *testing.T) {
	s, _ := newTestStore(t)
	p1 := fakePost("p1")
	f := &pageFetcher{page: func() *domain.PostPage { return pageOf(p1) }}

	_, err := s.Page(context.Background(), recommended, f.fetch)
	require.NoError(t, err)

	s.Invalidate(All())
	f.err = errors.Wrap(domain.ErrUnavailable, "boom")

	page, err := s.Page(context.Background(), recommended, f.fetch)
	assert.ErrorIs(t, err, domain.ErrFetchFailed)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	require.NotNil(t, page)
	assert.Equal(t, []string{"p1"}, ids(page))

	// still invalidated, so the next read tries again
	f.err = nil
	_, err = s.Page(context.Background(), recommended, f.fetch)
	require.NoError(t, err)
	assert.Equal(t, 3, f.count())
}

func TestStore_FetchFailureWithoutValue(t *testing.T) {
	s, _ := newTestStore(t)

	f := &pageFetcher{err: errors.Wrap(domain.ErrUnavailable, "down")}
	page, err := s.Page(context.Background(), recommended, f.fetch)
	assert.Nil(t, page)
	assert.ErrorIs(t, err, domain.ErrFetchFailed)

	f.err = domain.ErrUnauthenticated
	_, err = s.Page(context.Background(), recommended, f.fetch)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.NotErrorIs(t, err, domain.ErrFetchFailed)
	assert.Zero(t, s.Len())
}

func TestStore_NotFoundDropsEntry(t *testing.T) {
	s, _ := newTestStore(t)
	p1 := fakePost("p1")

	_, err := s.Post(context.Background(), "p1", func(context.Context) (*domain.Post, error) { return &p1, nil })
	require.NoError(t, err)
	s.Invalidate(ContainsPost("p1"))

	got, err := s.Post(context.Background(), "p1", func(context.Context) (*domain.Post, error) { return nil, domain.ErrNotFound })
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Nil(t, got)
	assert.Zero(t, s.Len())
}

func TestStore_NormalizedPostUpdatesEveryView(t *testing.T) {
	s, _ := newTestStore(t)
	shared := fakePost("p1")
	mostLiked := ListKey(domain.ListFilter{Kind: domain.ListMostLiked}, 1, 10)

	_, err := s.Page(context.Background(), recommended, func(context.Context) (*domain.PostPage, error) { return pageOf(shared, fakePost("p2")), nil })
	require.NoError(t, err)
	_, err = s.Page(context.Background(), mostLiked, func(context.Context) (*domain.PostPage, error) { return pageOf(shared), nil })
	require.NoError(t, err)

	edited := shared.Clone()
	edited.Title = "edited"
	s.PutPost(edited)

	for _, key := range []Key{recommended, mostLiked} {
		page, err := s.Page(context.Background(), key, nil)
		require.NoError(t, err)
		assert.Equal(t, "edited", page.Items[0].Title, key.String())
	}

	post, err := s.Post(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, "edited", post.Title)
}

func TestStore_ReturnedValuesAreCopies(t *testing.T) {
	s, _ := newTestStore(t)
	p1 := fakePost("p1")
	_, err := s.Page(context.Background(), recommended, func(context.Context) (*domain.PostPage, error) { return pageOf(p1), nil })
	require.NoError(t, err)

	page, _ := s.Page(context.Background(), recommended, nil)
	page.Items[0].Title = "mutated"
	page.Items[0].Tags[0] = "mutated"

	again, _ := s.Page(context.Background(), recommended, nil)
	assert.Equal(t, p1.Title, again.Items[0].Title)
	assert.Equal(t, p1.Tags, again.Items[0].Tags)
}

func TestStore_RemovePost(t *testing.T) {
	s, _ := newTestStore(t)
	mine := ListKey(domain.ListFilter{Kind: domain.ListMine}, 1, 2)
	stale := &domain.PostPage{Items: []domain.Post{fakePost("p1"), fakePost("p2")}, Total: 3, Page: 1, LastPage: 2}

	_, err := s.Page(context.Background(), mine, func(context.Context) (*domain.PostPage, error) { return stale, nil })
	require.NoError(t, err)
	_, err = s.Comments(context.Background(), "p1", func(context.Context) ([]domain.Comment, error) { return nil, nil })
	require.NoError(t, err)

	s.RemovePost("p1")

	page, err := s.Page(context.Background(), mine, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids(page))
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.LastPage)
	assert.Equal(t, 1, s.Len())

	// a refetch still reporting the post never brings it back
	s.Invalidate(All())
	page, err = s.Page(context.Background(), mine, func(context.Context) (*domain.PostPage, error) { return stale, nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids(page))
	assert.Equal(t, 2, page.Total)

	_, err = s.Post(context.Background(), "p1", func(context.Context) (*domain.Post, error) {
		p := fakePost("p1")
		return &p, nil
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_LikeOptimisticCommitRollback(t *testing.T) {
	s, _ := newTestStore(t)
	p1 := fakePost("p1")
	p1.LikeCount, p1.ViewerHasLiked = 4, false

	_, err := s.Page(context.Background(), recommended, func(context.Context) (*domain.PostPage, error) { return pageOf(p1), nil })
	require.NoError(t, err)

	u := s.BeginLike("p1")
	st, ok := u.Optimistic()
	require.True(t, ok)
	assert.Equal(t, domain.LikeState{LikeCount: 5, ViewerHasLiked: true}, st)

	page, _ := s.Page(context.Background(), recommended, nil)
	assert.Equal(t, 5, page.Items[0].LikeCount)
	assert.True(t, page.Items[0].ViewerHasLiked)

	// a fetch landing mid-toggle keeps the optimistic state
	s.Invalidate(All())
	page, err = s.Page(context.Background(), recommended, func(context.Context) (*domain.PostPage, error) { return pageOf(p1), nil })
	require.NoError(t, err)
	assert.Equal(t, 5, page.Items[0].LikeCount)

	u.Rollback()
	page, _ = s.Page(context.Background(), recommended, nil)
	assert.Equal(t, 4, page.Items[0].LikeCount)
	assert.False(t, page.Items[0].ViewerHasLiked)

	u = s.BeginLike("p1")
	u.Commit(domain.LikeState{LikeCount: 9, ViewerHasLiked: true})
	page, _ = s.Page(context.Background(), recommended, nil)
	assert.Equal(t, 9, page.Items[0].LikeCount)
	assert.True(t, page.Items[0].ViewerHasLiked)
}

func TestStore_LikeRollbackKeepsRefreshedCount(t *testing.T) {
	s, _ := newTestStore(t)
	p1 := fakePost("p1")
	p1.LikeCount, p1.ViewerHasLiked = 4, false

	_, err := s.Page(context.Background(), recommended, func(context.Context) (*domain.PostPage, error) { return pageOf(p1), nil })
	require.NoError(t, err)

	u := s.BeginLike("p1")

	// others liked the post while the toggle was in flight
	refreshed := p1
	refreshed.LikeCount = 10
	s.Invalidate(All())
	page, err := s.Page(context.Background(), recommended, func(context.Context) (*domain.PostPage, error) { return pageOf(refreshed), nil })
	require.NoError(t, err)
	assert.Equal(t, 11, page.Items[0].LikeCount)
	assert.True(t, page.Items[0].ViewerHasLiked)

	u.Rollback()
	page, _ = s.Page(context.Background(), recommended, nil)
	assert.Equal(t, 10, page.Items[0].LikeCount)
	assert.False(t, page.Items[0].ViewerHasLiked)
}

func TestStore_LikeNeverNegative(t *testing.T) {
	s, _ := newTestStore(t)
	p1 := fakePost("p1")
	p1.LikeCount, p1.ViewerHasLiked = 0, true
	s.PutPost(p1)

	u := s.BeginLike("p1")
	st, _ := u.Optimistic()
	assert.Equal(t, 0, st.LikeCount)
	assert.False(t, st.ViewerHasLiked)
	u.Commit(domain.LikeState{LikeCount: -3})

	post, err := s.Post(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, post.LikeCount)
}

func TestStore_LikeOnUncachedPost(t *testing.T) {
	s, _ := newTestStore(t)

	u := s.BeginLike("ghost")
	_, ok := u.Optimistic()
	assert.False(t, ok)
	u.Rollback()
	assert.Zero(t, s.Len())
}

func TestStore_AddComment(t *testing.T) {
	s, _ := newTestStore(t)
	p1 := fakePost("p1")
	p1.CommentCount = 1
	s.PutPost(p1)

	first := domain.Comment{ID: "c1", PostID: "p1", Body: "first"}
	_, err := s.Comments(context.Background(), "p1", func(context.Context) ([]domain.Comment, error) {
		return []domain.Comment{first}, nil
	})
	require.NoError(t, err)

	c2 := domain.Comment{ID: "c2", PostID: "p1", Body: "second"}
	s.AddComment(c2)
	s.AddComment(c2)

	comments, err := s.Comments(context.Background(), "p1", nil)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "c2", comments[1].ID)

	post, err := s.Post(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, post.CommentCount)
}

func TestStore_ResetDropsInFlightResults(t *testing.T) {
	s, _ := newTestStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Page(context.Background(), recommended, func(context.Context) (*domain.PostPage, error) {
			close(started)
			<-release
			return pageOf(fakePost("p1")), nil
		})
	}()

	<-started
	s.Reset()
	close(release)
	<-done

	assert.Zero(t, s.Len())
}

func TestStore_GC(t *testing.T) {
	s, c := newTestStore(t)
	f := &pageFetcher{page: func() *domain.PostPage { return pageOf(fakePost("p1")) }}
	mostLiked := ListKey(domain.ListFilter{Kind: domain.ListMostLiked}, 1, 10)

	_, err := s.Page(context.Background(), recommended, f.fetch)
	require.NoError(t, err)
	c.Advance(8 * time.Minute)
	_, err = s.Page(context.Background(), mostLiked, func(context.Context) (*domain.PostPage, error) { return pageOf(fakePost("p2")), nil })
	require.NoError(t, err)

	c.Advance(3 * time.Minute)
	assert.Equal(t, 1, s.GC())
	assert.Equal(t, 1, s.Len())

	s.mu.Lock()
	_, kept := s.posts["p2"]
	_, gone := s.posts["p1"]
	s.mu.Unlock()
	assert.True(t, kept)
	assert.False(t, gone)
}

func TestStore_Subscriptions(t *testing.T) {
	s, _ := newTestStore(t)

	var mu sync.Mutex
	var keyed, all []Key
	unsubscribe, err := s.Subscribe(PostKey("p1"), func(k Key) {
		mu.Lock()
		keyed = append(keyed, k)
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = s.SubscribeAll(func(k Key) {
		mu.Lock()
		all = append(all, k)
		mu.Unlock()
	})
	require.NoError(t, err)

	s.PutPost(fakePost("p1"))
	s.Wait()
	u := s.BeginLike("p1")
	s.Wait()
	u.Rollback()
	s.Wait()

	mu.Lock()
	assert.Len(t, keyed, 3)
	mu.Unlock()

	unsubscribe()
	s.Reset()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, keyed, 3)
	assert.Contains(t, all, ResetKey)
}
