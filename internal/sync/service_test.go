package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/flurbudurbur/Quill/internal/cache"
	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"

	"github.com/asaskevich/EventBus"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory content service with one signed-in viewer.
type fakeRemote struct {
	mu      stdsync.Mutex
	viewer  string
	posts   map[string]domain.Post
	order   []string
	likes   map[string]map[string]bool
	calls   map[string]int
	failing map[string]error
	gate    chan struct{}
	seq     int
}

func newFakeRemote(viewer string) *fakeRemote {
	return &fakeRemote{
		viewer:  viewer,
		posts:   map[string]domain.Post{},
		likes:   map[string]map[string]bool{},
		calls:   map[string]int{},
		failing: map[string]error{},
	}
}

func (f *fakeRemote) seed(authorID string, n int) []domain.Post {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.Post
	for i := 0; i < n; i++ {
		f.seq++
		p := domain.Post{
			ID:        fmt.Sprintf("p%03d", f.seq),
			Title:     gofakeit.Sentence(3),
			Body:      gofakeit.Paragraph(1, 2, 10, " "),
			Tags:      []string{gofakeit.Word()},
			AuthorID:  authorID,
			CreatedAt: time.Date(2024, 1, 1, 0, 0, f.seq, 0, time.UTC),
		}
		f.posts[p.ID] = p
		f.order = append(f.order, p.ID)
		out = append(out, p)
	}
	return out
}

func (f *fakeRemote) enter(op string) error {
	f.mu.Lock()
	f.calls[op]++
	err := f.failing[op]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil && op == "like" {
		<-gate
	}
	return err
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) fail(op string, err error) {
	f.mu.Lock()
	f.failing[op] = err
	f.mu.Unlock()
}

func (f *fakeRemote) view(p domain.Post) domain.Post {
	p = p.Clone()
	p.LikeCount = len(f.likes[p.ID])
	p.ViewerHasLiked = f.likes[p.ID][f.viewer]
	return p
}

func (f *fakeRemote) ListPosts(_ context.Context, filter domain.ListFilter, page, pageSize int) (*domain.PostPage, error) {
	if err := f.enter("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []domain.Post
	for i := len(f.order) - 1; i >= 0; i-- {
		p := f.posts[f.order[i]]
		switch filter.Kind {
		case domain.ListMine:
			if p.AuthorID != f.viewer {
				continue
			}
		case domain.ListByAuthor:
			if p.AuthorID != filter.AuthorID {
				continue
			}
		case domain.ListSearch:
			if !strings.Contains(strings.ToLower(p.Title), strings.ToLower(filter.Query)) {
				continue
			}
		}
		all = append(all, f.view(p))
	}
	if filter.Kind == domain.ListMostLiked {
		sort.SliceStable(all, func(i, j int) bool { return all[i].LikeCount > all[j].LikeCount })
	}

	start := (page - 1) * pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return &domain.PostPage{
		Items:    all[start:end],
		Total:    len(all),
		Page:     page,
		LastPage: domain.LastPageFor(len(all), pageSize),
	}, nil
}

func (f *fakeRemote) GetPost(_ context.Context, id string) (*domain.Post, error) {
	if err := f.enter("get"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.posts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	p = f.view(p)
	return &p, nil
}

func (f *fakeRemote) CreatePost(_ context.Context, in domain.CreatePostInput) (*domain.Post, error) {
	if err := f.enter("create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	p := domain.Post{
		ID:        fmt.Sprintf("p%03d", f.seq),
		Title:     in.Title,
		Body:      in.Body,
		Tags:      in.Tags,
		AuthorID:  f.viewer,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, f.seq, 0, time.UTC),
	}
	f.posts[p.ID] = p
	f.order = append(f.order, p.ID)
	return &p, nil
}

func (f *fakeRemote) UpdatePost(_ context.Context, id string, in domain.UpdatePostInput) (*domain.Post, error) {
	if err := f.enter("update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.posts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if p.AuthorID != f.viewer {
		return nil, domain.ErrForbidden
	}
	if in.Title != nil {
		p.Title = *in.Title
	}
	if in.Body != nil {
		p.Body = *in.Body
	}
	if in.Tags != nil {
		p.Tags = in.Tags
	}
	f.posts[id] = p
	p = f.view(p)
	return &p, nil
}

func (f *fakeRemote) DeletePost(_ context.Context, id string) error {
	if err := f.enter("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.posts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.AuthorID != f.viewer {
		return domain.ErrForbidden
	}
	delete(f.posts, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeRemote) ToggleLike(_ context.Context, postID string) (*domain.LikeState, error) {
	if err := f.enter("like"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.posts[postID]; !ok {
		return nil, domain.ErrNotFound
	}
	if f.likes[postID] == nil {
		f.likes[postID] = map[string]bool{}
	}
	if f.likes[postID][f.viewer] {
		delete(f.likes[postID], f.viewer)
	} else {
		f.likes[postID][f.viewer] = true
	}
	return &domain.LikeState{LikeCount: len(f.likes[postID]), ViewerHasLiked: f.likes[postID][f.viewer]}, nil
}

func (f *fakeRemote) ListComments(context.Context, string) ([]domain.Comment, error) {
	if err := f.enter("comments"); err != nil {
		return nil, err
	}
	return []domain.Comment{}, nil
}

func (f *fakeRemote) CreateComment(_ context.Context, postID, body string) (*domain.Comment, error) {
	if err := f.enter("comment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	return &domain.Comment{
		ID:       fmt.Sprintf("c%03d", f.seq),
		PostID:   postID,
		AuthorID: f.viewer,
		Body:     body,
	}, nil
}

type fakeSession struct {
	identity *domain.Identity
}

func (s *fakeSession) CurrentIdentity() *domain.Identity { return s.identity }

func (s *fakeSession) AccessToken() string {
	if s.identity == nil {
		return ""
	}
	return "token-" + s.identity.ID
}

func (s *fakeSession) OnChange(func(*domain.Identity)) {}

type fixture struct {
	svc     Service
	remote  *fakeRemote
	store   *cache.Store
	session *fakeSession
}

func newFixture(t *testing.T, signedIn bool) *fixture {
	t.Helper()

	remote := newFakeRemote("ada")
	store := cache.New(logger.Mock(), domain.CacheConfig{
		PageSize:  10,
		StaleTime: time.Hour,
		GCTime:    2 * time.Hour,
	}, EventBus.New(), nil)

	session := &fakeSession{}
	if signedIn {
		session.identity = &domain.Identity{ID: "ada", DisplayName: "Ada"}
	}

	return &fixture{
		svc:     NewService(logger.Mock(), remote, store, session, 10),
		remote:  remote,
		store:   store,
		session: session,
	}
}

func validInput() domain.CreatePostInput {
	return domain.CreatePostInput{
		Title: "Hello",
		Body:  "0123456789 and more",
		Tags:  []string{"go"},
	}
}

func postIDs(page *domain.PostPage) []string {
	out := make([]string, 0, len(page.Items))
	for _, p := range page.Items {
		out = append(out, p.ID)
	}
	return out
}

func TestService_ListRecommended(t *testing.T) {
	f := newFixture(t, false)
	f.remote.seed("bob", 25)

	page, err := f.svc.ListRecommended(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, page.Items, 10)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 3, page.LastPage)

	last, err := f.svc.ListRecommended(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, last.Items, 5)

	_, err = f.svc.ListRecommended(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, f.remote.count("list"))
}

func TestService_ListPosts_PageClamping(t *testing.T) {
	f := newFixture(t, false)
	f.remote.seed("bob", 3)

	page, err := f.svc.ListPosts(context.Background(), domain.ListFilter{Kind: domain.ListRecommended}, 0, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Len(t, page.Items, 3)
}

func TestService_EmptyCollection(t *testing.T) {
	f := newFixture(t, false)

	page, err := f.svc.ListMostLiked(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 0, page.Total)
	assert.Equal(t, 1, page.LastPage)
}

func TestService_ListMineRequiresSession(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.ListMine(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Equal(t, 0, f.remote.count("list"))
}

func TestService_ListByAuthor(t *testing.T) {
	f := newFixture(t, false)
	f.remote.seed("bob", 2)
	f.remote.seed("cy", 1)

	page, err := f.svc.ListByAuthor(context.Background(), "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	_, err = f.svc.ListByAuthor(context.Background(), " ", 1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestService_SearchBlankQuery(t *testing.T) {
	f := newFixture(t, false)
	f.remote.seed("bob", 4)

	for _, q := range []string{"", "   ", "\t\n"} {
		page, err := f.svc.Search(context.Background(), q, 1)
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		assert.Equal(t, 1, page.LastPage)
	}
	assert.Equal(t, 0, f.remote.count("list"))
}

func TestService_UnknownKind(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.ListPosts(context.Background(), domain.ListFilter{Kind: "trending"}, 1, 10)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestService_GetByID(t *testing.T) {
	f := newFixture(t, false)
	seeded := f.remote.seed("bob", 1)

	p, err := f.svc.GetByID(context.Background(), seeded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, seeded[0].Title, p.Title)

	_, err = f.svc.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_CreatePost(t *testing.T) {
	t.Run("without_session", func(t *testing.T) {
		f := newFixture(t, false)

		_, err := f.svc.CreatePost(context.Background(), validInput())
		assert.ErrorIs(t, err, domain.ErrUnauthenticated)
		assert.Equal(t, 0, f.remote.count("create"))
		assert.Equal(t, 0, f.store.Len())
	})

	t.Run("appears_once_in_mine", func(t *testing.T) {
		f := newFixture(t, true)
		f.remote.seed("ada", 2)

		before, err := f.svc.ListMine(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, before.Items, 2)

		created, err := f.svc.CreatePost(context.Background(), validInput())
		require.NoError(t, err)

		after, err := f.svc.ListMine(context.Background(), 1)
		require.NoError(t, err)

		n := 0
		for _, id := range postIDs(after) {
			if id == created.ID {
				n++
			}
		}
		assert.Equal(t, 1, n)
		assert.Equal(t, 3, after.Total)
	})

	t.Run("cached_post_readable", func(t *testing.T) {
		f := newFixture(t, true)

		created, err := f.svc.CreatePost(context.Background(), validInput())
		require.NoError(t, err)

		got, err := f.svc.GetByID(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Hello", got.Title)
		assert.Equal(t, 0, f.remote.count("get"))
	})
}

func TestService_CreatePostValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *domain.CreatePostInput)
		field  string
	}{
		{name: "empty_title", mutate: func(in *domain.CreatePostInput) { in.Title = "  " }, field: "title"},
		{name: "long_title", mutate: func(in *domain.CreatePostInput) { in.Title = strings.Repeat("a", 201) }, field: "title"},
		{name: "short_body", mutate: func(in *domain.CreatePostInput) { in.Body = "too short" }, field: "content"},
		{name: "no_tags", mutate: func(in *domain.CreatePostInput) { in.Tags = []string{" ", ""} }, field: "tags"},
		{name: "too_many_tags", mutate: func(in *domain.CreatePostInput) { in.Tags = []string{"a", "b", "c", "d", "e", "f"} }, field: "tags"},
		{name: "large_image", mutate: func(in *domain.CreatePostInput) {
			in.Image = &domain.Image{Filename: "big.png", ContentType: "image/png", Data: make([]byte, maxImageSize+1)}
		}, field: "image"},
		{name: "not_an_image", mutate: func(in *domain.CreatePostInput) {
			in.Image = &domain.Image{Filename: "a.txt", Data: []byte("plain text, not a picture")}
		}, field: "image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			in := validInput()
			tt.mutate(&in)

			_, err := f.svc.CreatePost(context.Background(), in)
			require.ErrorIs(t, err, domain.ErrValidation)

			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
			assert.Equal(t, 0, f.remote.count("create"))
		})
	}
}

func TestService_CreatePostBoundaries(t *testing.T) {
	f := newFixture(t, true)

	in := validInput()
	in.Title = strings.Repeat("t", 200)
	in.Body = strings.Repeat("b", 10)
	in.Tags = []string{"a", "b", "c", "d", "e", "a", " "}
	in.Image = &domain.Image{Filename: "x.png", ContentType: "image/png", Data: make([]byte, maxImageSize)}

	p, err := f.svc.CreatePost(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, p.Tags)
}

func TestService_UpdatePost(t *testing.T) {
	f := newFixture(t, true)
	mine := f.remote.seed("ada", 1)[0]
	theirs := f.remote.seed("bob", 1)[0]

	_, err := f.svc.ListRecommended(context.Background(), 1)
	require.NoError(t, err)

	title := "Renamed"
	updated, err := f.svc.UpdatePost(context.Background(), mine.ID, domain.UpdatePostInput{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)

	page, err := f.svc.ListRecommended(context.Background(), 1)
	require.NoError(t, err)
	for _, p := range page.Items {
		if p.ID == mine.ID {
			assert.Equal(t, "Renamed", p.Title)
		}
	}

	_, err = f.svc.UpdatePost(context.Background(), theirs.ID, domain.UpdatePostInput{Title: &title})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := f.svc.GetByID(context.Background(), theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, theirs.Title, got.Title)

	_, err = f.svc.UpdatePost(context.Background(), mine.ID, domain.UpdatePostInput{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	short := "short"
	_, err = f.svc.UpdatePost(context.Background(), mine.ID, domain.UpdatePostInput{Body: &short})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestService_DeletePost(t *testing.T) {
	f := newFixture(t, true)
	posts := f.remote.seed("ada", 3)
	victim := posts[1].ID

	_, err := f.svc.ListMine(context.Background(), 1)
	require.NoError(t, err)
	_, err = f.svc.ListRecommended(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeletePost(context.Background(), victim))

	mine, err := f.svc.ListMine(context.Background(), 1)
	require.NoError(t, err)
	assert.NotContains(t, postIDs(mine), victim)

	rec, err := f.svc.ListRecommended(context.Background(), 1)
	require.NoError(t, err)
	assert.NotContains(t, postIDs(rec), victim)

	_, err = f.svc.GetByID(context.Background(), victim)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_DeletePostForbidden(t *testing.T) {
	f := newFixture(t, true)
	theirs := f.remote.seed("bob", 1)[0]

	_, err := f.svc.ListRecommended(context.Background(), 1)
	require.NoError(t, err)

	err = f.svc.DeletePost(context.Background(), theirs.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	page, err := f.svc.ListRecommended(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, postIDs(page), theirs.ID)
}

func TestService_LikeToggle(t *testing.T) {
	f := newFixture(t, true)
	post := f.remote.seed("bob", 1)[0]

	_, err := f.svc.GetByID(context.Background(), post.ID)
	require.NoError(t, err)

	state, err := f.svc.LikeToggle(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LikeState{LikeCount: 1, ViewerHasLiked: true}, *state)

	got, err := f.svc.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LikeCount)
	assert.True(t, got.ViewerHasLiked)

	state, err = f.svc.LikeToggle(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LikeState{LikeCount: 0, ViewerHasLiked: false}, *state)
}

func TestService_LikeToggleRollback(t *testing.T) {
	f := newFixture(t, true)
	post := f.remote.seed("bob", 1)[0]

	before, err := f.svc.GetByID(context.Background(), post.ID)
	require.NoError(t, err)

	f.remote.fail("like", domain.ErrUnavailable)
	_, err = f.svc.LikeToggle(context.Background(), post.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	after, err := f.svc.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, before.LikeCount, after.LikeCount)
	assert.Equal(t, before.ViewerHasLiked, after.ViewerHasLiked)
}

func TestService_LikeToggleInProgress(t *testing.T) {
	f := newFixture(t, true)
	post := f.remote.seed("bob", 1)[0]

	_, err := f.svc.GetByID(context.Background(), post.ID)
	require.NoError(t, err)

	gate := make(chan struct{})
	f.remote.mu.Lock()
	f.remote.gate = gate
	f.remote.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.LikeToggle(context.Background(), post.ID)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.remote.count("like") == 1 }, time.Second, 5*time.Millisecond)

	got, err := f.svc.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LikeCount)
	assert.True(t, got.ViewerHasLiked)

	_, err = f.svc.LikeToggle(context.Background(), post.ID)
	assert.ErrorIs(t, err, domain.ErrToggleInProgress)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.remote.count("like"))

	f.remote.mu.Lock()
	f.remote.gate = nil
	f.remote.mu.Unlock()

	_, err = f.svc.LikeToggle(context.Background(), post.ID)
	require.NoError(t, err)
}

func TestService_LikeToggleRequiresSession(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.LikeToggle(context.Background(), "p001")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Equal(t, 0, f.remote.count("like"))
}

func TestService_AddComment(t *testing.T) {
	f := newFixture(t, true)
	post := f.remote.seed("bob", 1)[0]

	_, err := f.svc.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	comments, err := f.svc.ListComments(context.Background(), post.ID)
	require.NoError(t, err)
	require.Empty(t, comments)

	c, err := f.svc.AddComment(context.Background(), post.ID, "  nice post  ")
	require.NoError(t, err)
	assert.Equal(t, "nice post", c.Body)

	comments, err = f.svc.ListComments(context.Background(), post.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, c.ID, comments[0].ID)

	got, err := f.svc.GetByID(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CommentCount)

	assert.Equal(t, 1, f.remote.count("comments"))
}

func TestService_AddCommentValidation(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.svc.AddComment(context.Background(), "p1", "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.AddComment(context.Background(), "p1", strings.Repeat("x", 501))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.AddComment(context.Background(), "p1", strings.Repeat("x", 500))
	assert.NoError(t, err)

	assert.Equal(t, 1, f.remote.count("comment"))
}
