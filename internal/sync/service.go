package sync

import (
	"context"
	"strings"
	stdsync "sync"

	"github.com/flurbudurbur/Quill/internal/cache"
	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"

	"github.com/rs/zerolog"
)

const maxPageSize = 100

// Service is the single entry point for post and comment reads and writes.
// Reads go through the cache; writes touch the cache only after the content
// service confirmed them, except for optimistic like toggles.
type Service interface {
	ListRecommended(ctx context.Context, page int) (*domain.PostPage, error)
	ListMostLiked(ctx context.Context, page int) (*domain.PostPage, error)
	// ListMine fails with ErrUnauthenticated without a session.
	ListMine(ctx context.Context, page int) (*domain.PostPage, error)
	ListByAuthor(ctx context.Context, authorID string, page int) (*domain.PostPage, error)
	// Search returns an empty page for a blank query without asking the remote.
	Search(ctx context.Context, query string, page int) (*domain.PostPage, error)
	// ListPosts is the general form of the list reads above.
	ListPosts(ctx context.Context, filter domain.ListFilter, page, pageSize int) (*domain.PostPage, error)
	GetByID(ctx context.Context, id string) (*domain.Post, error)
	ListComments(ctx context.Context, postID string) ([]domain.Comment, error)

	CreatePost(ctx context.Context, in domain.CreatePostInput) (*domain.Post, error)
	UpdatePost(ctx context.Context, id string, in domain.UpdatePostInput) (*domain.Post, error)
	DeletePost(ctx context.Context, id string) error
	// LikeToggle fails with ErrToggleInProgress while another toggle of the
	// same post by the same viewer is unresolved.
	LikeToggle(ctx context.Context, postID string) (*domain.LikeState, error)
	AddComment(ctx context.Context, postID, body string) (*domain.Comment, error)
}

type service struct {
	log      zerolog.Logger
	remote   domain.ContentService
	store    *cache.Store
	session  domain.SessionProvider
	pageSize int

	mu       stdsync.Mutex
	toggling map[string]struct{}
}

func NewService(log logger.Logger, remote domain.ContentService, store *cache.Store, session domain.SessionProvider, pageSize int) Service {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &service{
		log:      log.With().Str("module", "sync").Logger(),
		remote:   remote,
		store:    store,
		session:  session,
		pageSize: pageSize,
		toggling: map[string]struct{}{},
	}
}

// viewer returns the signed-in identity or ErrUnauthenticated.
func (s *service) viewer() (*domain.Identity, error) {
	id := s.session.CurrentIdentity()
	if id == nil || s.session.AccessToken() == "" {
		return nil, domain.ErrUnauthenticated
	}
	return id, nil
}

func (s *service) ListRecommended(ctx context.Context, page int) (*domain.PostPage, error) {
	return s.ListPosts(ctx, domain.ListFilter{Kind: domain.ListRecommended}, page, s.pageSize)
}

func (s *service) ListMostLiked(ctx context.Context, page int) (*domain.PostPage, error) {
	return s.ListPosts(ctx, domain.ListFilter{Kind: domain.ListMostLiked}, page, s.pageSize)
}

func (s *service) ListMine(ctx context.Context, page int) (*domain.PostPage, error) {
	return s.ListPosts(ctx, domain.ListFilter{Kind: domain.ListMine}, page, s.pageSize)
}

func (s *service) ListByAuthor(ctx context.Context, authorID string, page int) (*domain.PostPage, error) {
	return s.ListPosts(ctx, domain.ListFilter{Kind: domain.ListByAuthor, AuthorID: authorID}, page, s.pageSize)
}

func (s *service) Search(ctx context.Context, query string, page int) (*domain.PostPage, error) {
	return s.ListPosts(ctx, domain.ListFilter{Kind: domain.ListSearch, Query: query}, page, s.pageSize)
}

func (s *service) ListPosts(ctx context.Context, filter domain.ListFilter, page, pageSize int) (*domain.PostPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.pageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	switch filter.Kind {
	case domain.ListRecommended, domain.ListMostLiked:
	case domain.ListMine:
		if _, err := s.viewer(); err != nil {
			return nil, err
		}
	case domain.ListByAuthor:
		if strings.TrimSpace(filter.AuthorID) == "" {
			return nil, domain.NewValidationError("author", "is required")
		}
	case domain.ListSearch:
		if strings.TrimSpace(filter.Query) == "" {
			return &domain.PostPage{Items: []domain.Post{}, Page: page, LastPage: 1}, nil
		}
	default:
		return nil, domain.NewValidationError("kind", "unknown list kind %q", filter.Kind)
	}

	key := cache.ListKey(filter, page, pageSize)
	return s.store.Page(ctx, key, func(ctx context.Context) (*domain.PostPage, error) {
		return s.remote.ListPosts(ctx, key.Filter, key.Page, key.PageSize)
	})
}

func (s *service) GetByID(ctx context.Context, id string) (*domain.Post, error) {
	if id == "" {
		return nil, domain.ErrNotFound
	}
	return s.store.Post(ctx, id, func(ctx context.Context) (*domain.Post, error) {
		return s.remote.GetPost(ctx, id)
	})
}

func (s *service) ListComments(ctx context.Context, postID string) ([]domain.Comment, error) {
	if postID == "" {
		return nil, domain.ErrNotFound
	}
	return s.store.Comments(ctx, postID, func(ctx context.Context) ([]domain.Comment, error) {
		return s.remote.ListComments(ctx, postID)
	})
}

func (s *service) CreatePost(ctx context.Context, in domain.CreatePostInput) (*domain.Post, error) {
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}

	in, err = validateCreate(in)
	if err != nil {
		return nil, err
	}

	post, err := s.remote.CreatePost(ctx, in)
	if err != nil {
		return nil, err
	}
	if post.AuthorID == "" {
		post.AuthorID = viewer.ID
	}

	s.store.PutPost(*post)
	s.store.Invalidate(cache.AffectedByCreate(post.AuthorID))

	s.log.Debug().Str("post_id", post.ID).Msg("post created")
	return post, nil
}

func (s *service) UpdatePost(ctx context.Context, id string, in domain.UpdatePostInput) (*domain.Post, error) {
	if _, err := s.viewer(); err != nil {
		return nil, err
	}

	in, err := validateUpdate(in)
	if err != nil {
		return nil, err
	}

	post, err := s.remote.UpdatePost(ctx, id, in)
	if err != nil {
		return nil, err
	}

	s.store.PutPost(*post)
	s.store.Invalidate(cache.ContainsPost(id))

	s.log.Debug().Str("post_id", id).Msg("post updated")
	return post, nil
}

func (s *service) DeletePost(ctx context.Context, id string) error {
	viewer, err := s.viewer()
	if err != nil {
		return err
	}

	if err := s.remote.DeletePost(ctx, id); err != nil {
		return err
	}

	s.store.RemovePost(id)
	s.store.Invalidate(cache.AuthoredBy(viewer.ID))

	s.log.Debug().Str("post_id", id).Msg("post deleted")
	return nil
}

// LikeToggle runs Idle -> Toggling -> Committed|RolledBack -> Idle for one
// (post, viewer) pair.
func (s *service) LikeToggle(ctx context.Context, postID string) (*domain.LikeState, error) {
	viewer, err := s.viewer()
	if err != nil {
		return nil, err
	}

	lock := postID + "|" + viewer.ID
	s.mu.Lock()
	if _, busy := s.toggling[lock]; busy {
		s.mu.Unlock()
		return nil, domain.ErrToggleInProgress
	}
	s.toggling[lock] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.toggling, lock)
		s.mu.Unlock()
	}()

	update := s.store.BeginLike(postID)

	state, err := s.remote.ToggleLike(ctx, postID)
	if err != nil {
		update.Rollback()
		s.log.Debug().Err(err).Str("post_id", postID).Msg("like toggle rolled back")
		return nil, err
	}

	update.Commit(*state)
	if state.LikeCount < 0 {
		state.LikeCount = 0
	}

	return state, nil
}

func (s *service) AddComment(ctx context.Context, postID, body string) (*domain.Comment, error) {
	if _, err := s.viewer(); err != nil {
		return nil, err
	}

	body, err := validateComment(body)
	if err != nil {
		return nil, err
	}

	comment, err := s.remote.CreateComment(ctx, postID, body)
	if err != nil {
		return nil, err
	}
	if comment.PostID == "" {
		comment.PostID = postID
	}

	s.store.AddComment(*comment)
	return comment, nil
}
