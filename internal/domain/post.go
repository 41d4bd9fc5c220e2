package domain

import (
	"context"
	"time"
)

// Post is a user-authored article with tags, an optional image and
// aggregate engagement counts.
type Post struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Body           string    `json:"content"`
	Tags           []string  `json:"tags"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	AuthorID       string    `json:"authorId"`
	Author         *Identity `json:"author,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LikeCount      int       `json:"likes"`
	CommentCount   int       `json:"comments"`
	ViewerHasLiked bool      `json:"isLiked"`
}

// Clone returns a deep copy so cached snapshots never alias caller memory.
func (p Post) Clone() Post {
	c := p
	if p.Tags != nil {
		c.Tags = append([]string(nil), p.Tags...)
	}
	if p.Author != nil {
		a := *p.Author
		c.Author = &a
	}
	return c
}

// LikeState is the aggregate like information of a post for the current viewer.
type LikeState struct {
	LikeCount      int  `json:"likes"`
	ViewerHasLiked bool `json:"isLiked"`
}

// PostPage is one page of a post collection.
type PostPage struct {
	Items    []Post `json:"data"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	LastPage int    `json:"lastPage"`
}

// LastPageFor computes the last page number for total items split in pages of pageSize.
// An empty collection still has one (empty) page.
func LastPageFor(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

// ListKind identifies a post collection.
type ListKind string

const (
	ListRecommended ListKind = "recommended"
	ListMostLiked   ListKind = "most-liked"
	ListMine        ListKind = "mine"
	ListByAuthor    ListKind = "by-author"
	ListSearch      ListKind = "search"
)

// ListFilter selects a post collection. AuthorID applies to ListByAuthor,
// Query to ListSearch.
type ListFilter struct {
	Kind     ListKind
	AuthorID string
	Query    string
}

// Image is an attachment uploaded with a post.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

type CreatePostInput struct {
	Title string
	Body  string
	Tags  []string
	Image *Image
}

// UpdatePostInput holds the fields to change. Nil means unchanged.
type UpdatePostInput struct {
	Title *string
	Body  *string
	Tags  []string
	Image *Image
}

// Empty reports whether the update changes nothing.
func (u UpdatePostInput) Empty() bool {
	return u.Title == nil && u.Body == nil && u.Tags == nil && u.Image == nil
}

// Comment is immutable once created.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	AuthorID  string    `json:"authorId"`
	Author    *Identity `json:"author,omitempty"`
	Body      string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ContentService is the remote backend for posts, comments and likes.
// Mutations are authorized by the session owner on the remote side.
type ContentService interface {
	ListPosts(ctx context.Context, filter ListFilter, page, pageSize int) (*PostPage, error)
	GetPost(ctx context.Context, id string) (*Post, error)
	CreatePost(ctx context.Context, in CreatePostInput) (*Post, error)
	UpdatePost(ctx context.Context, id string, in UpdatePostInput) (*Post, error)
	DeletePost(ctx context.Context, id string) error
	ToggleLike(ctx context.Context, postID string) (*LikeState, error)
	ListComments(ctx context.Context, postID string) ([]Comment, error)
	CreateComment(ctx context.Context, postID, body string) (*Comment, error)
}
