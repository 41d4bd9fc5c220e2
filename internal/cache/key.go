// Package cache holds normalized post, page and comment data fetched from
// the content service, with coalesced fetches and stale-while-revalidate.
package cache

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/flurbudurbur/Quill/internal/domain"
)

type Kind string

const (
	KindPosts    Kind = "posts"
	KindPost     Kind = "post"
	KindComments Kind = "comments"

	// kindAll marks the notification sent after Reset.
	kindAll Kind = "*"
)

// Key identifies one cached read. Filter, Page and PageSize apply to
// KindPosts, ID to KindPost and KindComments.
type Key struct {
	Kind     Kind
	Filter   domain.ListFilter
	ID       string
	Page     int
	PageSize int
}

// ResetKey is published when the whole cache was dropped.
var ResetKey = Key{Kind: kindAll}

// ListKey builds a normalized key for a post list page.
func ListKey(filter domain.ListFilter, page, pageSize int) Key {
	f := domain.ListFilter{Kind: filter.Kind}
	switch filter.Kind {
	case domain.ListByAuthor:
		f.AuthorID = filter.AuthorID
	case domain.ListSearch:
		f.Query = strings.Join(strings.Fields(filter.Query), " ")
	}
	if page < 1 {
		page = 1
	}
	return Key{Kind: KindPosts, Filter: f, Page: page, PageSize: pageSize}
}

func PostKey(id string) Key {
	return Key{Kind: KindPost, ID: id}
}

func CommentsKey(postID string) Key {
	return Key{Kind: KindComments, ID: postID}
}

// String is the key's identity for coalescing and subscription topics.
func (k Key) String() string {
	switch k.Kind {
	case KindPosts:
		var b strings.Builder
		b.WriteString("posts/")
		b.WriteString(string(k.Filter.Kind))
		if k.Filter.AuthorID != "" {
			b.WriteString("/")
			b.WriteString(url.PathEscape(k.Filter.AuthorID))
		}
		fmt.Fprintf(&b, "?page=%d&size=%d", k.Page, k.PageSize)
		if k.Filter.Kind == domain.ListSearch {
			b.WriteString("&q=")
			b.WriteString(url.QueryEscape(k.Filter.Query))
		}
		return b.String()
	case KindPost, KindComments:
		return string(k.Kind) + "/" + url.PathEscape(k.ID)
	default:
		return string(k.Kind)
	}
}

// Topic is the EventBus topic subscribers of this key listen on.
func (k Key) Topic() string {
	return "cache:" + k.String()
}
