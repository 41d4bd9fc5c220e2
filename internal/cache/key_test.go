package cache

import (
	"testing"

	"github.com/flurbudurbur/Quill/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestListKey_Normalizes(t *testing.T) {
	k := ListKey(domain.ListFilter{Kind: domain.ListRecommended, AuthorID: "ignored", Query: "ignored"}, 0, 10)
	assert.Equal(t, Key{Kind: KindPosts, Filter: domain.ListFilter{Kind: domain.ListRecommended}, Page: 1, PageSize: 10}, k)

	a := ListKey(domain.ListFilter{Kind: domain.ListSearch, Query: "  go   lang "}, 1, 10)
	b := ListKey(domain.ListFilter{Kind: domain.ListSearch, Query: "go lang"}, 1, 10)
	assert.Equal(t, a, b)
}

func TestKey_String(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{ListKey(domain.ListFilter{Kind: domain.ListMostLiked}, 2, 10), "posts/most-liked?page=2&size=10"},
		{ListKey(domain.ListFilter{Kind: domain.ListByAuthor, AuthorID: "u/1"}, 1, 5), "posts/by-author/u%2F1?page=1&size=5"},
		{ListKey(domain.ListFilter{Kind: domain.ListSearch, Query: "go lang"}, 1, 10), "posts/search?page=1&size=10&q=go+lang"},
		{PostKey("p1"), "post/p1"},
		{CommentsKey("p1"), "comments/p1"},
		{ResetKey, "*"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())
			assert.Equal(t, "cache:"+tt.want, tt.key.Topic())
		})
	}
}

func TestPredicates(t *testing.T) {
	mine := ListKey(domain.ListFilter{Kind: domain.ListMine}, 1, 10)
	recommended := ListKey(domain.ListFilter{Kind: domain.ListRecommended}, 1, 10)
	byA := ListKey(domain.ListFilter{Kind: domain.ListByAuthor, AuthorID: "a"}, 1, 10)
	byB := ListKey(domain.ListFilter{Kind: domain.ListByAuthor, AuthorID: "b"}, 1, 10)
	search := ListKey(domain.ListFilter{Kind: domain.ListSearch, Query: "x"}, 1, 10)

	created := AffectedByCreate("a")
	assert.True(t, created(mine, nil))
	assert.True(t, created(recommended, nil))
	assert.True(t, created(byA, nil))
	assert.False(t, created(byB, nil))
	assert.True(t, created(search, nil))
	assert.False(t, created(PostKey("p1"), nil))

	contains := ContainsPost("p1")
	assert.True(t, contains(PostKey("p1"), nil))
	assert.True(t, contains(CommentsKey("p1"), nil))
	assert.False(t, contains(PostKey("p2"), []string{"p2"}))
	assert.True(t, contains(recommended, []string{"p0", "p1"}))

	authored := AuthoredBy("a")
	assert.True(t, authored(mine, nil))
	assert.True(t, authored(byA, nil))
	assert.False(t, authored(byB, nil))
	assert.False(t, authored(recommended, nil))

	any := Any(AuthoredBy("a"), ContainsPost("p9"))
	assert.True(t, any(byA, nil))
	assert.True(t, any(recommended, []string{"p9"}))
	assert.False(t, any(recommended, nil))

	assert.True(t, All()(PostKey("x"), nil))
}
