package cache

import "github.com/flurbudurbur/Quill/internal/domain"

// Predicate selects entries to invalidate. refs are the post ids the entry holds.
type Predicate func(key Key, refs []string) bool

func All() Predicate {
	return func(Key, []string) bool { return true }
}

// AffectedByCreate matches every list a new post by authorID could appear in.
func AffectedByCreate(authorID string) Predicate {
	return func(key Key, _ []string) bool {
		if key.Kind != KindPosts {
			return false
		}
		switch key.Filter.Kind {
		case domain.ListByAuthor:
			return key.Filter.AuthorID == authorID
		default:
			return true
		}
	}
}

// ContainsPost matches the post's own entries and every list holding it.
func ContainsPost(id string) Predicate {
	return func(key Key, refs []string) bool {
		if (key.Kind == KindPost || key.Kind == KindComments) && key.ID == id {
			return true
		}
		for _, ref := range refs {
			if ref == id {
				return true
			}
		}
		return false
	}
}

// AuthoredBy matches the lists whose pagination depends on authorID's posts.
func AuthoredBy(authorID string) Predicate {
	return func(key Key, _ []string) bool {
		if key.Kind != KindPosts {
			return false
		}
		return key.Filter.Kind == domain.ListMine ||
			(key.Filter.Kind == domain.ListByAuthor && key.Filter.AuthorID == authorID)
	}
}

// Any matches when at least one of preds does.
func Any(preds ...Predicate) Predicate {
	return func(key Key, refs []string) bool {
		for _, p := range preds {
			if p(key, refs) {
				return true
			}
		}
		return false
	}
}
