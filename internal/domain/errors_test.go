package domain

import (
	"testing"
	"time"

	"github.com/flurbudurbur/Quill/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	v := &ValidationError{}
	assert.NoError(t, v.Err())

	v.Add("title", "must not be empty")
	v.Add("tags", "expected 1 to %d tags", 5)

	err := v.Err()
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, "validation failed: title: must not be empty; tags: expected 1 to 5 tags", err.Error())

	wrapped := errors.Wrap(err, "create post")
	var target *ValidationError
	assert.True(t, errors.As(wrapped, &target))
	assert.Len(t, target.Fields, 2)
}

func TestLastPageFor(t *testing.T) {
	assert.Equal(t, 1, LastPageFor(0, 10))
	assert.Equal(t, 1, LastPageFor(10, 10))
	assert.Equal(t, 2, LastPageFor(11, 10))
	assert.Equal(t, 1, LastPageFor(5, 0))
}

func TestSessionValid(t *testing.T) {
	var nilSession *Session
	assert.False(t, nilSession.Valid(now()))

	s := &Session{Identity: Identity{ID: "u1"}, AccessToken: "tok"}
	assert.True(t, s.Valid(now()))

	s.ExpiresAt = now().Add(-1)
	assert.False(t, s.Valid(now()))
}

func TestPostClone(t *testing.T) {
	p := Post{ID: "p1", Tags: []string{"go"}, Author: &Identity{ID: "a"}}
	c := p.Clone()
	c.Tags[0] = "rust"
	c.Author.ID = "b"
	assert.Equal(t, "go", p.Tags[0])
	assert.Equal(t, "a", p.Author.ID)
}

func now() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}
