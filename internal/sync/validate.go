package sync

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/flurbudurbur/Quill/internal/domain"

	"github.com/dustin/go-humanize"
)

const (
	maxTitleLength   = 200
	minBodyLength    = 10
	minTags          = 1
	maxTags          = 5
	maxImageSize     = 5 << 20
	maxCommentLength = 500
)

// normalizeTags trims, drops blanks and removes duplicates, keeping order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	return out
}

func validateTitle(v *domain.ValidationError, title string) {
	switch n := utf8.RuneCountInString(title); {
	case n == 0:
		v.Add("title", "is required")
	case n > maxTitleLength:
		v.Add("title", "must be at most %d characters", maxTitleLength)
	}
}

func validateBody(v *domain.ValidationError, body string) {
	if utf8.RuneCountInString(body) < minBodyLength {
		v.Add("content", "must be at least %d characters", minBodyLength)
	}
}

func validateTags(v *domain.ValidationError, tags []string) {
	if len(tags) < minTags || len(tags) > maxTags {
		v.Add("tags", "must have between %d and %d tags", minTags, maxTags)
	}
}

func validateImage(v *domain.ValidationError, img *domain.Image) {
	if img == nil {
		return
	}
	switch {
	case len(img.Data) == 0:
		v.Add("image", "is empty")
	case len(img.Data) > maxImageSize:
		v.Add("image", "must be at most %s, got %s", humanize.IBytes(maxImageSize), humanize.IBytes(uint64(len(img.Data))))
	}

	contentType := img.ContentType
	if contentType == "" && len(img.Data) > 0 {
		contentType = http.DetectContentType(img.Data)
	}
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		v.Add("image", "must be an image, got %s", contentType)
	}
}

func validateCreate(in domain.CreatePostInput) (domain.CreatePostInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Body = strings.TrimSpace(in.Body)
	in.Tags = normalizeTags(in.Tags)

	v := &domain.ValidationError{}
	validateTitle(v, in.Title)
	validateBody(v, in.Body)
	validateTags(v, in.Tags)
	validateImage(v, in.Image)

	return in, v.Err()
}

func validateUpdate(in domain.UpdatePostInput) (domain.UpdatePostInput, error) {
	if in.Empty() {
		return in, domain.NewValidationError("", "nothing to update")
	}

	v := &domain.ValidationError{}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		in.Title = &title
		validateTitle(v, title)
	}
	if in.Body != nil {
		body := strings.TrimSpace(*in.Body)
		in.Body = &body
		validateBody(v, body)
	}
	if in.Tags != nil {
		in.Tags = normalizeTags(in.Tags)
		validateTags(v, in.Tags)
	}
	validateImage(v, in.Image)

	return in, v.Err()
}

func validateComment(body string) (string, error) {
	body = strings.TrimSpace(body)
	switch n := utf8.RuneCountInString(body); {
	case n == 0:
		return body, domain.NewValidationError("content", "is required")
	case n > maxCommentLength:
		return body, domain.NewValidationError("content", "must be at most %d characters", maxCommentLength)
	}
	return body, nil
}
