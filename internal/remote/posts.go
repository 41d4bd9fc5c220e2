package remote

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/pkg/errors"
)

// listPath maps a filter onto the collection endpoint.
func listPath(filter domain.ListFilter) (string, url.Values, error) {
	q := url.Values{}
	switch filter.Kind {
	case domain.ListRecommended:
		return "/posts/recommended", q, nil
	case domain.ListMostLiked:
		return "/posts/most-liked", q, nil
	case domain.ListMine:
		return "/posts/my-posts", q, nil
	case domain.ListByAuthor:
		if filter.AuthorID == "" {
			return "", nil, domain.NewValidationError("author", "author id is required")
		}
		return "/posts/by-user/" + url.PathEscape(filter.AuthorID), q, nil
	case domain.ListSearch:
		q.Set("query", filter.Query)
		return "/posts/search", q, nil
	default:
		return "", nil, domain.NewValidationError("kind", "unknown list kind %q", filter.Kind)
	}
}

func normalizePost(p *domain.Post) {
	if p.AuthorID == "" && p.Author != nil {
		p.AuthorID = p.Author.ID
	}
	if p.LikeCount < 0 {
		p.LikeCount = 0
	}
}

func (c *Client) ListPosts(ctx context.Context, filter domain.ListFilter, page, pageSize int) (*domain.PostPage, error) {
	path, q, err := listPath(filter)
	if err != nil {
		return nil, err
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(pageSize))

	var out domain.PostPage
	if err := c.do(ctx, request{method: http.MethodGet, path: path, query: q}, &out); err != nil {
		return nil, err
	}

	for i := range out.Items {
		normalizePost(&out.Items[i])
	}
	if out.Page == 0 {
		out.Page = page
	}
	if out.LastPage == 0 {
		out.LastPage = domain.LastPageFor(out.Total, pageSize)
	}

	return &out, nil
}

func (c *Client) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	var out domain.Post
	if err := c.do(ctx, request{method: http.MethodGet, path: "/posts/" + url.PathEscape(id)}, &out); err != nil {
		return nil, err
	}
	normalizePost(&out)
	return &out, nil
}

// postForm builds the multipart body shared by create and update.
// Nil fields are left out.
func postForm(title, body *string, tags []string, image *domain.Image) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	fields := map[string]*string{"title": title, "content": body}
	for _, name := range []string{"title", "content"} {
		if v := fields[name]; v != nil {
			if err := w.WriteField(name, *v); err != nil {
				return nil, "", errors.Wrap(err, "could not write %s", name)
			}
		}
	}
	if tags != nil {
		if err := w.WriteField("tags", strings.Join(tags, ",")); err != nil {
			return nil, "", errors.Wrap(err, "could not write tags")
		}
	}

	if image != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="`+escapeQuotes(image.Filename)+`"`)
		contentType := image.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(image.Data)
		}
		h.Set("Content-Type", contentType)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", errors.Wrap(err, "could not create image part")
		}
		if _, err := part.Write(image.Data); err != nil {
			return nil, "", errors.Wrap(err, "could not write image")
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "could not close form")
	}

	return buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func (c *Client) CreatePost(ctx context.Context, in domain.CreatePostInput) (*domain.Post, error) {
	body, contentType, err := postForm(&in.Title, &in.Body, in.Tags, in.Image)
	if err != nil {
		return nil, err
	}

	var out domain.Post
	req := request{method: http.MethodPost, path: "/posts", body: body, contentType: contentType}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	normalizePost(&out)
	return &out, nil
}

func (c *Client) UpdatePost(ctx context.Context, id string, in domain.UpdatePostInput) (*domain.Post, error) {
	body, contentType, err := postForm(in.Title, in.Body, in.Tags, in.Image)
	if err != nil {
		return nil, err
	}

	var out domain.Post
	req := request{method: http.MethodPatch, path: "/posts/" + url.PathEscape(id), body: body, contentType: contentType}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	normalizePost(&out)
	return &out, nil
}

func (c *Client) DeletePost(ctx context.Context, id string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/posts/" + url.PathEscape(id)}, nil)
}

// ToggleLike flips the viewer's like; the service answers with the post.
func (c *Client) ToggleLike(ctx context.Context, postID string) (*domain.LikeState, error) {
	var out domain.Post
	req := request{method: http.MethodPost, path: "/posts/" + url.PathEscape(postID) + "/like"}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	normalizePost(&out)
	return &domain.LikeState{LikeCount: out.LikeCount, ViewerHasLiked: out.ViewerHasLiked}, nil
}
