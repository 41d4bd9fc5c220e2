package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/flurbudurbur/Quill/internal/domain"
)

func (c *Client) ListComments(ctx context.Context, postID string) ([]domain.Comment, error) {
	var out []domain.Comment
	if err := c.do(ctx, request{method: http.MethodGet, path: "/comments/" + url.PathEscape(postID)}, &out); err != nil {
		return nil, err
	}
	for i := range out {
		fillComment(&out[i], postID)
	}
	return out, nil
}

func (c *Client) CreateComment(ctx context.Context, postID, body string) (*domain.Comment, error) {
	payload, err := jsonBody(map[string]string{"content": body})
	if err != nil {
		return nil, err
	}

	var out domain.Comment
	req := request{
		method:      http.MethodPost,
		path:        "/comments/" + url.PathEscape(postID),
		body:        payload,
		contentType: "application/json",
	}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	fillComment(&out, postID)
	return &out, nil
}

func fillComment(cm *domain.Comment, postID string) {
	if cm.PostID == "" {
		cm.PostID = postID
	}
	if cm.AuthorID == "" && cm.Author != nil {
		cm.AuthorID = cm.Author.ID
	}
}
