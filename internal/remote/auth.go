package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/pkg/errors"
)

type sessionResponse struct {
	User      domain.Identity `json:"user"`
	Token     string          `json:"token"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

func (r sessionResponse) session() *domain.Session {
	s := &domain.Session{Identity: r.User, AccessToken: r.Token}
	if r.ExpiresAt != nil {
		s.ExpiresAt = *r.ExpiresAt
	}
	return s
}

func (c *Client) credentials(ctx context.Context, path string, payload interface{}) (*domain.Session, error) {
	body, err := jsonBody(payload)
	if err != nil {
		return nil, err
	}

	var out sessionResponse
	req := request{method: http.MethodPost, path: path, body: body, contentType: "application/json", anonymous: true}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.Token == "" || out.User.ID == "" {
		return nil, errors.Wrap(domain.ErrUnavailable, "%s returned no session", path)
	}

	return out.session(), nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	s, err := c.credentials(ctx, "/auth/login", map[string]string{"email": email, "password": password})
	if errors.Is(err, domain.ErrUnauthenticated) || errors.Is(err, domain.ErrValidation) {
		return nil, errors.Wrap(domain.ErrInvalidCredentials, "%s", err.Error())
	}
	return s, err
}

func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*domain.Session, error) {
	return c.credentials(ctx, "/auth/register", map[string]string{
		"email":    email,
		"password": password,
		"name":     displayName,
	})
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/auth/logout", token: accessToken}, nil)
}

// GetSession asks the service whether accessToken still names a live session.
func (c *Client) GetSession(ctx context.Context, accessToken string) (*domain.Session, error) {
	var out sessionResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/auth/session", token: accessToken}, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		out.Token = accessToken
	}
	return out.session(), nil
}
