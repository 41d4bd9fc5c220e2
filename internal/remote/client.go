// Package remote talks to the content service REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	AccessToken() string
}

type Client struct {
	log     zerolog.Logger
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	bus     EventBus.Bus
	metrics *Metrics

	m      sync.RWMutex
	tokens TokenSource
}

func NewClient(log logger.Logger, cfg domain.RemoteConfig, bus EventBus.Bus, metrics *Metrics) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Client{
		log:     log.With().Str("module", "remote").Logger(),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		bus:     bus,
		metrics: metrics,
	}
}

// UseTokenSource sets where bearer tokens come from. The session store
// depends on the client, so this is wired after both exist.
func (c *Client) UseTokenSource(ts TokenSource) {
	c.m.Lock()
	c.tokens = ts
	c.m.Unlock()
}

func (c *Client) accessToken() string {
	c.m.RLock()
	defer c.m.RUnlock()

	if c.tokens == nil {
		return ""
	}
	return c.tokens.AccessToken()
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string

	// token overrides the token source; anonymous sends none. Only a
	// 401 on a token from the source is reported as a lost session.
	token     string
	anonymous bool
}

func jsonBody(v interface{}) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode request")
	}
	return bytes.NewReader(b), nil
}

// do sends req and decodes a 2xx JSON answer into out, when out is non-nil.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, req.body)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}

	requestID := uuid.NewString()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	token := req.token
	fromSource := token == "" && !req.anonymous
	if fromSource {
		token = c.accessToken()
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	log := c.log.With().Str("method", req.method).Str("path", req.path).Str("request_id", requestID).Logger()

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.observe(req.method, 0, time.Since(start))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("remote request failed")
		return errors.Wrap(domain.ErrUnavailable, "%s", err.Error())
	}
	defer resp.Body.Close()

	c.metrics.observe(req.method, resp.StatusCode, time.Since(start))
	log.Trace().Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("remote request")

	if resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp)
		mapped := apiErr.mapStatus(resp.StatusCode)

		if resp.StatusCode == http.StatusUnauthorized && fromSource && token != "" && c.bus != nil {
			log.Info().Msg("remote rejected access token")
			c.bus.Publish(domain.EventRemoteUnauthorized)
		}
		if resp.StatusCode >= 500 {
			log.Warn().Int("status", resp.StatusCode).Str("message", apiErr.Message).Msg("remote error")
		}

		return mapped
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Error().Err(err).Msg("could not decode remote response")
		return errors.Wrap(domain.ErrUnavailable, "malformed response: %v", err)
	}

	return nil
}
