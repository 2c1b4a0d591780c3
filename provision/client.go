// Package provision asks the room service for a transport endpoint and
// credential for one character session.
package provision

import (
	"context"
	"fmt"
	"net/url"
	"time"

	voicechat "github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const connectPath = "/connect"

type request struct {
	Character voicechat.CharacterID `json:"character"`
}

type Client struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	apiKey  string
	timeout time.Duration
	http    *fasthttp.Client
}

var _ voicechat.Provisioner = (*Client)(nil)

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the fasthttp client, e.g. to dial an in-memory
// listener.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func NewClient(logger shared.LoggerAdapter, baseURL string, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if baseURL == "" {
		return nil, shared.ErrNoConfig
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", shared.ErrUnsupportedURL, u.Scheme)
	}
	c := &Client{
		logger:  logger,
		baseURL: u,
		timeout: 10 * time.Second,
		http:    &fasthttp.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Provision returns the room credentials for character. Every failure wraps
// shared.ErrProvisioning.
func (c *Client) Provision(ctx context.Context, character voicechat.CharacterID) (voicechat.Credentials, error) {
	var creds voicechat.Credentials
	body, err := sonic.Marshal(request{Character: character})
	if err != nil {
		return creds, fmt.Errorf("%w: marshaling request: %w", shared.ErrProvisioning, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL.JoinPath(connectPath).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return creds, fmt.Errorf("%w: %w", shared.ErrProvisioning, err)
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return creds, fmt.Errorf("%w: performing HTTP request: %w", shared.ErrProvisioning, err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return creds, fmt.Errorf("%w: unexpected status code: %d, body: %s", shared.ErrProvisioning, code, resp.Body())
	}
	if err := sonic.Unmarshal(resp.Body(), &creds); err != nil {
		return creds, fmt.Errorf("%w: decoding response: %w", shared.ErrProvisioning, err)
	}
	if creds.RoomURL == "" {
		return creds, fmt.Errorf("%w: response has no room_url", shared.ErrProvisioning)
	}
	c.logger.Info(
		"room provisioned",
		zap.String("character", string(character)),
		zap.String("room_url", creds.RoomURL),
	)
	return creds, nil
}
