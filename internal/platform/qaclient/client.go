// Package qaclient is a read-only HTTP accessor for the radiotherapy QA
// server. It returns raw response bodies and leaves decoding to callers.
package qaclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Endpoint paths on the QA server.
const (
	PathLogin  = "/auth/login"
	PathRoster = "/_plan/list"
	PathDetail = "/check/details/{cid}"
	PathDVH    = "/check/attachment/{cid}/dvh.json"
)

// DefaultRosterLimit bounds the roster listing. The server pages at 1000 by
// default, which truncates busy clinics.
const DefaultRosterLimit = 100000

var (
	ErrUnauthorized = errors.New("qa server rejected credentials")
	ErrNoCredential = errors.New("no qa server credentials configured")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// Config holds connection settings.
type Config struct {
	BaseURL     string
	Username    string
	Password    string
	Token       string
	Timeout     time.Duration
	RosterLimit int
}

// Client talks to one QA server. Data access is GET-only; the only POST is
// the login that establishes the session cookie. A Client must not be used
// by concurrent callers.
type Client struct {
	http   *resty.Client
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	loggedIn bool
}

// New creates a client. Retries are disabled: a failed request fails the
// operation that issued it.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RosterLimit <= 0 {
		cfg.RosterLimit = DefaultRosterLimit
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}
	return &Client{http: httpClient, cfg: cfg, logger: logger}
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.http.BaseURL
}

// Login establishes a cookie session using username and password. It is a
// no-op when a bearer token is configured or a session already exists.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Token != "" || c.loggedIn {
		return nil
	}
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return ErrNoCredential
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": c.cfg.Username,
			"password": c.cfg.Password,
		}).
		Post(PathLogin)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return ErrUnauthorized
	case resp.IsError():
		return &StatusError{Method: http.MethodPost, Path: PathLogin, Code: resp.StatusCode()}
	}

	c.loggedIn = true
	c.logger.Info().Str("server", c.BaseURL()).Str("user", c.cfg.Username).Msg("qa server session established")
	return nil
}

// FetchRoster returns the patient roster, newest submissions first.
func (c *Client) FetchRoster(ctx context.Context) ([]byte, error) {
	return c.get(ctx, PathRoster, nil, map[string]string{
		"sort":       "date",
		"descending": "1",
		"limit":      fmt.Sprintf("%d", c.cfg.RosterLimit),
	})
}

// FetchCheckDetail returns the detail document of one plan check.
func (c *Client) FetchCheckDetail(ctx context.Context, requestCID string) ([]byte, error) {
	return c.get(ctx, PathDetail, map[string]string{"cid": requestCID}, map[string]string{"format": "json"})
}

// FetchDVH returns the DVH attachment of one plan check.
func (c *Client) FetchDVH(ctx context.Context, requestCID string) ([]byte, error) {
	return c.get(ctx, PathDVH, map[string]string{"cid": requestCID}, nil)
}

func (c *Client) get(ctx context.Context, path string, pathParams, query map[string]string) ([]byte, error) {
	if err := c.Login(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	req := c.http.R().SetContext(ctx)
	if pathParams != nil {
		req.SetPathParams(pathParams)
	}
	if query != nil {
		req.SetQueryParams(query)
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode()).
		Int("bytes", len(resp.Body())).
		Dur("latency", time.Since(start)).
		Msg("qa server request")

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.IsError():
		return nil, &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode()}
	}
	return resp.Body(), nil
}
