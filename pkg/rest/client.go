// Package rest reads tables through the backend's PostgREST endpoint.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
)

const basePath = "/rest/v1/"

// Row is one record as returned by the backend. Record schemas are owned by
// the views, not by this client.
type Row = map[string]any

type Config struct {
	// URL is the project URL, e.g. https://xyz.supabase.co
	URL string
	// AnonKey is the public API key sent with every request.
	AnonKey    string
	HTTPClient *http.Client
	Logger     logger.Logger
}

type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     logger.Logger

	mu    sync.RWMutex
	token string
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, constants.ErrMissingConfig
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rest: parse url: %w", err)
	}
	if u.Scheme != constants.HTTPScheme && u.Scheme != constants.HTTPSecureScheme {
		return nil, fmt.Errorf("rest: unsupported url scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		anonKey:    cfg.AnonKey,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: constants.DefaultHTTPTimeout,
		}
	}
	if c.logger == nil {
		c.logger = logger.Nop()
	}
	return c, nil
}

// SetAccessToken makes subsequent requests run as the signed-in user.
// An empty token reverts to the anonymous key.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		return c.token
	}
	return c.anonKey
}

// Select reads the rows of table matching q and decodes them into out,
// which must be a pointer to a slice.
func (c *Client) Select(ctx context.Context, table string, q Query, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, table, q)
	if err != nil {
		return err
	}

	body, err := c.MakeRequest(req)
	if err != nil {
		return fmt.Errorf("rest: select %s: %w", table, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("rest: decode %s: %w", table, err)
	}
	return nil
}

// Rows reads the rows of table matching q.
func (c *Client) Rows(ctx context.Context, table string, q Query) ([]Row, error) {
	var rows []Row
	if err := c.Select(ctx, table, q, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

// MaybeSingle reads at most one row of table matching q. It returns nil and
// no error when nothing matches.
func (c *Client) MaybeSingle(ctx context.Context, table string, q Query) (Row, error) {
	rows, err := c.Rows(ctx, table, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// PointRead reads the ids of at most limit rows of resource and discards
// them. It keeps the project's connections warm.
func (c *Client) PointRead(ctx context.Context, resource string, limit int) error {
	var rows []json.RawMessage
	return c.Select(ctx, resource, From("id").Limit(limit), &rows)
}

// Ping checks the REST endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+basePath, http.NoBody)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest: ping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return &Error{Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, table string, q Query) (*http.Request, error) {
	u := c.baseURL + basePath + url.PathEscape(table) + "?" + q.Values().Encode()
	req, err := http.NewRequestWithContext(ctx, method, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
}

// MakeRequest sends req and returns the body of a 2xx response. Any other
// status is returned as an *Error.
func (c *Client) MakeRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBytes, nil
	}

	return nil, decodeError(resp.StatusCode, respBytes)
}

// Error is a non-2xx response.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	if e.Code == "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("status %d: %s (%s)", e.Status, e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return constants.ErrUnexpectedStatus
}

func decodeError(status int, body []byte) error {
	e := &Error{Status: status}
	if len(body) == 0 {
		return e
	}
	if err := json.Unmarshal(body, e); err != nil {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// As returns a client that sends token instead of this client's current
// token. The two clients share the HTTP client.
func (c *Client) As(token string) *Client {
	return &Client{
		baseURL:    c.baseURL,
		anonKey:    c.anonKey,
		httpClient: c.httpClient,
		logger:     c.logger,
		token:      token,
	}
}
