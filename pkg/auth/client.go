// Package auth signs administrators in against the backend's auth endpoint,
// keeps their session refreshed and reports every transition on a channel.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/juju/clock"

	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
	"github.com/shubhamb0439-gif/crm-admin/pkg/rest"
)

const (
	basePath = "/auth/v1"

	// DefaultRefreshMargin is how long before expiry a session is refreshed.
	DefaultRefreshMargin = 60 * time.Second

	// refreshRetry is the delay before retrying a refresh that failed
	// for a transient reason.
	refreshRetry = 10 * time.Second

	transitionBuffer = 16
)

// AdminCheck reports whether the holder of session may use the console.
type AdminCheck func(ctx context.Context, session *Session) (bool, error)

// AdminTable checks that table has a row with the session's email, reading
// as the signed-in user.
func AdminTable(rc *rest.Client, table string) AdminCheck {
	return func(ctx context.Context, session *Session) (bool, error) {
		row, err := rc.As(session.AccessToken).MaybeSingle(ctx, table, rest.From("id").Eq("email", session.User.Email))
		if err != nil {
			return false, err
		}
		return row != nil, nil
	}
}

type Config struct {
	URL        string
	AnonKey    string
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     logger.Logger

	// IsAdmin, when set, is consulted after every password sign-in.
	IsAdmin AdminCheck

	// RefreshMargin defaults to DefaultRefreshMargin.
	RefreshMargin time.Duration
}

type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	clock      clock.Clock
	logger     logger.Logger
	isAdmin    AdminCheck
	margin     time.Duration

	mu      sync.Mutex
	session *Session
	timer   clock.Timer
	closed  bool

	transitions chan Transition
	done        chan struct{}
	closeOnce   sync.Once
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, constants.ErrMissingConfig
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("auth: parse url: %w", err)
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/") + basePath,
		anonKey:     cfg.AnonKey,
		httpClient:  cfg.HTTPClient,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		isAdmin:     cfg.IsAdmin,
		margin:      cfg.RefreshMargin,
		transitions: make(chan Transition, transitionBuffer),
		done:        make(chan struct{}),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.logger == nil {
		c.logger = logger.Nop()
	}
	if c.margin <= 0 {
		c.margin = DefaultRefreshMargin
	}
	return c, nil
}

// Transitions delivers every auth transition in order. It must be drained:
// sign-in, sign-out and refresh block once its buffer is full.
func (c *Client) Transitions() <-chan Transition {
	return c.transitions
}

// Session returns a copy of the current session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// SignIn exchanges email and password for a session. Users that fail the
// admin check are signed out again and ErrNotAdmin is returned.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}

	session, err := c.grant(ctx, "password", body)
	if err != nil {
		return nil, err
	}

	if c.isAdmin != nil {
		ok, err := c.isAdmin(ctx, session)
		if err == nil && !ok {
			err = constants.ErrNotAdmin
		}
		if err != nil {
			if logoutErr := c.logout(ctx, session.AccessToken); logoutErr != nil {
				c.logger.Warn("auth.Client logout after failed admin check failed", "error", logoutErr)
			}
			return nil, fmt.Errorf("auth: sign in %s: %w", email, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, constants.ErrClientClosed
	}
	c.session = session
	c.scheduleRefreshLocked(c.refreshDelay(session))
	c.mu.Unlock()

	c.logger.Info("auth.Client signed in", "email", session.User.Email, "expires_at", session.ExpiresAt)
	c.emit(Transition{Event: SignedIn, Session: session})

	s := *session
	return &s, nil
}

// SignOut ends the session. The local session is dropped and SignedOut is
// reported even when the backend cannot be reached.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.stopTimerLocked()
	c.mu.Unlock()

	if session == nil {
		return constants.ErrNoSession
	}

	err := c.logout(ctx, session.AccessToken)
	if err != nil {
		c.logger.Warn("auth.Client logout request failed", "error", err)
	}

	c.logger.Info("auth.Client signed out", "email", session.User.Email)
	c.emit(Transition{Event: SignedOut})
	return err
}

// Refresh exchanges the refresh token for a new session.
func (c *Client) Refresh(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	current := c.session
	c.mu.Unlock()

	if current == nil {
		return nil, constants.ErrNoSession
	}

	session, err := c.grant(ctx, "refresh_token", map[string]string{"refresh_token": current.RefreshToken})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.session != current {
		// signed out or replaced while refreshing
		c.mu.Unlock()
		return nil, constants.ErrNoSession
	}
	c.session = session
	c.scheduleRefreshLocked(c.refreshDelay(session))
	c.mu.Unlock()

	c.logger.Debug("auth.Client token refreshed", "expires_at", session.ExpiresAt)
	c.emit(Transition{Event: TokenRefreshed, Session: session})

	s := *session
	return &s, nil
}

// Close stops the refresh timer. The session is kept on the backend.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.stopTimerLocked()
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) refreshDelay(s *Session) time.Duration {
	if s.ExpiresAt.IsZero() {
		return -1
	}
	d := s.ExpiresAt.Sub(c.clock.Now()) - c.margin
	if d < 0 {
		d = 0
	}
	return d
}

func (c *Client) scheduleRefreshLocked(d time.Duration) {
	c.stopTimerLocked()
	if d < 0 || c.closed {
		return
	}
	c.timer = c.clock.AfterFunc(d, func() {
		go c.autoRefresh()
	})
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) autoRefresh() {
	select {
	case <-c.done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultHTTPTimeout)
	defer cancel()

	_, err := c.Refresh(ctx)
	switch {
	case err == nil, errors.Is(err, constants.ErrNoSession):
	case errors.Is(err, constants.ErrInvalidCredentials):
		c.logger.Warn("auth.Client refresh token rejected, signing out", "error", err)
		c.mu.Lock()
		had := c.session != nil
		c.session = nil
		c.stopTimerLocked()
		c.mu.Unlock()
		if had {
			c.emit(Transition{Event: SignedOut})
		}
	default:
		c.logger.Warn("auth.Client refresh failed, retrying", "error", err, "retry_in", refreshRetry)
		c.mu.Lock()
		if c.session != nil {
			c.scheduleRefreshLocked(refreshRetry)
		}
		c.mu.Unlock()
	}
}

func (c *Client) emit(t Transition) {
	select {
	case c.transitions <- t:
	case <-c.done:
	}
}

func (c *Client) grant(ctx context.Context, grantType string, body any) (*Session, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + "/token?grant_type=" + url.QueryEscape(grantType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, c.anonKey)

	respBytes, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: %s grant: %w", grantType, err)
	}

	var res tokenResponse
	if err := json.Unmarshal(respBytes, &res); err != nil {
		return nil, fmt.Errorf("auth: decode %s grant: %w", grantType, err)
	}
	if res.AccessToken == "" {
		return nil, fmt.Errorf("auth: %s grant returned no access token", grantType)
	}
	return res.session(c.clock.Now()), nil
}

func (c *Client) logout(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/logout", http.NoBody)
	if err != nil {
		return err
	}
	c.setHeaders(req, accessToken)

	_, err = c.do(req)
	return err
}

func (c *Client) setHeaders(req *http.Request, bearer string) {
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
}

// errorResponse covers both error shapes the auth endpoint has used.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	ErrorCode   string `json:"error_code"`
	Msg         string `json:"msg"`
}

func (e errorResponse) message() string {
	for _, s := range []string{e.Msg, e.Description, e.Error, e.ErrorCode} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (c *Client) do(req *http.Request) ([]byte, error) {
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

	var e errorResponse
	_ = json.Unmarshal(respBytes, &e)
	msg := e.message()
	if msg == "" {
		msg = strings.TrimSpace(string(respBytes))
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", constants.ErrInvalidCredentials, msg)
	}
	return nil, fmt.Errorf("%w %d: %s", constants.ErrUnexpectedStatus, resp.StatusCode, msg)
}
