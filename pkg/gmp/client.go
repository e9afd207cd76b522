package gmp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/gmpusage/pkg/common"
	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/value"
)

const (
	// DefaultBaseURL is the production GMP API.
	DefaultBaseURL = "https://api.greenmountainpower.com/api/v2"

	sourceHeader = "GMP-Source"
	sourceValue  = "web"
	tempUnit     = "f"

	tokenPath = "applications/token"

	// tokenLeeway is how long before expiry a token gets refreshed.
	tokenLeeway = 60 * time.Second
)

// Config holds the flag-provided settings shared by every Client.
type Config struct {
	BaseURL  string
	ClientID string
	Location *time.Location
	Timeout  time.Duration
}

// Configured registers the gmp flags and returns the Config they fill in.
func Configured() *Config {
	c := &Config{
		BaseURL:  DefaultBaseURL,
		Location: time.Local,
		Timeout:  time.Minute,
	}
	baseURL := lflag.String("gmp-api-url", DefaultBaseURL, "Base URL for the GMP API")
	clientID := lflag.String("gmp-client-id", "", "client_id sent when logging in to GMP")
	tz := lflag.String("gmp-timezone", "Local", "Timezone used to compute day and month boundaries")
	timeout := lflag.Duration("gmp-timeout", time.Minute, "Timeout for each request to the GMP API")

	lflag.Do(func() {
		c.BaseURL = *baseURL
		c.ClientID = *clientID
		c.Timeout = *timeout
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			panic(fmt.Errorf("invalid gmp-timezone (%s): %w", *tz, err))
		}
		c.Location = loc
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("gmp-api-url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("failed to parse gmp url (%s): %w", c.BaseURL, err)
	}
	return nil
}

// NewClient returns a Client for the given credentials. An empty clientID
// falls back to the configured one.
func (c *Config) NewClient(username, password, clientID string) *Client {
	if clientID == "" {
		clientID = c.ClientID
	}
	cl := New(common.HTTPClient(c.Timeout), c.BaseURL, username, password, clientID)
	if c.Location != nil {
		cl.loc = c.Location
	}
	return cl
}

// Tokens is the bearer token pair returned by a login or refresh. It is never
// modified once created; a refresh replaces it.
type Tokens struct {
	AccessToken string
	// RefreshToken is empty when the server did not return one.
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenState describes where the client is in the token lifecycle.
type TokenState int

const (
	TokenNone TokenState = iota
	TokenValid
	TokenExpiring
	// TokenInvalid means the server rejected the current access token and it
	// has not been replaced yet.
	TokenInvalid
)

func (s TokenState) String() string {
	switch s {
	case TokenNone:
		return "none"
	case TokenValid:
		return "valid"
	case TokenExpiring:
		return "expiring"
	case TokenInvalid:
		return "invalid"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Client talks to the GMP API. It is safe for concurrent use.
type Client struct {
	client   *http.Client
	baseURL  string
	username string
	password string
	clientID string
	loc      *time.Location
	now      func() time.Time

	// authMu serializes logins and refreshes so concurrent callers share one
	authMu sync.Mutex

	mu      sync.Mutex
	tokens  *Tokens
	invalid bool
}

// New returns a Client using httpClient against baseURL.
func New(httpClient *http.Client, baseURL, username, password, clientID string) *Client {
	return &Client{
		client:   httpClient,
		baseURL:  baseURL,
		username: username,
		password: password,
		clientID: clientID,
		loc:      time.Local,
		now:      time.Now,
	}
}

// Username returns the username the client logs in with.
func (c *Client) Username() string {
	return c.username
}

// ClientID returns the client_id sent on login.
func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) currentTokens() *Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *Client) setTokens(t *Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = t
	c.invalid = false
}

func (c *Client) markInvalid(used *Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == used {
		c.invalid = true
	}
}

// TokenState returns the current lifecycle state of the token pair.
func (c *Client) TokenState() TokenState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.tokens == nil:
		return TokenNone
	case c.invalid:
		return TokenInvalid
	case c.expiring(c.tokens):
		return TokenExpiring
	}
	return TokenValid
}

func (c *Client) expiring(t *Tokens) bool {
	return c.now().After(t.ExpiresAt.Add(-tokenLeeway))
}

// Login performs a full username/password login and replaces the token pair.
func (c *Client) Login(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.login(ctx)
}

// Refresh exchanges the refresh token for a new token pair, logging in again
// when there is no refresh token.
func (c *Client) Refresh(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.refresh(ctx)
}

// EnsureToken logs in when there is no token and refreshes one that expires
// within the next minute. Otherwise it does nothing.
func (c *Client) EnsureToken(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	t := c.currentTokens()
	if t == nil {
		return c.login(ctx)
	}
	if c.expiring(t) {
		log.Ctx(ctx).DebugContext(ctx, "gmp token expiring, refreshing", slog.Time("expiresAt", t.ExpiresAt))
		return c.refresh(ctx)
	}
	return nil
}

// refreshStale refreshes unless another caller already replaced used.
func (c *Client) refreshStale(ctx context.Context, used *Tokens) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if cur := c.currentTokens(); cur != nil && cur != used {
		return nil
	}
	return c.refresh(ctx)
}

func (c *Client) login(ctx context.Context) error {
	data := url.Values{}
	data.Set("username", c.username)
	data.Set("password", c.password)
	data.Set("client_id", c.clientID)

	params := url.Values{}
	params.Set("remember_me", "true")

	t, err := c.postToken(ctx, params, data, "Invalid credentials")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "gmp login failed", slog.Any("error", err))
		return err
	}
	c.setTokens(t)
	log.Ctx(ctx).DebugContext(ctx, "gmp login success", slog.String("username", c.username), slog.Time("expiresAt", t.ExpiresAt))
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	cur := c.currentTokens()
	if cur == nil || cur.RefreshToken == "" {
		return c.login(ctx)
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", cur.RefreshToken)
	data.Set("client_id", c.clientID)

	t, err := c.postToken(ctx, nil, data, "Refresh token rejected")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "gmp token refresh failed", slog.Any("error", err))
		return err
	}
	c.setTokens(t)
	log.Ctx(ctx).DebugContext(ctx, "gmp token refreshed", slog.Time("expiresAt", t.ExpiresAt))
	return nil
}

func (c *Client) postToken(ctx context.Context, params, data url.Values, rejected string) (*Tokens, error) {
	u, err := c.buildURL(params, tokenPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set(sourceHeader, sourceValue)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(status) {
		return nil, authError(status, rejected)
	}
	if status >= http.StatusBadRequest {
		return nil, statusError(status, u, body)
	}

	v, err := value.Parse(body)
	if err != nil {
		return nil, connectionError("invalid token response", err)
	}
	return c.parseTokens(v)
}

func (c *Client) parseTokens(v value.Value) (*Tokens, error) {
	access, _ := v.Get("access_token")
	accessToken, ok := access.Str()
	if !ok || accessToken == "" {
		return nil, authError(0, "Login response missing access_token")
	}

	expires, _ := v.Get("expires_in")
	expiresIn, ok := expires.Float()
	if !ok {
		return nil, authError(0, "Login response missing expires_in")
	}

	refresh, _ := v.Get("refresh_token")
	refreshToken, _ := refresh.Str()

	return &Tokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    c.now().Add(time.Duration(expiresIn * float64(time.Second))),
	}, nil
}

// buildURL joins path segments onto the base URL and encodes params.
func (c *Client) buildURL(params url.Values, segments ...string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	u.Path, err = url.JoinPath(u.Path, segments...)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String(), nil
}

// do sends req and reads the whole body. Transport failures become
// connection errors; a canceled context is returned unchanged.
func (c *Client) do(ctx context.Context, req *http.Request) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, connectionError("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, connectionError("failed to read response", err)
	}
	return resp.StatusCode, body, nil
}

// endpoint is one GET target: path segments below the base URL plus query.
type endpoint struct {
	segments []string
	params   url.Values
}

func get(params url.Values, segments ...string) endpoint {
	return endpoint{segments: segments, params: params}
}

// getJSON performs an authorized GET. A 401/403 on an authenticated request
// triggers exactly one refresh and retry.
func (c *Client) getJSON(ctx context.Context, ep endpoint, includeAuth bool) (value.Value, error) {
	if err := c.EnsureToken(ctx); err != nil {
		return value.Value{}, err
	}

	u, err := c.buildURL(ep.params, ep.segments...)
	if err != nil {
		return value.Value{}, err
	}

	var used *Tokens
	if includeAuth {
		used = c.currentTokens()
	}
	status, body, err := c.sendGet(ctx, u, used)
	if err != nil {
		return value.Value{}, err
	}

	if includeAuth && isAuthStatus(status) {
		log.Ctx(ctx).DebugContext(ctx, "gmp token rejected, refreshing", slog.String("url", u), slog.Int("status", status))
		c.markInvalid(used)
		if err := c.refreshStale(ctx, used); err != nil {
			return value.Value{}, err
		}
		used = c.currentTokens()
		status, body, err = c.sendGet(ctx, u, used)
		if err != nil {
			return value.Value{}, err
		}
		if isAuthStatus(status) {
			c.markInvalid(used)
		}
	}

	if isAuthStatus(status) {
		return value.Value{}, authError(status, "Unauthorized")
	}
	if status >= http.StatusBadRequest {
		return value.Value{}, statusError(status, u, body)
	}

	v, err := value.Parse(body)
	if err != nil {
		return value.Value{}, connectionError(fmt.Sprintf("invalid json from %s", u), err)
	}
	return v, nil
}

func (c *Client) sendGet(ctx context.Context, u string, t *Tokens) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(sourceHeader, sourceValue)
	if t != nil {
		req.Header.Set("Authorization", "Bearer "+t.AccessToken)
	}
	return c.do(ctx, req)
}

// probe tries every endpoint variant, each authenticated then
// unauthenticated, and returns the first success. When everything fails the
// error of the last attempt is returned.
func (c *Client) probe(ctx context.Context, name string, variants []endpoint) (value.Value, error) {
	var lastErr error
	for i, ep := range variants {
		for _, auth := range []bool{true, false} {
			v, err := c.getJSON(ctx, ep, auth)
			if err == nil {
				log.Ctx(ctx).DebugContext(ctx, "gmp probe succeeded", slog.String("query", name), slog.Int("variant", i), slog.Bool("auth", auth))
				return v, nil
			}
			if ctx.Err() != nil {
				return value.Value{}, ctx.Err()
			}
			log.Ctx(ctx).DebugContext(ctx, "gmp probe variant failed", slog.String("query", name), slog.Int("variant", i), slog.Bool("auth", auth), slog.Any("error", err))
			lastErr = err
		}
	}
	if lastErr == nil {
		return value.Value{}, fmt.Errorf("no variants to probe for %s", name)
	}
	return value.Value{}, lastErr
}
