// Package apiclient builds HTTP clients for the platform's REST services.
// Every client attaches the current access token and, when a service answers
// 401, refreshes it through the shared broker and retries the request once.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/go-authgate/campus-cli/broker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxResponseBody = 4 << 20

// RequestIDHeader carries a fresh UUID on every attempt.
const RequestIDHeader = "X-Request-ID"

var errBodyNotReplayable = errors.New("request body cannot be replayed")

// Observer receives notifications about token recovery, typically for display.
type Observer interface {
	AccessTokenRejected(service string)
	TokenRefreshedRetrying(service string)
}

type nopObserver struct{}

func (nopObserver) AccessTokenRejected(string)    {}
func (nopObserver) TokenRefreshedRetrying(string) {}

// Client talks to one backend service.
type Client struct {
	name       string
	baseURL    string
	broker     *broker.Broker
	httpClient *http.Client
	retry      *retry.Client
	log        logrus.FieldLogger
	observer   Observer
	userAgent  string

	proactive   bool
	refreshSkew time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithName names the service in logs and errors.
func WithName(name string) Option {
	return func(c *Client) {
		c.name = name
	}
}

// WithHTTPClient sets the HTTP client wrapped by the retrying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetryClient sets the retrying client directly; it takes precedence over WithHTTPClient.
func WithRetryClient(rc *retry.Client) Option {
	return func(c *Client) {
		c.retry = rc
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver registers an observer for 401 recovery.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithUserAgent sets the User-Agent header on requests that have none.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithProactiveRefresh refreshes before sending when the token is a JWT
// expiring within skew, saving a round trip that would end in 401.
func WithProactiveRefresh(skew time.Duration) Option {
	return func(c *Client) {
		c.proactive = true
		c.refreshSkew = skew
	}
}

// New returns a client for the service at baseURL sharing tokens through b.
func New(baseURL string, b *broker.Broker, opts ...Option) (*Client, error) {
	if b == nil {
		return nil, errors.New("token broker is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("base URL must include a host")
	}

	c := &Client{
		name:       u.Host,
		baseURL:    strings.TrimRight(baseURL, "/"),
		broker:     b,
		httpClient: &http.Client{},
		log:        logrus.StandardLogger(),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.retry == nil {
		c.retry, err = retry.NewClient(retry.WithHTTPClient(c.httpClient))
		if err != nil {
			return nil, fmt.Errorf("failed to create retry client: %w", err)
		}
	}
	c.log = c.log.WithField("service", c.name)
	return c, nil
}

// Name returns the service name.
func (c *Client) Name() string {
	return c.name
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NewRequest builds a request for path relative to the service base URL.
// body is sent as JSON unless it is already a []byte or io.Reader.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	switch v := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(v)
	case json.RawMessage:
		r = bytes.NewReader(v)
	case io.Reader:
		r = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(path, "/"), r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do sends req with the current access token. On a 401 it refreshes the
// token once and re-sends; if the refresh fails the session is signed out
// and the original 401 response is returned. Requests that bring their own
// Authorization header are sent as is and never retried. Like http.Client,
// any status is returned as a response, not an error.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	req = req.Clone(ctx)

	attached := c.authorize(ctx, req)

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !attached || isRetried(ctx) {
		return resp, nil
	}

	log := c.log.WithFields(logrus.Fields{"method": req.Method, "path": req.URL.Path})
	c.observer.AccessTokenRejected(c.name)

	again, err := replayable(req)
	if err != nil {
		log.WithError(err).Debug("Not retrying rejected request")
		return resp, nil
	}

	// Another request may have refreshed while this one was in flight; its
	// token counts as this request's refresh.
	token := c.broker.LatestAccessToken()
	if token == "" || token == bearerToken(req) {
		res, attempt := c.broker.RefreshAttempt(ctx)
		if res == nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				drain(resp)
				return nil, ctxErr
			}
			if err := c.broker.ForceSignOut(ctx, attempt); err != nil {
				log.WithError(err).Warn("Failed to clear session after refresh failure")
			}
			return resp, nil
		}
		token = res.AccessToken
	}

	drain(resp)
	setBearer(again, token)
	c.observer.TokenRefreshedRetrying(c.name)
	log.Debug("Retrying with refreshed access token")
	return c.send(again)
}

// authorize attaches a bearer token unless the request already carries one,
// and reports whether it did. The cached token is used without touching the
// session store. With no session at all nothing is attached, but the
// request still counts as ours: a 401 may be recovered by a refresh cookie.
func (c *Client) authorize(ctx context.Context, req *http.Request) bool {
	if req.Header.Get("Authorization") != "" {
		return false
	}

	if tok := c.broker.CachedToken(); tok != nil && tok.AccessToken != "" {
		if fresh := c.freshen(ctx, tok.AccessToken); fresh != tok.AccessToken {
			setBearer(req, fresh)
			return true
		}
		tok.SetAuthHeader(req)
		return true
	}

	token, err := c.broker.SessionAccessToken(ctx)
	if err != nil {
		c.log.WithError(err).Warn("Failed to read session; sending request without a token")
		return true
	}
	if token != "" {
		setBearer(req, c.freshen(ctx, token))
	}
	return true
}

// freshen returns a refreshed token when proactive refresh is on and token is
// about to expire, otherwise token itself.
func (c *Client) freshen(ctx context.Context, token string) string {
	if !c.proactive || !c.broker.Expired(token, c.refreshSkew) {
		return token
	}
	c.log.Debug("Access token about to expire, refreshing before request")
	if res := c.broker.Refresh(ctx); res != nil {
		return res.AccessToken
	}
	return token
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	log := c.log.WithFields(logrus.Fields{
		"method":     req.Method,
		"path":       req.URL.Path,
		"request_id": reqID,
	})

	resp, err := c.retry.DoWithContext(req.Context(), req)
	if err != nil {
		log.WithError(err).Debug("Request failed")
		return nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	log.WithField("status", resp.StatusCode).Debug("Request completed")
	return resp, nil
}

// DoJSON sends in as JSON and decodes a 2xx response into out. Non-2xx
// responses become *APIError.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(c.name, method, req.URL.Path, resp.StatusCode, body)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], body...)
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", c.name, err)
	}
	return nil
}

// GetJSON is DoJSON with GET.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON is DoJSON with POST.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.DoJSON(ctx, http.MethodPost, path, in, out)
}

// PutJSON is DoJSON with PUT.
func (c *Client) PutJSON(ctx context.Context, path string, in, out any) error {
	return c.DoJSON(ctx, http.MethodPut, path, in, out)
}

// PatchJSON is DoJSON with PATCH.
func (c *Client) PatchJSON(ctx context.Context, path string, in, out any) error {
	return c.DoJSON(ctx, http.MethodPatch, path, in, out)
}

// DeleteJSON is DoJSON with DELETE.
func (c *Client) DeleteJSON(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, http.MethodDelete, path, nil, out)
}

type retriedKey struct{}

func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// replayable clones req for its single retry, rewinding the body.
func replayable(req *http.Request) (*http.Request, error) {
	again := req.Clone(markRetried(req.Context()))
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errBodyNotReplayable
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBodyNotReplayable, err)
		}
		again.Body = body
	}
	return again, nil
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

func setBearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()
}
