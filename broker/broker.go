// Package broker owns the process-wide access token: it caches the latest
// token, collapses concurrent refreshes into one call to the auth service and
// keeps the session store in step.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-authgate/campus-cli/session"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Default endpoint paths on the auth service.
const (
	DefaultRefreshPath = "/v1/auth/refresh"
	DefaultLoginPath   = "/v1/auth/login"
	DefaultLogoutPath  = "/v1/auth/logout"
)

// DefaultRefreshTimeout bounds a single refresh call to the auth service.
const DefaultRefreshTimeout = 10 * time.Second

const (
	refreshKey      = "refresh"
	maxResponseBody = 1 << 20
)

// ErrNoSession is returned when an operation needs a signed-in user and there is none.
var ErrNoSession = errors.New("not signed in")

// errSessionReplaced reports a refresh that finished after the session it
// started from was signed out or replaced.
var errSessionReplaced = errors.New("session changed during refresh")

// Attempt identifies one call to the refresh endpoint and the session it
// started from. The zero Attempt stands for no known refresh.
type Attempt struct {
	id   uint64
	from string
}

// Result is what a successful refresh or login yields.
type Result struct {
	AccessToken string
	User        json.RawMessage
}

// Observer receives refresh lifecycle notifications, typically for display.
type Observer interface {
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	SignedOut()
}

type nopObserver struct{}

func (nopObserver) Refreshing()         {}
func (nopObserver) RefreshOK()          {}
func (nopObserver) RefreshFailed(error) {}
func (nopObserver) SignedOut()          {}

// Broker is the token cache and refresh coordinator shared by every API client.
type Broker struct {
	authURL        string
	refreshPath    string
	loginPath      string
	logoutPath     string
	store          session.Store
	httpClient     *http.Client
	clock          clockwork.Clock
	log            logrus.FieldLogger
	observer       Observer
	refreshTimeout time.Duration

	flight singleflight.Group

	mu     sync.RWMutex
	latest *oauth2.Token

	// sessMu orders writes to the session store. epoch changes on every
	// sign-in and sign-out so a refresh can tell its session is gone.
	sessMu   sync.Mutex
	epoch    uint64
	attempts uint64

	// joined runs after a caller has started or joined the in-flight refresh.
	joined func()
}

// Option configures a Broker.
type Option func(*Broker)

// WithHTTPClient sets the client used for auth service calls. It should not
// retry on its own: a failed refresh is reported, not repeated.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock sets the clock used for expiry decisions.
func WithClock(c clockwork.Clock) Option {
	return func(b *Broker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithRefreshTimeout bounds each refresh call. Non-positive values keep the default.
func WithRefreshTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.refreshTimeout = d
		}
	}
}

// WithObserver registers an observer for refresh events.
func WithObserver(o Observer) Option {
	return func(b *Broker) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithPaths overrides the auth endpoint paths. Empty values keep the defaults.
func WithPaths(login, refresh, logout string) Option {
	return func(b *Broker) {
		if login != "" {
			b.loginPath = login
		}
		if refresh != "" {
			b.refreshPath = refresh
		}
		if logout != "" {
			b.logoutPath = logout
		}
	}
}

// New creates a broker for the auth service at authURL backed by store.
func New(authURL string, store session.Store, opts ...Option) (*Broker, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, fmt.Errorf("invalid auth URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid auth URL: %q", authURL)
	}

	b := &Broker{
		authURL:        strings.TrimRight(authURL, "/"),
		refreshPath:    DefaultRefreshPath,
		loginPath:      DefaultLoginPath,
		logoutPath:     DefaultLogoutPath,
		store:          store,
		httpClient:     &http.Client{},
		clock:          clockwork.NewRealClock(),
		log:            logrus.StandardLogger(),
		observer:       nopObserver{},
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithField("component", "broker")
	return b, nil
}

// AuthURL returns the auth service base URL.
func (b *Broker) AuthURL() string {
	return b.authURL
}

// LatestAccessToken returns the cached access token, or "" if none was set
// during this process lifetime.
func (b *Broker) LatestAccessToken() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return ""
	}
	return b.latest.AccessToken
}

// CachedToken returns a copy of the cached token, or nil.
func (b *Broker) CachedToken() *oauth2.Token {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return nil
	}
	t := *b.latest
	return &t
}

func (b *Broker) setLatestAccessToken(accessToken string, expiry time.Time) {
	b.mu.Lock()
	b.latest = &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer", Expiry: expiry}
	b.mu.Unlock()
}

func (b *Broker) clearLatest() {
	b.mu.Lock()
	b.latest = nil
	b.mu.Unlock()
}

// Session returns the stored session or ErrNoSession.
func (b *Broker) Session(ctx context.Context) (*session.Session, error) {
	sess, err := b.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.AccessToken == "" {
		return nil, ErrNoSession
	}
	return sess, nil
}

// SessionAccessToken reads the access token from the session store, or "" if there is none.
func (b *Broker) SessionAccessToken(ctx context.Context) (string, error) {
	sess, err := b.store.Get(ctx)
	if err != nil || sess == nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// Expired reports whether accessToken is known to expire within skew.
// Tokens whose expiry cannot be read are never reported as expired.
func (b *Broker) Expired(accessToken string, skew time.Duration) bool {
	exp, ok := tokenExpiry(accessToken)
	if !ok {
		return false
	}
	return !b.clock.Now().Add(skew).Before(exp)
}

// SignIn persists sess and makes its token the cached one.
func (b *Broker) SignIn(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.AccessToken == "" {
		return errors.New("session has no access token")
	}
	if sess.Expiry.IsZero() {
		sess.Expiry, _ = tokenExpiry(sess.AccessToken)
	}

	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	b.epoch++
	b.setLatestAccessToken(sess.AccessToken, sess.Expiry)
	if err := b.store.SignIn(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// SignOut clears the cached token and the stored session. A refresh still
// in flight will not write its result back.
func (b *Broker) SignOut(ctx context.Context) error {
	b.sessMu.Lock()
	b.epoch++
	b.clearLatest()
	err := b.store.SignOut(ctx)
	b.sessMu.Unlock()

	b.observer.SignedOut()
	return err
}

// ForceSignOut is SignOut after the refresh identified by failed did not
// succeed. Every caller that shared that refresh may call it: the store is
// cleared only while it still holds the session the refresh started from, so
// it happens once, and never after a later refresh, a sign-in or another
// process replaced the session. A zero Attempt always clears.
func (b *Broker) ForceSignOut(ctx context.Context, failed Attempt) error {
	b.sessMu.Lock()
	if failed.id != 0 {
		cur, err := b.store.Get(ctx)
		if err != nil {
			b.sessMu.Unlock()
			return fmt.Errorf("failed to read session: %w", err)
		}
		if failed.from == "" || cur == nil || cur.AccessToken != failed.from {
			b.sessMu.Unlock()
			return nil
		}
	}
	b.epoch++
	b.clearLatest()
	b.log.WithField("attempt", failed.id).Warn("Forcing sign-out after failed token refresh")
	err := b.store.SignOut(ctx)
	b.sessMu.Unlock()

	b.observer.SignedOut()
	return err
}

// Refresh exchanges the refresh cookie for a new access token. Concurrent
// callers share one network call and receive the same *Result. It returns
// nil when the refresh fails or ctx ends first; failures are logged, never
// returned.
//
// The call itself runs under the broker's refresh timeout, not ctx, so a
// caller giving up does not fail the refresh for the others.
func (b *Broker) Refresh(ctx context.Context) *Result {
	res, _ := b.RefreshAttempt(ctx)
	return res
}

type flight struct {
	res     *Result
	attempt Attempt
}

// RefreshAttempt is Refresh that also reports which refresh call the caller
// shared, for ForceSignOut. The Attempt is zero when ctx ended first.
func (b *Broker) RefreshAttempt(ctx context.Context) (*Result, Attempt) {
	ch := b.flight.DoChan(refreshKey, func() (any, error) {
		b.sessMu.Lock()
		b.attempts++
		f := &flight{attempt: Attempt{id: b.attempts}}
		epoch := b.epoch
		b.sessMu.Unlock()

		b.observer.Refreshing()
		log := b.log.WithField("attempt", f.attempt.id)
		log.Debug("Refreshing access token")

		res, err := b.refresh(epoch, &f.attempt)
		if err != nil {
			log.WithError(err).Warn("Access token refresh failed")
			b.observer.RefreshFailed(err)
			return f, err
		}
		f.res = res
		b.observer.RefreshOK()
		return f, nil
	})
	if b.joined != nil {
		b.joined()
	}

	select {
	case r := <-ch:
		f, _ := r.Val.(*flight)
		if f == nil {
			return nil, Attempt{}
		}
		if r.Err != nil {
			return nil, f.attempt
		}
		return f.res, f.attempt
	case <-ctx.Done():
		return nil, Attempt{}
	}
}

// refresh records in attempt the session it starts from. It gives up its
// result if the session epoch moved on while the call was out.
func (b *Broker) refresh(epoch uint64, attempt *Attempt) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.refreshTimeout)
	defer cancel()

	prev, err := b.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if prev != nil {
		attempt.from = prev.AccessToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.authURL+b.refreshPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for _, c := range prev.HTTPCookies(b.clock.Now()) {
		req.AddCookie(c)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}

	res, err := decodeAuthResponse(body)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh response: %w", err)
	}

	var cookies []session.Cookie
	if prev != nil {
		cookies = prev.Cookies
	}
	expiry, _ := tokenExpiry(res.AccessToken)
	next := &session.Session{
		AccessToken: res.AccessToken,
		User:        res.User,
		Cookies:     session.MergeCookies(cookies, resp.Cookies()),
		Expiry:      expiry,
	}

	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	if b.epoch != epoch {
		return nil, errSessionReplaced
	}

	// Cache first: it must never be older than the store.
	b.setLatestAccessToken(res.AccessToken, expiry)
	if err := b.store.SignIn(ctx, next); err != nil {
		b.log.WithError(err).Warn("Failed to persist refreshed session")
	}
	return res, nil
}

// decodeAuthResponse parses the {accessToken, user} body shared by login and refresh.
func decodeAuthResponse(body []byte) (*Result, error) {
	var payload struct {
		AccessToken string          `json:"accessToken"`
		User        json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, errors.New("accessToken is missing")
	}
	if len(payload.User) == 0 || string(payload.User) == "null" {
		return nil, errors.New("user is missing")
	}
	return &Result{AccessToken: payload.AccessToken, User: payload.User}, nil
}
