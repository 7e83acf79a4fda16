// Package fakeplatform runs an in-process stand-in for the platform's auth
// service and REST services, for tests.
package fakeplatform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Credentials accepted by the login endpoint.
const (
	Email    = "ada@uni.edu"
	Password = "correct-horse"
)

// RefreshCookie is the name of the cookie carrying the refresh credential.
const RefreshCookie = "refresh_token"

var signingKey = []byte("fakeplatform-signing-key")

// Platform is a fake auth service plus generic protected services at
// /v1/{service} and below. Access tokens are valid until ExpireTokens is called.
type Platform struct {
	server *httptest.Server

	mu             sync.Mutex
	seq            int
	valid          map[string]bool
	refreshCred    string
	refreshStatus  int
	refreshDelay   time.Duration
	hold           chan struct{}
	rejectAll      bool
	jwtTTL         time.Duration
	refreshCalls   int
	abandoned      int
	loginCalls     int
	logoutCalls    int
	serviceCalls   map[string]int
	requestIDs     map[string][]string
	refreshCookies []string
}

// New starts a platform that is shut down when the test ends.
func New(t testing.TB) *Platform {
	t.Helper()

	p := &Platform{
		valid:        make(map[string]bool),
		serviceCalls: make(map[string]int),
		requestIDs:   make(map[string][]string),
	}

	r := chi.NewRouter()
	r.Post("/v1/auth/login", p.handleLogin)
	r.Post("/v1/auth/refresh", p.handleRefresh)
	r.Post("/v1/auth/logout", p.handleLogout)
	r.HandleFunc("/v1/{service}", p.handleService)
	r.HandleFunc("/v1/{service}/*", p.handleService)

	p.server = httptest.NewServer(r)
	t.Cleanup(p.server.Close)
	return p
}

// URL is the base URL of every fake service.
func (p *Platform) URL() string {
	return p.server.URL
}

// Client returns an HTTP client for the platform's server.
func (p *Platform) Client() *http.Client {
	return p.server.Client()
}

// UseJWT makes newly issued access tokens HS256 JWTs expiring after ttl.
func (p *Platform) UseJWT(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jwtTTL = ttl
}

// Seed issues an access token and a refresh credential as if the user had
// logged in, and returns both.
func (p *Platform) Seed() (accessToken, refreshCred string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	accessToken = p.issueLocked()
	p.refreshCred = fmt.Sprintf("rt-%d", p.seq)
	return accessToken, p.refreshCred
}

// ExpireTokens invalidates every access token issued so far.
func (p *Platform) ExpireTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valid = make(map[string]bool)
}

// SetRefreshStatus makes the refresh endpoint answer with status. Zero restores normal behaviour.
func (p *Platform) SetRefreshStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshStatus = status
}

// SetRefreshDelay delays every refresh response by d.
func (p *Platform) SetRefreshDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshDelay = d
}

// SetRejectAll makes the services answer 401 to every request, even with fresh tokens.
func (p *Platform) SetRejectAll(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectAll = reject
}

// HoldRefresh blocks refresh requests until the returned release func is called.
func (p *Platform) HoldRefresh() (release func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.hold = ch
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.hold = nil
			p.mu.Unlock()
			close(ch)
		})
	}
}

// RefreshCalls counts requests to the refresh endpoint.
func (p *Platform) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

// AbandonedRefreshes counts refresh requests the client gave up on before
// they were answered. Those never rotate the refresh credential.
func (p *Platform) AbandonedRefreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abandoned
}

// LoginCalls counts requests to the login endpoint.
func (p *Platform) LoginCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginCalls
}

// LogoutCalls counts requests to the logout endpoint.
func (p *Platform) LogoutCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logoutCalls
}

// ServiceCalls counts requests that reached service, authorized or not.
func (p *Platform) ServiceCalls(service string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serviceCalls[service]
}

// RequestIDs lists the X-Request-ID values service received, in order.
func (p *Platform) RequestIDs(service string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requestIDs[service]...)
}

// RefreshCookiesSeen lists the refresh cookie values sent to the refresh endpoint.
func (p *Platform) RefreshCookiesSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.refreshCookies...)
}

// CurrentRefreshCredential is the refresh cookie value the platform accepts now.
func (p *Platform) CurrentRefreshCredential() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCred
}

func (p *Platform) issueLocked() string {
	p.seq++
	token := fmt.Sprintf("access-token-%d", p.seq)
	if p.jwtTTL > 0 {
		now := time.Now()
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.jwtTTL)),
			ID:        fmt.Sprintf("jti-%d", p.seq),
		}).SignedString(signingKey)
		if err == nil {
			token = signed
		}
	}
	p.valid[token] = true
	return token
}

func (p *Platform) user() map[string]any {
	return map[string]any{"id": "u1", "name": "Ada Lovelace", "email": Email, "role": "student"}
}

func (p *Platform) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	p.mu.Lock()
	p.loginCalls++
	p.mu.Unlock()

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}
	if req.Email != Email || req.Password != Password {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "wrong email or password")
		return
	}

	p.mu.Lock()
	token := p.issueLocked()
	p.refreshCred = fmt.Sprintf("rt-%d", p.seq)
	cred := p.refreshCred
	p.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: cred, Path: "/v1/auth", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": token, "user": p.user()})
}

func (p *Platform) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.refreshCalls++
	hold := p.hold
	delay := p.refreshDelay
	status := p.refreshStatus
	if c, err := r.Cookie(RefreshCookie); err == nil {
		p.refreshCookies = append(p.refreshCookies, c.Value)
	}
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
		}
	}
	if r.Context().Err() != nil {
		p.mu.Lock()
		p.abandoned++
		p.mu.Unlock()
		return
	}
	if status != 0 {
		writeError(w, status, "refresh_failed", "refresh rejected")
		return
	}

	c, err := r.Cookie(RefreshCookie)

	p.mu.Lock()
	if err != nil || p.refreshCred == "" || c.Value != p.refreshCred {
		p.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid_refresh", "refresh credential rejected")
		return
	}
	token := p.issueLocked()
	p.refreshCred = fmt.Sprintf("rt-%d", p.seq)
	cred := p.refreshCred
	p.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: cred, Path: "/v1/auth", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": token, "user": p.user()})
}

func (p *Platform) handleLogout(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.logoutCalls++
	p.refreshCred = ""
	p.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: "", Path: "/v1/auth", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (p *Platform) handleService(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	p.mu.Lock()
	p.serviceCalls[service]++
	p.requestIDs[service] = append(p.requestIDs[service], r.Header.Get("X-Request-ID"))
	ok := !p.rejectAll && token != "" && p.valid[token]
	p.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "access token expired")
		return
	}
	if strings.HasSuffix(r.URL.Path, "/missing") {
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
		return
	}

	resp := map[string]any{
		"service":    service,
		"method":     r.Method,
		"path":       r.URL.Path,
		"token":      token,
		"request_id": r.Header.Get("X-Request-ID"),
	}
	if r.Body != nil && r.ContentLength != 0 {
		var body any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			resp["body"] = body
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
