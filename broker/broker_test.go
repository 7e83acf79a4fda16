package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-authgate/campus-cli/internal/fakeplatform"
	"github.com/go-authgate/campus-cli/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l, _ := test.NewNullLogger()
	return l
}

// seededBroker returns a broker whose store holds a session issued by p.
func seededBroker(t *testing.T, p *fakeplatform.Platform, opts ...Option) (*Broker, *session.MemoryStore) {
	t.Helper()
	access, refresh := p.Seed()
	store := session.NewMemoryStore(&session.Session{
		AccessToken: access,
		User:        json.RawMessage(`{"id":"u1"}`),
		Cookies:     []session.Cookie{{Name: fakeplatform.RefreshCookie, Value: refresh}},
	})
	b, err := New(p.URL(), store, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return b, store
}

func TestNew_Validation(t *testing.T) {
	_, err := New("http://auth.local", nil)
	assert.Error(t, err)

	_, err = New("not a url", session.NewMemoryStore(nil))
	assert.Error(t, err)

	b, err := New("http://auth.local/", session.NewMemoryStore(nil))
	require.NoError(t, err)
	assert.Equal(t, "http://auth.local", b.AuthURL())
	assert.Empty(t, b.LatestAccessToken())
	assert.Nil(t, b.CachedToken())
}

func TestRefresh_Deduplicates(t *testing.T) {
	p := fakeplatform.New(t)
	b, _ := seededBroker(t, p)

	const callers = 8
	var joined sync.WaitGroup
	joined.Add(callers)
	b.joined = joined.Done

	release := p.HoldRefresh()
	defer release()

	results := make([]*Result, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := range callers {
		go func(i int) {
			defer wg.Done()
			results[i] = b.Refresh(context.Background())
		}(i)
	}

	joined.Wait()
	release()
	wg.Wait()

	assert.Equal(t, 1, p.RefreshCalls())
	require.NotNil(t, results[0])
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i], "caller %d got a different result", i)
	}
}

func TestRefresh_UpdatesCacheAndStore(t *testing.T) {
	p := fakeplatform.New(t)
	b, store := seededBroker(t, p)

	res := b.Refresh(context.Background())
	require.NotNil(t, res)

	assert.Equal(t, res.AccessToken, b.LatestAccessToken())
	assert.JSONEq(t, `{"id":"u1","name":"Ada Lovelace","email":"ada@uni.edu","role":"student"}`, string(res.User))

	sess, err := store.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, res.AccessToken, sess.AccessToken)
	// The platform rotates the refresh credential on every refresh.
	require.Len(t, sess.Cookies, 1)
	assert.Equal(t, p.CurrentRefreshCredential(), sess.Cookies[0].Value)

	tok := b.CachedToken()
	require.NotNil(t, tok)
	assert.Equal(t, "Bearer", tok.Type())
}

func TestRefresh_SlotClearedAfterSettling(t *testing.T) {
	p := fakeplatform.New(t)
	b, _ := seededBroker(t, p)

	first := b.Refresh(context.Background())
	require.NotNil(t, first)
	second := b.Refresh(context.Background())
	require.NotNil(t, second)

	assert.Equal(t, 2, p.RefreshCalls())
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, second.AccessToken, b.LatestAccessToken())

	// The rotated cookie from the first refresh was sent by the second.
	seen := p.RefreshCookiesSeen()
	require.Len(t, seen, 2)
	assert.NotEqual(t, seen[0], seen[1])
}

func TestRefresh_FailureReturnsNil(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>gateway</html>"))
			},
		},
		{
			name: "missing access token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"user":{"id":"u1"}}`))
			},
		},
		{
			name: "missing user",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"accessToken":"new-token","user":null}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			store := session.NewMemoryStore(&session.Session{AccessToken: "old-token"})
			logger, hook := test.NewNullLogger()
			b, err := New(server.URL, store, WithLogger(logger))
			require.NoError(t, err)

			assert.Nil(t, b.Refresh(context.Background()))
			assert.Empty(t, b.LatestAccessToken())

			sess, _ := store.Get(context.Background())
			require.NotNil(t, sess)
			assert.Equal(t, "old-token", sess.AccessToken, "failed refresh must not touch the store")

			require.NotNil(t, hook.LastEntry())
			assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
		})
	}
}

func TestRefresh_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	b, err := New(url, session.NewMemoryStore(nil), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Nil(t, b.Refresh(context.Background()))
}

func TestRefresh_TimeoutReleasesSlot(t *testing.T) {
	p := fakeplatform.New(t)
	b, _ := seededBroker(t, p, WithRefreshTimeout(100*time.Millisecond))

	release := p.HoldRefresh()
	start := time.Now()
	assert.Nil(t, b.Refresh(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	// Let the server see the abandoned request before it is released, so the
	// refresh credential is not rotated behind the broker's back.
	require.Eventually(t, func() bool { return p.AbandonedRefreshes() == 1 }, 2*time.Second, 5*time.Millisecond)
	release()

	// The timed-out call no longer occupies the slot.
	assert.NotNil(t, b.Refresh(context.Background()))
	assert.Equal(t, 2, p.RefreshCalls())
}

func TestRefresh_SlowServerTimesOut(t *testing.T) {
	p := fakeplatform.New(t)
	b, store := seededBroker(t, p, WithRefreshTimeout(50*time.Millisecond))
	before, _ := store.Get(context.Background())

	p.SetRefreshDelay(time.Second)
	assert.Nil(t, b.Refresh(context.Background()))
	require.Eventually(t, func() bool { return p.AbandonedRefreshes() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Nothing was stored, and the old credential still refreshes.
	after, _ := store.Get(context.Background())
	assert.Equal(t, before.AccessToken, after.AccessToken)
	p.SetRefreshDelay(0)
	assert.NotNil(t, b.Refresh(context.Background()))
}

func TestRefresh_CallerCancelDoesNotCancelOthers(t *testing.T) {
	p := fakeplatform.New(t)
	b, _ := seededBroker(t, p)

	var joined sync.WaitGroup
	joined.Add(2)
	b.joined = joined.Done

	release := p.HoldRefresh()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	impatient := make(chan *Result, 1)
	patient := make(chan *Result, 1)
	go func() { impatient <- b.Refresh(ctx) }()
	go func() { patient <- b.Refresh(context.Background()) }()

	joined.Wait()
	cancel()
	assert.Nil(t, <-impatient)

	release()
	assert.NotNil(t, <-patient)
	assert.Equal(t, 1, p.RefreshCalls())
}

type countingObserver struct {
	refreshing, ok, failed, signedOut atomic.Int32
}

func (o *countingObserver) Refreshing()         { o.refreshing.Add(1) }
func (o *countingObserver) RefreshOK()          { o.ok.Add(1) }
func (o *countingObserver) RefreshFailed(error) { o.failed.Add(1) }
func (o *countingObserver) SignedOut()          { o.signedOut.Add(1) }

func TestForceSignOut_OncePerFailedRefresh(t *testing.T) {
	p := fakeplatform.New(t)
	obs := &countingObserver{}
	b, store := seededBroker(t, p, WithObserver(obs))
	p.SetRefreshStatus(http.StatusInternalServerError)

	var joined sync.WaitGroup
	joined.Add(5)
	b.joined = joined.Done
	release := p.HoldRefresh()
	defer release()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, attempt := b.RefreshAttempt(context.Background()); res == nil {
				assert.NoError(t, b.ForceSignOut(context.Background(), attempt))
			}
		}()
	}
	joined.Wait()
	release()
	wg.Wait()

	assert.Equal(t, 1, p.RefreshCalls())
	assert.Equal(t, 1, store.SignOuts())
	assert.Equal(t, int32(1), obs.signedOut.Load())
	assert.Positive(t, obs.failed.Load())
	sess, _ := store.Get(context.Background())
	assert.Nil(t, sess)

	// Without a known attempt the session is always cleared.
	require.NoError(t, b.SignIn(context.Background(), &session.Session{AccessToken: "again"}))
	require.NoError(t, b.ForceSignOut(context.Background(), Attempt{}))
	assert.Equal(t, 2, store.SignOuts())
}

func TestForceSignOut_EachFailedRefreshClears(t *testing.T) {
	p := fakeplatform.New(t)
	b, store := seededBroker(t, p)
	ctx := context.Background()
	p.SetRefreshStatus(http.StatusInternalServerError)

	res, first := b.RefreshAttempt(ctx)
	require.Nil(t, res)
	require.NoError(t, b.ForceSignOut(ctx, first))
	assert.Equal(t, 1, store.SignOuts())

	// Another process signs in through the shared store.
	access, refresh := p.Seed()
	require.NoError(t, store.SignIn(ctx, &session.Session{
		AccessToken: access,
		Cookies:     []session.Cookie{{Name: fakeplatform.RefreshCookie, Value: refresh}},
	}))

	res, second := b.RefreshAttempt(ctx)
	require.Nil(t, res)
	assert.Greater(t, second.id, first.id)
	require.NoError(t, b.ForceSignOut(ctx, second))
	require.NoError(t, b.ForceSignOut(ctx, second))

	assert.Equal(t, 2, store.SignOuts())
	sess, _ := store.Get(ctx)
	assert.Nil(t, sess)
	assert.Equal(t, 2, p.RefreshCalls())
}

func TestForceSignOut_SkipsReplacedSession(t *testing.T) {
	p := fakeplatform.New(t)
	b, store := seededBroker(t, p)
	ctx := context.Background()

	p.SetRefreshStatus(http.StatusInternalServerError)
	res, failed := b.RefreshAttempt(ctx)
	require.Nil(t, res)

	// A later refresh succeeded before the late caller got to sign out.
	p.SetRefreshStatus(0)
	require.NotNil(t, b.Refresh(ctx))

	require.NoError(t, b.ForceSignOut(ctx, failed))
	assert.Equal(t, 0, store.SignOuts())
	assert.NotEmpty(t, b.LatestAccessToken())
}

func TestSignOut_DiscardsRefreshInFlight(t *testing.T) {
	p := fakeplatform.New(t)
	obs := &countingObserver{}
	b, store := seededBroker(t, p, WithObserver(obs))
	ctx := context.Background()

	release := p.HoldRefresh()
	defer release()

	type outcome struct {
		res     *Result
		attempt Attempt
	}
	done := make(chan outcome, 1)
	go func() {
		res, attempt := b.RefreshAttempt(ctx)
		done <- outcome{res, attempt}
	}()
	require.Eventually(t, func() bool { return p.RefreshCalls() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.SignOut(ctx))
	release()

	got := <-done
	assert.Nil(t, got.res)
	assert.Empty(t, b.LatestAccessToken())
	sess, _ := store.Get(ctx)
	assert.Nil(t, sess, "refresh must not write back a signed-out session")
	assert.Equal(t, int32(1), obs.failed.Load())

	// Callers of the discarded refresh do not sign out again.
	require.NoError(t, b.ForceSignOut(ctx, got.attempt))
	assert.Equal(t, 1, store.SignOuts())
}

func TestLogin_SupersedesRefreshInFlight(t *testing.T) {
	p := fakeplatform.New(t)
	b, store := seededBroker(t, p)
	ctx := context.Background()

	release := p.HoldRefresh()
	defer release()

	done := make(chan Attempt, 1)
	go func() {
		_, attempt := b.RefreshAttempt(ctx)
		done <- attempt
	}()
	require.Eventually(t, func() bool { return p.RefreshCalls() == 1 }, 2*time.Second, 5*time.Millisecond)

	res, err := b.Login(ctx, fakeplatform.Email, fakeplatform.Password)
	require.NoError(t, err)
	release()

	attempt := <-done
	require.NoError(t, b.ForceSignOut(ctx, attempt))
	assert.Equal(t, 0, store.SignOuts())
	assert.Equal(t, res.AccessToken, b.LatestAccessToken())
	sess, _ := store.Get(ctx)
	require.NotNil(t, sess)
	assert.Equal(t, res.AccessToken, sess.AccessToken)
}

func TestSignIn_SeedsCache(t *testing.T) {
	store := session.NewMemoryStore(nil)
	b, err := New("http://auth.local", store, WithLogger(quietLogger()))
	require.NoError(t, err)

	require.Error(t, b.SignIn(context.Background(), &session.Session{}))
	require.NoError(t, b.SignIn(context.Background(), &session.Session{AccessToken: "login-token"}))

	assert.Equal(t, "login-token", b.LatestAccessToken())
	tok, err := b.SessionAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-token", tok)

	require.NoError(t, b.SignOut(context.Background()))
	assert.Empty(t, b.LatestAccessToken())
	_, err = b.Session(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLoginAndLogout(t *testing.T) {
	p := fakeplatform.New(t)
	store := session.NewMemoryStore(nil)
	b, err := New(p.URL(), store, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = b.Login(context.Background(), fakeplatform.Email, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := b.Login(context.Background(), fakeplatform.Email, fakeplatform.Password)
	require.NoError(t, err)
	assert.Equal(t, res.AccessToken, b.LatestAccessToken())
	assert.Equal(t, 2, p.LoginCalls())

	sess, err := b.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", sess.Info().Name)
	require.Len(t, sess.Cookies, 1)
	assert.Equal(t, fakeplatform.RefreshCookie, sess.Cookies[0].Name)

	// The stored cookie is enough to refresh.
	require.NotNil(t, b.Refresh(context.Background()))

	require.NoError(t, b.Logout(context.Background()))
	assert.Equal(t, 1, p.LogoutCalls())
	assert.Empty(t, b.LatestAccessToken())
	_, err = b.Session(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)

	// Revoked credential: refresh now fails.
	assert.Nil(t, b.Refresh(context.Background()))
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	b, err := New("http://auth.local", session.NewMemoryStore(nil), WithClock(clock))
	require.NoError(t, err)

	sign := func(exp time.Time) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString([]byte("k"))
		require.NoError(t, err)
		return s
	}

	valid := sign(now.Add(10 * time.Minute))
	assert.False(t, b.Expired(valid, 30*time.Second))
	assert.True(t, b.Expired(valid, 15*time.Minute))
	assert.True(t, b.Expired(sign(now.Add(-time.Minute)), 0))
	assert.False(t, b.Expired("opaque-token", time.Hour), "opaque tokens have unknown expiry")

	clock.Advance(11 * time.Minute)
	assert.True(t, b.Expired(valid, 0))
}

func TestSignIn_ReadsJWTExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	store := session.NewMemoryStore(nil)
	b, err := New("http://auth.local", store)
	require.NoError(t, err)
	require.NoError(t, b.SignIn(context.Background(), &session.Session{AccessToken: token}))

	sess, _ := store.Get(context.Background())
	assert.True(t, sess.Expiry.Equal(exp), "expiry = %v, want %v", sess.Expiry, exp)
	assert.True(t, b.CachedToken().Expiry.Equal(exp))
}

func TestDecodeAuthResponse(t *testing.T) {
	_, err := decodeAuthResponse([]byte(`{"accessToken":"","user":{}}`))
	assert.Error(t, err)

	res, err := decodeAuthResponse([]byte(`{"accessToken":"t","user":{"id":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "t", res.AccessToken)

	_, err = decodeAuthResponse([]byte(`[]`))
	assert.True(t, err != nil && !errors.Is(err, ErrNoSession))
}
