package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/retryx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	token   string
	saves   int
	deletes int
}

func (f *fakeStore) LoadRefreshToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeStore) SaveRefreshToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	f.saves++
	return nil
}

func (f *fakeStore) DeleteRefreshToken(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.deletes++
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// tokenServer answers the token endpoint with handler and counts calls.
func tokenServer(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		handler(w, r.PostForm)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestVault(srvURL string, store CredentialStore, clk *fakeClock) *Vault {
	return New(Config{
		ClientID:     "client-1",
		RedirectURI:  "http://127.0.0.1:8888/callback",
		Scopes:       []string{"streaming", "user-read-email"},
		AuthorizeURL: "https://accounts.example/authorize",
		TokenURL:     srvURL + "/api/token",
	}, store,
		WithRetryPolicy(retryx.Fixed(3, time.Millisecond)),
		WithNow(clk.Now),
	)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestBeginAuthorization_BuildsPKCEURL(t *testing.T) {
	v := newTestVault("http://unused", &fakeStore{}, newClock())

	raw, err := v.BeginAuthorization("/host")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "accounts.example", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "http://127.0.0.1:8888/callback", q.Get("redirect_uri"))
	assert.Equal(t, "streaming user-read-email", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	state := q.Get("state")
	require.NotEmpty(t, state)
	p, ok := v.pending.take(state)
	require.True(t, ok)
	assert.Equal(t, "/host", p.returnPath)
	assert.Len(t, p.verifier, verifierLength)
	assert.Equal(t, challengeOf(p.verifier), q.Get("code_challenge"))
}

func TestCompleteAuthorization_ExchangesCodeOnce(t *testing.T) {
	srv, calls := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		assert.Equal(t, "authorization_code", form.Get("grant_type"))
		assert.Equal(t, "the-code", form.Get("code"))
		assert.Equal(t, "client-1", form.Get("client_id"))
		assert.Equal(t, "http://127.0.0.1:8888/callback", form.Get("redirect_uri"))
		assert.Len(t, form.Get("code_verifier"), verifierLength)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "A1",
			"refresh_token": "R1",
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	})
	store := &fakeStore{}
	clk := newClock()
	v := newTestVault(srv.URL, store, clk)

	raw, err := v.BeginAuthorization("/host")
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	state := u.Query().Get("state")

	cred, returnPath, err := v.CompleteAuthorization(context.Background(), state, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "/host", returnPath)
	assert.Equal(t, "A1", cred.AccessToken)
	assert.Equal(t, "R1", cred.RefreshToken)
	assert.Equal(t, clk.Now().Add(time.Hour), cred.ExpiresAt)
	assert.Equal(t, "R1", store.token)

	tok, err := v.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1", tok)

	_, _, err = v.CompleteAuthorization(context.Background(), state, "the-code")
	require.ErrorIs(t, err, common.ErrAuthExchangeFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteAuthorization_ExpiredState(t *testing.T) {
	srv, calls := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "A1"})
	})
	clk := newClock()
	v := newTestVault(srv.URL, &fakeStore{}, clk)

	raw, err := v.BeginAuthorization("/")
	require.NoError(t, err)
	u, _ := url.Parse(raw)

	clk.Advance(16 * time.Minute)

	_, _, err = v.CompleteAuthorization(context.Background(), u.Query().Get("state"), "c")
	require.ErrorIs(t, err, common.ErrAuthExchangeFailed)
	assert.Zero(t, calls.Load())
}

func TestCompleteAuthorization_ServerRejects(t *testing.T) {
	srv, _ := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
	})
	v := newTestVault(srv.URL, &fakeStore{}, newClock())

	raw, _ := v.BeginAuthorization("/")
	u, _ := url.Parse(raw)

	_, _, err := v.CompleteAuthorization(context.Background(), u.Query().Get("state"), "c")
	require.ErrorIs(t, err, common.ErrAuthExchangeFailed)
}

func TestGetValidAccessToken_NoRefreshToken(t *testing.T) {
	srv, calls := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "A"})
	})
	v := newTestVault(srv.URL, &fakeStore{}, newClock())

	_, err := v.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, common.ErrReauthRequired)
	assert.Zero(t, calls.Load())
}

func TestGetValidAccessToken_RevokedRefreshToken(t *testing.T) {
	srv, calls := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "R-old", form.Get("refresh_token"))
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "Refresh token revoked",
		})
	})
	store := &fakeStore{token: "R-old"}
	v := newTestVault(srv.URL, store, newClock())

	_, err := v.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, common.ErrReauthRequired)
	assert.Equal(t, int32(1), calls.Load(), "revocation must not be retried")
	assert.Empty(t, store.token)
	assert.Equal(t, 1, store.deletes)

	ok, err := v.Authorized(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetValidAccessToken_CachedUntilExpiry(t *testing.T) {
	var n atomic.Int32
	srv, calls := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		i := n.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "A" + string(rune('0'+i)),
			"expires_in":   60,
		})
	})
	clk := newClock()
	v := newTestVault(srv.URL, &fakeStore{token: "R"}, clk)
	ctx := context.Background()

	tok, err := v.GetValidAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A1", tok)

	clk.Advance(59 * time.Second)
	tok, err = v.GetValidAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A1", tok)
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(time.Second)
	tok, err = v.GetValidAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A2", tok, "expired token must never be returned")
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetValidAccessToken_ConcurrentCallersShareRefresh(t *testing.T) {
	release := make(chan struct{})
	srv, calls := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "A", "expires_in": 3600})
	})
	v := newTestVault(srv.URL, &fakeStore{token: "R"}, newClock())

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = v.GetValidAccessToken(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "A", results[i])
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetValidAccessToken_RetriesServerErrors(t *testing.T) {
	var n atomic.Int32
	srv, calls := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		if n.Add(1) < 3 {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "server_error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "A", "expires_in": 3600})
	})
	v := newTestVault(srv.URL, &fakeStore{token: "R"}, newClock())

	tok, err := v.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", tok)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetValidAccessToken_GivesUpAfterPolicy(t *testing.T) {
	srv, calls := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"})
	})
	v := newTestVault(srv.URL, &fakeStore{token: "R"}, newClock())

	_, err := v.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, common.ErrAuthExchangeFailed)
	assert.NotErrorIs(t, err, common.ErrReauthRequired)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetValidAccessToken_OtherClientErrorNotRetried(t *testing.T) {
	srv, calls := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_client"})
	})
	store := &fakeStore{token: "R"}
	v := newTestVault(srv.URL, store, newClock())

	_, err := v.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, common.ErrAuthExchangeFailed)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "R", store.token, "refresh token is only dropped on revocation")
}

func TestGetValidAccessToken_RotationAndRetention(t *testing.T) {
	var n atomic.Int32
	srv, _ := tokenServer(t, func(w http.ResponseWriter, form url.Values) {
		if n.Add(1) == 1 {
			assert.Equal(t, "R1", form.Get("refresh_token"))
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "A1", "refresh_token": "R2", "expires_in": 1})
			return
		}
		assert.Equal(t, "R2", form.Get("refresh_token"))
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "A2", "expires_in": 1})
	})
	store := &fakeStore{token: "R1"}
	clk := newClock()
	v := newTestVault(srv.URL, store, clk)
	ctx := context.Background()

	_, err := v.GetValidAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R2", store.token)
	assert.Equal(t, 1, store.saves)

	clk.Advance(2 * time.Second)
	tok, err := v.GetValidAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A2", tok)
	assert.Equal(t, "R2", v.Current().RefreshToken)
	assert.Equal(t, 1, store.saves, "unchanged refresh token is not rewritten")
}

func TestLogout(t *testing.T) {
	store := &fakeStore{token: "R"}
	v := newTestVault("http://unused", store, newClock())

	ok, err := v.Authorized(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, v.Logout(context.Background()))
	assert.Nil(t, v.Current())
	assert.Empty(t, store.token)

	_, err = v.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, common.ErrReauthRequired)
}
