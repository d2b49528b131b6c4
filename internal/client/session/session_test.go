package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/client/client"
	"github.com/dmitrijs2005/listenalong/internal/client/identity"
	"github.com/dmitrijs2005/listenalong/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/retryx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	createErrs  []error
	refreshErr  error
	refreshWait time.Duration
	creates     int
	refreshes   atomic.Int32
	gotSession  string
	gotIdentity string
}

func (f *fakeStore) CreateSession(_ context.Context, id string) (*client.SessionGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.gotIdentity = id
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &client.SessionGrant{Token: "tok-1", ExpiresIn: 3600, Session: "s-1"}, nil
}

func (f *fakeStore) RefreshSession(_ context.Context, tok, id string) (*client.SessionGrant, error) {
	n := f.refreshes.Add(1)
	if f.refreshWait > 0 {
		time.Sleep(f.refreshWait)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotSession = tok
	f.gotIdentity = id
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &client.SessionGrant{Token: "tok-r" + string(rune('0'+n)), ExpiresIn: 1800}, nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(st *fakeStore, repo metadata.Repository, opts ...Option) *Manager {
	opts = append([]Option{
		WithNow(func() time.Time { return fixedNow }),
		WithCreatePolicy(retryx.Fixed(10, time.Millisecond)),
	}, opts...)
	return NewManager(st, identity.Static("id-1"), repo, opts...)
}

func TestManager_CreatePersists(t *testing.T) {
	st := &fakeStore{}
	repo := metadata.NewMemoryRepository()
	m := newTestManager(st, repo)
	ctx := context.Background()

	tok, err := m.Create(ctx)
	require.NoError(t, err)

	want := Token{Token: "tok-1", ExpiresAt: fixedNow.Add(time.Hour), SessionID: "s-1"}
	assert.Equal(t, want, tok)
	assert.Equal(t, want, m.Current())
	assert.Equal(t, "tok-1", m.SessionToken())
	assert.Equal(t, "id-1", st.gotIdentity)

	// a fresh manager over the same storage restores the session
	restored, err := newTestManager(&fakeStore{}, repo).Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Token, restored.Token)
	assert.Equal(t, want.SessionID, restored.SessionID)
	assert.True(t, want.ExpiresAt.Equal(restored.ExpiresAt))
}

func TestManager_CreateHonoursRetryAfter(t *testing.T) {
	st := &fakeStore{createErrs: []error{
		&client.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 30 * time.Millisecond},
		nil,
	}}
	m := newTestManager(st, metadata.NewMemoryRepository())

	start := time.Now()
	_, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 2, st.creates)
}

func TestManager_CreateGivesUpAfterTenAttempts(t *testing.T) {
	errs := make([]error, 12)
	for i := range errs {
		errs[i] = &client.StatusError{StatusCode: http.StatusBadGateway}
	}
	st := &fakeStore{createErrs: errs}
	m := newTestManager(st, metadata.NewMemoryRepository())

	_, err := m.Create(context.Background())
	require.ErrorIs(t, err, common.ErrCreateSessionFailed)
	assert.Equal(t, 10, st.creates)
	assert.Equal(t, Token{}, m.Current())
}

func TestManager_BootstrapEmpty(t *testing.T) {
	m := newTestManager(&fakeStore{}, metadata.NewMemoryRepository())

	tok, err := m.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Token{}, tok)
	assert.Empty(t, m.SessionToken())
}

func TestManager_RefreshReplacesToken(t *testing.T) {
	st := &fakeStore{}
	repo := metadata.NewMemoryRepository()
	m := newTestManager(st, repo)
	ctx := context.Background()

	_, err := m.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Refresh(ctx))

	assert.Equal(t, "tok-1", st.gotSession)
	assert.Equal(t, Token{Token: "tok-r1", ExpiresAt: fixedNow.Add(30 * time.Minute), SessionID: "s-1"}, m.Current())

	stored, _ := repo.Get(ctx, metadata.KeySessionToken)
	assert.Equal(t, "tok-r1", string(stored))
}

func TestManager_RefreshFailureKeepsPreviousToken(t *testing.T) {
	st := &fakeStore{refreshErr: &client.StatusError{StatusCode: http.StatusUnauthorized}}
	m := newTestManager(st, metadata.NewMemoryRepository())
	ctx := context.Background()

	_, err := m.Create(ctx)
	require.NoError(t, err)

	err = m.Refresh(ctx)
	require.ErrorIs(t, err, client.ErrUnauthorized)
	assert.Equal(t, "tok-1", m.SessionToken())
	assert.EqualValues(t, 1, st.refreshes.Load())
}

func TestManager_RefreshWithoutSession(t *testing.T) {
	st := &fakeStore{}
	m := newTestManager(st, metadata.NewMemoryRepository())

	require.ErrorIs(t, m.Refresh(context.Background()), common.ErrNoSession)
	assert.Zero(t, st.refreshes.Load())
}

func TestManager_ConcurrentRefreshIsShared(t *testing.T) {
	st := &fakeStore{refreshWait: 50 * time.Millisecond}
	m := newTestManager(st, metadata.NewMemoryRepository())
	ctx := context.Background()
	_, err := m.Create(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Refresh(ctx))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, st.refreshes.Load())
}

func TestManager_ScheduledRefresh(t *testing.T) {
	st := &fakeStore{}
	m := newTestManager(st, metadata.NewMemoryRepository(), WithRefreshInterval(time.Second))
	ctx := context.Background()
	_, err := m.Create(ctx)
	require.NoError(t, err)

	m.Start(ctx)
	m.Start(ctx)

	require.Eventually(t, func() bool { return st.refreshes.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	m.Stop()
	after := st.refreshes.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, st.refreshes.Load(), "no refresh after Stop")
}

func TestManager_Forget(t *testing.T) {
	repo := metadata.NewMemoryRepository()
	m := newTestManager(&fakeStore{}, repo)
	ctx := context.Background()
	_, err := m.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Forget(ctx))

	assert.Equal(t, Token{}, m.Current())
	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestManager_CreateStopsOnCancel(t *testing.T) {
	st := &fakeStore{createErrs: []error{errors.New("boom"), errors.New("boom")}}
	m := newTestManager(st, metadata.NewMemoryRepository(), WithCreatePolicy(retryx.Fixed(10, time.Hour)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Create(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, common.ErrCreateSessionFailed)
}
