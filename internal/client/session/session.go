// Package session manages the host's membership token for the shared store:
// creation, bootstrap from local storage, on-demand refresh and the
// fixed-interval refresh schedule.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/client/client"
	"github.com/dmitrijs2005/listenalong/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/logging"
	"github.com/dmitrijs2005/listenalong/internal/retryx"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshInterval = 30 * time.Minute
	defaultRateLimitDelay  = time.Second
)

// Token is the store session credential. The zero value means no session.
type Token struct {
	Token     string
	ExpiresAt time.Time
	SessionID string
}

// Store is the part of the store API the manager needs.
type Store interface {
	CreateSession(ctx context.Context, identityToken string) (*client.SessionGrant, error)
	RefreshSession(ctx context.Context, sessionToken, identityToken string) (*client.SessionGrant, error)
}

type IdentitySource interface {
	IDToken(ctx context.Context) (string, error)
}

type Manager struct {
	store        Store
	identity     IdentitySource
	repo         metadata.Repository
	interval     time.Duration
	createPolicy retryx.Policy
	log          logging.Logger
	now          func() time.Time
	group        singleflight.Group

	mu  sync.RWMutex
	cur Token

	cronMu sync.Mutex
	cron   *cron.Cron
}

type Option func(*Manager)

// WithRefreshInterval sets the scheduled refresh period. cron schedules have
// one second granularity.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithCreatePolicy replaces the session-create policy (10 attempts,
// exponential from 100ms up to 5s).
func WithCreatePolicy(p retryx.Policy) Option {
	return func(m *Manager) { m.createPolicy = p }
}

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, id IdentitySource, repo metadata.Repository, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		identity:     id,
		repo:         repo,
		interval:     DefaultRefreshInterval,
		createPolicy: retryx.Exponential(10, 100*time.Millisecond, 5*time.Second),
		log:          logging.Nop(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("module", "session")
	return m
}

// Bootstrap loads the persisted session, if any, and makes it current.
func (m *Manager) Bootstrap(ctx context.Context) (Token, error) {
	tok, err := m.repo.Get(ctx, metadata.KeySessionToken)
	if err != nil {
		return Token{}, fmt.Errorf("load session token: %w", err)
	}
	if len(tok) == 0 {
		return Token{}, nil
	}

	t := Token{Token: string(tok)}

	if raw, err := m.repo.Get(ctx, metadata.KeySessionExpiry); err != nil {
		return Token{}, fmt.Errorf("load session expiry: %w", err)
	} else if len(raw) > 0 {
		if exp, perr := time.Parse(time.RFC3339Nano, string(raw)); perr == nil {
			t.ExpiresAt = exp
		} else {
			m.log.Warn(ctx, "ignoring malformed session expiry", "value", string(raw))
		}
	}

	id, err := m.repo.Get(ctx, metadata.KeySessionID)
	if err != nil {
		return Token{}, fmt.Errorf("load session id: %w", err)
	}
	t.SessionID = string(id)

	m.mu.Lock()
	m.cur = t
	m.mu.Unlock()

	m.log.Info(ctx, "session restored", "session", t.SessionID, "expires_at", t.ExpiresAt)
	return t, nil
}

func (m *Manager) Current() Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// SessionToken returns the current token string, "" without a session.
func (m *Manager) SessionToken() string {
	return m.Current().Token
}

// Create opens a new hosting session on the store. 429 answers wait for
// Retry-After (1s when absent); other failures follow the create policy.
func (m *Manager) Create(ctx context.Context) (Token, error) {
	var grant *client.SessionGrant

	err := retryx.Do(ctx, m.createPolicy, func(ctx context.Context, attempt int) error {
		id, err := m.identity.IDToken(ctx)
		if err != nil {
			m.log.Warn(ctx, "identity unavailable for session create", "attempt", attempt, "error", err)
			return retryx.Transient(err)
		}

		g, err := m.store.CreateSession(ctx, id)
		switch {
		case err == nil:
			grant = g
			return nil
		case errors.Is(err, client.ErrRateLimited):
			after := client.RetryAfter(err)
			if after <= 0 {
				after = defaultRateLimitDelay
			}
			m.log.Warn(ctx, "session create rate limited", "attempt", attempt, "retry_after", after)
			return retryx.TransientAfter(err, after)
		default:
			m.log.Warn(ctx, "session create attempt failed", "attempt", attempt, "error", err)
			return retryx.Transient(err)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return Token{}, err
		}
		return Token{}, fmt.Errorf("%w: %w", common.ErrCreateSessionFailed, err)
	}

	t := m.tokenFrom(grant, "")
	if err := m.install(ctx, t); err != nil {
		return Token{}, err
	}

	m.log.Info(ctx, "session created", "session", t.SessionID, "expires_at", t.ExpiresAt)
	return t, nil
}

// Refresh trades the current token for a new one. On failure the previous
// token stays current. Concurrent callers share one request.
func (m *Manager) Refresh(ctx context.Context) error {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return nil, m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	cur := m.Current()
	if cur.Token == "" {
		return common.ErrNoSession
	}

	id, err := m.identity.IDToken(ctx)
	if err != nil {
		m.log.Warn(ctx, "session refresh skipped, identity unavailable", "error", err)
		return err
	}

	grant, err := m.store.RefreshSession(ctx, cur.Token, id)
	if err != nil {
		m.log.Warn(ctx, "session refresh failed, keeping previous token", "error", err)
		return fmt.Errorf("refresh session: %w", err)
	}

	t := m.tokenFrom(grant, cur.SessionID)
	if err := m.install(ctx, t); err != nil {
		return err
	}

	m.log.Debug(ctx, "session token refreshed", "expires_at", t.ExpiresAt)
	return nil
}

// Start schedules Refresh every refresh interval until Stop. Calling Start
// twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.cron != nil {
		return
	}

	cl := cronLogger{log: m.log, ctx: ctx}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(m.interval), cron.FuncJob(func() {
		if err := m.Refresh(ctx); err != nil {
			m.log.Warn(ctx, "scheduled session refresh failed", "error", err)
		}
	}))
	c.Start()
	m.cron = c

	m.log.Info(ctx, "session refresh scheduled", "interval", m.interval)
}

// Stop cancels the schedule and waits for a running refresh to return.
func (m *Manager) Stop() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Forget drops the current session locally and from durable storage.
func (m *Manager) Forget(ctx context.Context) error {
	m.mu.Lock()
	m.cur = Token{}
	m.mu.Unlock()

	var errs []error
	for _, k := range []string{metadata.KeySessionToken, metadata.KeySessionExpiry, metadata.KeySessionID} {
		if err := m.repo.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) tokenFrom(g *client.SessionGrant, sessionID string) Token {
	if g.Session != "" {
		sessionID = g.Session
	}
	return Token{
		Token:     g.Token,
		ExpiresAt: m.now().Add(time.Duration(g.ExpiresIn) * time.Second),
		SessionID: sessionID,
	}
}

func (m *Manager) install(ctx context.Context, t Token) error {
	m.mu.Lock()
	m.cur = t
	m.mu.Unlock()

	if err := m.repo.Set(ctx, metadata.KeySessionToken, []byte(t.Token)); err != nil {
		return fmt.Errorf("persist session token: %w", err)
	}
	if err := m.repo.Set(ctx, metadata.KeySessionExpiry, []byte(t.ExpiresAt.UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("persist session expiry: %w", err)
	}
	if err := m.repo.Set(ctx, metadata.KeySessionID, []byte(t.SessionID)); err != nil {
		return fmt.Errorf("persist session id: %w", err)
	}
	return nil
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	log logging.Logger
	ctx context.Context
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(l.ctx, "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(l.ctx, "cron: "+msg, append(keysAndValues, "error", err)...)
}
