// Package vault owns the host's media-service credential: the PKCE
// authorization-code flow, the refresh-token grant and the in-memory access
// token that the device adapter asks for before every call.
//
// The refresh token is the only durable secret; it is sealed at rest by
// SealedStore. Access tokens, PKCE verifiers and return paths never leave
// memory.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/logging"
	"github.com/dmitrijs2005/listenalong/internal/retryx"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const defaultTokenLifetime = time.Hour

var errRevoked = errors.New("refresh token revoked")

// Config describes the authorization server and this client's registration.
type Config struct {
	ClientID     string
	RedirectURI  string
	Scopes       []string
	AuthorizeURL string
	TokenURL     string
}

// Credential is the active media-service authorization.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Vault struct {
	oauth   *oauth2.Config
	store   CredentialStore
	http    *http.Client
	policy  retryx.Policy
	log     logging.Logger
	now     func() time.Time
	pending *pendingStore
	group   singleflight.Group

	mu   sync.Mutex
	cred *Credential
}

type Option func(*Vault)

func WithHTTPClient(c *http.Client) Option {
	return func(v *Vault) { v.http = c }
}

// WithRetryPolicy replaces the refresh retry policy (3 attempts, 100ms).
func WithRetryPolicy(p retryx.Policy) Option {
	return func(v *Vault) { v.policy = p }
}

func WithLogger(l logging.Logger) Option {
	return func(v *Vault) { v.log = l }
}

func WithNow(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

func New(cfg Config, store CredentialStore, opts ...Option) *Vault {
	v := &Vault{
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
		},
		store:  store,
		http:   &http.Client{Timeout: 15 * time.Second},
		policy: retryx.Fixed(3, 100*time.Millisecond),
		log:    logging.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	v.log = v.log.With("module", "vault")
	v.pending = newPendingStore(pendingTTL, v.now)
	return v
}

// BeginAuthorization starts a PKCE flow and returns the URL the user must
// visit. returnPath is handed back by CompleteAuthorization.
func (v *Vault) BeginAuthorization(returnPath string) (string, error) {
	ch, err := NewChallenge()
	if err != nil {
		return "", fmt.Errorf("generate pkce verifier: %w", err)
	}
	state, err := common.MakeRandHexString(16)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	v.pending.put(state, pendingAuth{
		verifier:   ch.Verifier,
		returnPath: returnPath,
		createdAt:  v.now(),
	})

	return v.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(ch.Verifier)), nil
}

// CompleteAuthorization exchanges the code delivered to the redirect URI.
// The pending entry for state is consumed whether or not the exchange works.
func (v *Vault) CompleteAuthorization(ctx context.Context, state, code string) (*Credential, string, error) {
	p, ok := v.pending.take(state)
	if !ok {
		return nil, "", fmt.Errorf("%w: unknown or expired state", common.ErrAuthExchangeFailed)
	}

	tok, err := v.oauth.Exchange(v.clientCtx(ctx), code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", common.ErrAuthExchangeFailed, err)
	}

	cred, err := v.accept(ctx, tok, "")
	if err != nil {
		return nil, "", err
	}

	v.log.Info(ctx, "authorization completed", "expires_at", cred.ExpiresAt)
	return cred, p.returnPath, nil
}

// GetValidAccessToken returns an access token that has not expired, refreshing
// it first if needed. Concurrent callers share one refresh.
func (v *Vault) GetValidAccessToken(ctx context.Context) (string, error) {
	v.mu.Lock()
	if v.cred != nil && v.cred.AccessToken != "" && v.now().Before(v.cred.ExpiresAt) {
		tok := v.cred.AccessToken
		v.mu.Unlock()
		return tok, nil
	}
	v.mu.Unlock()

	ch := v.group.DoChan("refresh", func() (any, error) {
		return v.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*Credential).AccessToken, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Authorized reports whether a refresh token is available, i.e. whether
// GetValidAccessToken can succeed without a new login.
func (v *Vault) Authorized(ctx context.Context) (bool, error) {
	v.mu.Lock()
	if v.cred != nil && v.cred.RefreshToken != "" {
		v.mu.Unlock()
		return true, nil
	}
	v.mu.Unlock()

	rt, err := v.store.LoadRefreshToken(ctx)
	if errors.Is(err, ErrSealBroken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rt != "", nil
}

// Current returns a copy of the in-memory credential, or nil.
func (v *Vault) Current() *Credential {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cred == nil {
		return nil
	}
	c := *v.cred
	return &c
}

// Logout forgets the credential and the stored refresh token.
func (v *Vault) Logout(ctx context.Context) error {
	v.mu.Lock()
	v.cred = nil
	v.mu.Unlock()
	return v.store.DeleteRefreshToken(ctx)
}

func (v *Vault) refresh(ctx context.Context) (*Credential, error) {
	rt, err := v.currentRefreshToken(ctx)
	if err != nil {
		return nil, err
	}
	if rt == "" {
		return nil, common.ErrReauthRequired
	}

	var tok *oauth2.Token
	err = retryx.Do(ctx, v.policy, func(ctx context.Context, attempt int) error {
		t, err := v.oauth.TokenSource(v.clientCtx(ctx), &oauth2.Token{RefreshToken: rt}).Token()
		if err != nil {
			v.log.Warn(ctx, "token refresh attempt failed", "attempt", attempt, "error", err)
			return classify(err)
		}
		tok = t
		return nil
	})

	switch {
	case err == nil:
		v.log.Info(ctx, "access token refreshed")
		return v.accept(ctx, tok, rt)
	case errors.Is(err, errRevoked):
		v.mu.Lock()
		v.cred = nil
		v.mu.Unlock()
		if derr := v.store.DeleteRefreshToken(ctx); derr != nil {
			v.log.Error(ctx, "failed to delete revoked refresh token", "error", derr)
		}
		v.log.Warn(ctx, "refresh token revoked, re-authentication required")
		return nil, fmt.Errorf("%w: %w", common.ErrReauthRequired, errRevoked)
	case errors.Is(err, common.ErrAuthExchangeFailed):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", common.ErrAuthExchangeFailed, err)
	}
}

func (v *Vault) currentRefreshToken(ctx context.Context) (string, error) {
	v.mu.Lock()
	if v.cred != nil && v.cred.RefreshToken != "" {
		rt := v.cred.RefreshToken
		v.mu.Unlock()
		return rt, nil
	}
	v.mu.Unlock()

	rt, err := v.store.LoadRefreshToken(ctx)
	if errors.Is(err, ErrSealBroken) {
		v.log.Warn(ctx, "stored refresh token unreadable", "error", err)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	return rt, nil
}

// classify maps a token endpoint failure onto the retry policy.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return retryx.Transient(err)
	}

	if re.ErrorCode == "invalid_grant" || strings.Contains(re.ErrorDescription, "Refresh token revoked") {
		return errRevoked
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return retryx.TransientAfter(err, retryx.ParseRetryAfter(re.Response.Header.Get("Retry-After"), time.Now()))
	case status >= 500:
		return retryx.Transient(err)
	default:
		return fmt.Errorf("%w: %w", common.ErrAuthExchangeFailed, err)
	}
}

// accept installs tok as the active credential. prevRefresh is kept when the
// server did not rotate the refresh token.
func (v *Vault) accept(ctx context.Context, tok *oauth2.Token, prevRefresh string) (*Credential, error) {
	cred := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    v.expiryOf(tok),
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = prevRefresh
	}

	if cred.RefreshToken != "" && cred.RefreshToken != prevRefresh {
		if err := v.store.SaveRefreshToken(ctx, cred.RefreshToken); err != nil {
			return nil, fmt.Errorf("persist refresh token: %w", err)
		}
	}

	v.mu.Lock()
	v.cred = cred
	v.mu.Unlock()

	c := *cred
	return &c, nil
}

func (v *Vault) expiryOf(tok *oauth2.Token) time.Time {
	switch n := tok.Extra("expires_in").(type) {
	case float64:
		return v.now().Add(time.Duration(n) * time.Second)
	case int64:
		return v.now().Add(time.Duration(n) * time.Second)
	case string:
		if secs, err := strconv.Atoi(n); err == nil {
			return v.now().Add(time.Duration(secs) * time.Second)
		}
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	return v.now().Add(defaultTokenLifetime)
}

func (v *Vault) clientCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, v.http)
}
