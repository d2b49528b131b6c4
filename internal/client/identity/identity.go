// Package identity supplies the host's identity proof: a bearer token the
// store accepts on session create, refresh and every update.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/client/client"
	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/logging"
	"github.com/dmitrijs2005/listenalong/internal/retryx"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// expirySkew renews a token this long before it actually expires.
const expirySkew = time.Minute

type Provider interface {
	IDToken(ctx context.Context) (string, error)
}

// Static always returns the same token. Useful for development stores that
// accept any non-empty proof.
type Static string

func (s Static) IDToken(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty static identity", common.ErrIdentityUnavailable)
	}
	return string(s), nil
}

// Config points at an anonymous sign-up endpoint.
type Config struct {
	// Endpoint receives POST {"returnSecureToken":true}.
	Endpoint string
	// APIKey is sent as the key query parameter when set.
	APIKey string
}

type signUpResponse struct {
	IDToken   string `json:"idToken"`
	ExpiresIn string `json:"expiresIn"`
	LocalID   string `json:"localId"`
}

// Anonymous signs up an anonymous identity and caches its token until shortly
// before it expires.
type Anonymous struct {
	cfg    Config
	http   *http.Client
	policy retryx.Policy
	log    logging.Logger
	now    func() time.Time
	group  singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type Option func(*Anonymous)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Anonymous) { a.http = c }
}

func WithRetryPolicy(p retryx.Policy) Option {
	return func(a *Anonymous) { a.policy = p }
}

func WithLogger(l logging.Logger) Option {
	return func(a *Anonymous) { a.log = l }
}

func WithNow(now func() time.Time) Option {
	return func(a *Anonymous) { a.now = now }
}

func NewAnonymous(cfg Config, opts ...Option) *Anonymous {
	a := &Anonymous{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		policy: retryx.Fixed(3, 200*time.Millisecond),
		log:    logging.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("module", "identity")
	return a
}

// IDToken returns the cached token or signs up again once it is close to
// expiry. Concurrent callers share one sign-up.
func (a *Anonymous) IDToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && a.now().Add(expirySkew).Before(a.expiresAt) {
		tok := a.token
		a.mu.Unlock()
		return tok, nil
	}
	a.mu.Unlock()

	ch := a.group.DoChan("signup", func() (any, error) {
		return a.signUp(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%w: %w", common.ErrIdentityUnavailable, res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Anonymous) signUp(ctx context.Context) (string, error) {
	var out signUpResponse
	err := retryx.Do(ctx, a.policy, func(ctx context.Context, attempt int) error {
		err := a.post(ctx, &out)
		if err != nil && client.IsRetryable(err) {
			a.log.Warn(ctx, "identity sign-up attempt failed", "attempt", attempt, "error", err)
			return retryx.TransientAfter(err, client.RetryAfter(err))
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if out.IDToken == "" {
		return "", fmt.Errorf("sign-up response has no idToken")
	}

	expiresAt := a.expiryOf(out)

	a.mu.Lock()
	a.token = out.IDToken
	a.expiresAt = expiresAt
	a.mu.Unlock()

	a.log.Info(ctx, "anonymous identity issued", "local_id", out.LocalID, "expires_at", expiresAt)
	return out.IDToken, nil
}

func (a *Anonymous) post(ctx context.Context, out *signUpResponse) error {
	endpoint := a.cfg.Endpoint
	if a.cfg.APIKey != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("parse identity endpoint: %w", err)
		}
		q := u.Query()
		q.Set("key", a.cfg.APIKey)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewReader([]byte(`{"returnSecureToken":true}`)))
	if err != nil {
		return fmt.Errorf("build sign-up request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", client.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &client.StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryx.ParseRetryAfter(resp.Header.Get("Retry-After"), a.now()),
			Body:       strings.TrimSpace(string(b)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode sign-up response: %w", err)
	}
	return nil
}

// expiryOf prefers the token's own exp claim and falls back to expiresIn.
// The signature is not checked here; the store does that.
func (a *Anonymous) expiryOf(r signUpResponse) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(r.IDToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	if secs, err := strconv.ParseInt(r.ExpiresIn, 10, 64); err == nil && secs > 0 {
		return a.now().Add(time.Duration(secs) * time.Second)
	}
	return a.now().Add(time.Hour)
}
