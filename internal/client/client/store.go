package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/retryx"
)

// SessionGrant is the store's answer to session create and refresh.
type SessionGrant struct {
	Token string `json:"token"`
	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int64 `json:"expiresIn"`
	// Session is the listener-facing session id (create only).
	Session string `json:"session,omitempty"`
}

// SessionState is the latest accepted update for a session.
type SessionState struct {
	Session   string `json:"session"`
	URI       string `json:"uri"`
	Position  int64  `json:"position"`
	Playing   bool   `json:"playing"`
	Timestamp int64  `json:"timestamp"`
}

// StoreClient talks to the shared store over HTTP. It is safe for concurrent
// use.
type StoreClient struct {
	baseURL string
	http    *http.Client
}

// NewStoreClient returns a client rooted at baseURL. A nil hc gets a client
// with a 10s timeout.
func NewStoreClient(baseURL string, hc *http.Client) *StoreClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &StoreClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// PostUpdate sends one playback update. update is encoded as JSON.
func (c *StoreClient) PostUpdate(ctx context.Context, sessionToken, identityToken string, update any) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/postUpdate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(common.SessionTokenHeaderName, sessionToken)
	setBearer(req, identityToken)

	return c.do(req, nil)
}

// CreateSession starts a new hosting session.
func (c *StoreClient) CreateSession(ctx context.Context, identityToken string) (*SessionGrant, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/startSession", nil)
	if err != nil {
		return nil, err
	}
	setBearer(req, identityToken)

	var grant SessionGrant
	if err := c.do(req, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// RefreshSession trades the current session token for a fresh one.
func (c *StoreClient) RefreshSession(ctx context.Context, sessionToken, identityToken string) (*SessionGrant, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/refreshToken", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(common.SessionTokenHeaderName, sessionToken)
	setBearer(req, identityToken)

	var grant SessionGrant
	if err := c.do(req, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// SessionState fetches what listeners of sessionID currently see.
func (c *StoreClient) SessionState(ctx context.Context, sessionID string) (*SessionState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}

	var st SessionState
	if err := c.do(req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *StoreClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	return req, nil
}

func setBearer(req *http.Request, token string) {
	req.Header.Set("Authorization", common.BearerPrefix+token)
}

func (c *StoreClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryx.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       strings.TrimSpace(string(b)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
