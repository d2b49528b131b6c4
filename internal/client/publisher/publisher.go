// Package publisher pushes host playback snapshots to the shared store.
//
// Each Publish is gated by the store session token and the host identity
// proof, retried per an injected retryx.Policy, and re-authenticated at most
// once on 401. Publishes are ordered by snapshot capture time: an attempt is
// dropped with ErrSuperseded once a snapshot captured strictly later has been
// delivered, whichever order the calls started in.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/client/client"
	"github.com/dmitrijs2005/listenalong/internal/client/clock"
	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/logging"
	"github.com/dmitrijs2005/listenalong/internal/retryx"
)

var ErrSuperseded = errors.New("superseded by a newer update")

// UpdateMessage is the wire form of one snapshot.
type UpdateMessage struct {
	URI      string `json:"uri"`
	Position int64  `json:"position"`
	Playing  bool   `json:"playing"`
	// Timestamp is the capture time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func MessageFrom(s clock.Snapshot) UpdateMessage {
	return UpdateMessage{
		URI:       s.TrackURI,
		Position:  s.PositionMs,
		Playing:   s.Playing,
		Timestamp: s.CapturedAt.UnixMilli(),
	}
}

type Transport interface {
	PostUpdate(ctx context.Context, sessionToken, identityToken string, update any) error
}

type SessionSource interface {
	SessionToken() string
	Refresh(ctx context.Context) error
}

type IdentitySource interface {
	IDToken(ctx context.Context) (string, error)
}

type Publisher struct {
	transport Transport
	sessions  SessionSource
	identity  IdentitySource
	policy    retryx.Policy
	log       logging.Logger

	// capture time (Unix ms) of the newest delivered snapshot
	delivered atomic.Int64
}

type Option func(*Publisher)

// WithRetryPolicy replaces the default policy (3 attempts, 100ms apart).
func WithRetryPolicy(p retryx.Policy) Option {
	return func(pub *Publisher) { pub.policy = p }
}

func WithLogger(l logging.Logger) Option {
	return func(pub *Publisher) { pub.log = l }
}

func New(t Transport, s SessionSource, id IdentitySource, opts ...Option) *Publisher {
	p := &Publisher{
		transport: t,
		sessions:  s,
		identity:  id,
		policy:    retryx.Fixed(3, 100*time.Millisecond),
		log:       logging.Nop(),
	}
	p.delivered.Store(math.MinInt64)
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("module", "publisher")
	return p
}

// Publish delivers snap. It returns nil, ErrSuperseded, common.ErrNoSession,
// common.ErrSessionExpired or an error wrapping common.ErrPublishFailed.
func (p *Publisher) Publish(ctx context.Context, snap clock.Snapshot) error {
	msg := MessageFrom(snap)
	captured := msg.Timestamp
	refreshed := false

	err := retryx.Do(ctx, p.policy, func(ctx context.Context, attempt int) error {
		if p.delivered.Load() > captured {
			return ErrSuperseded
		}

		err := p.send(ctx, msg)
		if errors.Is(err, client.ErrUnauthorized) {
			if refreshed {
				return common.ErrSessionExpired
			}
			refreshed = true
			p.log.Info(ctx, "session token rejected, refreshing", "timestamp", msg.Timestamp)
			if rerr := p.sessions.Refresh(ctx); rerr != nil {
				return fmt.Errorf("%w: %w", common.ErrSessionExpired, rerr)
			}
			if p.delivered.Load() > captured {
				return ErrSuperseded
			}
			err = p.send(ctx, msg)
			if errors.Is(err, client.ErrUnauthorized) {
				return common.ErrSessionExpired
			}
		}

		switch {
		case err == nil:
			p.markDelivered(captured)
			p.log.Debug(ctx, "update published", "timestamp", msg.Timestamp, "uri", msg.URI, "position", msg.Position, "playing", msg.Playing, "attempt", attempt)
			return nil
		case errors.Is(err, common.ErrNoSession):
			return err
		case errors.Is(err, common.ErrIdentityUnavailable), client.IsRetryable(err):
			p.log.Warn(ctx, "publish attempt failed", "timestamp", msg.Timestamp, "attempt", attempt, "error", err)
			return retryx.TransientAfter(err, client.RetryAfter(err))
		default:
			return fmt.Errorf("%w: %w", common.ErrPublishFailed, err)
		}
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSuperseded):
		p.log.Debug(ctx, "stale update dropped", "timestamp", msg.Timestamp)
		return err
	case errors.Is(err, retryx.ErrExhausted):
		err = fmt.Errorf("%w: %w", common.ErrPublishFailed, err)
	}
	p.log.Error(ctx, "publish failed", "timestamp", msg.Timestamp, "uri", msg.URI, "error", err)
	return err
}

func (p *Publisher) send(ctx context.Context, msg UpdateMessage) error {
	token := p.sessions.SessionToken()
	if token == "" {
		return common.ErrNoSession
	}
	id, err := p.identity.IDToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrIdentityUnavailable, err)
	}
	return p.transport.PostUpdate(ctx, token, id, msg)
}

func (p *Publisher) markDelivered(captured int64) {
	for {
		cur := p.delivered.Load()
		if cur >= captured || p.delivered.CompareAndSwap(cur, captured) {
			return
		}
	}
}
