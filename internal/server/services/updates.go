package services

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/server/config"
	"github.com/dmitrijs2005/listenalong/internal/server/models"
	"github.com/dmitrijs2005/listenalong/internal/server/repositories/repomanager"
	"golang.org/x/time/rate"
)

// Update is one playback report posted by a host.
type Update struct {
	URI       string
	Position  int64
	Playing   bool
	Timestamp int64
}

// RateLimitError is returned when a session posts faster than its budget.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return common.ErrRateLimited }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	return max(1, int(math.Ceil(e.RetryAfter.Seconds())))
}

type sessionLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// UpdateService accepts playback updates, keeps the latest state per session
// and notifies listeners.
type UpdateService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hub         *Hub
	now         func() time.Time

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*sessionLimiter
}

func NewUpdateService(db *sql.DB, m repomanager.RepositoryManager, hub *Hub, cfg *config.Config) *UpdateService {
	limit := rate.Inf
	if cfg.UpdateRate > 0 {
		limit = rate.Limit(cfg.UpdateRate)
	}
	return &UpdateService{
		db:          db,
		repomanager: m,
		hub:         hub,
		now:         time.Now,
		limit:       limit,
		burst:       max(1, cfg.UpdateBurst),
		limiters:    make(map[string]*sessionLimiter),
	}
}

// PostUpdate validates u, applies the session's rate budget and stores it
// unless a newer state already exists. applied reports whether listeners were
// notified.
func (s *UpdateService) PostUpdate(ctx context.Context, sessionID string, u Update) (bool, error) {
	if u.Position < 0 || u.Timestamp < 0 {
		return false, fmt.Errorf("%w: negative position or timestamp", common.ErrInvalidUpdate)
	}
	if u.URI == "" && u.Playing {
		return false, fmt.Errorf("%w: playing without a track", common.ErrInvalidUpdate)
	}

	if err := s.allow(sessionID); err != nil {
		return false, err
	}

	st := models.PlaybackState{
		SessionID:  sessionID,
		URI:        u.URI,
		PositionMs: u.Position,
		Playing:    u.Playing,
		Timestamp:  u.Timestamp,
	}

	applied, err := s.repomanager.States(s.db).Upsert(ctx, &st)
	if err != nil {
		return false, fmt.Errorf("error storing update: %w", err)
	}
	if applied {
		st.UpdatedAt = s.now()
		s.hub.Publish(st)
	}
	return applied, nil
}

// State returns what listeners of sessionID currently see.
func (s *UpdateService) State(ctx context.Context, sessionID string) (*models.PlaybackState, error) {
	return s.repomanager.States(s.db).Get(ctx, sessionID)
}

// Subscribe registers a listener of sessionID; see Hub.Subscribe.
func (s *UpdateService) Subscribe(sessionID string) (<-chan models.PlaybackState, func()) {
	return s.hub.Subscribe(sessionID)
}

// PruneLimiters forgets rate budgets unused for longer than idle.
func (s *UpdateService) PruneLimiters(idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, l := range s.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(s.limiters, id)
			n++
		}
	}
	return n
}

func (s *UpdateService) allow(sessionID string) error {
	now := s.now()

	s.mu.Lock()
	l, ok := s.limiters[sessionID]
	if !ok {
		l = &sessionLimiter{lim: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[sessionID] = l
	}
	l.lastSeen = now
	s.mu.Unlock()

	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return &RateLimitError{RetryAfter: time.Second}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return &RateLimitError{RetryAfter: d}
	}
	return nil
}
