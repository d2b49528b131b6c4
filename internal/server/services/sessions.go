// Package services contains store-side business logic: hosting sessions and
// their tokens, playback updates with listener fan-out, and anonymous
// identities.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/dbx"
	"github.com/dmitrijs2005/listenalong/internal/server/auth"
	"github.com/dmitrijs2005/listenalong/internal/server/config"
	"github.com/dmitrijs2005/listenalong/internal/server/models"
	"github.com/dmitrijs2005/listenalong/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// SessionGrant is a freshly minted session token.
type SessionGrant struct {
	Token     string
	ExpiresIn time.Duration
	SessionID string
}

// SessionService starts hosting sessions and rotates their tokens.
type SessionService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	jwtSecret   []byte
	validity    time.Duration
	grace       time.Duration
	now         func() time.Time
}

func NewSessionService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config) *SessionService {
	return &SessionService{
		db:          db,
		repomanager: m,
		jwtSecret:   []byte(cfg.SecretKey),
		validity:    cfg.SessionTokenValidity,
		grace:       cfg.RefreshGrace,
		now:         time.Now,
	}
}

// StartSession creates a session owned by ownerID together with its initial
// stopped state, and returns its first token.
func (s *SessionService) StartSession(ctx context.Context, ownerID string) (*SessionGrant, error) {
	id := uuid.NewString()
	now := s.now()

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.repomanager.Sessions(tx).Create(ctx, &models.Session{ID: id, OwnerID: ownerID}); err != nil {
			return fmt.Errorf("error creating session: %w", err)
		}
		if _, err := s.repomanager.States(tx).Upsert(ctx, &models.PlaybackState{SessionID: id}); err != nil {
			return fmt.Errorf("error creating initial state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.grant(id, now)
}

// RefreshToken trades a session token, possibly expired within the refresh
// grace, for a new one.
func (s *SessionService) RefreshToken(ctx context.Context, token string) (*SessionGrant, error) {
	now := s.now()

	sessionID, err := auth.ParseRefreshableToken(token, s.jwtSecret, s.grace, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorUnauthorized, err)
	}

	if err := s.repomanager.Sessions(s.db).Touch(ctx, sessionID, now); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("%w: unknown session", common.ErrorUnauthorized)
		}
		return nil, fmt.Errorf("error touching session: %w", err)
	}

	return s.grant(sessionID, now)
}

// Authorize returns the session a valid, unexpired token belongs to.
func (s *SessionService) Authorize(token string) (string, error) {
	sessionID, err := auth.ParseSessionToken(token, s.jwtSecret, s.now())
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrorUnauthorized, err)
	}
	return sessionID, nil
}

func (s *SessionService) grant(sessionID string, now time.Time) (*SessionGrant, error) {
	token, err := auth.GenerateSessionToken(sessionID, s.jwtSecret, s.validity, now)
	if err != nil {
		return nil, common.ErrorInternal
	}
	return &SessionGrant{Token: token, ExpiresIn: s.validity, SessionID: sessionID}, nil
}
