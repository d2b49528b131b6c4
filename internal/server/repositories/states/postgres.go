// Package states provides a PostgreSQL-backed repository for session playback
// state with last-write-wins ordering by host timestamp.
package states

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/dbx"
	"github.com/dmitrijs2005/listenalong/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert replaces the stored state only when st is not older than it. Equal
// timestamps resolve in favour of the later arrival.
func (r *PostgresRepository) Upsert(ctx context.Context, st *models.PlaybackState) (bool, error) {
	query := `
		INSERT INTO playback_states (session_id, uri, position_ms, playing, ts, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (session_id) DO UPDATE
		SET uri = EXCLUDED.uri,
		    position_ms = EXCLUDED.position_ms,
		    playing = EXCLUDED.playing,
		    ts = EXCLUDED.ts,
		    updated_at = EXCLUDED.updated_at
		WHERE playback_states.ts <= EXCLUDED.ts
	`
	res, err := r.db.ExecContext(ctx, query, st.SessionID, st.URI, st.PositionMs, st.Playing, st.Timestamp)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) Get(ctx context.Context, sessionID string) (*models.PlaybackState, error) {
	query := `
		SELECT session_id, uri, position_ms, playing, ts, updated_at
		FROM playback_states
		WHERE session_id = $1
	`
	st := &models.PlaybackState{}
	err := r.db.QueryRowContext(ctx, query, sessionID).
		Scan(&st.SessionID, &st.URI, &st.PositionMs, &st.Playing, &st.Timestamp, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return st, nil
}
