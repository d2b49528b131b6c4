// Package states declares the store-side repository contract for the latest
// playback state of each session.
package states

import (
	"context"

	"github.com/dmitrijs2005/listenalong/internal/server/models"
)

type Repository interface {
	// Upsert stores st unless the session already holds a state with a newer
	// timestamp. applied reports whether st became the current state.
	Upsert(ctx context.Context, st *models.PlaybackState) (applied bool, err error)

	// Get returns the current state of sessionID or common.ErrorNotFound.
	Get(ctx context.Context, sessionID string) (*models.PlaybackState, error)
}
