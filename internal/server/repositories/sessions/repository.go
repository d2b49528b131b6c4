// Package sessions declares the store-side repository contract for hosting
// sessions.
package sessions

import (
	"context"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/server/models"
)

// Repository persists hosting sessions.
type Repository interface {
	// Create inserts s. CreatedAt and RefreshedAt are filled from the database.
	Create(ctx context.Context, s *models.Session) (*models.Session, error)

	// Find returns the session with id or common.ErrorNotFound.
	Find(ctx context.Context, id string) (*models.Session, error)

	// Touch records a token refresh at at. A missing session yields
	// common.ErrorNotFound.
	Touch(ctx context.Context, id string, at time.Time) error
}
