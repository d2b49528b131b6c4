// Package httpapi serves the store's HTTP surface: session start and refresh,
// playback updates, listener reads and the websocket stream, and anonymous
// identity sign-up.
package httpapi

import (
	"context"
	"net/http"

	"github.com/dmitrijs2005/listenalong/internal/logging"
	"github.com/dmitrijs2005/listenalong/internal/server/models"
	"github.com/dmitrijs2005/listenalong/internal/server/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type sessionService interface {
	StartSession(ctx context.Context, ownerID string) (*services.SessionGrant, error)
	RefreshToken(ctx context.Context, token string) (*services.SessionGrant, error)
	Authorize(token string) (string, error)
}

type updateService interface {
	PostUpdate(ctx context.Context, sessionID string, u services.Update) (bool, error)
	State(ctx context.Context, sessionID string) (*models.PlaybackState, error)
	Subscribe(sessionID string) (<-chan models.PlaybackState, func())
}

type identityService interface {
	SignUp(apiKey string) (*services.IdentityGrant, error)
	Verify(token string) (string, error)
}

// Handlers aggregates the services behind the HTTP routes.
type Handlers struct {
	sessions   sessionService
	updates    updateService
	identities identityService
	log        logging.Logger
}

func NewHandlers(s sessionService, u updateService, i identityService, l logging.Logger) *Handlers {
	return &Handlers{sessions: s, updates: u, identities: i, log: l.With("module", "http")}
}

// NewRouter builds the chi router with middleware (outer to inner):
// request id, real ip, panic recovery, access log.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		accessLog(h.log),
	)

	registerRoutes(r, h)
	return r
}

func registerRoutes(r chi.Router, h *Handlers) {
	// host
	r.Post("/startSession", h.StartSession)
	r.Get("/refreshToken", h.RefreshToken)
	r.Post("/postUpdate", h.PostUpdate)

	// listeners
	r.Get("/sessions/{id}", h.GetState)
	r.Get("/sessions/{id}/stream", h.Stream)

	// identity
	r.Post("/identity/signUp", h.SignUp)
}
