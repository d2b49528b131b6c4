package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/server/services"
	"github.com/go-chi/chi/v5"
)

type grantResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
	Session   string `json:"session,omitempty"`
}

type updateRequest struct {
	URI       string `json:"uri"`
	Position  int64  `json:"position"`
	Playing   bool   `json:"playing"`
	Timestamp int64  `json:"timestamp"`
}

type updateResponse struct {
	Applied bool `json:"applied"`
}

type signUpResponse struct {
	IDToken string `json:"idToken"`
	// ExpiresIn is a decimal string of seconds.
	ExpiresIn string `json:"expiresIn"`
	LocalID   string `json:"localId"`
}

var errMissingToken = fmt.Errorf("%w: missing token", common.ErrorUnauthorized)

// identity verifies the Authorization bearer and returns its uid.
func (h *Handlers) identity(r *http.Request) (string, error) {
	tok := bearerToken(r)
	if tok == "" {
		return "", errMissingToken
	}
	return h.identities.Verify(tok)
}

// StartSession handles POST /startSession.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	uid, err := h.identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	g, err := h.sessions.StartSession(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log.Info(r.Context(), "session started", "session", g.SessionID)
	writeJSON(w, http.StatusOK, grantResponse{
		Token:     g.Token,
		ExpiresIn: int64(g.ExpiresIn.Seconds()),
		Session:   g.SessionID,
	})
}

// RefreshToken handles GET /refreshToken.
func (h *Handlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	if _, err := h.identity(r); err != nil {
		h.writeError(w, r, err)
		return
	}

	tok := r.Header.Get(common.SessionTokenHeaderName)
	if tok == "" {
		h.writeError(w, r, errMissingToken)
		return
	}

	g, err := h.sessions.RefreshToken(r.Context(), tok)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, grantResponse{Token: g.Token, ExpiresIn: int64(g.ExpiresIn.Seconds())})
}

// PostUpdate handles POST /postUpdate.
func (h *Handlers) PostUpdate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.identity(r); err != nil {
		h.writeError(w, r, err)
		return
	}

	tok := r.Header.Get(common.SessionTokenHeaderName)
	if tok == "" {
		h.writeError(w, r, errMissingToken)
		return
	}
	sessionID, err := h.sessions.Authorize(tok)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req updateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", common.ErrInvalidUpdate, err))
		return
	}

	applied, err := h.updates.PostUpdate(r.Context(), sessionID, services.Update{
		URI:       req.URI,
		Position:  req.Position,
		Playing:   req.Playing,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, updateResponse{Applied: applied})
}

// GetState handles GET /sessions/{id}.
func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	st, err := h.updates.State(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			err = fmt.Errorf("%w: unknown session", common.ErrorNotFound)
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SignUp handles POST /identity/signUp?key=...
func (h *Handlers) SignUp(w http.ResponseWriter, r *http.Request) {
	g, err := h.identities.SignUp(r.URL.Query().Get("key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, signUpResponse{
		IDToken:   g.IDToken,
		ExpiresIn: strconv.FormatInt(int64(g.ExpiresIn.Seconds()), 10),
		LocalID:   g.LocalID,
	})
}
