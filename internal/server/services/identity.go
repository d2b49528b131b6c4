package services

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/server/auth"
	"github.com/dmitrijs2005/listenalong/internal/server/config"
	"github.com/google/uuid"
)

// IdentityGrant is an anonymous identity issued on sign-up.
type IdentityGrant struct {
	IDToken   string
	ExpiresIn time.Duration
	LocalID   string
}

// IdentityService issues and verifies anonymous host identities.
type IdentityService struct {
	jwtSecret []byte
	validity  time.Duration
	apiKey    string
	now       func() time.Time
}

func NewIdentityService(cfg *config.Config) *IdentityService {
	return &IdentityService{
		jwtSecret: []byte(cfg.SecretKey),
		validity:  cfg.IdentityTokenValidity,
		apiKey:    cfg.IdentityAPIKey,
		now:       time.Now,
	}
}

// SignUp mints a new anonymous identity. When an API key is configured the
// caller must present it.
func (s *IdentityService) SignUp(apiKey string) (*IdentityGrant, error) {
	if s.apiKey != "" && subtle.ConstantTimeCompare([]byte(s.apiKey), []byte(apiKey)) != 1 {
		return nil, fmt.Errorf("%w: bad api key", common.ErrorUnauthorized)
	}

	uid := uuid.NewString()
	tok, err := auth.GenerateIdentityToken(uid, s.jwtSecret, s.validity, s.now())
	if err != nil {
		return nil, common.ErrorInternal
	}
	return &IdentityGrant{IDToken: tok, ExpiresIn: s.validity, LocalID: uid}, nil
}

// Verify returns the uid of a valid identity token.
func (s *IdentityService) Verify(token string) (string, error) {
	uid, err := auth.VerifyIdentityToken(token, s.jwtSecret, s.now())
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrorUnauthorized, err)
	}
	return uid, nil
}
