// Package auth mints and verifies the store's HS256 tokens: session tokens
// held by a host and anonymous identity tokens.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionAudience  = "listenalong-session"
	identityAudience = "listenalong-identity"
)

// Claims is the session token payload. SessionID names the listener-facing
// session the token may publish to.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

func sign(claims jwt.Claims, secretKey []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secretKey)
}

func keyFunc(secretKey []byte) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return secretKey, nil }
}

// GenerateSessionToken signs a token for sessionID valid until now+validity.
// Every call yields a distinct token.
func GenerateSessionToken(sessionID string, secretKey []byte, validity time.Duration, now time.Time) (string, error) {
	return sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		SessionID: sessionID,
	}, secretKey)
}

// ParseSessionToken verifies tokenString and returns its session id.
// An expired token yields common.ErrTokenExpired; anything else that fails
// verification yields common.ErrInvalidToken.
func ParseSessionToken(tokenString string, secretKey []byte, now time.Time) (string, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc(secretKey),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(sessionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", common.ErrInvalidToken
	}
	if claims.SessionID == "" {
		return "", common.ErrInvalidToken
	}

	return claims.SessionID, nil
}

// ParseRefreshableToken is ParseSessionToken with expiry relaxed by grace:
// a token that expired less than grace ago is still accepted for refresh.
func ParseRefreshableToken(tokenString string, secretKey []byte, grace time.Duration, now time.Time) (string, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc(secretKey),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", common.ErrInvalidToken
	}

	if !hasAudience(claims.Audience, sessionAudience) || claims.SessionID == "" || claims.ExpiresAt == nil {
		return "", common.ErrInvalidToken
	}
	if now.After(claims.ExpiresAt.Add(grace)) {
		return "", common.ErrTokenExpired
	}

	return claims.SessionID, nil
}

// GenerateIdentityToken signs an anonymous identity token for uid.
func GenerateIdentityToken(uid string, secretKey []byte, validity time.Duration, now time.Time) (string, error) {
	return sign(jwt.RegisteredClaims{
		Subject:   uid,
		Audience:  jwt.ClaimStrings{identityAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
	}, secretKey)
}

// VerifyIdentityToken returns the uid carried by a valid identity token.
func VerifyIdentityToken(tokenString string, secretKey []byte, now time.Time) (string, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc(secretKey),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(identityAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", common.ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", common.ErrInvalidToken
	}

	return claims.Subject, nil
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
