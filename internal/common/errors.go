package common

import "errors"

var (
	// repository errors
	ErrorNotFound = errors.New("not found")

	// store service errors
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrInvalidUpdate  = errors.New("invalid update")
	ErrRateLimited    = errors.New("rate limited")

	// credential vault
	ErrAuthExchangeFailed = errors.New("auth exchange failed")
	ErrReauthRequired     = errors.New("re-authentication required")

	// session + publisher
	ErrSessionExpired      = errors.New("session expired")
	ErrPublishFailed       = errors.New("publish failed")
	ErrCreateSessionFailed = errors.New("create session failed")
	ErrNoSession           = errors.New("no active session")
	ErrIdentityUnavailable = errors.New("identity unavailable")
)
