// Package metadata is the host's durable key/value store. It holds the sealed
// media-service refresh token, the key-derivation salt and the current store
// session; everything else the host knows lives in memory only.
package metadata

import (
	"context"
)

// Well-known keys.
const (
	KeyRefreshToken  = "vault.refresh_token"
	KeyVaultSalt     = "vault.salt"
	KeySessionToken  = "session.token"
	KeySessionExpiry = "session.expires_at"
	KeySessionID     = "session.id"
)

// Repository stores opaque values by key. Get returns (nil, nil) for a
// missing key.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
}
