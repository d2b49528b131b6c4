package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/listenalong/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/dmitrijs2005/listenalong/internal/cryptox"
)

// ErrSealBroken means a stored refresh token exists but cannot be opened,
// typically because the passphrase changed.
var ErrSealBroken = errors.New("stored refresh token cannot be decrypted")

// CredentialStore persists the refresh token. An empty string from Load means
// none is stored.
type CredentialStore interface {
	LoadRefreshToken(ctx context.Context) (string, error)
	SaveRefreshToken(ctx context.Context, token string) error
	DeleteRefreshToken(ctx context.Context) error
}

// SealedStore keeps the refresh token in the metadata repository, sealed with
// AES-GCM under a key derived from passphrase and a per-install salt.
type SealedStore struct {
	repo       metadata.Repository
	passphrase []byte

	mu   sync.Mutex
	salt []byte
	key  []byte
}

func NewSealedStore(repo metadata.Repository, passphrase string) *SealedStore {
	return &SealedStore{repo: repo, passphrase: []byte(passphrase)}
}

// masterKey reads the salt on every call; the derived key is reused only while
// the stored salt is unchanged, so a wiped metadata store gets a fresh salt.
func (s *SealedStore) masterKey(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	salt, err := s.repo.Get(ctx, metadata.KeyVaultSalt)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		salt = common.GenerateRandByteArray(cryptox.SaltSize)
		if err := s.repo.Set(ctx, metadata.KeyVaultSalt, salt); err != nil {
			return nil, err
		}
	}

	if s.key != nil && bytes.Equal(s.salt, salt) {
		return s.key, nil
	}

	s.salt = salt
	s.key = cryptox.DeriveMasterKey(s.passphrase, salt)
	return s.key, nil
}

func (s *SealedStore) LoadRefreshToken(ctx context.Context) (string, error) {
	sealed, err := s.repo.Get(ctx, metadata.KeyRefreshToken)
	if err != nil || sealed == nil {
		return "", err
	}

	key, err := s.masterKey(ctx)
	if err != nil {
		return "", err
	}

	plain, err := cryptox.Open(key, sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSealBroken, err)
	}
	return string(plain), nil
}

func (s *SealedStore) SaveRefreshToken(ctx context.Context, token string) error {
	key, err := s.masterKey(ctx)
	if err != nil {
		return err
	}

	sealed, err := cryptox.Seal(key, []byte(token))
	if err != nil {
		return err
	}
	return s.repo.Set(ctx, metadata.KeyRefreshToken, sealed)
}

func (s *SealedStore) DeleteRefreshToken(ctx context.Context) error {
	return s.repo.Delete(ctx, metadata.KeyRefreshToken)
}
