package zapengine

import (
	"context"
	"time"

	"zapengine/internal/cache"
)

// Keys under which the engine persists its state. The backing store is
// pluggable; the engine only assumes get/set/remove semantics.
const (
	storeKeyPublicKey          = "publicKey"
	storeKeyPrivateKey         = "privateKey"
	storeKeyEncryptedPrivKey   = "encryptedPrivateKey"
	storeKeySignInMethod       = "signInMethod"
	storeKeyWalletConnection   = "walletConnectionString"
	storeKeyPendingSignRequest = "pendingSignRequest"
	validationCachePrefix      = "validationCache:"
	nostrAddressCachePrefix    = "nip05Cache:"
)

// KeyStore is the persisted key-value store the engine reads and
// writes: auth credentials, the cached wallet connection string, the
// pending external-signer request and validation cache entries.
type KeyStore struct {
	backend cache.Backend
}

// NewKeyStore wraps a cache backend as the engine's persisted store.
func NewKeyStore(backend cache.Backend) *KeyStore {
	return &KeyStore{backend: backend}
}

// NewMemoryKeyStore returns a store backed by process memory, for
// callers that do not need persistence across restarts.
func NewMemoryKeyStore() *KeyStore {
	return NewKeyStore(cache.NewMemoryStore(10000, time.Minute))
}

// NewRedisKeyStore returns a store backed by Redis.
func NewRedisKeyStore(redisURL string) (*KeyStore, error) {
	backend, err := cache.NewRedisStore(redisURL, "zap:")
	if err != nil {
		return nil, err
	}
	return NewKeyStore(backend), nil
}

func (s *KeyStore) get(ctx context.Context, key string) (string, bool) {
	val, found, err := s.backend.Get(ctx, key)
	if err != nil || !found {
		return "", false
	}
	return string(val), true
}

func (s *KeyStore) set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.backend.Set(ctx, key, []byte(value), ttl)
}

// PublicKey returns the stored hex public key, if any.
func (s *KeyStore) PublicKey(ctx context.Context) (string, bool) {
	return s.get(ctx, storeKeyPublicKey)
}

// SetPublicKey stores the hex public key.
func (s *KeyStore) SetPublicKey(ctx context.Context, pubkey string) error {
	return s.set(ctx, storeKeyPublicKey, pubkey, 0)
}

// PrivateKey returns the stored plaintext hex private key, if any.
func (s *KeyStore) PrivateKey(ctx context.Context) (string, bool) {
	return s.get(ctx, storeKeyPrivateKey)
}

// SetPrivateKey stores a plaintext hex private key.
func (s *KeyStore) SetPrivateKey(ctx context.Context, privkey string) error {
	return s.set(ctx, storeKeyPrivateKey, privkey, 0)
}

// EncryptedPrivateKey returns the password-protected private key blob.
func (s *KeyStore) EncryptedPrivateKey(ctx context.Context) (string, bool) {
	return s.get(ctx, storeKeyEncryptedPrivKey)
}

// SetEncryptedPrivateKey stores a password-protected private key blob.
func (s *KeyStore) SetEncryptedPrivateKey(ctx context.Context, blob string) error {
	return s.set(ctx, storeKeyEncryptedPrivKey, blob, 0)
}

// SignInMethod returns the configured signing method name.
func (s *KeyStore) SignInMethod(ctx context.Context) (string, bool) {
	return s.get(ctx, storeKeySignInMethod)
}

// SetSignInMethod stores the signing method name.
func (s *KeyStore) SetSignInMethod(ctx context.Context, method string) error {
	return s.set(ctx, storeKeySignInMethod, method, 0)
}

// WalletConnectionString returns the cached wallet-connect URI.
func (s *KeyStore) WalletConnectionString(ctx context.Context) (string, bool) {
	return s.get(ctx, storeKeyWalletConnection)
}

// SetWalletConnectionString caches the wallet-connect URI.
func (s *KeyStore) SetWalletConnectionString(ctx context.Context, uri string) error {
	return s.set(ctx, storeKeyWalletConnection, uri, 0)
}

// RemoveWalletConnectionString forgets the wallet-connect URI.
func (s *KeyStore) RemoveWalletConnectionString(ctx context.Context) error {
	return s.backend.Delete(ctx, storeKeyWalletConnection)
}

// PendingSignRequest returns the persisted external-signer request.
func (s *KeyStore) PendingSignRequest(ctx context.Context) (string, bool) {
	return s.get(ctx, storeKeyPendingSignRequest)
}

// SetPendingSignRequest persists an external-signer request so the
// flow can resume after the external app returns.
func (s *KeyStore) SetPendingSignRequest(ctx context.Context, blob string, ttl time.Duration) error {
	return s.set(ctx, storeKeyPendingSignRequest, blob, ttl)
}

// RemovePendingSignRequest clears the persisted external-signer request.
func (s *KeyStore) RemovePendingSignRequest(ctx context.Context) error {
	return s.backend.Delete(ctx, storeKeyPendingSignRequest)
}

// ValidationCacheGet reads a raw validation cache entry.
func (s *KeyStore) ValidationCacheGet(ctx context.Context, key string) ([]byte, bool) {
	val, found, err := s.backend.Get(ctx, validationCachePrefix+key)
	if err != nil || !found {
		return nil, false
	}
	return val, true
}

// ValidationCacheSet writes a raw validation cache entry with TTL.
func (s *KeyStore) ValidationCacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.backend.Set(ctx, validationCachePrefix+key, value, ttl)
}

// NostrAddressCacheGet reads a cached NIP-05 resolution.
func (s *KeyStore) NostrAddressCacheGet(ctx context.Context, key string) ([]byte, bool) {
	val, found, err := s.backend.Get(ctx, nostrAddressCachePrefix+key)
	if err != nil || !found {
		return nil, false
	}
	return val, true
}

// NostrAddressCacheSet writes a NIP-05 resolution with TTL.
func (s *KeyStore) NostrAddressCacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.backend.Set(ctx, nostrAddressCachePrefix+key, value, ttl)
}

// Close releases the backing store.
func (s *KeyStore) Close() error {
	return s.backend.Close()
}
