package credentials

import (
	"context"
	"sync"

	"github.com/opd-ai/sechannel/identity"
)

// CacheKey identifies a cached credential.
type CacheKey struct {
	Subject identity.Identifier
	Issuer  identity.Identifier
	Scope   string
}

// Cache stores the last credential obtained for a key.
type Cache interface {
	GetCredential(ctx context.Context, key CacheKey) (*identity.CredentialAndPurposeKey, bool, error)
	PutCredential(ctx context.Context, key CacheKey, credential identity.CredentialAndPurposeKey, expiresAt identity.TimestampInSeconds) error
	DeleteCredential(ctx context.Context, key CacheKey) error
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[CacheKey]identity.CredentialAndPurposeKey
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[CacheKey]identity.CredentialAndPurposeKey)}
}

func (c *MemoryCache) GetCredential(_ context.Context, key CacheKey) (*identity.CredentialAndPurposeKey, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &cred, true, nil
}

func (c *MemoryCache) PutCredential(_ context.Context, key CacheKey, credential identity.CredentialAndPurposeKey, _ identity.TimestampInSeconds) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = credential
	return nil
}

func (c *MemoryCache) DeleteCredential(_ context.Context, key CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
