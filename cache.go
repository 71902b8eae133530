package pvault

import "sync"

// CredentialCache is the external collaborator described in spec.md §6.5:
// something that can hold a derived master key between process runs so a
// caller can skip re-deriving it from the password. Any OS-provided
// credential store (macOS Keychain, Windows Credential Manager, the Secret
// Service) implements this seam outside this package; only an in-memory
// reference implementation ships here.
//
// Implementations MUST treat cache misses and cache failures identically:
// callers fall back to a normal password unlock either way. A cached key
// that fails to open the catalog is likewise just a miss, never a fatal
// error (see VaultService.UnlockFromCache).
type CredentialCache interface {
	// Put stores key under accountID, replacing any previous value.
	Put(accountID string, key []byte) error
	// Get returns the stored key for accountID, or ok == false if absent.
	Get(accountID string) (key []byte, ok bool, err error)
	// Delete removes any stored key for accountID. Deleting an absent
	// entry is not an error.
	Delete(accountID string) error
}

// MemoryCredentialCache is a process-local CredentialCache backed by a
// map. It never touches disk or any OS keychain; it exists so callers and
// tests can exercise the cache seam without depending on a real platform
// credential store.
type MemoryCredentialCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

// NewMemoryCredentialCache returns an empty MemoryCredentialCache.
func NewMemoryCredentialCache() *MemoryCredentialCache {
	return &MemoryCredentialCache{items: make(map[string][]byte)}
}

func (c *MemoryCredentialCache) Put(accountID string, key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]byte, len(key))
	copy(stored, key)
	c.items[accountID] = stored
	return nil
}

func (c *MemoryCredentialCache) Get(accountID string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.items[accountID]
	if !ok {
		return nil, false, nil
	}
	key := make([]byte, len(stored))
	copy(key, stored)
	return key, true, nil
}

func (c *MemoryCredentialCache) Delete(accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stored, ok := c.items[accountID]; ok {
		zeroize(stored)
		delete(c.items, accountID)
	}
	return nil
}
