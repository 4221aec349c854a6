package identity

import (
	"crypto/ed25519"
	"fmt"
	"slices"
	"sync"
)

// KeyStore holds the public keys trusted to sign seals, keyed by signer.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]ed25519.PublicKey)}
}

// LoadFromDir adds every .pub file in dir.
func (ks *KeyStore) LoadFromDir(dir string) error {
	loaded, err := LoadPublicKeys(dir)
	if err != nil {
		return fmt.Errorf("loading keys from %s: %w", dir, err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for name, key := range loaded {
		ks.keys[name] = key
	}
	return nil
}

// Add trusts pub for name, replacing any previous key.
func (ks *KeyStore) Add(name string, pub ed25519.PublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[name] = pub
}

func (ks *KeyStore) Get(name string) (ed25519.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[name]
	return key, ok
}

func (ks *KeyStore) Count() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

// Names returns the trusted signer names, sorted.
func (ks *KeyStore) Names() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	names := make([]string, 0, len(ks.keys))
	for name := range ks.keys {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
