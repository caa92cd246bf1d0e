package daemon

import (
	"crypto"
	"crypto/x509"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrUnknownKey = errors.New("key not loaded")

type loadedKey struct {
	signer crypto.Signer
	cert   *x509.Certificate
	chain  []*x509.Certificate
}

// keyring maps the opaque keyIds handed out by load_key to signers.
type keyring struct {
	mu   sync.RWMutex
	keys map[string]loadedKey
}

func newKeyring() *keyring {
	return &keyring{keys: make(map[string]loadedKey)}
}

func (k *keyring) add(key loadedKey) string {
	id := uuid.NewString()
	k.mu.Lock()
	k.keys[id] = key
	k.mu.Unlock()
	return id
}

func (k *keyring) get(id string) (loadedKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	if !ok {
		return loadedKey{}, ErrUnknownKey
	}
	return key, nil
}

func (k *keyring) clear() {
	k.mu.Lock()
	k.keys = make(map[string]loadedKey)
	k.mu.Unlock()
}
