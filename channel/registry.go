package channel

import (
	"sync"

	"github.com/opd-ai/sechannel/routing"
)

// Registry indexes established channels by their encryptor and decryptor
// addresses.
type Registry struct {
	mu          sync.RWMutex
	byEncryptor map[routing.Address]*SecureChannel
	byDecryptor map[routing.Address]*SecureChannel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byEncryptor: make(map[routing.Address]*SecureChannel),
		byDecryptor: make(map[routing.Address]*SecureChannel),
	}
}

func (r *Registry) register(ch *SecureChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEncryptor[ch.addresses.Encryptor] = ch
	r.byDecryptor[ch.addresses.DecryptorRemote] = ch
}

func (r *Registry) unregister(ch *SecureChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byEncryptor, ch.addresses.Encryptor)
	delete(r.byDecryptor, ch.addresses.DecryptorRemote)
}

// ByEncryptor returns the channel whose encryptor is addr.
func (r *Registry) ByEncryptor(addr routing.Address) (*SecureChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byEncryptor[addr]
	return ch, ok
}

// ByDecryptor returns the channel whose decryptor is addr.
func (r *Registry) ByDecryptor(addr routing.Address) (*SecureChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byDecryptor[addr]
	return ch, ok
}

// List returns every established channel.
func (r *Registry) List() []*SecureChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SecureChannel, 0, len(r.byEncryptor))
	for _, ch := range r.byEncryptor {
		out = append(out, ch)
	}
	return out
}

// Len returns the number of established channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEncryptor)
}
