package identity

import (
	"context"
	"sync"
)

// ChangeHistoryRepository stores the change histories of known identities.
type ChangeHistoryRepository interface {
	// StoreChangeHistory inserts or replaces the history of id.
	StoreChangeHistory(ctx context.Context, id Identifier, history ChangeHistory) error
	// GetChangeHistory returns the stored history of id, if any.
	GetChangeHistory(ctx context.Context, id Identifier) (ChangeHistory, bool, error)
	DeleteChangeHistory(ctx context.Context, id Identifier) error
}

// AttributesEntry holds attributes proven by a verified credential.
type AttributesEntry struct {
	Attributes map[string][]byte
	ExpiresAt  *TimestampInSeconds
	AddedAt    TimestampInSeconds
	AttestedBy *Identifier
}

// expired reports whether e is no longer valid at now.
func (e *AttributesEntry) expired(now TimestampInSeconds) bool {
	return e.ExpiresAt != nil && *e.ExpiresAt <= now
}

// AttributesRepository stores attributes of subjects, keyed by identifier.
type AttributesRepository interface {
	PutAttributes(ctx context.Context, subject Identifier, entry AttributesEntry) error
	// GetAttributes returns the subject's attributes unless they expired at now.
	GetAttributes(ctx context.Context, subject Identifier, now TimestampInSeconds) (*AttributesEntry, bool, error)
	DeleteExpiredAttributes(ctx context.Context, now TimestampInSeconds) error
}

// MemoryChangeHistoryRepository is an in-memory ChangeHistoryRepository.
type MemoryChangeHistoryRepository struct {
	mu        sync.RWMutex
	histories map[Identifier]ChangeHistory
}

// NewMemoryChangeHistoryRepository returns an empty repository.
func NewMemoryChangeHistoryRepository() *MemoryChangeHistoryRepository {
	return &MemoryChangeHistoryRepository{histories: make(map[Identifier]ChangeHistory)}
}

func (r *MemoryChangeHistoryRepository) StoreChangeHistory(_ context.Context, id Identifier, history ChangeHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histories[id] = append(ChangeHistory(nil), history...)
	return nil
}

func (r *MemoryChangeHistoryRepository) GetChangeHistory(_ context.Context, id Identifier) (ChangeHistory, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.histories[id]
	if !ok {
		return nil, false, nil
	}
	return append(ChangeHistory(nil), h...), true, nil
}

func (r *MemoryChangeHistoryRepository) DeleteChangeHistory(_ context.Context, id Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.histories, id)
	return nil
}

// MemoryAttributesRepository is an in-memory AttributesRepository.
type MemoryAttributesRepository struct {
	mu      sync.RWMutex
	entries map[Identifier]AttributesEntry
}

// NewMemoryAttributesRepository returns an empty repository.
func NewMemoryAttributesRepository() *MemoryAttributesRepository {
	return &MemoryAttributesRepository{entries: make(map[Identifier]AttributesEntry)}
}

func (r *MemoryAttributesRepository) PutAttributes(_ context.Context, subject Identifier, entry AttributesEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[subject] = entry
	return nil
}

func (r *MemoryAttributesRepository) GetAttributes(_ context.Context, subject Identifier, now TimestampInSeconds) (*AttributesEntry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[subject]
	if !ok || entry.expired(now) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (r *MemoryAttributesRepository) DeleteExpiredAttributes(_ context.Context, now TimestampInSeconds) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for subject, entry := range r.entries {
		if entry.expired(now) {
			delete(r.entries, subject)
		}
	}
	return nil
}
