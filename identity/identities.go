package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/sechannel/crypto"
	"github.com/sirupsen/logrus"
)

// DefaultIdentityTTL is the validity of a newly created primary key.
const DefaultIdentityTTL = 10 * 365 * 24 * time.Hour

// Identities creates, rotates and imports identities.
type Identities struct {
	vault     crypto.Vault
	histories ChangeHistoryRepository
	time      crypto.TimeProvider
	keyType   crypto.SigningKeyType
	ttl       time.Duration

	mu   sync.RWMutex
	keys map[Identifier]crypto.KeyHandle
}

// IdentitiesOption configures Identities.
type IdentitiesOption func(*Identities)

// WithTimeProvider sets the clock used for change timestamps.
func WithTimeProvider(tp crypto.TimeProvider) IdentitiesOption {
	return func(i *Identities) { i.time = tp }
}

// WithIdentityKeyType selects the signing scheme of new primary keys.
func WithIdentityKeyType(keyType crypto.SigningKeyType) IdentitiesOption {
	return func(i *Identities) { i.keyType = keyType }
}

// WithIdentityTTL sets the validity of new primary keys.
func WithIdentityTTL(ttl time.Duration) IdentitiesOption {
	return func(i *Identities) { i.ttl = ttl }
}

// NewIdentities returns an Identities service.
func NewIdentities(vault crypto.Vault, histories ChangeHistoryRepository, opts ...IdentitiesOption) *Identities {
	i := &Identities{
		vault:     vault,
		histories: histories,
		time:      crypto.GetDefaultTimeProvider(),
		keyType:   crypto.SigningKeyEd25519,
		ttl:       DefaultIdentityTTL,
		keys:      make(map[Identifier]crypto.KeyHandle),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Vault returns the vault backing the service.
func (i *Identities) Vault() crypto.Vault { return i.vault }

// TimeProvider returns the service clock.
func (i *Identities) TimeProvider() crypto.TimeProvider { return i.time }

// CreateIdentity generates a primary key and a one-change history.
func (i *Identities) CreateIdentity(ctx context.Context) (*Identity, error) {
	handle, err := i.vault.GenerateSigningKey(ctx, i.keyType)
	if err != nil {
		return nil, fmt.Errorf("failed to generate primary key: %w", err)
	}

	change, err := i.makeChange(ctx, handle, "", nil, false)
	if err != nil {
		return nil, err
	}

	identity, err := verifyChangeHistory(ctx, i.vault, ChangeHistory{change})
	if err != nil {
		return nil, err
	}
	if err := i.histories.StoreChangeHistory(ctx, identity.Identifier(), identity.ChangeHistory()); err != nil {
		return nil, fmt.Errorf("failed to store change history: %w", err)
	}

	i.mu.Lock()
	i.keys[identity.Identifier()] = handle
	i.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "CreateIdentity",
		"identifier": identity.Identifier().String(),
		"key_type":   i.keyType.String(),
	}).Info("Identity created")
	return identity, nil
}

// RotateIdentity appends a change with a fresh primary key. Purpose keys
// attested before the rotation stop verifying; revokePurposeKeys records
// that in the change so they are reported as revoked.
func (i *Identities) RotateIdentity(ctx context.Context, id Identifier, revokePurposeKeys bool) (*Identity, error) {
	current, err := i.GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	previousHandle, err := i.signingKey(id)
	if err != nil {
		return nil, err
	}

	handle, err := i.vault.GenerateSigningKey(ctx, i.keyType)
	if err != nil {
		return nil, fmt.Errorf("failed to generate primary key: %w", err)
	}

	latest := current.LatestChangeHash()
	change, err := i.makeChange(ctx, handle, previousHandle, &latest, revokePurposeKeys)
	if err != nil {
		return nil, err
	}

	history := append(current.ChangeHistory(), change)
	rotated, err := verifyChangeHistory(ctx, i.vault, history)
	if err != nil {
		return nil, err
	}
	if err := i.histories.StoreChangeHistory(ctx, id, rotated.ChangeHistory()); err != nil {
		return nil, fmt.Errorf("failed to store change history: %w", err)
	}

	i.mu.Lock()
	i.keys[id] = handle
	i.mu.Unlock()

	if _, err := i.vault.DeleteSigningKey(ctx, previousHandle); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "RotateIdentity",
			"identifier": id.String(),
			"error":      err.Error(),
		}).Warn("Failed to delete previous primary key")
	}
	return rotated, nil
}

func (i *Identities) makeChange(ctx context.Context, handle, previousHandle crypto.KeyHandle, previousHash *ChangeHash, revoke bool) (Change, error) {
	publicKey, err := i.vault.SigningPublicKey(ctx, handle)
	if err != nil {
		return Change{}, err
	}

	now := Now(i.time)
	data, err := encodeVersioned(DataTypeChange, ChangeData{
		PreviousChangeHash:   previousHash,
		PrimaryPublicKey:     publicKey,
		RevokeAllPurposeKeys: revoke,
		CreatedAt:            now,
		ExpiresAt:            now.Add(i.ttl),
	})
	if err != nil {
		return Change{}, err
	}

	digest := i.vault.SHA256(data)
	signature, err := i.vault.Sign(ctx, handle, digest[:])
	if err != nil {
		return Change{}, fmt.Errorf("failed to sign change: %w", err)
	}

	change := Change{Data: data, Signature: signature}
	if previousHandle != "" {
		change.PreviousSignature, err = i.vault.Sign(ctx, previousHandle, digest[:])
		if err != nil {
			return Change{}, fmt.Errorf("failed to sign change with previous key: %w", err)
		}
	}
	return change, nil
}

// ImportChangeHistory verifies an exported change history and stores it.
// When expected is set the resulting identifier must equal it. A history
// that conflicts with the stored one for the same identifier is rejected;
// an older prefix of the stored history returns the stored identity.
func (i *Identities) ImportChangeHistory(ctx context.Context, expected *Identifier, raw []byte) (*Identity, error) {
	history, err := DecodeChangeHistory(raw)
	if err != nil {
		return nil, err
	}
	return i.ImportIdentity(ctx, expected, history)
}

// ImportIdentity is ImportChangeHistory for an already decoded history.
func (i *Identities) ImportIdentity(ctx context.Context, expected *Identifier, history ChangeHistory) (*Identity, error) {
	imported, err := verifyChangeHistory(ctx, i.vault, history)
	if err != nil {
		return nil, err
	}
	if expected != nil && *expected != imported.Identifier() {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrIdentifierMismatch, imported.Identifier(), expected)
	}

	known, err := i.lookup(ctx, imported.Identifier())
	if err != nil {
		return nil, err
	}
	if known != nil {
		switch {
		case imported.Extends(known):
		case known.Extends(imported):
			return known, nil
		default:
			return nil, fmt.Errorf("%w: history conflicts with the known history of %s", ErrIdentityVerificationFailed, imported.Identifier())
		}
	}

	if err := i.histories.StoreChangeHistory(ctx, imported.Identifier(), imported.ChangeHistory()); err != nil {
		return nil, fmt.Errorf("failed to store change history: %w", err)
	}
	return imported, nil
}

// GetIdentity loads and verifies the stored identity for id.
func (i *Identities) GetIdentity(ctx context.Context, id Identifier) (*Identity, error) {
	identity, err := i.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return identity, nil
}

func (i *Identities) lookup(ctx context.Context, id Identifier) (*Identity, error) {
	history, ok, err := i.histories.GetChangeHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load change history: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return verifyChangeHistory(ctx, i.vault, history)
}

// AttachSigningKey associates an existing vault key with a stored identity,
// e.g. after a restart with a persistent vault. The key must be the
// identity's latest primary key.
func (i *Identities) AttachSigningKey(ctx context.Context, id Identifier, handle crypto.KeyHandle) error {
	identity, err := i.GetIdentity(ctx, id)
	if err != nil {
		return err
	}
	publicKey, err := i.vault.SigningPublicKey(ctx, handle)
	if err != nil {
		return err
	}
	latest := identity.LatestPrimaryPublicKey()
	if publicKey.Type != latest.Type || string(publicKey.Key) != string(latest.Key) {
		return fmt.Errorf("%w: key is not the latest primary key of %s", ErrInvalidKeyData, id)
	}

	i.mu.Lock()
	i.keys[id] = handle
	i.mu.Unlock()
	return nil
}

// SigningKeyHandle returns the vault handle of id's primary key.
func (i *Identities) SigningKeyHandle(id Identifier) (crypto.KeyHandle, error) {
	return i.signingKey(id)
}

func (i *Identities) signingKey(id Identifier) (crypto.KeyHandle, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	handle, ok := i.keys[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSigningKey, id)
	}
	return handle, nil
}
