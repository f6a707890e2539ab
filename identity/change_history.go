package identity

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/sechannel/crypto"
)

// ChangeData is the content of one key-rotation event.
type ChangeData struct {
	PreviousChangeHash   *ChangeHash               `cbor:"1,keyasint,omitempty"`
	PrimaryPublicKey     crypto.VerifyingPublicKey `cbor:"2,keyasint"`
	RevokeAllPurposeKeys bool                      `cbor:"3,keyasint"`
	CreatedAt            TimestampInSeconds        `cbor:"4,keyasint"`
	ExpiresAt            TimestampInSeconds        `cbor:"5,keyasint"`
}

// Change is a signed ChangeData. Every change is signed by its own primary
// key; all but the first are also signed by the previous primary key.
type Change struct {
	Data              []byte `cbor:"1,keyasint"`
	Signature         []byte `cbor:"2,keyasint"`
	PreviousSignature []byte `cbor:"3,keyasint,omitempty"`
}

// ChangeHistory is the ordered log of changes of one identity.
type ChangeHistory []Change

// Export encodes the history for transmission or storage.
func (h ChangeHistory) Export() ([]byte, error) {
	raw, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change history: %w", err)
	}
	return raw, nil
}

// DecodeChangeHistory decodes an exported change history.
func DecodeChangeHistory(raw []byte) (ChangeHistory, error) {
	var h ChangeHistory
	if err := cbor.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("%w: change history: %v", ErrInvalidData, err)
	}
	return h, nil
}

// VerifiedChange is a change whose signatures and chaining were checked.
type VerifiedChange struct {
	Hash                 ChangeHash
	PrimaryPublicKey     crypto.VerifyingPublicKey
	RevokeAllPurposeKeys bool
	CreatedAt            TimestampInSeconds
	ExpiresAt            TimestampInSeconds
}

// Identity is a verified change history and the identifier derived from it.
type Identity struct {
	identifier Identifier
	changes    []VerifiedChange
	history    ChangeHistory
}

// Identifier returns the identity's identifier.
func (i *Identity) Identifier() Identifier { return i.identifier }

// Changes returns the verified changes, oldest first.
func (i *Identity) Changes() []VerifiedChange {
	out := make([]VerifiedChange, len(i.changes))
	copy(out, i.changes)
	return out
}

// ChangeHistory returns the raw change history.
func (i *Identity) ChangeHistory() ChangeHistory { return i.history }

// LatestChange returns the most recent change.
func (i *Identity) LatestChange() VerifiedChange { return i.changes[len(i.changes)-1] }

// LatestChangeHash returns the hash of the most recent change.
func (i *Identity) LatestChangeHash() ChangeHash { return i.LatestChange().Hash }

// LatestPrimaryPublicKey returns the current primary key.
func (i *Identity) LatestPrimaryPublicKey() crypto.VerifyingPublicKey {
	return i.LatestChange().PrimaryPublicKey
}

// Export encodes the identity's change history.
func (i *Identity) Export() ([]byte, error) { return i.history.Export() }

// findChange returns the index of the change with the given hash.
func (i *Identity) findChange(hash ChangeHash) (int, bool) {
	for idx, change := range i.changes {
		if change.Hash == hash {
			return idx, true
		}
	}
	return 0, false
}

// purposeKeysRevokedAfter reports whether a change after index revoked all
// purpose keys.
func (i *Identity) purposeKeysRevokedAfter(index int) bool {
	for _, change := range i.changes[index+1:] {
		if change.RevokeAllPurposeKeys {
			return true
		}
	}
	return false
}

// Extends reports whether i's history starts with other's history.
func (i *Identity) Extends(other *Identity) bool {
	if i.identifier != other.identifier || len(i.changes) < len(other.changes) {
		return false
	}
	for idx := range other.changes {
		if i.changes[idx].Hash != other.changes[idx].Hash {
			return false
		}
	}
	return true
}

// verifyChangeHistory checks every change of history in order and returns
// the resulting identity.
func verifyChangeHistory(ctx context.Context, vault crypto.VerifyingVault, history ChangeHistory) (*Identity, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: empty change history", ErrIdentityVerificationFailed)
	}

	identity := &Identity{history: history}
	var previous *VerifiedChange

	for idx, change := range history {
		var data ChangeData
		if err := decodeVersioned(change.Data, DataTypeChange, &data); err != nil {
			return nil, fmt.Errorf("%w: change %d: %v", ErrIdentityVerificationFailed, idx, err)
		}

		hash, err := hashChangeData(change.Data)
		if err != nil {
			return nil, err
		}

		if previous == nil {
			if data.PreviousChangeHash != nil {
				return nil, fmt.Errorf("%w: first change references a previous change", ErrIdentityVerificationFailed)
			}
		} else {
			if data.PreviousChangeHash == nil || *data.PreviousChangeHash != previous.Hash {
				return nil, fmt.Errorf("%w: change %d breaks the hash chain", ErrIdentityVerificationFailed, idx)
			}
			if data.CreatedAt < previous.CreatedAt {
				return nil, fmt.Errorf("%w: change %d predates its predecessor", ErrIdentityVerificationFailed, idx)
			}
		}
		if data.ExpiresAt <= data.CreatedAt {
			return nil, fmt.Errorf("%w: change %d expires before it is created", ErrIdentityVerificationFailed, idx)
		}

		digest := vault.SHA256(change.Data)
		ok, err := vault.VerifySignature(ctx, data.PrimaryPublicKey, digest[:], change.Signature)
		if err != nil || !ok {
			return nil, fmt.Errorf("%w: change %d self signature", ErrIdentityVerificationFailed, idx)
		}

		if previous != nil {
			if len(change.PreviousSignature) == 0 {
				return nil, fmt.Errorf("%w: change %d is missing the previous key signature", ErrIdentityVerificationFailed, idx)
			}
			ok, err := vault.VerifySignature(ctx, previous.PrimaryPublicKey, digest[:], change.PreviousSignature)
			if err != nil || !ok {
				return nil, fmt.Errorf("%w: change %d previous key signature", ErrIdentityVerificationFailed, idx)
			}
			if bytes.Equal(previous.PrimaryPublicKey.Key, data.PrimaryPublicKey.Key) {
				return nil, fmt.Errorf("%w: change %d does not rotate the primary key", ErrIdentityVerificationFailed, idx)
			}
		}

		verified := VerifiedChange{
			Hash:                 ChangeHash(hash),
			PrimaryPublicKey:     data.PrimaryPublicKey,
			RevokeAllPurposeKeys: data.RevokeAllPurposeKeys,
			CreatedAt:            data.CreatedAt,
			ExpiresAt:            data.ExpiresAt,
		}
		if previous == nil {
			identity.identifier = Identifier(hash)
		}
		identity.changes = append(identity.changes, verified)
		previous = &identity.changes[len(identity.changes)-1]
	}

	return identity, nil
}
