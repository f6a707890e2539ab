package identity

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/sechannel/crypto"
	"github.com/sirupsen/logrus"
)

// Purpose is the use a purpose key is attested for.
type Purpose uint8

const (
	// PurposeSecureChannelStatic keys are the static DH keys of Noise handshakes.
	PurposeSecureChannelStatic Purpose = 1
	// PurposeCredentialSigning keys sign credentials.
	PurposeCredentialSigning Purpose = 2
)

func (p Purpose) String() string {
	switch p {
	case PurposeSecureChannelStatic:
		return "secure-channel-static"
	case PurposeCredentialSigning:
		return "credential-signing"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// PurposeKeyType is the algorithm of an attested key.
type PurposeKeyType uint8

const (
	PurposeKeyX25519     PurposeKeyType = 1
	PurposeKeyEd25519    PurposeKeyType = 2
	PurposeKeyDilithium3 PurposeKeyType = 3
)

// PurposePublicKey is the attested public key and its declared purpose.
type PurposePublicKey struct {
	Purpose Purpose        `cbor:"1,keyasint"`
	KeyType PurposeKeyType `cbor:"2,keyasint"`
	Key     []byte         `cbor:"3,keyasint"`
}

// VerifyingKey converts a credential-signing key to its vault form.
func (p PurposePublicKey) VerifyingKey() (crypto.VerifyingPublicKey, error) {
	switch p.KeyType {
	case PurposeKeyEd25519:
		return crypto.VerifyingPublicKey{Type: crypto.SigningKeyEd25519, Key: p.Key}, nil
	case PurposeKeyDilithium3:
		return crypto.VerifyingPublicKey{Type: crypto.SigningKeyDilithium3, Key: p.Key}, nil
	default:
		return crypto.VerifyingPublicKey{}, fmt.Errorf("%w: key type %d cannot verify signatures", ErrInvalidKeyType, p.KeyType)
	}
}

func purposeKeyType(t crypto.SigningKeyType) (PurposeKeyType, error) {
	switch t {
	case crypto.SigningKeyEd25519:
		return PurposeKeyEd25519, nil
	case crypto.SigningKeyDilithium3:
		return PurposeKeyDilithium3, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidKeyType, t)
	}
}

// PurposeKeyAttestationData binds a purpose key to its subject.
type PurposeKeyAttestationData struct {
	Subject                 Identifier         `cbor:"1,keyasint"`
	SubjectLatestChangeHash ChangeHash         `cbor:"2,keyasint"`
	PublicKey               PurposePublicKey   `cbor:"3,keyasint"`
	CreatedAt               TimestampInSeconds `cbor:"4,keyasint"`
	ExpiresAt               TimestampInSeconds `cbor:"5,keyasint"`
}

// PurposeKeyAttestation is PurposeKeyAttestationData signed by the
// subject's primary key.
type PurposeKeyAttestation struct {
	Data      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// Decode returns the attestation's data without verifying it.
func (a PurposeKeyAttestation) Decode() (*PurposeKeyAttestationData, error) {
	var data PurposeKeyAttestationData
	if err := decodeVersioned(a.Data, DataTypePurposeKeyAttestation, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// SecureChannelPurposeKey is a local X25519 key attested for handshakes.
type SecureChannelPurposeKey struct {
	Subject     Identifier
	Handle      crypto.KeyHandle
	PublicKey   [32]byte
	Attestation PurposeKeyAttestation
	Data        PurposeKeyAttestationData
}

// CredentialPurposeKey is a local signing key attested for credentials.
type CredentialPurposeKey struct {
	Subject     Identifier
	Handle      crypto.KeyHandle
	PublicKey   crypto.VerifyingPublicKey
	Attestation PurposeKeyAttestation
	Data        PurposeKeyAttestationData
}

// DefaultPurposeKeyTTL is the validity of new purpose keys.
const DefaultPurposeKeyTTL = 90 * 24 * time.Hour

// maxFutureDrift bounds how far in the future a creation time may be.
const maxFutureDrift = 5

// PurposeKeys creates and verifies purpose key attestations.
type PurposeKeys struct {
	identities *Identities
	vault      crypto.Vault
	time       crypto.TimeProvider
	ttl        time.Duration
}

// NewPurposeKeys returns a PurposeKeys service. A zero ttl selects
// DefaultPurposeKeyTTL.
func NewPurposeKeys(identities *Identities, ttl time.Duration) *PurposeKeys {
	if ttl <= 0 {
		ttl = DefaultPurposeKeyTTL
	}
	return &PurposeKeys{
		identities: identities,
		vault:      identities.Vault(),
		time:       identities.TimeProvider(),
		ttl:        ttl,
	}
}

// CreateSecureChannelPurposeKey generates a static X25519 key for subject
// and attests it.
func (p *PurposeKeys) CreateSecureChannelPurposeKey(ctx context.Context, subject Identifier) (*SecureChannelPurposeKey, error) {
	handle, err := p.vault.GenerateStaticX25519Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secure channel key: %w", err)
	}
	pub, err := p.vault.X25519PublicKey(ctx, handle)
	if err != nil {
		return nil, err
	}

	att, data, err := p.attest(ctx, subject, PurposePublicKey{
		Purpose: PurposeSecureChannelStatic,
		KeyType: PurposeKeyX25519,
		Key:     pub[:],
	})
	if err != nil {
		_, _ = p.vault.DeleteX25519Key(ctx, handle)
		return nil, err
	}

	return &SecureChannelPurposeKey{
		Subject:     subject,
		Handle:      handle,
		PublicKey:   pub,
		Attestation: att,
		Data:        data,
	}, nil
}

// CreateCredentialPurposeKey generates a signing key for subject and attests
// it for credential signing.
func (p *PurposeKeys) CreateCredentialPurposeKey(ctx context.Context, subject Identifier, keyType crypto.SigningKeyType) (*CredentialPurposeKey, error) {
	purposeType, err := purposeKeyType(keyType)
	if err != nil {
		return nil, err
	}
	handle, err := p.vault.GenerateSigningKey(ctx, keyType)
	if err != nil {
		return nil, fmt.Errorf("failed to generate credential signing key: %w", err)
	}
	pub, err := p.vault.SigningPublicKey(ctx, handle)
	if err != nil {
		return nil, err
	}

	att, data, err := p.attest(ctx, subject, PurposePublicKey{
		Purpose: PurposeCredentialSigning,
		KeyType: purposeType,
		Key:     pub.Key,
	})
	if err != nil {
		_, _ = p.vault.DeleteSigningKey(ctx, handle)
		return nil, err
	}

	return &CredentialPurposeKey{
		Subject:     subject,
		Handle:      handle,
		PublicKey:   pub,
		Attestation: att,
		Data:        data,
	}, nil
}

func (p *PurposeKeys) attest(ctx context.Context, subject Identifier, key PurposePublicKey) (PurposeKeyAttestation, PurposeKeyAttestationData, error) {
	identity, err := p.identities.GetIdentity(ctx, subject)
	if err != nil {
		return PurposeKeyAttestation{}, PurposeKeyAttestationData{}, err
	}
	signer, err := p.identities.SigningKeyHandle(subject)
	if err != nil {
		return PurposeKeyAttestation{}, PurposeKeyAttestationData{}, err
	}

	now := Now(p.time)
	data := PurposeKeyAttestationData{
		Subject:                 subject,
		SubjectLatestChangeHash: identity.LatestChangeHash(),
		PublicKey:               key,
		CreatedAt:               now,
		ExpiresAt:               now.Add(p.ttl),
	}
	raw, err := encodeVersioned(DataTypePurposeKeyAttestation, data)
	if err != nil {
		return PurposeKeyAttestation{}, PurposeKeyAttestationData{}, err
	}

	digest := p.vault.SHA256(raw)
	signature, err := p.vault.Sign(ctx, signer, digest[:])
	if err != nil {
		return PurposeKeyAttestation{}, PurposeKeyAttestationData{}, fmt.Errorf("failed to sign attestation: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "attest",
		"subject":  subject.String(),
		"purpose":  key.Purpose.String(),
	}).Debug("Purpose key attested")

	return PurposeKeyAttestation{Data: raw, Signature: signature}, data, nil
}

// VerifyPurposeKeyAttestation checks att against the subject identity: the
// referenced change must be the subject's latest change, the signature must
// come from that change's primary key and the attestation must be within
// its validity window. Keys attested before a rotation stop verifying.
func (p *PurposeKeys) VerifyPurposeKeyAttestation(ctx context.Context, subject *Identity, att PurposeKeyAttestation) (*PurposeKeyAttestationData, error) {
	data, err := att.Decode()
	if err != nil {
		return nil, err
	}
	if data.Subject != subject.Identifier() {
		return nil, fmt.Errorf("%w: attestation subject %s, identity %s", ErrIdentifierMismatch, data.Subject, subject.Identifier())
	}

	idx, ok := subject.findChange(data.SubjectLatestChangeHash)
	if !ok {
		return nil, fmt.Errorf("%w: attestation references unknown change %s", ErrIdentityVerificationFailed, data.SubjectLatestChangeHash)
	}
	if subject.purposeKeysRevokedAfter(idx) {
		return nil, ErrPurposeKeyRevoked
	}
	if data.SubjectLatestChangeHash != subject.LatestChangeHash() {
		return nil, fmt.Errorf("%w: attested by change %s", ErrPurposeKeyOutdated, data.SubjectLatestChangeHash)
	}

	digest := p.vault.SHA256(att.Data)
	valid, err := p.vault.VerifySignature(ctx, subject.changes[idx].PrimaryPublicKey, digest[:], att.Signature)
	if err != nil || !valid {
		return nil, fmt.Errorf("%w: purpose key attestation", ErrInvalidSignature)
	}

	if err := checkPurposeKeyConsistency(data.PublicKey); err != nil {
		return nil, err
	}

	now := Now(p.time)
	if data.ExpiresAt <= data.CreatedAt {
		return nil, fmt.Errorf("%w: expires before it is created", ErrPurposeKeyExpired)
	}
	if data.CreatedAt > now+maxFutureDrift {
		return nil, fmt.Errorf("%w: created in the future", ErrInvalidData)
	}
	if data.ExpiresAt <= now {
		return nil, ErrPurposeKeyExpired
	}
	return data, nil
}

// VerifyPurposeKeyAttestationOf loads the subject's identity from the
// repository and verifies att against it.
func (p *PurposeKeys) VerifyPurposeKeyAttestationOf(ctx context.Context, att PurposeKeyAttestation) (*PurposeKeyAttestationData, error) {
	data, err := att.Decode()
	if err != nil {
		return nil, err
	}
	subject, err := p.identities.GetIdentity(ctx, data.Subject)
	if err != nil {
		return nil, err
	}
	return p.VerifyPurposeKeyAttestation(ctx, subject, att)
}

// checkPurposeKeyConsistency rejects keys whose type does not fit their
// declared purpose.
func checkPurposeKeyConsistency(key PurposePublicKey) error {
	switch key.Purpose {
	case PurposeSecureChannelStatic:
		if key.KeyType != PurposeKeyX25519 || len(key.Key) != crypto.X25519KeySize {
			return fmt.Errorf("%w: secure channel keys must be x25519", ErrInvalidKeyType)
		}
	case PurposeCredentialSigning:
		if key.KeyType != PurposeKeyEd25519 && key.KeyType != PurposeKeyDilithium3 {
			return fmt.Errorf("%w: credential signing keys must be signature keys", ErrInvalidKeyType)
		}
	default:
		return fmt.Errorf("%w: purpose %d", ErrInvalidKeyType, key.Purpose)
	}
	return nil
}

// MatchesStaticKey reports whether the attested key equals key.
func (d *PurposeKeyAttestationData) MatchesStaticKey(key []byte) bool {
	return bytes.Equal(d.PublicKey.Key, key)
}

// Export encodes the attestation for storage.
func (a PurposeKeyAttestation) Export() ([]byte, error) {
	return cbor.Marshal(a)
}
