package identity

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/sechannel/crypto"
	"github.com/sirupsen/logrus"
)

// Attributes are the claims a credential makes about its subject.
type Attributes struct {
	Schema uint64            `cbor:"1,keyasint"`
	Map    map[string][]byte `cbor:"2,keyasint"`
}

// CredentialData is the signed content of a credential.
type CredentialData struct {
	Subject                 *Identifier        `cbor:"1,keyasint,omitempty"`
	SubjectLatestChangeHash *ChangeHash        `cbor:"2,keyasint,omitempty"`
	Attributes              Attributes         `cbor:"3,keyasint"`
	CreatedAt               TimestampInSeconds `cbor:"4,keyasint"`
	ExpiresAt               TimestampInSeconds `cbor:"5,keyasint"`
}

// Credential is CredentialData signed by a credential-signing purpose key.
type Credential struct {
	Data      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// Decode returns the credential's data without verifying it.
func (c Credential) Decode() (*CredentialData, error) {
	var data CredentialData
	if err := decodeVersioned(c.Data, DataTypeCredential, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// CredentialAndPurposeKey is a credential and the attestation of the key
// that signed it.
type CredentialAndPurposeKey struct {
	Credential            Credential            `cbor:"1,keyasint"`
	PurposeKeyAttestation PurposeKeyAttestation `cbor:"2,keyasint"`
}

// Encode returns the CBOR form.
func (c CredentialAndPurposeKey) Encode() ([]byte, error) {
	return cbor.Marshal(c)
}

// DecodeCredentialAndPurposeKey parses the CBOR form.
func DecodeCredentialAndPurposeKey(raw []byte) (CredentialAndPurposeKey, error) {
	var c CredentialAndPurposeKey
	if err := cbor.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: credential: %v", ErrInvalidData, err)
	}
	return c, nil
}

// ExpiresAt returns the credential's expiry without verifying it.
func (c CredentialAndPurposeKey) ExpiresAt() (TimestampInSeconds, error) {
	data, err := c.Credential.Decode()
	if err != nil {
		return 0, err
	}
	return data.ExpiresAt, nil
}

// CredentialAndPurposeKeyData is a verified credential.
type CredentialAndPurposeKeyData struct {
	Credential CredentialData
	PurposeKey PurposeKeyAttestationData
}

// Issuer returns the identifier of the authority that issued the credential.
func (d *CredentialAndPurposeKeyData) Issuer() Identifier { return d.PurposeKey.Subject }

// CredentialsVerification verifies presented credentials and records the
// attributes they prove.
type CredentialsVerification struct {
	purposeKeys *PurposeKeys
	attributes  AttributesRepository
	vault       crypto.VerifyingVault
	time        crypto.TimeProvider
}

// NewCredentialsVerification returns a verification service.
func NewCredentialsVerification(purposeKeys *PurposeKeys, attributes AttributesRepository) *CredentialsVerification {
	return &CredentialsVerification{
		purposeKeys: purposeKeys,
		attributes:  attributes,
		vault:       purposeKeys.vault,
		time:        purposeKeys.time,
	}
}

// VerifyCredential checks that credential was issued by one of authorities
// for expectedSubject (when set) and is currently valid.
func (v *CredentialsVerification) VerifyCredential(ctx context.Context, expectedSubject *Identifier, authorities []Identifier, credential CredentialAndPurposeKey) (*CredentialAndPurposeKeyData, error) {
	data, err := v.verify(ctx, expectedSubject, authorities, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialVerificationFailed, err)
	}
	return data, nil
}

func (v *CredentialsVerification) verify(ctx context.Context, expectedSubject *Identifier, authorities []Identifier, credential CredentialAndPurposeKey) (*CredentialAndPurposeKeyData, error) {
	unverified, err := credential.PurposeKeyAttestation.Decode()
	if err != nil {
		return nil, err
	}
	if !containsIdentifier(authorities, unverified.Subject) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, unverified.Subject)
	}

	purposeKey, err := v.purposeKeys.VerifyPurposeKeyAttestationOf(ctx, credential.PurposeKeyAttestation)
	if err != nil {
		return nil, err
	}
	if purposeKey.PublicKey.Purpose != PurposeCredentialSigning {
		return nil, fmt.Errorf("%w: credential signed by a %s key", ErrInvalidKeyType, purposeKey.PublicKey.Purpose)
	}
	verifyingKey, err := purposeKey.PublicKey.VerifyingKey()
	if err != nil {
		return nil, err
	}

	digest := v.vault.SHA256(credential.Credential.Data)
	valid, err := v.vault.VerifySignature(ctx, verifyingKey, digest[:], credential.Credential.Signature)
	if err != nil || !valid {
		return nil, fmt.Errorf("%w: credential", ErrInvalidSignature)
	}

	data, err := credential.Credential.Decode()
	if err != nil {
		return nil, err
	}
	if data.Subject == nil {
		return nil, fmt.Errorf("%w: credential has no subject", ErrInvalidData)
	}
	if expectedSubject != nil && *data.Subject != *expectedSubject {
		return nil, fmt.Errorf("%w: credential subject %s, expected %s", ErrIdentifierMismatch, data.Subject, expectedSubject)
	}

	if data.CreatedAt < purposeKey.CreatedAt || data.ExpiresAt > purposeKey.ExpiresAt {
		return nil, fmt.Errorf("%w: credential outlives its signing key", ErrInvalidData)
	}
	if data.ExpiresAt <= data.CreatedAt {
		return nil, fmt.Errorf("%w: credential expires before it is created", ErrInvalidData)
	}

	now := Now(v.time)
	if data.CreatedAt > now+maxFutureDrift {
		return nil, fmt.Errorf("%w: credential created in the future", ErrInvalidData)
	}
	if data.ExpiresAt <= now {
		return nil, fmt.Errorf("%w: credential expired", ErrInvalidData)
	}

	return &CredentialAndPurposeKeyData{Credential: *data, PurposeKey: *purposeKey}, nil
}

// ReceivePresentedCredential verifies a credential presented by subject and
// stores its attributes.
func (v *CredentialsVerification) ReceivePresentedCredential(ctx context.Context, subject Identifier, authorities []Identifier, credential CredentialAndPurposeKey) error {
	data, err := v.VerifyCredential(ctx, &subject, authorities, credential)
	if err != nil {
		return err
	}

	issuer := data.Issuer()
	expires := data.Credential.ExpiresAt
	entry := AttributesEntry{
		Attributes: data.Credential.Attributes.Map,
		ExpiresAt:  &expires,
		AddedAt:    Now(v.time),
		AttestedBy: &issuer,
	}
	if err := v.attributes.PutAttributes(ctx, subject, entry); err != nil {
		return fmt.Errorf("failed to store attributes: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ReceivePresentedCredential",
		"subject":  subject.String(),
		"issuer":   issuer.String(),
	}).Debug("Presented credential accepted")
	return nil
}

// ReceivePresentedCredentials verifies every credential before storing
// any of them. Attributes are merged in order and expire with the earliest
// credential. One invalid credential rejects the whole set.
func (v *CredentialsVerification) ReceivePresentedCredentials(ctx context.Context, subject Identifier, authorities []Identifier, credentials []CredentialAndPurposeKey) error {
	if len(credentials) == 0 {
		return nil
	}

	verified := make([]*CredentialAndPurposeKeyData, 0, len(credentials))
	for idx, credential := range credentials {
		data, err := v.VerifyCredential(ctx, &subject, authorities, credential)
		if err != nil {
			return fmt.Errorf("credential %d: %w", idx, err)
		}
		verified = append(verified, data)
	}

	issuer := verified[0].Issuer()
	expires := verified[0].Credential.ExpiresAt
	merged := make(map[string][]byte)
	for _, data := range verified {
		for k, val := range data.Credential.Attributes.Map {
			merged[k] = val
		}
		if data.Credential.ExpiresAt < expires {
			expires = data.Credential.ExpiresAt
		}
	}

	entry := AttributesEntry{
		Attributes: merged,
		ExpiresAt:  &expires,
		AddedAt:    Now(v.time),
		AttestedBy: &issuer,
	}
	if err := v.attributes.PutAttributes(ctx, subject, entry); err != nil {
		return fmt.Errorf("failed to store attributes: %w", err)
	}
	return nil
}

func containsIdentifier(ids []Identifier, id Identifier) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
