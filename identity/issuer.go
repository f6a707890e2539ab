package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/sechannel/crypto"
	"github.com/sirupsen/logrus"
)

// CredentialIssuer issues credentials on behalf of local authority
// identities. Each issuer gets one credential-signing purpose key, replaced
// when it can no longer cover a full credential lifetime or the issuer
// identity rotated.
type CredentialIssuer struct {
	identities  *Identities
	purposeKeys *PurposeKeys
	vault       crypto.Vault
	time        crypto.TimeProvider
	keyType     crypto.SigningKeyType

	mu   sync.Mutex
	keys map[Identifier]*CredentialPurposeKey
}

// NewCredentialIssuer returns an issuer whose purpose keys use keyType.
func NewCredentialIssuer(identities *Identities, purposeKeys *PurposeKeys, keyType crypto.SigningKeyType) *CredentialIssuer {
	return &CredentialIssuer{
		identities:  identities,
		purposeKeys: purposeKeys,
		vault:       identities.Vault(),
		time:        identities.TimeProvider(),
		keyType:     keyType,
		keys:        make(map[Identifier]*CredentialPurposeKey),
	}
}

// IssueCredential signs attributes about subject, valid for ttl.
func (c *CredentialIssuer) IssueCredential(ctx context.Context, issuer, subject Identifier, attributes Attributes, ttl time.Duration) (*CredentialAndPurposeKey, error) {
	if ttl < time.Second {
		return nil, fmt.Errorf("credential ttl %v is too short", ttl)
	}

	now := Now(c.time)
	expires := now.Add(ttl)

	key, err := c.purposeKey(ctx, issuer, expires)
	if err != nil {
		return nil, err
	}

	data := CredentialData{
		Subject:    &subject,
		Attributes: attributes,
		CreatedAt:  now,
		ExpiresAt:  expires,
	}
	if subjectIdentity, err := c.identities.GetIdentity(ctx, subject); err == nil {
		hash := subjectIdentity.LatestChangeHash()
		data.SubjectLatestChangeHash = &hash
	}

	raw, err := encodeVersioned(DataTypeCredential, data)
	if err != nil {
		return nil, err
	}
	digest := c.vault.SHA256(raw)
	signature, err := c.vault.Sign(ctx, key.Handle, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign credential: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "IssueCredential",
		"issuer":     issuer.String(),
		"subject":    subject.String(),
		"expires_at": uint64(expires),
	}).Info("Credential issued")

	return &CredentialAndPurposeKey{
		Credential:            Credential{Data: raw, Signature: signature},
		PurposeKeyAttestation: key.Attestation,
	}, nil
}

func (c *CredentialIssuer) purposeKey(ctx context.Context, issuer Identifier, until TimestampInSeconds) (*CredentialPurposeKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.identities.GetIdentity(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if key, ok := c.keys[issuer]; ok && key.Data.ExpiresAt >= until && key.Data.SubjectLatestChangeHash == current.LatestChangeHash() {
		return key, nil
	}

	key, err := c.purposeKeys.CreateCredentialPurposeKey(ctx, issuer, c.keyType)
	if err != nil {
		return nil, err
	}
	if key.Data.ExpiresAt < until {
		return nil, fmt.Errorf("credential lifetime exceeds purpose key lifetime")
	}
	if old, ok := c.keys[issuer]; ok {
		_, _ = c.vault.DeleteSigningKey(ctx, old.Handle)
	}
	c.keys[issuer] = key
	return key, nil
}
