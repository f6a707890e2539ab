package credentials

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/sechannel/identity"
)

// Issuer obtains a fresh credential for a subject from an authority.
type Issuer interface {
	IssueCredential(ctx context.Context, subject identity.Identifier) (*identity.CredentialAndPurposeKey, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, subject identity.Identifier) (*identity.CredentialAndPurposeKey, error)

func (f IssuerFunc) IssueCredential(ctx context.Context, subject identity.Identifier) (*identity.CredentialAndPurposeKey, error) {
	return f(ctx, subject)
}

// LocalIssuer issues credentials with a local authority identity.
type LocalIssuer struct {
	Issuer     *identity.CredentialIssuer
	Authority  identity.Identifier
	Attributes identity.Attributes
	TTL        time.Duration
}

func (l *LocalIssuer) IssueCredential(ctx context.Context, subject identity.Identifier) (*identity.CredentialAndPurposeKey, error) {
	return l.Issuer.IssueCredential(ctx, l.Authority, subject, l.Attributes, l.TTL)
}

// CredentialAndPurposeKeyMessage notifies a subscriber of a new credential.
type CredentialAndPurposeKeyMessage struct {
	Credential identity.CredentialAndPurposeKey `cbor:"1,keyasint"`
}

// Encode returns the CBOR form of m.
func (m CredentialAndPurposeKeyMessage) Encode() ([]byte, error) {
	return cbor.Marshal(m)
}

// DecodeCredentialAndPurposeKeyMessage parses a notification.
func DecodeCredentialAndPurposeKeyMessage(raw []byte) (CredentialAndPurposeKeyMessage, error) {
	var m CredentialAndPurposeKeyMessage
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	return m, nil
}
