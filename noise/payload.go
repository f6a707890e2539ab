package noise

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/sechannel/identity"
	"github.com/sirupsen/logrus"
)

// IdentityAndCredentials is the encrypted payload of handshake messages 2
// and 3, and of credential refresh messages.
type IdentityAndCredentials struct {
	ChangeHistory         []byte                             `cbor:"1,keyasint"`
	PurposeKeyAttestation identity.PurposeKeyAttestation     `cbor:"2,keyasint"`
	Credentials           []identity.CredentialAndPurposeKey `cbor:"3,keyasint"`
}

// CredentialRetriever supplies the current credential of a subject.
type CredentialRetriever interface {
	Retrieve(ctx context.Context) (*identity.CredentialAndPurposeKey, error)
}

// LocalIdentity is what one side presents during a handshake.
type LocalIdentity struct {
	Identity    *identity.Identity
	PurposeKey  *identity.SecureChannelPurposeKey
	Credentials []identity.CredentialAndPurposeKey
	// Retriever, when set, contributes its current credential after the
	// static ones.
	Retriever CredentialRetriever
}

// MakeIdentityPayload encodes the local change history, the secure channel
// purpose key attestation and the credentials.
func MakeIdentityPayload(ctx context.Context, local LocalIdentity) ([]byte, error) {
	if local.Identity == nil || local.PurposeKey == nil {
		return nil, errors.New("local identity and purpose key are required")
	}

	history, err := local.Identity.Export()
	if err != nil {
		return nil, err
	}

	credentials := append([]identity.CredentialAndPurposeKey(nil), local.Credentials...)
	if local.Retriever != nil {
		current, err := local.Retriever.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve credential: %w", err)
		}
		if current != nil {
			credentials = append(credentials, *current)
		}
	}

	payload, err := cbor.Marshal(IdentityAndCredentials{
		ChangeHistory:         history,
		PurposeKeyAttestation: local.PurposeKey.Attestation,
		Credentials:           credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity payload: %w", err)
	}
	return payload, nil
}

// IdentityImporter imports peer change histories.
type IdentityImporter interface {
	ImportChangeHistory(ctx context.Context, expected *identity.Identifier, history []byte) (*identity.Identity, error)
}

// AttestationVerifier verifies purpose key attestations.
type AttestationVerifier interface {
	VerifyPurposeKeyAttestation(ctx context.Context, subject *identity.Identity, att identity.PurposeKeyAttestation) (*identity.PurposeKeyAttestationData, error)
}

// CredentialReceiver verifies and records presented credentials.
type CredentialReceiver interface {
	ReceivePresentedCredentials(ctx context.Context, subject identity.Identifier, authorities []identity.Identifier, credentials []identity.CredentialAndPurposeKey) error
}

// IdentityPayloadVerifier checks a peer's IdentityAndCredentials payload.
type IdentityPayloadVerifier struct {
	Identities   IdentityImporter
	PurposeKeys  AttestationVerifier
	Credentials  CredentialReceiver
	TrustPolicy  identity.TrustPolicy
	TrustContext *identity.TrustContext
	// ExpectedIdentifier pins the peer identity when set.
	ExpectedIdentifier *identity.Identifier
}

// VerifiedPayload is the outcome of a successful verification.
type VerifiedPayload struct {
	TheirIdentifier identity.Identifier
	Credentials     []identity.CredentialAndPurposeKey
}

// Process verifies payload in five steps: import the change history,
// verify the purpose key attestation and bind it to peerStaticKey, check
// the trust policy, verify every credential, and return the identifier.
// A nil peerStaticKey skips the key binding, for payloads received after
// the handshake. Errors are *HandshakeError tagged with the failing stage.
func (v *IdentityPayloadVerifier) Process(ctx context.Context, payload, peerStaticKey []byte) (*VerifiedPayload, error) {
	var decoded IdentityAndCredentials
	if err := cbor.Unmarshal(payload, &decoded); err != nil {
		return nil, NewHandshakeError(StageDecode, fmt.Errorf("%w: %v", identity.ErrInvalidData, err))
	}

	peer, err := v.Identities.ImportChangeHistory(ctx, v.ExpectedIdentifier, decoded.ChangeHistory)
	if err != nil {
		return nil, NewHandshakeError(StageIdentity, err)
	}
	theirID := peer.Identifier()

	attested, err := v.PurposeKeys.VerifyPurposeKeyAttestation(ctx, peer, decoded.PurposeKeyAttestation)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidKeyType) {
			return nil, NewHandshakeError(StageKeyType, err)
		}
		return nil, NewHandshakeError(StageIdentity, err)
	}
	if peerStaticKey != nil && !attested.MatchesStaticKey(peerStaticKey) {
		return nil, NewHandshakeError(StageKeyMismatch, identity.ErrInvalidKeyData)
	}
	if attested.PublicKey.Purpose != identity.PurposeSecureChannelStatic {
		return nil, NewHandshakeError(StageKeyType, fmt.Errorf("%w: attested for %s", identity.ErrInvalidKeyType, attested.PublicKey.Purpose))
	}

	trusted, err := v.TrustPolicy.Check(ctx, identity.SecureChannelTrustInfo{TheirIdentifier: theirID})
	if err != nil {
		return nil, NewHandshakeError(StageTrustPolicy, fmt.Errorf("%w: %v", identity.ErrTrustCheckFailed, err))
	}
	if !trusted {
		return nil, NewHandshakeError(StageTrustPolicy, fmt.Errorf("%w: %s", identity.ErrTrustCheckFailed, theirID))
	}

	if len(decoded.Credentials) > 0 {
		if v.TrustContext == nil {
			return nil, NewHandshakeError(StageMissingTrustContext, identity.ErrMissingTrustContext)
		}
		if err := v.Credentials.ReceivePresentedCredentials(ctx, theirID, v.TrustContext.Authorities, decoded.Credentials); err != nil {
			return nil, NewHandshakeError(StageCredentialVerification, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Process",
		"their_id":    theirID.String(),
		"credentials": len(decoded.Credentials),
		"key_checked": peerStaticKey != nil,
	}).Debug("Identity payload verified")

	return &VerifiedPayload{TheirIdentifier: theirID, Credentials: decoded.Credentials}, nil
}

// VerifyRefreshedCredentials verifies a payload delivered after the
// handshake. The payload must come from the identity the channel was
// established with.
func (v *IdentityPayloadVerifier) VerifyRefreshedCredentials(ctx context.Context, their identity.Identifier, payload []byte) (*VerifiedPayload, error) {
	pinned := *v
	pinned.ExpectedIdentifier = &their
	return pinned.Process(ctx, payload, nil)
}
