package noise

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/sechannel/crypto"
	"github.com/opd-ai/sechannel/identity"
	"github.com/stretchr/testify/require"
)

// party is one side of a test handshake with its own vault and repositories.
type party struct {
	vault        *crypto.SoftwareVault
	identities   *identity.Identities
	purposeKeys  *identity.PurposeKeys
	verification *identity.CredentialsVerification
	attributes   *identity.MemoryAttributesRepository
	issuer       *identity.CredentialIssuer
	id           *identity.Identity
	scKey        *identity.SecureChannelPurposeKey
}

func newParty(t *testing.T) *party {
	t.Helper()
	ctx := context.Background()
	p := &party{
		vault:      crypto.NewSoftwareVault(),
		attributes: identity.NewMemoryAttributesRepository(),
	}
	p.identities = identity.NewIdentities(p.vault, identity.NewMemoryChangeHistoryRepository())
	p.purposeKeys = identity.NewPurposeKeys(p.identities, 0)
	p.verification = identity.NewCredentialsVerification(p.purposeKeys, p.attributes)
	p.issuer = identity.NewCredentialIssuer(p.identities, p.purposeKeys, crypto.SigningKeyEd25519)

	var err error
	p.id, err = p.identities.CreateIdentity(ctx)
	require.NoError(t, err)
	p.scKey, err = p.purposeKeys.CreateSecureChannelPurposeKey(ctx, p.id.Identifier())
	require.NoError(t, err)
	return p
}

// knows imports other's change history so credentials issued by other verify.
func (p *party) knows(t *testing.T, other *party) {
	t.Helper()
	_, err := p.identities.ImportIdentity(context.Background(), nil, other.id.ChangeHistory())
	require.NoError(t, err)
}

func (p *party) issueFor(t *testing.T, subject *party, ttl time.Duration) identity.CredentialAndPurposeKey {
	t.Helper()
	cred, err := p.issuer.IssueCredential(context.Background(), p.id.Identifier(), subject.id.Identifier(),
		identity.Attributes{Map: map[string][]byte{"role": []byte("node")}}, ttl)
	require.NoError(t, err)
	return *cred
}

func (p *party) verifier(policy identity.TrustPolicy, trust *identity.TrustContext) *IdentityPayloadVerifier {
	if policy == nil {
		policy = identity.TrustEveryonePolicy{}
	}
	return &IdentityPayloadVerifier{
		Identities:   p.identities,
		PurposeKeys:  p.purposeKeys,
		Credentials:  p.verification,
		TrustPolicy:  policy,
		TrustContext: trust,
	}
}

func (p *party) deps(verifier *IdentityPayloadVerifier, creds ...identity.CredentialAndPurposeKey) Dependencies {
	return Dependencies{
		Vault:    p.vault,
		Local:    LocalIdentity{Identity: p.id, PurposeKey: p.scKey, Credentials: creds},
		Verifier: verifier,
	}
}

func newPair(t *testing.T, initDeps, respDeps Dependencies) (StateMachine, StateMachine) {
	t.Helper()
	ctx := context.Background()
	initiator, err := NewStateMachine(ctx, Initiator, initDeps)
	require.NoError(t, err)
	responder, err := NewStateMachine(ctx, Responder, respDeps)
	require.NoError(t, err)
	return initiator, responder
}

// runHandshake exchanges the three messages and returns the first error.
func runHandshake(ctx context.Context, initiator, responder StateMachine) error {
	if _, err := responder.OnEvent(ctx, Initialize()); err != nil {
		return err
	}
	m1, err := initiator.OnEvent(ctx, Initialize())
	if err != nil {
		return err
	}
	m2, err := responder.OnEvent(ctx, ReceivedMessage(m1.Message))
	if err != nil {
		return err
	}
	m3, err := initiator.OnEvent(ctx, ReceivedMessage(m2.Message))
	if err != nil {
		return err
	}
	_, err = responder.OnEvent(ctx, ReceivedMessage(m3.Message))
	return err
}
