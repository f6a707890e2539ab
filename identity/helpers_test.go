package identity

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/sechannel/crypto"
	"github.com/stretchr/testify/require"
)

type testServices struct {
	clock        *crypto.ManualTimeProvider
	vault        *crypto.SoftwareVault
	histories    *MemoryChangeHistoryRepository
	attributes   *MemoryAttributesRepository
	identities   *Identities
	purposeKeys  *PurposeKeys
	verification *CredentialsVerification
	issuer       *CredentialIssuer
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	s := &testServices{
		clock:      crypto.NewManualTimeProvider(time.Unix(1_700_000_000, 0)),
		vault:      crypto.NewSoftwareVault(),
		histories:  NewMemoryChangeHistoryRepository(),
		attributes: NewMemoryAttributesRepository(),
	}
	s.identities = NewIdentities(s.vault, s.histories, WithTimeProvider(s.clock))
	s.purposeKeys = NewPurposeKeys(s.identities, 0)
	s.verification = NewCredentialsVerification(s.purposeKeys, s.attributes)
	s.issuer = NewCredentialIssuer(s.identities, s.purposeKeys, crypto.SigningKeyEd25519)
	return s
}

func (s *testServices) createIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := s.identities.CreateIdentity(context.Background())
	require.NoError(t, err)
	return id
}
