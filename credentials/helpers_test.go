package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/sechannel/crypto"
	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/routing"
	"github.com/stretchr/testify/require"
)

var errIssuerDown = errors.New("issuer unreachable")

// fixture is an authority and a subject sharing one manual clock.
type fixture struct {
	clock        *crypto.ManualTimeProvider
	identities   *identity.Identities
	purposeKeys  *identity.PurposeKeys
	verification *identity.CredentialsVerification
	authority    identity.Identifier
	subject      identity.Identifier
	local        *LocalIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{clock: crypto.NewManualTimeProvider(time.Unix(1_700_000_000, 0))}

	vault := crypto.NewSoftwareVault()
	f.identities = identity.NewIdentities(vault, identity.NewMemoryChangeHistoryRepository(), identity.WithTimeProvider(f.clock))
	f.purposeKeys = identity.NewPurposeKeys(f.identities, 0)
	f.verification = identity.NewCredentialsVerification(f.purposeKeys, identity.NewMemoryAttributesRepository())

	authority, err := f.identities.CreateIdentity(ctx)
	require.NoError(t, err)
	subject, err := f.identities.CreateIdentity(ctx)
	require.NoError(t, err)
	f.authority = authority.Identifier()
	f.subject = subject.Identifier()

	f.local = &LocalIssuer{
		Issuer:     identity.NewCredentialIssuer(f.identities, f.purposeKeys, crypto.SigningKeyEd25519),
		Authority:  f.authority,
		Attributes: identity.Attributes{Map: map[string][]byte{"role": []byte("member")}},
		TTL:        500 * time.Second,
	}
	return f
}

// issue returns a credential for the subject expiring ttl from now.
func (f *fixture) issue(t *testing.T, ttl time.Duration) identity.CredentialAndPurposeKey {
	t.Helper()
	cred, err := f.local.Issuer.IssueCredential(context.Background(), f.authority, f.subject, f.local.Attributes, ttl)
	require.NoError(t, err)
	return *cred
}

func (f *fixture) key() CacheKey {
	return CacheKey{Subject: f.subject, Issuer: f.authority}
}

// countingIssuer wraps an issuer, counting calls. It fails while failing
// is set and waits on gate when gate is not nil.
type countingIssuer struct {
	inner Issuer

	mu      sync.Mutex
	calls   int
	failing bool
	gate    chan struct{}
}

func (c *countingIssuer) IssueCredential(ctx context.Context, subject identity.Identifier) (*identity.CredentialAndPurposeKey, error) {
	c.mu.Lock()
	c.calls++
	failing, gate := c.failing, c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, errIssuerDown
	}
	return c.inner.IssueCredential(ctx, subject)
}

func (c *countingIssuer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingIssuer) setFailing(failing bool) {
	c.mu.Lock()
	c.failing = failing
	c.mu.Unlock()
}

func (f *fixture) refresher(t *testing.T, issuer Issuer, cache Cache, sender routing.Sender) *Refresher {
	t.Helper()
	r, err := NewRefresher(RefresherConfig{
		Subject:      f.subject,
		Authority:    f.authority,
		Issuer:       issuer,
		Cache:        cache,
		Sender:       sender,
		TimeProvider: f.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// waitTimers blocks until the clock has n pending timers.
func waitTimers(t *testing.T, clock *crypto.ManualTimeProvider, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.PendingTimers() == n },
		2*time.Second, time.Millisecond)
}

// inbox collects deliveries for one address.
type inbox struct {
	ch chan routing.Delivery
}

func newInbox(t *testing.T, node *routing.Node, addr routing.Address) *inbox {
	t.Helper()
	in := &inbox{ch: make(chan routing.Delivery, 16)}
	require.NoError(t, node.Register(addr, routing.HandlerFunc(func(_ context.Context, d routing.Delivery) error {
		in.ch <- d
		return nil
	})))
	return in
}
