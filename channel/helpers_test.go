package channel

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/sechannel/crypto"
	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/metrics"
	"github.com/opd-ai/sechannel/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// world is one routing node and one clock shared by every peer of a test.
type world struct {
	node    *routing.Node
	clock   *crypto.ManualTimeProvider
	reg     *prometheus.Registry
	metrics *metrics.Collectors
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		node:  routing.NewNode("test"),
		clock: crypto.NewManualTimeProvider(time.Unix(1_700_000_000, 0)),
		reg:   prometheus.NewRegistry(),
	}
	var err error
	w.metrics, err = metrics.New("test", w.reg)
	require.NoError(t, err)
	t.Cleanup(func() { w.node.Close() })
	return w
}

// peer owns a vault and repositories of its own, like a separate process.
type peer struct {
	identities *identity.Identities
	issuer     *identity.CredentialIssuer
	id         identity.Identifier
	channels   *SecureChannels
}

func (w *world) peer(t *testing.T) *peer {
	t.Helper()
	vault := crypto.NewSoftwareVault()
	identities := identity.NewIdentities(vault, identity.NewMemoryChangeHistoryRepository(), identity.WithTimeProvider(w.clock))
	purposeKeys := identity.NewPurposeKeys(identities, 0)
	verification := identity.NewCredentialsVerification(purposeKeys, identity.NewMemoryAttributesRepository())

	channels, err := NewSecureChannels(Config{
		Node:         w.node,
		Identities:   identities,
		PurposeKeys:  purposeKeys,
		Verification: verification,
		Metrics:      w.metrics,
		TimeProvider: w.clock,
	})
	require.NoError(t, err)

	me, err := identities.CreateIdentity(context.Background())
	require.NoError(t, err)
	return &peer{
		identities: identities,
		issuer:     identity.NewCredentialIssuer(identities, purposeKeys, crypto.SigningKeyEd25519),
		id:         me.Identifier(),
		channels:   channels,
	}
}

// knows imports the change history of id from other.
func (p *peer) knows(t *testing.T, other *peer, id identity.Identifier) {
	t.Helper()
	ctx := context.Background()
	known, err := other.identities.GetIdentity(ctx, id)
	require.NoError(t, err)
	_, err = p.identities.ImportIdentity(ctx, nil, known.ChangeHistory())
	require.NoError(t, err)
}

func (p *peer) listen(t *testing.T, addr routing.Address, opts Options) *Listener {
	t.Helper()
	opts.Identifier = p.id
	l, err := p.channels.CreateSecureChannelListener(context.Background(), addr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func (p *peer) connect(t *testing.T, route routing.Route, opts Options) *SecureChannel {
	t.Helper()
	opts.Identifier = p.id
	ch, err := p.channels.CreateSecureChannel(context.Background(), route, opts)
	require.NoError(t, err)
	return ch
}

// accepted waits for the responder side of a channel to be established.
func (p *peer) accepted(t *testing.T) *SecureChannel {
	t.Helper()
	require.Eventually(t, func() bool { return p.channels.Registry().Len() == 1 },
		2*time.Second, time.Millisecond)
	return p.channels.Registry().List()[0]
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

func (in *inbox) wait(t *testing.T) routing.Delivery {
	t.Helper()
	select {
	case d := <-in.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return routing.Delivery{}
	}
}

func (in *inbox) empty(t *testing.T) {
	t.Helper()
	select {
	case d := <-in.ch:
		t.Fatalf("unexpected delivery %q", d.Message.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// echo replies to every message with its payload.
func echo(t *testing.T, node *routing.Node, addr routing.Address) *inbox {
	t.Helper()
	in := &inbox{ch: make(chan routing.Delivery, 16)}
	require.NoError(t, node.Register(addr, routing.HandlerFunc(func(ctx context.Context, d routing.Delivery) error {
		in.ch <- d
		return node.SendFrom(ctx, addr, d.Message.ReturnRoute, d.Message.Payload)
	})))
	return in
}

// counter returns the value of a counter or gauge, summed over labels.
func (w *world) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := w.reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

// handshakes returns handshakes_total for one role and result.
func (w *world) handshakes(t *testing.T, role, result string) float64 {
	t.Helper()
	families, err := w.reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "test_handshakes_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["role"] == role && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
