package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/sechannel/credentials"
	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/metrics"
	"github.com/opd-ai/sechannel/noise"
	"github.com/opd-ai/sechannel/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSecureChannel(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})

	ch := alice.connect(t, routing.NewRoute("listener"), Options{})
	assert.Equal(t, bob.id, ch.TheirIdentifier())
	assert.Equal(t, noise.Initiator, ch.Role())
	assert.NotEmpty(t, ch.ChannelBinding())
	assert.Equal(t, 1, alice.channels.Registry().Len())

	accepted := bob.accepted(t)
	assert.Equal(t, alice.id, accepted.TheirIdentifier())
	assert.Equal(t, noise.Responder, accepted.Role())
	assert.Equal(t, ch.ChannelBinding(), accepted.ChannelBinding())

	found, ok := alice.channels.Registry().ByEncryptor(ch.EncryptorAddress())
	require.True(t, ok)
	assert.Same(t, ch, found)
	found, ok = bob.channels.Registry().ByDecryptor(accepted.Addresses().DecryptorRemote)
	require.True(t, ok)
	assert.Same(t, accepted, found)

	assert.Equal(t, float64(1), w.handshakes(t, "initiator", metrics.ResultSuccess))
	assert.Equal(t, float64(2), w.counter(t, "test_channels_active"))
}

func TestSecureChannelTunnel(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})
	service := echo(t, w.node, "echo")
	app := newInbox(t, w.node, "app")

	ch := alice.connect(t, routing.NewRoute("listener"), Options{})
	require.NoError(t, ch.Send(context.Background(), "app", routing.NewRoute("echo"), []byte("ping")))

	got := service.wait(t)
	assert.Equal(t, []byte("ping"), got.Message.Payload)
	sender, ok := TheirIdentifier(got.Message)
	require.True(t, ok)
	assert.Equal(t, alice.id, sender)
	assert.Len(t, got.Message.ReturnRoute, 2)
	assert.Equal(t, routing.Address("app"), got.Message.ReturnRoute[1])

	reply := app.wait(t)
	assert.Equal(t, []byte("ping"), reply.Message.Payload)
	replier, ok := TheirIdentifier(reply.Message)
	require.True(t, ok)
	assert.Equal(t, bob.id, replier)
	assert.Equal(t, routing.Route{ch.EncryptorAddress(), "echo"}, reply.Message.ReturnRoute)
}

func TestSecureChannelLargePayload(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})
	service := echo(t, w.node, "echo")
	app := newInbox(t, w.node, "app")

	body := make([]byte, 3*MaxPayloadPartSize+7)
	for i := range body {
		body[i] = byte(i % 251)
	}
	ch := alice.connect(t, routing.NewRoute("listener"), Options{})
	require.NoError(t, ch.Send(context.Background(), "app", routing.NewRoute("echo"), body))

	got := service.wait(t)
	assert.Equal(t, body, got.Message.Payload)
	sender, ok := TheirIdentifier(got.Message)
	require.True(t, ok)
	assert.Equal(t, alice.id, sender)
	assert.Equal(t, body, app.wait(t).Message.Payload)
	service.empty(t)
}

func TestSecureChannelSurvivesRekeys(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})
	service := echo(t, w.node, "echo")
	app := newInbox(t, w.node, "app")

	ch := alice.connect(t, routing.NewRoute("listener"), Options{})
	for i := 0; i < 3*RekeyInterval+5; i++ {
		body := []byte{byte(i)}
		require.NoError(t, ch.Send(context.Background(), "app", routing.NewRoute("echo"), body))
		assert.Equal(t, body, service.wait(t).Message.Payload)
		assert.Equal(t, body, app.wait(t).Message.Payload)
	}
	assert.Equal(t, uint64(3), bob.accepted(t).decryptor.keys.rekeys)
}

func TestSecureChannelRouteThroughEncryptor(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})
	service := echo(t, w.node, "echo")
	app := newInbox(t, w.node, "app")

	ch := alice.connect(t, routing.NewRoute("listener"), Options{})
	require.NoError(t, w.node.SendFrom(context.Background(), "app", ch.Route("echo"), []byte("direct")))

	assert.Equal(t, []byte("direct"), service.wait(t).Message.Payload)
	assert.Equal(t, []byte("direct"), app.wait(t).Message.Payload)
}

func TestTheirIdentifierWithoutChannel(t *testing.T) {
	_, ok := TheirIdentifier(routing.Message{})
	assert.False(t, ok)
	_, ok = TheirIdentifier(routing.Message{LocalInfo: []routing.LocalInfo{{Key: IdentifierLocalInfoKey, Value: []byte{1}}}})
	assert.False(t, ok)
}

func TestTrustPolicyRejectsResponder(t *testing.T) {
	w := newWorld(t)
	alice, bob, carol := w.peer(t), w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})

	_, err := alice.channels.CreateSecureChannel(context.Background(), routing.NewRoute("listener"), Options{
		Identifier:  alice.id,
		TrustPolicy: identity.TrustIdentifierPolicy{Identifier: carol.id},
	})
	require.Error(t, err)
	stage, ok := noise.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, noise.StageTrustPolicy, stage)
	assert.ErrorIs(t, err, identity.ErrTrustCheckFailed)
	assert.Zero(t, alice.channels.Registry().Len())
	assert.Equal(t, float64(1), w.handshakes(t, "initiator", metrics.ResultFailure))
}

func TestTrustPolicyRejectsInitiator(t *testing.T) {
	w := newWorld(t)
	alice, bob, carol := w.peer(t), w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{TrustPolicy: identity.TrustIdentifierPolicy{Identifier: carol.id}})

	// the initiator is done after message 3; only the responder refuses
	alice.connect(t, routing.NewRoute("listener"), Options{})
	require.Eventually(t, func() bool {
		return w.handshakes(t, "responder", metrics.ResultFailure) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, bob.channels.Registry().Len())
}

func TestExpectedIdentifierMismatch(t *testing.T) {
	w := newWorld(t)
	alice, bob, carol := w.peer(t), w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})

	_, err := alice.channels.CreateSecureChannel(context.Background(), routing.NewRoute("listener"), Options{
		Identifier:         alice.id,
		ExpectedIdentifier: &carol.id,
	})
	stage, ok := noise.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, noise.StageIdentity, stage)
}

func TestCredentialsWithoutTrustContext(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)

	cred, err := bob.issuer.IssueCredential(context.Background(), bob.id, bob.id,
		identity.Attributes{Map: map[string][]byte{"role": []byte("server")}}, time.Hour)
	require.NoError(t, err)

	// bob presents a credential that alice has no authority for
	l := bob.listen(t, "listener", Options{Credentials: []identity.CredentialAndPurposeKey{*cred}})
	_, err = alice.channels.CreateSecureChannel(context.Background(), routing.NewRoute(l.Address()), Options{Identifier: alice.id})
	stage, ok := noise.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, noise.StageMissingTrustContext, stage)
}

func TestHandshakeTimeout(t *testing.T) {
	w := newWorld(t)
	alice := w.peer(t)
	void := newInbox(t, w.node, "void")

	errs := make(chan error, 1)
	go func() {
		_, err := alice.channels.CreateSecureChannel(context.Background(), routing.NewRoute("void"), Options{
			Identifier: alice.id,
			Timeout:    5 * time.Second,
		})
		errs <- err
	}()

	first := void.wait(t)
	require.Len(t, first.Message.ReturnRoute, 1)
	require.Eventually(t, func() bool { return w.clock.PendingTimers() == 1 }, 2*time.Second, time.Millisecond)
	w.clock.Advance(5 * time.Second)

	select {
	case err := <-errs:
		stage, ok := noise.StageOf(err)
		require.True(t, ok)
		assert.Equal(t, noise.StageTimeout, stage)
		assert.ErrorIs(t, err, noise.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not time out")
	}

	assert.False(t, w.node.IsRegistered(first.Message.ReturnRoute[0]))
	assert.Equal(t, float64(1), w.handshakes(t, "initiator", metrics.ResultTimeout))
}

func TestHandshakeContextCancel(t *testing.T) {
	w := newWorld(t)
	alice := w.peer(t)
	newInbox(t, w.node, "void")

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := alice.channels.CreateSecureChannel(ctx, routing.NewRoute("void"), Options{Identifier: alice.id})
		errs <- err
	}()
	cancel()

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("handshake ignored cancellation")
	}
}

func TestListenerTimeout(t *testing.T) {
	w := newWorld(t)
	bob := w.peer(t)
	bob.listen(t, "listener", Options{Timeout: 10 * time.Second})
	newInbox(t, w.node, "silent")

	// a message 1 from an initiator that never answers message 2
	alice := w.peer(t)
	local, err := alice.identities.GetIdentity(context.Background(), alice.id)
	require.NoError(t, err)
	key, err := alice.channels.purposeKey(context.Background(), local, DefaultHandshakeTimeout)
	require.NoError(t, err)
	sm, err := noise.NewStateMachine(context.Background(), noise.Initiator, noise.Dependencies{
		Vault: alice.identities.Vault(),
		Local: noise.LocalIdentity{Identity: local, PurposeKey: key},
	})
	require.NoError(t, err)
	action, err := sm.OnEvent(context.Background(), noise.Initialize())
	require.NoError(t, err)
	require.NoError(t, w.node.SendFrom(context.Background(), "silent", routing.NewRoute("listener"), action.Message))

	require.Eventually(t, func() bool { return w.clock.PendingTimers() == 1 }, 2*time.Second, time.Millisecond)
	w.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return w.handshakes(t, "responder", metrics.ResultTimeout) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestCloseTearsDownBothSides(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})

	ch := alice.connect(t, routing.NewRoute("listener"), Options{})
	accepted := bob.accepted(t)

	require.NoError(t, ch.Close(context.Background()))
	assert.Zero(t, alice.channels.Registry().Len())
	assert.False(t, w.node.IsRegistered(ch.EncryptorAddress()))
	assert.ErrorIs(t, ch.Send(context.Background(), "app", routing.NewRoute("echo"), nil), ErrChannelClosed)

	require.Eventually(t, func() bool { return bob.channels.Registry().Len() == 0 }, 2*time.Second, time.Millisecond)
	assert.False(t, w.node.IsRegistered(accepted.EncryptorAddress()))
	assert.False(t, w.node.IsRegistered(accepted.Addresses().DecryptorRemote))
	assert.Zero(t, w.counter(t, "test_channels_active"))

	require.NoError(t, ch.Close(context.Background()))
}

func TestStopSecureChannel(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})

	ch := alice.connect(t, routing.NewRoute("listener"), Options{})
	require.NoError(t, alice.channels.StopSecureChannel(context.Background(), ch.EncryptorAddress()))
	assert.Zero(t, alice.channels.Registry().Len())

	err := alice.channels.StopSecureChannel(context.Background(), ch.EncryptorAddress())
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestListenerCloseKeepsChannels(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	l := bob.listen(t, "listener", Options{})
	service := echo(t, w.node, "echo")
	newInbox(t, w.node, "app")

	ch := alice.connect(t, routing.NewRoute("listener"), Options{})
	bob.accepted(t)
	require.NoError(t, l.Close())
	assert.False(t, w.node.IsRegistered("listener"))

	require.NoError(t, ch.Send(context.Background(), "app", routing.NewRoute("echo"), []byte("still here")))
	assert.Equal(t, []byte("still here"), service.wait(t).Message.Payload)

	_, err := alice.channels.CreateSecureChannel(context.Background(), routing.NewRoute("listener"), Options{Identifier: alice.id})
	assert.Error(t, err)
}

func TestReplayedCiphertextDropped(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	bob.listen(t, "listener", Options{})
	service := echo(t, w.node, "echo")
	newInbox(t, w.node, "app")

	ch := alice.connect(t, routing.NewRoute("listener"), Options{})
	bob.accepted(t)

	data, route, err := ch.encryptor.seal(payload("once"))
	require.NoError(t, err)
	msg := routing.Message{OnwardRoute: route, ReturnRoute: routing.NewRoute(ch.addresses.DecryptorRemote), Payload: data}
	require.NoError(t, w.node.Send(context.Background(), msg))
	require.NoError(t, w.node.Send(context.Background(), msg))

	assert.Equal(t, []byte("once"), service.wait(t).Message.Payload)
	require.Eventually(t, func() bool {
		return w.counter(t, "test_replayed_messages_total") == 1
	}, 2*time.Second, time.Millisecond)
	service.empty(t)
}

// authority is a third identity that issues credentials to alice and is
// trusted by bob.
func authority(t *testing.T, alice, bob *peer) identity.Identifier {
	t.Helper()
	auth, err := alice.identities.CreateIdentity(context.Background())
	require.NoError(t, err)
	bob.knows(t, alice, auth.Identifier())
	return auth.Identifier()
}

func TestRefreshedCredentialPresented(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	auth := authority(t, alice, bob)
	bob.listen(t, "listener", Options{TrustContext: &identity.TrustContext{Authorities: []identity.Identifier{auth}}})

	refresher, err := credentials.NewRefresher(credentials.RefresherConfig{
		Subject:   alice.id,
		Authority: auth,
		Issuer: &credentials.LocalIssuer{
			Issuer:     alice.issuer,
			Authority:  auth,
			Attributes: identity.Attributes{Map: map[string][]byte{"role": []byte("member")}},
			TTL:        500 * time.Second,
		},
		Cache:        credentials.NewMemoryCache(),
		Sender:       w.node,
		TimeProvider: w.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { refresher.Close() })

	ch := alice.connect(t, routing.NewRoute("listener"), Options{Retriever: refresher})
	accepted := bob.accepted(t)
	assert.Equal(t, []routing.Address{ch.Addresses().EncryptorInternal}, refresher.Subscribers())

	initial := accepted.PresentedCredentials()
	require.Len(t, initial, 1)
	initialExpiry, err := initial[0].ExpiresAt()
	require.NoError(t, err)

	// handshake timeout, listener watchdog and refresher loop
	require.Eventually(t, func() bool { return w.clock.PendingTimers() == 3 }, 2*time.Second, time.Millisecond)
	w.clock.Advance(380 * time.Second)

	require.Eventually(t, func() bool {
		presented := accepted.PresentedCredentials()
		if len(presented) != 1 {
			return false
		}
		expiry, err := presented[0].ExpiresAt()
		return err == nil && expiry > initialExpiry
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, ch.Close(context.Background()))
	assert.Empty(t, refresher.Subscribers())
}

func TestInvalidRefreshKeepsCredentials(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.peer(t), w.peer(t)
	auth := authority(t, alice, bob)
	bob.listen(t, "listener", Options{TrustContext: &identity.TrustContext{Authorities: []identity.Identifier{auth}}})
	service := echo(t, w.node, "echo")
	newInbox(t, w.node, "app")

	cred, err := alice.issuer.IssueCredential(context.Background(), auth, alice.id,
		identity.Attributes{Map: map[string][]byte{"role": []byte("member")}}, time.Hour)
	require.NoError(t, err)
	ch := alice.connect(t, routing.NewRoute("listener"), Options{Credentials: []identity.CredentialAndPurposeKey{*cred}})
	accepted := bob.accepted(t)
	require.Len(t, accepted.PresentedCredentials(), 1)

	require.NoError(t, ch.sendSealed(context.Background(), SecureChannelMessage{
		Kind:               KindRefreshCredentials,
		RefreshCredentials: []byte("not a payload"),
	}))
	require.NoError(t, ch.Send(context.Background(), "app", routing.NewRoute("echo"), []byte("after")))

	assert.Equal(t, []byte("after"), service.wait(t).Message.Payload)
	assert.Len(t, accepted.PresentedCredentials(), 1)
}

func TestNewSecureChannelsRequiresServices(t *testing.T) {
	_, err := NewSecureChannels(Config{})
	assert.Error(t, err)
}

func TestPurposeKeyCached(t *testing.T) {
	w := newWorld(t)
	alice := w.peer(t)
	ctx := context.Background()
	local, err := alice.identities.GetIdentity(ctx, alice.id)
	require.NoError(t, err)

	first, err := alice.channels.purposeKey(ctx, local, DefaultHandshakeTimeout)
	require.NoError(t, err)
	second, err := alice.channels.purposeKey(ctx, local, DefaultHandshakeTimeout)
	require.NoError(t, err)
	assert.Same(t, first, second)

	w.clock.Advance(identity.DefaultPurposeKeyTTL)
	third, err := alice.channels.purposeKey(ctx, local, DefaultHandshakeTimeout)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestReplacedPurposeKeyDeleted(t *testing.T) {
	w := newWorld(t)
	alice := w.peer(t)
	ctx := context.Background()
	vault := alice.identities.Vault()
	local, err := alice.identities.GetIdentity(ctx, alice.id)
	require.NoError(t, err)

	first, err := alice.channels.purposeKey(ctx, local, 2*DefaultHandshakeTimeout)
	require.NoError(t, err)

	rotated, err := alice.identities.RotateIdentity(ctx, alice.id, false)
	require.NoError(t, err)
	second, err := alice.channels.purposeKey(ctx, rotated, DefaultHandshakeTimeout)
	require.NoError(t, err)
	require.NotEqual(t, first.Handle, second.Handle)

	// handshakes started with the old key may still need it
	w.clock.Advance(DefaultHandshakeTimeout)
	_, err = alice.channels.purposeKey(ctx, rotated, DefaultHandshakeTimeout)
	require.NoError(t, err)
	_, err = vault.X25519PublicKey(ctx, first.Handle)
	assert.NoError(t, err)

	w.clock.Advance(DefaultHandshakeTimeout)
	same, err := alice.channels.purposeKey(ctx, rotated, DefaultHandshakeTimeout)
	require.NoError(t, err)
	assert.Same(t, second, same)
	_, err = vault.X25519PublicKey(ctx, first.Handle)
	assert.Error(t, err, "replaced key is gone from the vault")
	_, err = vault.X25519PublicKey(ctx, second.Handle)
	assert.NoError(t, err)
}
