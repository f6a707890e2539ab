package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/opd-ai/sechannel/credentials"
	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/noise"
	"github.com/opd-ai/sechannel/routing"
	"github.com/sirupsen/logrus"
)

// IdentifierLocalInfoKey marks messages that came out of a secure channel
// with the peer's identifier.
const IdentifierLocalInfoKey = "secure_channel.their_identifier"

// TheirIdentifier returns the identifier of the peer that sent msg through
// a secure channel.
func TheirIdentifier(msg routing.Message) (identity.Identifier, bool) {
	raw, ok := msg.FindLocalInfo(IdentifierLocalInfoKey)
	if !ok || len(raw) != identity.HashLength {
		return identity.Identifier{}, false
	}
	var id identity.Identifier
	copy(id[:], raw)
	return id, true
}

// SecureChannel is an established channel.
type SecureChannel struct {
	channels   *SecureChannels
	addresses  Addresses
	role       noise.HandshakeRole
	localID    identity.Identifier
	theirID    identity.Identifier
	purposeKey *identity.SecureChannelPurposeKey
	opts       Options
	binding    []byte

	encryptor *Encryptor
	decryptor *Decryptor
	collector *payloadCollector

	mu        sync.RWMutex
	presented []identity.CredentialAndPurposeKey
	closed    bool
}

// Addresses returns the local addresses of the channel.
func (c *SecureChannel) Addresses() Addresses { return c.addresses }

// EncryptorAddress is where plaintext for the peer is sent.
func (c *SecureChannel) EncryptorAddress() routing.Address { return c.addresses.Encryptor }

// Role returns the local side of the handshake.
func (c *SecureChannel) Role() noise.HandshakeRole { return c.role }

// TheirIdentifier returns the verified peer identifier.
func (c *SecureChannel) TheirIdentifier() identity.Identifier { return c.theirID }

// ChannelBinding returns the Noise handshake hash.
func (c *SecureChannel) ChannelBinding() []byte { return c.binding }

// PresentedCredentials returns the credentials the peer last presented.
func (c *SecureChannel) PresentedCredentials() []identity.CredentialAndPurposeKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]identity.CredentialAndPurposeKey(nil), c.presented...)
}

// Route returns a route through the channel to rest on the peer's node.
func (c *SecureChannel) Route(rest ...routing.Address) routing.Route {
	return routing.NewRoute(c.addresses.Encryptor).Append(rest...)
}

// Send tunnels payload to onward on the peer's node. Replies come back to
// from.
func (c *SecureChannel) Send(ctx context.Context, from routing.Address, onward routing.Route, payload []byte) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.channels.node.Send(ctx, routing.Message{
		OnwardRoute: c.Route(onward...),
		ReturnRoute: routing.NewRoute(from),
		Payload:     payload,
	})
}

// Close tells the peer, then tears down the local side.
func (c *SecureChannel) Close(ctx context.Context) error {
	if c.isClosed() {
		return nil
	}
	err := c.sendSealed(ctx, SecureChannelMessage{Kind: KindClose})
	c.teardown("local close")
	if err != nil && !errors.Is(err, ErrChannelClosed) {
		return err
	}
	return nil
}

func (c *SecureChannel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *SecureChannel) setPresented(creds []identity.CredentialAndPurposeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presented = creds
}

// sendSealed encrypts msg and sends it to the peer's decryptor.
func (c *SecureChannel) sendSealed(ctx context.Context, msg SecureChannelMessage) error {
	data, route, err := c.encryptor.seal(msg)
	if err != nil {
		return err
	}
	return c.channels.node.Send(ctx, routing.Message{
		OnwardRoute: route,
		ReturnRoute: routing.NewRoute(c.addresses.DecryptorRemote),
		Payload:     data,
	})
}

// teardown unregisters every address of the channel and drops its keys.
// It runs once.
func (c *SecureChannel) teardown(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.opts.Retriever != nil {
		if err := c.opts.Retriever.Unsubscribe(c.addresses.EncryptorInternal); err != nil && !errors.Is(err, credentials.ErrAddressNotSubscribed) {
			logrus.WithFields(logrus.Fields{
				"function": "teardown",
				"address":  c.addresses.EncryptorInternal,
				"error":    err.Error(),
			}).Warn("Failed to unsubscribe from credential refresher")
		}
	}

	node := c.channels.node
	node.Unregister(c.addresses.Encryptor)
	node.Unregister(c.addresses.EncryptorInternal)
	node.Unregister(c.addresses.DecryptorRemote)
	c.channels.registry.unregister(c)
	c.encryptor.drop()
	c.channels.metrics.ChannelClosed()

	logrus.WithFields(logrus.Fields{
		"function": "teardown",
		"role":     c.role.String(),
		"their_id": c.theirID.String(),
		"reason":   reason,
	}).Info("Secure channel closed")
}

// encryptorWorker serves the encryptor addresses of a channel.
type encryptorWorker struct {
	channel *SecureChannel
}

func (w *encryptorWorker) HandleMessage(ctx context.Context, d routing.Delivery) error {
	ch := w.channel
	switch d.Address {
	case ch.addresses.Encryptor:
		msgs, err := splitPayload(PlaintextPayload{
			OnwardRoute: d.Message.OnwardRoute,
			ReturnRoute: d.Message.ReturnRoute,
			Payload:     d.Message.Payload,
		})
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := ch.sendSealed(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	case ch.addresses.EncryptorInternal:
		return w.presentRefreshedCredential(ctx, d.Message.Payload)
	default:
		return ErrUnknownChannel
	}
}

// presentRefreshedCredential re-sends the local identity payload with a
// credential pushed by the refresher.
func (w *encryptorWorker) presentRefreshedCredential(ctx context.Context, raw []byte) error {
	ch := w.channel
	notification, err := credentials.DecodeCredentialAndPurposeKeyMessage(raw)
	if err != nil {
		return err
	}

	local, err := ch.channels.identities.GetIdentity(ctx, ch.localID)
	if err != nil {
		return err
	}
	creds := append(append([]identity.CredentialAndPurposeKey(nil), ch.opts.Credentials...), notification.Credential)
	payload, err := noise.MakeIdentityPayload(ctx, noise.LocalIdentity{
		Identity:    local,
		PurposeKey:  ch.purposeKey,
		Credentials: creds,
	})
	if err != nil {
		return err
	}

	if err := ch.sendSealed(ctx, SecureChannelMessage{Kind: KindRefreshCredentials, RefreshCredentials: payload}); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "presentRefreshedCredential",
		"their_id": ch.theirID.String(),
	}).Debug("Refreshed credential presented to peer")
	return nil
}
