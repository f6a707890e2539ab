// Package channel establishes mutually authenticated, encrypted channels
// between identities over a routing.Node.
//
// CreateSecureChannel runs the initiator side of a Noise XX handshake with
// a Listener created by CreateSecureChannelListener on the other end of a
// route. Both sides exchange their change history, an attested secure
// channel purpose key and any credentials; the peer's trust policy and
// trust context decide whether the channel is accepted.
//
// An established channel has three local addresses. Plaintext sent to the
// encryptor address is sealed and delivered to the peer's decryptor
// address, which opens it and forwards it onward with a return route that
// leads back through the peer's encryptor. Every message carries an
// explicit 8-byte nonce and is checked against a 64-message replay window.
// Both sides rekey every RekeyInterval messages; the receiver keeps the
// previous key for one interval so late messages still open. Payloads
// larger than MaxPayloadPartSize travel as numbered parts and are
// reassembled before delivery.
// The internal encryptor address receives refreshed credentials from a
// credentials.Retriever and presents them to the peer without a new
// handshake.
//
//	ch, err := channels.CreateSecureChannel(ctx, routing.NewRoute("nats#b", "listener"), channel.Options{
//		Identifier:  me,
//		TrustPolicy: identity.TrustIdentifierPolicy{Identifier: them},
//	})
//	if err != nil {
//		return err
//	}
//	defer ch.Close(ctx)
//	err = ch.Send(ctx, "app", routing.NewRoute("echo"), []byte("hello"))
package channel
