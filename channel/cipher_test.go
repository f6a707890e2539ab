package channel

import (
	"testing"

	"github.com/flynn/noise"
	"github.com/opd-ai/sechannel/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cipherPair runs an NN handshake and returns the initiator's sending
// state and the responder's matching receiving state.
func cipherPair(t *testing.T) (*noise.CipherState, *noise.CipherState) {
	t.Helper()
	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)
	initiator, err := noise.NewHandshakeState(noise.Config{CipherSuite: suite, Pattern: noise.HandshakeNN, Initiator: true})
	require.NoError(t, err)
	responder, err := noise.NewHandshakeState(noise.Config{CipherSuite: suite, Pattern: noise.HandshakeNN})
	require.NoError(t, err)

	m1, _, _, err := initiator.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, _, _, err = responder.ReadMessage(nil, m1)
	require.NoError(t, err)
	m2, recv, _, err := responder.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, send, _, err := initiator.ReadMessage(nil, m2)
	require.NoError(t, err)
	return send, recv
}

func payload(body string) SecureChannelMessage {
	return SecureChannelMessage{
		Kind: KindPayload,
		Payload: &PlaintextPayload{
			OnwardRoute: routing.NewRoute("echo"),
			ReturnRoute: routing.NewRoute("app"),
			Payload:     []byte(body),
		},
	}
}

func TestSealOpen(t *testing.T) {
	send, recv := cipherPair(t)
	enc := newEncryptor(send, routing.NewRoute("peer"))
	dec := newDecryptor(recv)

	data, route, err := enc.seal(payload("hello"))
	require.NoError(t, err)
	assert.Equal(t, routing.Route{"peer"}, route)
	assert.Equal(t, make([]byte, nonceSize), data[:nonceSize])

	msg, nonce, err := dec.open(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)
	assert.Equal(t, KindPayload, msg.Kind)
	assert.Equal(t, []byte("hello"), msg.Payload.Payload)
	assert.Equal(t, routing.Route{"echo"}, msg.Payload.OnwardRoute)
}

func TestOpenOutOfOrder(t *testing.T) {
	send, recv := cipherPair(t)
	enc := newEncryptor(send, nil)
	dec := newDecryptor(recv)

	var sealed [][]byte
	for i := 0; i < 3; i++ {
		data, _, err := enc.seal(payload("m"))
		require.NoError(t, err)
		sealed = append(sealed, data)
	}

	for _, i := range []int{2, 0, 1} {
		_, nonce, err := dec.open(sealed[i])
		require.NoError(t, err)
		assert.Equal(t, uint64(i), nonce)
	}
	highest, ok := dec.highestNonce()
	assert.True(t, ok)
	assert.Equal(t, uint64(2), highest)
}

func TestOpenRejectsReplay(t *testing.T) {
	send, recv := cipherPair(t)
	enc := newEncryptor(send, nil)
	dec := newDecryptor(recv)

	data, _, err := enc.seal(payload("once"))
	require.NoError(t, err)
	_, _, err = dec.open(data)
	require.NoError(t, err)

	_, _, err = dec.open(data)
	assert.ErrorIs(t, err, ErrReplayedMessage)
}

func TestOpenForgeryDoesNotAdvanceWindow(t *testing.T) {
	send, recv := cipherPair(t)
	enc := newEncryptor(send, nil)
	dec := newDecryptor(recv)

	data, _, err := enc.seal(payload("real"))
	require.NoError(t, err)

	forged := append([]byte(nil), data...)
	forged[len(forged)-1] ^= 0xff
	_, _, err = dec.open(forged)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, _, err = dec.open(data)
	assert.NoError(t, err)
}

func TestOpenShortMessage(t *testing.T) {
	_, recv := cipherPair(t)
	_, _, err := newDecryptor(recv).open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestSealNonceExhausted(t *testing.T) {
	send, _ := cipherPair(t)
	enc := newEncryptor(send, nil)
	enc.nonce = maxNonce + 1

	_, _, err := enc.seal(payload("late"))
	assert.ErrorIs(t, err, ErrNonceExhausted)
}

func TestDroppedKeys(t *testing.T) {
	send, recv := cipherPair(t)
	enc := newEncryptor(send, nil)
	dec := newDecryptor(recv)

	data, _, err := enc.seal(payload("before"))
	require.NoError(t, err)

	enc.drop()
	dec.drop()
	_, _, err = enc.seal(payload("after"))
	assert.ErrorIs(t, err, ErrChannelClosed)
	_, _, err = dec.open(data)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestRemoteRouteUpdate(t *testing.T) {
	send, _ := cipherPair(t)
	enc := newEncryptor(send, routing.NewRoute("old"))
	enc.updateRemoteRoute(routing.NewRoute("nats#b", "new"))

	_, route, err := enc.seal(payload("x"))
	require.NoError(t, err)
	assert.Equal(t, routing.Route{"nats#b", "new"}, route)
	assert.Equal(t, route, enc.RemoteRoute())
}

func TestDecodeMessageValidation(t *testing.T) {
	raw, err := encodeMessage(SecureChannelMessage{Kind: KindPayload})
	require.NoError(t, err)
	_, err = decodeMessage(raw)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	raw, err = encodeMessage(SecureChannelMessage{Kind: MessageKind(9)})
	require.NoError(t, err)
	_, err = decodeMessage(raw)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	raw, err = encodeMessage(SecureChannelMessage{Kind: KindClose})
	require.NoError(t, err)
	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "close", msg.Kind.String())

	_, err = decodeMessage([]byte{0xff})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

// sealMany seals count messages and returns them indexed by nonce.
func sealMany(t *testing.T, enc *Encryptor, count int) [][]byte {
	t.Helper()
	sealed := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		data, _, err := enc.seal(payload("m"))
		require.NoError(t, err)
		sealed = append(sealed, data)
	}
	return sealed
}

func TestRekeyRoundTrip(t *testing.T) {
	send, recv := cipherPair(t)
	initial := *recv
	enc := newEncryptor(send, nil)
	dec := newDecryptor(recv)

	sealed := sealMany(t, enc, 100)
	for i, data := range sealed {
		_, nonce, err := dec.open(data)
		require.NoErrorf(t, err, "message %d", i)
		assert.Equal(t, uint64(i), nonce)
	}
	assert.Equal(t, uint64(3), dec.keys.rekeys)

	_, err := initial.Cipher().Decrypt(nil, RekeyInterval-1, nil, sealed[RekeyInterval-1][nonceSize:])
	assert.NoError(t, err, "first interval uses the handshake key")
	_, err = initial.Cipher().Decrypt(nil, RekeyInterval, nil, sealed[RekeyInterval][nonceSize:])
	assert.Error(t, err, "second interval uses a new key")
}

func TestRekeyBoundary(t *testing.T) {
	send, recv := cipherPair(t)
	enc := newEncryptor(send, nil)
	dec := newDecryptor(recv)
	sealed := sealMany(t, enc, RekeyInterval+2)

	for _, n := range []int{RekeyInterval - 1, RekeyInterval, RekeyInterval + 1} {
		_, _, err := dec.open(sealed[n])
		require.NoErrorf(t, err, "message %d", n)
	}
	assert.Equal(t, uint64(1), dec.keys.rekeys)

	// delayed messages of the previous interval still open
	_, _, err := dec.open(sealed[0])
	assert.NoError(t, err)
	_, _, err = dec.open(sealed[RekeyInterval-2])
	assert.NoError(t, err)
	_, _, err = dec.open(sealed[RekeyInterval-1])
	assert.ErrorIs(t, err, ErrReplayedMessage)
}

func TestRekeyRejectsDistantNonces(t *testing.T) {
	send, recv := cipherPair(t)
	enc := newEncryptor(send, nil)
	dec := newDecryptor(recv)
	sealed := sealMany(t, enc, 2*RekeyInterval+1)

	_, _, err := dec.open(sealed[2*RekeyInterval])
	assert.ErrorIs(t, err, ErrNonceTooNew)
	_, started := dec.highestNonce()
	assert.False(t, started)

	_, _, err = dec.open(sealed[RekeyInterval])
	require.NoError(t, err)
	_, _, err = dec.open(sealed[2*RekeyInterval])
	require.NoError(t, err)
	assert.Equal(t, uint64(2), dec.keys.rekeys)

	// inside the replay window but two keys back
	_, _, err = dec.open(sealed[RekeyInterval/2])
	assert.ErrorIs(t, err, ErrNonceTooOld)
	_, _, err = dec.open(sealed[RekeyInterval+1])
	assert.NoError(t, err)
}

func TestRekeyForgeryDoesNotCommit(t *testing.T) {
	send, recv := cipherPair(t)
	enc := newEncryptor(send, nil)
	dec := newDecryptor(recv)
	sealed := sealMany(t, enc, RekeyInterval+1)

	forged := append([]byte(nil), sealed[RekeyInterval]...)
	forged[len(forged)-1] ^= 0xff
	_, _, err := dec.open(forged)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	assert.Equal(t, uint64(0), dec.keys.rekeys)

	_, _, err = dec.open(sealed[0])
	require.NoError(t, err)
	_, _, err = dec.open(sealed[RekeyInterval])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dec.keys.rekeys)
}

func TestSplitPayload(t *testing.T) {
	small, err := splitPayload(PlaintextPayload{Payload: []byte("short")})
	require.NoError(t, err)
	require.Len(t, small, 1)
	assert.Equal(t, KindPayload, small[0].Kind)

	body := make([]byte, 2*MaxPayloadPartSize+100)
	for i := range body {
		body[i] = byte(i)
	}
	msgs, err := splitPayload(PlaintextPayload{
		OnwardRoute: routing.NewRoute("echo"),
		ReturnRoute: routing.NewRoute("app"),
		Payload:     body,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	var joined []byte
	for i, msg := range msgs {
		assert.Equal(t, KindPayloadPart, msg.Kind)
		assert.Equal(t, msgs[0].Part.ID, msg.Part.ID)
		assert.Equal(t, uint32(i+1), msg.Part.Number)
		assert.Equal(t, uint32(3), msg.Part.Total)
		assert.LessOrEqual(t, len(msg.Part.Payload), MaxPayloadPartSize)
		joined = append(joined, msg.Part.Payload...)

		raw, err := encodeMessage(msg)
		require.NoError(t, err)
		decoded, err := decodeMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, msg.Part.ID, decoded.Part.ID)
	}
	assert.Equal(t, body, joined)

	raw, err := encodeMessage(SecureChannelMessage{Kind: KindPayloadPart})
	require.NoError(t, err)
	_, err = decodeMessage(raw)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}
