package noise

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/sechannel/crypto"
)

// ProtocolName is the Noise protocol run by every handshake.
const ProtocolName = "Noise_XX_25519_AESGCM_SHA256"

// Prologue is mixed into the handshake hash so that both sides agree on
// the application protocol.
var Prologue = []byte("sechannel/v1")

// message1Size is the length of XX message 1, a bare ephemeral key. Later
// messages are always longer.
const message1Size = crypto.X25519KeySize

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrInvalidMessage indicates received message is invalid for current state
	ErrInvalidMessage = errors.New("invalid message for current handshake state")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message.
	Initiator HandshakeRole = iota
	// Responder answers the first handshake message.
	Responder
)

func (r HandshakeRole) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// HandshakeKeys are the transport keys of a finished handshake. Each
// CipherState is owned by exactly one side of the channel machinery.
type HandshakeKeys struct {
	Encryption *noise.CipherState
	Decryption *noise.CipherState
}

// XXHandshake runs the Noise XX pattern with the static and ephemeral
// private keys held in a vault. XX gives mutual authentication without
// prior knowledge of the peer's static key; identity is established by the
// payloads carried in messages 2 and 3.
type XXHandshake struct {
	role     HandshakeRole
	vault    crypto.SecureChannelVault
	state    *noise.HandshakeState
	keys     *HandshakeKeys
	complete bool
}

// CipherSuite returns the suite used by handshakes against vault.
func CipherSuite(vault crypto.SecureChannelVault) noise.CipherSuite {
	return noise.NewCipherSuite(crypto.NewDHFunc(vault), noise.CipherAESGCM, noise.HashSHA256)
}

// NewXXHandshake creates a handshake whose static key is the vault key
// behind staticKey.
func NewXXHandshake(ctx context.Context, vault crypto.SecureChannelVault, staticKey crypto.KeyHandle, role HandshakeRole) (*XXHandshake, error) {
	static, err := crypto.StaticDHKey(ctx, vault, staticKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load static key: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite(vault),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		Prologue:      Prologue,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	return &XXHandshake{role: role, vault: vault, state: hs}, nil
}

// WriteMessage writes the next handshake message carrying payload.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, error) {
	if xx.complete {
		return nil, ErrHandshakeComplete
	}

	message, cs1, cs2, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("XX handshake write failed: %w", err)
	}
	xx.setKeys(cs1, cs2)
	return message, nil
}

// ReadMessage reads the next handshake message and returns its payload.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, error) {
	if xx.complete {
		return nil, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	xx.setKeys(cs1, cs2)
	return payload, nil
}

// setKeys stores the split cipher states. The first carries
// initiator-to-responder traffic, the second the reverse direction.
func (xx *XXHandshake) setKeys(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if xx.role == Initiator {
		xx.keys = &HandshakeKeys{Encryption: cs1, Decryption: cs2}
	} else {
		xx.keys = &HandshakeKeys{Encryption: cs2, Decryption: cs1}
	}
	xx.complete = true
}

// IsComplete returns whether the XX handshake is complete.
func (xx *XXHandshake) IsComplete() bool {
	return xx.complete
}

// Keys returns the transport keys once the handshake is complete.
func (xx *XXHandshake) Keys() (HandshakeKeys, error) {
	if !xx.complete {
		return HandshakeKeys{}, ErrHandshakeNotComplete
	}
	return *xx.keys, nil
}

// PeerStatic returns a copy of the peer's static key, or nil before the
// peer has sent it.
func (xx *XXHandshake) PeerStatic() []byte {
	remote := xx.state.PeerStatic()
	if len(remote) == 0 {
		return nil
	}
	key := make([]byte, len(remote))
	copy(key, remote)
	return key
}

// ChannelBinding returns the handshake hash, unique to this handshake.
func (xx *XXHandshake) ChannelBinding() []byte {
	return xx.state.ChannelBinding()
}

// DeleteEphemeral removes the ephemeral key from the vault. It is safe to
// call more than once.
func (xx *XXHandshake) DeleteEphemeral(ctx context.Context) {
	ephemeral := xx.state.LocalEphemeral()
	if len(ephemeral.Private) == 0 {
		return
	}
	if _, err := xx.vault.DeleteX25519Key(ctx, crypto.KeyHandle(ephemeral.Private)); err != nil {
		crypto.NewLogger("noise", "DeleteEphemeral").
			WithError(err, "delete_ephemeral").
			Warn("Failed to delete ephemeral key")
	}
}
