package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/opd-ai/sechannel/routing"
)

var (
	// ErrInvalidCiphertext is returned for messages that fail to decrypt.
	ErrInvalidCiphertext = errors.New("invalid channel ciphertext")
	// ErrReplayedMessage is returned for a nonce that was already accepted.
	ErrReplayedMessage = errors.New("replayed channel message")
	// ErrNonceTooOld is returned for a nonce behind the replay window or
	// older than the previous key.
	ErrNonceTooOld = errors.New("channel nonce outside replay window")
	// ErrNonceTooNew is returned for a nonce more than one rekey ahead.
	ErrNonceTooNew = errors.New("channel nonce too far ahead")
	// ErrNonceExhausted is returned when an encryptor runs out of nonces.
	ErrNonceExhausted = errors.New("channel nonces exhausted")
	// ErrChannelClosed is returned by a closed or failed channel.
	ErrChannelClosed = errors.New("secure channel is closed")
	// ErrUnknownChannel is returned when no channel matches an address.
	ErrUnknownChannel = errors.New("unknown secure channel")
	// ErrInvalidPayloadPart is returned for a part of a split payload that
	// cannot be collected.
	ErrInvalidPayloadPart = errors.New("invalid payload part")
)

// nonceSize is the length of the explicit nonce prefix.
const nonceSize = 8

// maxNonce is the last usable nonce; math.MaxUint64 is reserved by Noise.
const maxNonce = math.MaxUint64 - 1

// MaxPayloadPartSize is the largest payload sealed into one message.
// Bigger payloads travel as numbered parts.
const MaxPayloadPartSize = 48 * 1024

// MessageKind tags a SecureChannelMessage.
type MessageKind uint8

const (
	KindPayload MessageKind = iota + 1
	KindRefreshCredentials
	KindClose
	KindPayloadPart
)

func (k MessageKind) String() string {
	switch k {
	case KindPayload:
		return "payload"
	case KindRefreshCredentials:
		return "refresh-credentials"
	case KindClose:
		return "close"
	case KindPayloadPart:
		return "payload-part"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// PlaintextPayload is an application message tunnelled through a channel.
type PlaintextPayload struct {
	OnwardRoute routing.Route `cbor:"1,keyasint"`
	ReturnRoute routing.Route `cbor:"2,keyasint"`
	Payload     []byte        `cbor:"3,keyasint"`
}

// PayloadPart is one piece of a payload larger than MaxPayloadPartSize.
// Number runs from 1 to Total.
type PayloadPart struct {
	ID          uuid.UUID     `cbor:"1,keyasint"`
	OnwardRoute routing.Route `cbor:"2,keyasint"`
	ReturnRoute routing.Route `cbor:"3,keyasint"`
	Payload     []byte        `cbor:"4,keyasint"`
	Number      uint32        `cbor:"5,keyasint"`
	Total       uint32        `cbor:"6,keyasint"`
}

// SecureChannelMessage is the plaintext of every post-handshake message.
type SecureChannelMessage struct {
	Kind    MessageKind       `cbor:"1,keyasint"`
	Payload *PlaintextPayload `cbor:"2,keyasint,omitempty"`
	// RefreshCredentials is an encoded noise.IdentityAndCredentials.
	RefreshCredentials []byte       `cbor:"3,keyasint,omitempty"`
	Part               *PayloadPart `cbor:"4,keyasint,omitempty"`
}

// splitPayload cuts p into parts of at most MaxPayloadPartSize bytes. A
// payload that fits stays a single KindPayload message.
func splitPayload(p PlaintextPayload) ([]SecureChannelMessage, error) {
	if len(p.Payload) <= MaxPayloadPartSize {
		return []SecureChannelMessage{{Kind: KindPayload, Payload: &p}}, nil
	}
	total := (len(p.Payload) + MaxPayloadPartSize - 1) / MaxPayloadPartSize
	if total > maxPayloadParts {
		return nil, fmt.Errorf("%w: %d bytes needs %d parts", ErrInvalidPayloadPart, len(p.Payload), total)
	}
	id := uuid.New()
	msgs := make([]SecureChannelMessage, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*MaxPayloadPartSize, len(p.Payload))
		msgs = append(msgs, SecureChannelMessage{
			Kind: KindPayloadPart,
			Part: &PayloadPart{
				ID:          id,
				OnwardRoute: p.OnwardRoute,
				ReturnRoute: p.ReturnRoute,
				Payload:     p.Payload[i*MaxPayloadPartSize : end],
				Number:      uint32(i + 1),
				Total:       uint32(total),
			},
		})
	}
	return msgs, nil
}

func encodeMessage(msg SecureChannelMessage) ([]byte, error) {
	return cbor.Marshal(msg)
}

func decodeMessage(raw []byte) (SecureChannelMessage, error) {
	var msg SecureChannelMessage
	if err := cbor.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	switch msg.Kind {
	case KindPayload:
		if msg.Payload == nil {
			return msg, fmt.Errorf("%w: payload message without payload", ErrInvalidCiphertext)
		}
	case KindPayloadPart:
		if msg.Part == nil {
			return msg, fmt.Errorf("%w: part message without part", ErrInvalidCiphertext)
		}
	case KindRefreshCredentials, KindClose:
	default:
		return msg, fmt.Errorf("%w: unknown message %s", ErrInvalidCiphertext, msg.Kind)
	}
	return msg, nil
}

func putNonce(dst []byte, nonce uint64) []byte {
	var buf [nonceSize]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return append(dst, buf[:]...)
}

func splitNonce(data []byte) (uint64, []byte, error) {
	if len(data) < nonceSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(data))
	}
	return binary.BigEndian.Uint64(data[:nonceSize]), data[nonceSize:], nil
}
