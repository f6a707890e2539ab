package channel

import (
	"time"

	"github.com/opd-ai/sechannel/credentials"
	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/routing"
)

// DefaultHandshakeTimeout bounds a handshake when Options.Timeout is zero.
const DefaultHandshakeTimeout = 60 * time.Second

// Options configure one side of a secure channel.
type Options struct {
	// Identifier is the local identity presented to the peer.
	Identifier identity.Identifier
	// TrustPolicy decides which peers are accepted. Nil accepts everyone.
	TrustPolicy identity.TrustPolicy
	// TrustContext names the authorities whose credentials are accepted.
	// Peers that present credentials without one are rejected.
	TrustContext *identity.TrustContext
	// Credentials are presented on every handshake.
	Credentials []identity.CredentialAndPurposeKey
	// Retriever supplies a current credential and pushes refreshed ones to
	// established channels.
	Retriever credentials.Retriever
	// Timeout bounds the handshake.
	Timeout time.Duration
	// ExpectedIdentifier pins the peer identity.
	ExpectedIdentifier *identity.Identifier
}

func (o Options) withDefaults() Options {
	if o.TrustPolicy == nil {
		o.TrustPolicy = identity.TrustEveryonePolicy{}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultHandshakeTimeout
	}
	return o
}

// Addresses are the local addresses of one channel.
type Addresses struct {
	// Encryptor accepts plaintext to send to the peer.
	Encryptor routing.Address
	// EncryptorInternal receives refreshed credentials.
	EncryptorInternal routing.Address
	// DecryptorRemote receives handshake messages and then ciphertext.
	DecryptorRemote routing.Address
}

func newAddresses() Addresses {
	return Addresses{
		Encryptor:         routing.RandomAddress(),
		EncryptorInternal: routing.RandomAddress(),
		DecryptorRemote:   routing.RandomAddress(),
	}
}
