package channel

import (
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/opd-ai/sechannel/routing"
)

// RekeyInterval is the number of messages sent under one key. Message n
// is sealed with the key of interval n/RekeyInterval; each new interval
// derives its key with the Noise REKEY function.
const RekeyInterval = 32

// Encryptor owns the sending key of a channel, its nonce counter and the
// route to the peer's decryptor.
type Encryptor struct {
	mu          sync.Mutex
	cs          *noise.CipherState
	cipher      noise.Cipher
	nonce       uint64
	remoteRoute routing.Route
}

func newEncryptor(cs *noise.CipherState, remoteRoute routing.Route) *Encryptor {
	return &Encryptor{cs: cs, cipher: cs.Cipher(), remoteRoute: remoteRoute}
}

// seal encrypts msg under the next nonce and returns nonce || ciphertext
// together with the current remote route.
func (e *Encryptor) seal(msg SecureChannelMessage) ([]byte, routing.Route, error) {
	plaintext, err := encodeMessage(msg)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cs == nil {
		return nil, nil, ErrChannelClosed
	}
	if e.nonce > maxNonce {
		return nil, nil, ErrNonceExhausted
	}
	n := e.nonce
	if n > 0 && n%RekeyInterval == 0 {
		e.cs.Rekey()
		e.cipher = e.cs.Cipher()
	}
	e.nonce++

	out := make([]byte, 0, nonceSize+len(plaintext)+16)
	out = putNonce(out, n)
	out = e.cipher.Encrypt(out, n, nil, plaintext)
	return out, e.remoteRoute, nil
}

// updateRemoteRoute follows a peer whose return route changed.
func (e *Encryptor) updateRemoteRoute(route routing.Route) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteRoute = route
}

// RemoteRoute returns the route to the peer's decryptor.
func (e *Encryptor) RemoteRoute() routing.Route {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(routing.Route(nil), e.remoteRoute...)
}

// drop releases the key. Further seals fail.
func (e *Encryptor) drop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cs, e.cipher = nil, nil
}

// keyTracker follows the sender's rekeys. It holds the key of the current
// interval and the one before it, so messages delayed across a rekey
// still open.
type keyTracker struct {
	current  *noise.CipherState
	previous noise.Cipher
	rekeys   uint64
}

// cipherFor returns the cipher for nonce n. A non-nil next is the state of
// the following interval; commit it once a message opens under it.
func (k *keyTracker) cipherFor(n uint64) (c noise.Cipher, next *noise.CipherState, err error) {
	start := k.rekeys * RekeyInterval
	if n >= start {
		switch age := n - start; {
		case age < RekeyInterval:
			return k.current.Cipher(), nil, nil
		case age < 2*RekeyInterval:
			// copy so a forged message cannot move the current key
			rekeyed := *k.current
			rekeyed.Rekey()
			return rekeyed.Cipher(), &rekeyed, nil
		default:
			return nil, nil, ErrNonceTooNew
		}
	}
	if start-n <= RekeyInterval && k.previous != nil {
		return k.previous, nil, nil
	}
	return nil, nil, ErrNonceTooOld
}

func (k *keyTracker) commit(next *noise.CipherState) {
	if next == nil {
		return
	}
	k.previous = k.current.Cipher()
	k.current = next
	k.rekeys++
}

// Decryptor owns the receiving keys of a channel and its replay window. It
// is used only from the decryptor's mailbox goroutine.
type Decryptor struct {
	keys   *keyTracker
	window replayWindow
}

func newDecryptor(cs *noise.CipherState) *Decryptor {
	return &Decryptor{keys: &keyTracker{current: cs}}
}

// open authenticates data and returns the message and its nonce. The
// nonce and any rekey are recorded only once the ciphertext verifies, so
// forged packets change nothing.
func (d *Decryptor) open(data []byte) (SecureChannelMessage, uint64, error) {
	if d.keys == nil {
		return SecureChannelMessage{}, 0, ErrChannelClosed
	}
	n, ciphertext, err := splitNonce(data)
	if err != nil {
		return SecureChannelMessage{}, 0, err
	}
	if err := d.window.check(n); err != nil {
		return SecureChannelMessage{}, n, err
	}
	c, next, err := d.keys.cipherFor(n)
	if err != nil {
		return SecureChannelMessage{}, n, err
	}

	plaintext, err := c.Decrypt(nil, n, nil, ciphertext)
	if err != nil {
		return SecureChannelMessage{}, n, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	d.window.mark(n)
	d.keys.commit(next)

	msg, err := decodeMessage(plaintext)
	return msg, n, err
}

// highestNonce returns the highest accepted nonce.
func (d *Decryptor) highestNonce() (uint64, bool) {
	return d.window.highest, d.window.started
}

func (d *Decryptor) drop() {
	d.keys = nil
}
