package crypto

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// ErrLowOrderPoint is returned when an ECDH result is all zeros.
var ErrLowOrderPoint = errors.New("x25519: low order peer public key")

// DeriveSharedSecret computes a shared secret between two parties
// using Elliptic Curve Diffie-Hellman (ECDH) on Curve25519.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	var privateKeyCopy [32]byte
	copy(privateKeyCopy[:], privateKey[:])
	defer ZeroBytes(privateKeyCopy[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], peerPublicKey[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Warn("X25519 computation failed")

		// curve25519 reports the all-zero output as an error
		return [32]byte{}, fmt.Errorf("%w: %v", ErrLowOrderPoint, err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)
	ZeroBytes(sharedSecret)

	if isZeroKey(result) {
		return [32]byte{}, ErrLowOrderPoint
	}

	return result, nil
}
