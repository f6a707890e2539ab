package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// Ed25519SignatureSize is the size of an Ed25519 signature in bytes.
const Ed25519SignatureSize = ed25519.SignatureSize

// GenerateEd25519Key creates a new Ed25519 signing key.
func GenerateEd25519Key() (ed25519.PrivateKey, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return privateKey, nil
}

// SignEd25519 creates an Ed25519 signature for a message.
func SignEd25519(message []byte, privateKey ed25519.PrivateKey) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(privateKey))
	}
	return ed25519.Sign(privateKey, message), nil
}

// VerifyEd25519 checks if a signature is valid for a message and public key.
func VerifyEd25519(message, signature, publicKey []byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
}
