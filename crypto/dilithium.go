package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// GenerateDilithium3Key creates a new post-quantum Dilithium3 signing key.
func GenerateDilithium3Key() (*mode3.PublicKey, *mode3.PrivateKey, error) {
	publicKey, privateKey, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate dilithium3 key: %w", err)
	}
	return publicKey, privateKey, nil
}

// SignDilithium3 signs message with a Dilithium3 private key.
func SignDilithium3(message []byte, privateKey *mode3.PrivateKey) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if privateKey == nil {
		return nil, errors.New("missing dilithium3 private key")
	}
	signature := make([]byte, mode3.SignatureSize)
	mode3.SignTo(privateKey, message, signature)
	return signature, nil
}

// VerifyDilithium3 checks a Dilithium3 signature against an encoded public key.
func VerifyDilithium3(message, signature, publicKey []byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return false, fmt.Errorf("invalid dilithium3 public key: %w", err)
	}
	if len(signature) != mode3.SignatureSize {
		return false, nil
	}
	return mode3.Verify(&pk, message, signature), nil
}
