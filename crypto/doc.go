// Package crypto provides the key material layer for secure channels.
//
// Secrets live in a [Vault]. Callers hold [KeyHandle] values and public keys
// only. [SoftwareVault] is the in-process implementation; when constructed
// with an [EncryptedKeyStore] its static X25519 keys and signing keys are
// persisted encrypted at rest (PBKDF2 + AES-256-GCM).
//
// Noise handshakes use the vault through [NewDHFunc], a flynn/noise DHFunc
// whose private keys are vault handles:
//
//	vault := crypto.NewSoftwareVault()
//	suite := noise.NewCipherSuite(crypto.NewDHFunc(vault), noise.CipherAESGCM, noise.HashSHA256)
//
// Signing keys are Ed25519 or post-quantum Dilithium3 (mode3 from
// cloudflare/circl). [TimeProvider] abstracts the clock so that expiry and
// refresh logic can be driven deterministically from tests with
// [ManualTimeProvider].
package crypto
