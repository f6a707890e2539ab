package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// KeyHandle references a secret held by a vault. Secrets never leave the
// vault; callers only ever see handles and public keys.
type KeyHandle string

// SigningKeyType identifies the signature scheme of a signing key.
type SigningKeyType uint8

const (
	// SigningKeyEd25519 is an Ed25519 signing key.
	SigningKeyEd25519 SigningKeyType = 1
	// SigningKeyDilithium3 is a post-quantum Dilithium3 signing key.
	SigningKeyDilithium3 SigningKeyType = 2
)

// String returns the scheme name.
func (t SigningKeyType) String() string {
	switch t {
	case SigningKeyEd25519:
		return "ed25519"
	case SigningKeyDilithium3:
		return "dilithium3"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// VerifyingPublicKey is the public half of a signing key.
type VerifyingPublicKey struct {
	Type SigningKeyType `cbor:"1,keyasint"`
	Key  []byte         `cbor:"2,keyasint"`
}

var (
	// ErrKeyNotFound is returned when a handle does not reference a key.
	ErrKeyNotFound = errors.New("vault: key not found")
	// ErrUnsupportedKeyType is returned for unknown signing key types.
	ErrUnsupportedKeyType = errors.New("vault: unsupported key type")
)

// SecureChannelVault holds the X25519 keys used by Noise handshakes.
type SecureChannelVault interface {
	GenerateStaticX25519Key(ctx context.Context) (KeyHandle, error)
	GenerateEphemeralX25519Key(ctx context.Context) (KeyHandle, error)
	X25519PublicKey(ctx context.Context, handle KeyHandle) ([32]byte, error)
	X25519ECDH(ctx context.Context, handle KeyHandle, peerPublicKey []byte) ([]byte, error)
	DeleteX25519Key(ctx context.Context, handle KeyHandle) (bool, error)
}

// SigningVault holds identity and credential signing keys.
type SigningVault interface {
	GenerateSigningKey(ctx context.Context, keyType SigningKeyType) (KeyHandle, error)
	SigningPublicKey(ctx context.Context, handle KeyHandle) (VerifyingPublicKey, error)
	Sign(ctx context.Context, handle KeyHandle, data []byte) ([]byte, error)
	DeleteSigningKey(ctx context.Context, handle KeyHandle) (bool, error)
}

// VerifyingVault verifies signatures and hashes data.
type VerifyingVault interface {
	SHA256(data []byte) [32]byte
	VerifySignature(ctx context.Context, publicKey VerifyingPublicKey, data, signature []byte) (bool, error)
}

// Vault combines every vault capability.
type Vault interface {
	SecureChannelVault
	SigningVault
	VerifyingVault
}

const (
	recordX25519  = "x25519"
	recordSigning = "signing"
)

// keyRecord is the persisted form of a secret.
type keyRecord struct {
	Kind    string         `cbor:"1,keyasint"`
	KeyType SigningKeyType `cbor:"2,keyasint,omitempty"`
	Secret  []byte         `cbor:"3,keyasint"`
}

type signingKey struct {
	keyType    SigningKeyType
	ed25519    ed25519.PrivateKey
	dilithium  *mode3.PrivateKey
	publicKey  []byte
	persistent bool
}

type x25519Key struct {
	pair       *KeyPair
	persistent bool
}

// SoftwareVault is an in-process Vault. When created with a key store,
// static X25519 keys and signing keys survive restarts; ephemeral keys
// are always memory-only.
type SoftwareVault struct {
	mu      sync.RWMutex
	x25519  map[KeyHandle]*x25519Key
	signing map[KeyHandle]*signingKey
	store   *EncryptedKeyStore
}

// NewSoftwareVault returns a memory-only vault.
func NewSoftwareVault() *SoftwareVault {
	return &SoftwareVault{
		x25519:  make(map[KeyHandle]*x25519Key),
		signing: make(map[KeyHandle]*signingKey),
	}
}

// NewPersistentSoftwareVault returns a vault backed by store, loading every
// key already present.
func NewPersistentSoftwareVault(store *EncryptedKeyStore) (*SoftwareVault, error) {
	v := NewSoftwareVault()
	v.store = store

	handles, err := store.Handles()
	if err != nil {
		return nil, err
	}
	for _, handle := range handles {
		if err := v.load(handle); err != nil {
			return nil, fmt.Errorf("failed to load key %s: %w", handle, err)
		}
	}

	NewLogger("crypto", "NewPersistentSoftwareVault").
		WithField("keys", len(handles)).
		Info("Vault loaded from key store")
	return v, nil
}

func (v *SoftwareVault) load(handle KeyHandle) error {
	raw, err := v.store.Get(handle)
	if err != nil {
		return err
	}
	defer ZeroBytes(raw)

	var rec keyRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("invalid key record: %w", err)
	}
	defer ZeroBytes(rec.Secret)

	switch rec.Kind {
	case recordX25519:
		if len(rec.Secret) != X25519KeySize {
			return fmt.Errorf("invalid x25519 secret length %d", len(rec.Secret))
		}
		var secret [32]byte
		copy(secret[:], rec.Secret)
		pair, err := FromSecretKey(secret)
		ZeroBytes(secret[:])
		if err != nil {
			return err
		}
		v.x25519[handle] = &x25519Key{pair: pair, persistent: true}
	case recordSigning:
		key, err := signingKeyFromSecret(rec.KeyType, rec.Secret)
		if err != nil {
			return err
		}
		key.persistent = true
		v.signing[handle] = key
	default:
		return fmt.Errorf("unknown key record kind %q", rec.Kind)
	}
	return nil
}

func (v *SoftwareVault) persist(handle KeyHandle, rec keyRecord) error {
	if v.store == nil {
		return nil
	}
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode key record: %w", err)
	}
	defer ZeroBytes(raw)
	return v.store.Put(handle, raw)
}

func newHandle() KeyHandle {
	return KeyHandle(uuid.NewString())
}

// GenerateStaticX25519Key creates a long-lived X25519 key.
func (v *SoftwareVault) GenerateStaticX25519Key(ctx context.Context) (KeyHandle, error) {
	return v.generateX25519(true)
}

// GenerateEphemeralX25519Key creates an X25519 key that is never persisted.
func (v *SoftwareVault) GenerateEphemeralX25519Key(ctx context.Context) (KeyHandle, error) {
	return v.generateX25519(false)
}

func (v *SoftwareVault) generateX25519(persistent bool) (KeyHandle, error) {
	pair, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}
	handle := newHandle()

	if persistent {
		if err := v.persist(handle, keyRecord{Kind: recordX25519, Secret: pair.Private[:]}); err != nil {
			WipeKeyPair(pair)
			return "", err
		}
	}

	v.mu.Lock()
	v.x25519[handle] = &x25519Key{pair: pair, persistent: persistent}
	v.mu.Unlock()

	if persistent {
		NewLogger("crypto", "GenerateStaticX25519Key").
			WithFields(SecureFieldHash(pair.Public[:], "public_key")).
			WithField("handle", handle).
			Debug("Static key generated")
	}
	return handle, nil
}

// X25519PublicKey returns the public key for handle.
func (v *SoftwareVault) X25519PublicKey(ctx context.Context, handle KeyHandle) ([32]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.x25519[handle]
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrKeyNotFound, handle)
	}
	return key.pair.Public, nil
}

// X25519ECDH performs Diffie-Hellman between the secret behind handle and
// the peer public key.
func (v *SoftwareVault) X25519ECDH(ctx context.Context, handle KeyHandle, peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != X25519KeySize {
		return nil, fmt.Errorf("x25519 public key must be %d bytes, got %d", X25519KeySize, len(peerPublicKey))
	}

	v.mu.RLock()
	key, ok := v.x25519[handle]
	var secret [32]byte
	if ok {
		secret = key.pair.Private
	}
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, handle)
	}
	defer ZeroBytes(secret[:])

	var peer [32]byte
	copy(peer[:], peerPublicKey)
	shared, err := DeriveSharedSecret(peer, secret)
	if err != nil {
		return nil, err
	}
	return shared[:], nil
}

// DeleteX25519Key wipes the key behind handle. It reports whether a key
// was present.
func (v *SoftwareVault) DeleteX25519Key(ctx context.Context, handle KeyHandle) (bool, error) {
	v.mu.Lock()
	key, ok := v.x25519[handle]
	delete(v.x25519, handle)
	v.mu.Unlock()
	if !ok {
		return false, nil
	}
	WipeKeyPair(key.pair)
	if key.persistent && v.store != nil {
		if err := v.store.Delete(handle); err != nil {
			return true, err
		}
	}
	return true, nil
}

// GenerateSigningKey creates a signing key of the given type.
func (v *SoftwareVault) GenerateSigningKey(ctx context.Context, keyType SigningKeyType) (KeyHandle, error) {
	var (
		key    *signingKey
		secret []byte
	)

	switch keyType {
	case SigningKeyEd25519:
		priv, err := GenerateEd25519Key()
		if err != nil {
			return "", err
		}
		key = &signingKey{keyType: keyType, ed25519: priv, publicKey: priv.Public().(ed25519.PublicKey)}
		secret = priv
	case SigningKeyDilithium3:
		pub, priv, err := GenerateDilithium3Key()
		if err != nil {
			return "", err
		}
		pubBytes, err := pub.MarshalBinary()
		if err != nil {
			return "", fmt.Errorf("failed to encode dilithium3 public key: %w", err)
		}
		secret, err = priv.MarshalBinary()
		if err != nil {
			return "", fmt.Errorf("failed to encode dilithium3 private key: %w", err)
		}
		defer ZeroBytes(secret)
		key = &signingKey{keyType: keyType, dilithium: priv, publicKey: pubBytes}
	default:
		return "", fmt.Errorf("%w: %d", ErrUnsupportedKeyType, keyType)
	}

	handle := newHandle()
	if err := v.persist(handle, keyRecord{Kind: recordSigning, KeyType: keyType, Secret: secret}); err != nil {
		return "", err
	}
	key.persistent = v.store != nil

	v.mu.Lock()
	v.signing[handle] = key
	v.mu.Unlock()

	NewLogger("crypto", "GenerateSigningKey").
		WithFields(logrus.Fields{"key_type": keyType.String(), "handle": handle}).
		Debug("Signing key generated")
	return handle, nil
}

func signingKeyFromSecret(keyType SigningKeyType, secret []byte) (*signingKey, error) {
	switch keyType {
	case SigningKeyEd25519:
		if len(secret) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid ed25519 secret length %d", len(secret))
		}
		priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(priv, secret)
		return &signingKey{keyType: keyType, ed25519: priv, publicKey: priv.Public().(ed25519.PublicKey)}, nil
	case SigningKeyDilithium3:
		var priv mode3.PrivateKey
		if err := priv.UnmarshalBinary(secret); err != nil {
			return nil, fmt.Errorf("invalid dilithium3 secret: %w", err)
		}
		pub, err := priv.Public().(*mode3.PublicKey).MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode dilithium3 public key: %w", err)
		}
		return &signingKey{keyType: keyType, dilithium: &priv, publicKey: pub}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeyType, keyType)
	}
}

// SigningPublicKey returns the verifying key for handle.
func (v *SoftwareVault) SigningPublicKey(ctx context.Context, handle KeyHandle) (VerifyingPublicKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.signing[handle]
	if !ok {
		return VerifyingPublicKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, handle)
	}
	pub := make([]byte, len(key.publicKey))
	copy(pub, key.publicKey)
	return VerifyingPublicKey{Type: key.keyType, Key: pub}, nil
}

// Sign signs data with the key behind handle.
func (v *SoftwareVault) Sign(ctx context.Context, handle KeyHandle, data []byte) ([]byte, error) {
	v.mu.RLock()
	key, ok := v.signing[handle]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, handle)
	}

	switch key.keyType {
	case SigningKeyEd25519:
		return SignEd25519(data, key.ed25519)
	case SigningKeyDilithium3:
		return SignDilithium3(data, key.dilithium)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeyType, key.keyType)
	}
}

// DeleteSigningKey removes the key behind handle.
func (v *SoftwareVault) DeleteSigningKey(ctx context.Context, handle KeyHandle) (bool, error) {
	v.mu.Lock()
	key, ok := v.signing[handle]
	delete(v.signing, handle)
	v.mu.Unlock()
	if !ok {
		return false, nil
	}
	if key.ed25519 != nil {
		ZeroBytes(key.ed25519)
	}
	if key.persistent && v.store != nil {
		if err := v.store.Delete(handle); err != nil {
			return true, err
		}
	}
	return true, nil
}

// SHA256 hashes data.
func (v *SoftwareVault) SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// VerifySignature checks signature over data with publicKey.
func (v *SoftwareVault) VerifySignature(ctx context.Context, publicKey VerifyingPublicKey, data, signature []byte) (bool, error) {
	switch publicKey.Type {
	case SigningKeyEd25519:
		return VerifyEd25519(data, signature, publicKey.Key)
	case SigningKeyDilithium3:
		return VerifyDilithium3(data, signature, publicKey.Key)
	default:
		return false, fmt.Errorf("%w: %d", ErrUnsupportedKeyType, publicKey.Type)
	}
}

var _ Vault = (*SoftwareVault)(nil)
