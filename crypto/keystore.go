package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current record format version
	EncryptionVersion = 1
	// SaltSize is the size of the salt for PBKDF2
	SaltSize = 32

	keyFileExtension = ".key"
	saltFileName     = ".salt"
	checkFileName    = ".check"
	// checkPlaintext is sealed into the check file on first use so a wrong
	// passphrase is caught when the store is opened.
	checkPlaintext = "sechannel key store"
	headerSize     = 2
)

// ErrWrongPassphrase is returned when the passphrase does not open an
// existing key store.
var ErrWrongPassphrase = errors.New("key store passphrase does not match")

// EncryptedKeyStore persists vault secrets on disk, one file per key handle,
// encrypted with AES-256-GCM under a key derived from a passphrase.
//
// Record format: [version:2][nonce:12][ciphertext+tag]. The handle is the
// additional data, so a record copied to another file does not open.
type EncryptedKeyStore struct {
	dir  string
	aead cipher.AEAD
	key  [32]byte
}

// NewEncryptedKeyStore opens or creates a key store in dir. The passphrase
// is wiped once the encryption key has been derived.
//
// CWE-311: Missing Encryption of Sensitive Data (addressed)
func NewEncryptedKeyStore(dir string, passphrase []byte) (*EncryptedKeyStore, error) {
	defer ZeroBytes(passphrase)
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	ks := &EncryptedKeyStore{dir: dir}
	salt, err := ks.salt()
	if err != nil {
		return nil, err
	}

	derived := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, len(ks.key), sha256.New)
	copy(ks.key[:], derived)
	ZeroBytes(derived)

	block, err := aes.NewCipher(ks.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if ks.aead, err = cipher.NewGCM(block); err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if err := ks.verifyPassphrase(); err != nil {
		ks.Close()
		return nil, err
	}

	NewLogger("crypto", "NewEncryptedKeyStore").
		WithField("dir", dir).
		Debug("Key store opened")
	return ks, nil
}

func (ks *EncryptedKeyStore) salt() ([]byte, error) {
	path := filepath.Join(ks.dir, saltFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != SaltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
		}
		return data, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

func (ks *EncryptedKeyStore) verifyPassphrase() error {
	path := filepath.Join(ks.dir, checkFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ks.writeAtomic(path, ks.seal(checkFileName, []byte(checkPlaintext)))
	}
	if err != nil {
		return fmt.Errorf("failed to read check file: %w", err)
	}
	if _, err := ks.open(checkFileName, data); err != nil {
		return ErrWrongPassphrase
	}
	return nil
}

func (ks *EncryptedKeyStore) seal(aad string, plaintext []byte) []byte {
	nonceSize := ks.aead.NonceSize()
	out := make([]byte, headerSize+nonceSize, headerSize+nonceSize+len(plaintext)+ks.aead.Overhead())
	binary.BigEndian.PutUint16(out, EncryptionVersion)
	// crypto/rand.Read never returns an error.
	rand.Read(out[headerSize:])
	return ks.aead.Seal(out, out[headerSize:], plaintext, []byte(aad))
}

func (ks *EncryptedKeyStore) open(aad string, data []byte) ([]byte, error) {
	nonceSize := ks.aead.NonceSize()
	if len(data) < headerSize+nonceSize+ks.aead.Overhead() {
		return nil, fmt.Errorf("record too short: %d bytes", len(data))
	}
	if v := binary.BigEndian.Uint16(data); v != EncryptionVersion {
		return nil, fmt.Errorf("unsupported record version %d", v)
	}
	nonce := data[headerSize : headerSize+nonceSize]
	plaintext, err := ks.aead.Open(nil, nonce, data[headerSize+nonceSize:], []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("record does not decrypt: %w", err)
	}
	return plaintext, nil
}

func (ks *EncryptedKeyStore) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (ks *EncryptedKeyStore) recordPath(handle KeyHandle) string {
	return filepath.Join(ks.dir, string(handle)+keyFileExtension)
}

// Put encrypts and writes the record stored under handle.
func (ks *EncryptedKeyStore) Put(handle KeyHandle, record []byte) error {
	return ks.writeAtomic(ks.recordPath(handle), ks.seal(string(handle), record))
}

// Get reads and decrypts the record stored under handle.
func (ks *EncryptedKeyStore) Get(handle KeyHandle) ([]byte, error) {
	data, err := os.ReadFile(ks.recordPath(handle))
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", handle, err)
	}
	return ks.open(string(handle), data)
}

// Delete overwrites the record with zeros and removes it. Deleting an
// unknown handle is not an error.
func (ks *EncryptedKeyStore) Delete(handle KeyHandle) error {
	path := ks.recordPath(handle)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat key %s: %w", handle, err)
	}
	// Best effort; the file is removed either way.
	_ = os.WriteFile(path, make([]byte, info.Size()), 0o600)
	return os.Remove(path)
}

// Handles lists every stored handle in sorted order.
func (ks *EncryptedKeyStore) Handles() ([]KeyHandle, error) {
	files, err := filepath.Glob(filepath.Join(ks.dir, "*"+keyFileExtension))
	if err != nil {
		return nil, fmt.Errorf("failed to list key files: %w", err)
	}
	handles := make([]KeyHandle, 0, len(files))
	for _, file := range files {
		handles = append(handles, KeyHandle(strings.TrimSuffix(filepath.Base(file), keyFileExtension)))
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles, nil
}

// Close wipes the encryption key. The store must not be used afterwards.
func (ks *EncryptedKeyStore) Close() error {
	ZeroBytes(ks.key[:])
	ks.aead = nil
	return nil
}
