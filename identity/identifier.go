package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multihash"
)

// HashLength is the length of identifiers and change hashes.
const HashLength = 20

// Identifier is the stable name of an identity, derived from the hash of the
// first change in its history.
type Identifier [HashLength]byte

// ChangeHash is the truncated hash of one change's data.
type ChangeHash [HashLength]byte

const identifierPrefix = "I"

var errInvalidIdentifier = errors.New("invalid identifier")

// String renders the identifier as "I" followed by lowercase hex.
func (id Identifier) String() string {
	return identifierPrefix + hex.EncodeToString(id[:])
}

// IsZero reports whether id is unset.
func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

// MarshalText implements encoding.TextMarshaler.
func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identifier) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentifier(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseIdentifier parses the text form produced by Identifier.String.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	if !strings.HasPrefix(s, identifierPrefix) {
		return id, fmt.Errorf("%w: missing %q prefix", errInvalidIdentifier, identifierPrefix)
	}
	raw, err := hex.DecodeString(s[len(identifierPrefix):])
	if err != nil {
		return id, fmt.Errorf("%w: %v", errInvalidIdentifier, err)
	}
	if len(raw) != HashLength {
		return id, fmt.Errorf("%w: length %d", errInvalidIdentifier, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// String renders the change hash as lowercase hex.
func (h ChangeHash) String() string {
	return hex.EncodeToString(h[:])
}

// hashChangeData computes a sha2-256 multihash truncated to HashLength.
func hashChangeData(data []byte) ([HashLength]byte, error) {
	var out [HashLength]byte
	mh, err := multihash.Sum(data, multihash.SHA2_256, HashLength)
	if err != nil {
		return out, fmt.Errorf("failed to hash change data: %w", err)
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return out, fmt.Errorf("failed to decode multihash: %w", err)
	}
	copy(out[:], decoded.Digest)
	return out, nil
}
