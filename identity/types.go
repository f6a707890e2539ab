package identity

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/sechannel/crypto"
)

// TimestampInSeconds is a Unix timestamp with one second resolution.
type TimestampInSeconds uint64

// Now returns the current time of tp as a TimestampInSeconds.
func Now(tp crypto.TimeProvider) TimestampInSeconds {
	secs, err := crypto.UnixSeconds(tp.Now())
	if err != nil {
		return 0
	}
	return TimestampInSeconds(secs)
}

// Time converts the timestamp back to a time.Time.
func (t TimestampInSeconds) Time() time.Time {
	tm, err := crypto.TimeFromUnixSeconds(uint64(t))
	if err != nil {
		return time.Unix(1<<62, 0)
	}
	return tm
}

// Add returns t shifted forward by d, truncated to whole seconds.
func (t TimestampInSeconds) Add(d time.Duration) TimestampInSeconds {
	return t + TimestampInSeconds(d/time.Second)
}

// dataVersion is the only supported version of signed data.
const dataVersion = 1

// DataType tags the payload carried inside VersionedData.
type DataType uint8

const (
	DataTypeChange                DataType = 1
	DataTypePurposeKeyAttestation DataType = 2
	DataTypeCredential            DataType = 3
)

// VersionedData is the signed envelope around changes, attestations and
// credentials. Signatures cover the SHA-256 of its CBOR encoding.
type VersionedData struct {
	Version  uint8    `cbor:"1,keyasint"`
	DataType DataType `cbor:"2,keyasint"`
	Data     []byte   `cbor:"3,keyasint"`
}

func encodeVersioned(dataType DataType, v interface{}) ([]byte, error) {
	inner, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}
	return cbor.Marshal(VersionedData{Version: dataVersion, DataType: dataType, Data: inner})
}

func decodeVersioned(raw []byte, dataType DataType, v interface{}) error {
	var versioned VersionedData
	if err := cbor.Unmarshal(raw, &versioned); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if versioned.Version != dataVersion {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, versioned.Version)
	}
	if versioned.DataType != dataType {
		return fmt.Errorf("%w: got data type %d, want %d", ErrInvalidData, versioned.DataType, dataType)
	}
	if err := cbor.Unmarshal(versioned.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}
