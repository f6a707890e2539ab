package noise

import (
	"errors"
	"fmt"
)

// Stage names the handshake step that failed.
type Stage string

const (
	StageDecode                 Stage = "decode"
	StageProtocol               Stage = "protocol"
	StageIdentity               Stage = "identity"
	StageKeyMismatch            Stage = "key-mismatch"
	StageKeyType                Stage = "key-type"
	StageTrustPolicy            Stage = "trust-policy"
	StageMissingTrustContext    Stage = "missing-trust-context"
	StageCredentialVerification Stage = "credential-verification"
	StageTimeout                Stage = "timeout"
)

var (
	// ErrUnexpectedEvent is returned for events that do not match the current state.
	ErrUnexpectedEvent = errors.New("unexpected event for handshake state")
	// ErrHandshakeFailed is returned for events delivered after a failure.
	ErrHandshakeFailed = errors.New("handshake already failed")
	// ErrTimeout is returned when a handshake does not finish in time.
	ErrTimeout = errors.New("handshake timed out")
)

// HandshakeError is a handshake failure tagged with its stage.
type HandshakeError struct {
	Stage Stage
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// NewHandshakeError tags err with stage. An error that already carries a
// stage keeps it.
func NewHandshakeError(stage Stage, err error) error {
	var existing *HandshakeError
	if errors.As(err, &existing) {
		return err
	}
	return &HandshakeError{Stage: stage, Err: err}
}

// StageOf returns the stage of a handshake error.
func StageOf(err error) (Stage, bool) {
	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return hsErr.Stage, true
	}
	return "", false
}
