// Package noise implements the mutually authenticated secure channel
// handshake on top of the Noise XX pattern.
//
// The handshake uses flynn/noise with a vault-backed Curve25519 DH
// function, AES-GCM and SHA256 (Noise_XX_25519_AESGCM_SHA256). Private keys
// never leave the vault; the handshake state holds key handles only.
//
// # Message Flow
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e                    (no payload)
//	                                       <- e, ee, s, es   (identity payload)
//	-> s, se                (identity payload)
//	[both sides Ready]
//
// Messages 2 and 3 carry an encrypted [IdentityAndCredentials] payload: the
// sender's change history, the attestation binding its static key to its
// identity, and zero or more credentials. [IdentityPayloadVerifier.Process]
// checks a payload in order:
//
//  1. import the change history and derive the peer identifier
//  2. verify the purpose key attestation, compare the attested key with the
//     static key used in the handshake, and require the secure channel purpose
//  3. evaluate the trust policy
//  4. verify every credential against the trust context; one failure fails all
//  5. record the peer identifier for the handshake results
//
// # State Machines
//
// [NewStateMachine] returns an [InitiatorStateMachine] or a
// [ResponderStateMachine] behind the [StateMachine] interface:
//
//	Initiator: Initial -> WaitingForMessage2 -> Ready
//	Responder: Initial -> WaitingForMessage1 -> WaitingForMessage3 -> Ready
//
// Any failure moves the machine to Failed, deletes the ephemeral key, and
// returns a [*HandshakeError] naming the failing [Stage]. Events that match
// no transition are fatal protocol errors. A state machine is not safe for
// concurrent use; the channel orchestrator owns it exclusively.
//
// # Error Handling
//
// Common errors returned by handshake operations:
//   - ErrHandshakeNotComplete: Operation requires completed handshake
//   - ErrInvalidMessage: Received message is invalid for current state
//   - ErrHandshakeComplete: Handshake already finished, cannot process more messages
//   - ErrUnexpectedEvent: event does not match the current state
//   - ErrHandshakeFailed: the machine already failed
//   - ErrTimeout: the orchestrator gave up waiting
//
// Callers classify failures with [StageOf].
package noise
