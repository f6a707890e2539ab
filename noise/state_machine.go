package noise

import (
	"context"
	"fmt"

	"github.com/opd-ai/sechannel/crypto"
	"github.com/opd-ai/sechannel/identity"
	"github.com/sirupsen/logrus"
)

// Status is the position of a state machine in the handshake.
type Status uint8

const (
	StatusInitial Status = iota
	StatusWaitingForMessage1
	StatusWaitingForMessage2
	StatusWaitingForMessage3
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusWaitingForMessage1:
		return "waiting-for-message-1"
	case StatusWaitingForMessage2:
		return "waiting-for-message-2"
	case StatusWaitingForMessage3:
		return "waiting-for-message-3"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// EventKind distinguishes events.
type EventKind uint8

const (
	EventInitialize EventKind = iota
	EventReceivedMessage
)

// Event is an input to a state machine.
type Event struct {
	Kind    EventKind
	Message []byte
}

// Initialize is fired once, locally, before any message.
func Initialize() Event { return Event{Kind: EventInitialize} }

// ReceivedMessage is fired once per inbound handshake message.
func ReceivedMessage(message []byte) Event {
	return Event{Kind: EventReceivedMessage, Message: message}
}

// ActionKind distinguishes actions.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionSendMessage
)

// Action is what the orchestrator must do after an event.
type Action struct {
	Kind    ActionKind
	Message []byte
}

// NoAction asks the orchestrator to do nothing.
func NoAction() Action { return Action{Kind: ActionNone} }

// SendMessage asks the orchestrator to send message to the peer.
func SendMessage(message []byte) Action {
	return Action{Kind: ActionSendMessage, Message: message}
}

// HandshakeResults is the outcome of a successful handshake.
type HandshakeResults struct {
	TheirIdentifier      identity.Identifier
	Keys                 HandshakeKeys
	PresentedCredentials []identity.CredentialAndPurposeKey
	ChannelBinding       []byte
}

// StateMachine drives one side of one handshake. It is not safe for
// concurrent use; the orchestrator owns it exclusively.
type StateMachine interface {
	OnEvent(ctx context.Context, event Event) (Action, error)
	Status() Status
	Role() HandshakeRole
	// HandshakeResults returns the results once the machine is ready and the
	// peer identifier has been verified.
	HandshakeResults() (*HandshakeResults, bool)
	// Abort releases key material of an unfinished handshake.
	Abort(ctx context.Context)
}

// Dependencies are the collaborators of a state machine.
type Dependencies struct {
	Vault    crypto.SecureChannelVault
	Local    LocalIdentity
	Verifier *IdentityPayloadVerifier
}

// NewStateMachine returns the state machine for role.
func NewStateMachine(ctx context.Context, role HandshakeRole, deps Dependencies) (StateMachine, error) {
	if deps.Local.PurposeKey == nil {
		return nil, fmt.Errorf("secure channel purpose key is required")
	}
	xx, err := NewXXHandshake(ctx, deps.Vault, deps.Local.PurposeKey.Handle, role)
	if err != nil {
		return nil, err
	}
	core := &handshakeCore{
		role:     role,
		xx:       xx,
		local:    deps.Local,
		verifier: deps.Verifier,
		status:   StatusInitial,
	}

	switch role {
	case Initiator:
		return &InitiatorStateMachine{core}, nil
	case Responder:
		return &ResponderStateMachine{core}, nil
	default:
		return nil, fmt.Errorf("unknown handshake role %d", role)
	}
}

// handshakeCore holds what both roles share.
type handshakeCore struct {
	role     HandshakeRole
	xx       *XXHandshake
	local    LocalIdentity
	verifier *IdentityPayloadVerifier
	status   Status

	theirIdentifier *identity.Identifier
	presented       []identity.CredentialAndPurposeKey
	keys            *HandshakeKeys
}

func (c *handshakeCore) Status() Status      { return c.status }
func (c *handshakeCore) Role() HandshakeRole { return c.role }

func (c *handshakeCore) HandshakeResults() (*HandshakeResults, bool) {
	if c.status != StatusReady || c.theirIdentifier == nil || c.keys == nil {
		return nil, false
	}
	return &HandshakeResults{
		TheirIdentifier:      *c.theirIdentifier,
		Keys:                 *c.keys,
		PresentedCredentials: c.presented,
		ChannelBinding:       c.xx.ChannelBinding(),
	}, true
}

func (c *handshakeCore) Abort(ctx context.Context) {
	c.xx.DeleteEphemeral(ctx)
	if c.status != StatusReady {
		c.status = StatusFailed
	}
}

// fail moves the machine to Failed and tags err with stage.
func (c *handshakeCore) fail(ctx context.Context, stage Stage, err error) (Action, error) {
	previous := c.status
	c.status = StatusFailed
	c.xx.DeleteEphemeral(ctx)
	c.keys = nil

	err = NewHandshakeError(stage, err)
	logrus.WithFields(logrus.Fields{
		"function": "OnEvent",
		"role":     c.role.String(),
		"status":   previous.String(),
		"error":    err.Error(),
	}).Error("Handshake failed")
	return NoAction(), err
}

// unexpected rejects an event that no transition matches.
func (c *handshakeCore) unexpected(ctx context.Context, event Event) (Action, error) {
	switch c.status {
	case StatusFailed:
		return NoAction(), NewHandshakeError(StageProtocol, ErrHandshakeFailed)
	case StatusReady:
		// the machine is retired once ready; its results stay valid
		return NoAction(), NewHandshakeError(StageProtocol, ErrHandshakeComplete)
	}
	return c.fail(ctx, StageProtocol, fmt.Errorf("%w: event %d in %s", ErrUnexpectedEvent, event.Kind, c.status))
}

// repeatedMessage1 reports a message 1 delivered where a later message
// belongs.
func (c *handshakeCore) repeatedMessage1(ctx context.Context, message []byte) (Action, error) {
	return c.fail(ctx, StageProtocol, fmt.Errorf("%w: %d-byte message 1 received in %s", ErrUnexpectedEvent, len(message), c.status))
}

// readPeerPayload decrypts a message carrying the peer identity payload
// and verifies it against the peer's static key.
func (c *handshakeCore) readPeerPayload(ctx context.Context, message []byte) error {
	payload, err := c.xx.ReadMessage(message)
	if err != nil {
		return NewHandshakeError(StageDecode, err)
	}
	peerStatic := c.xx.PeerStatic()
	if peerStatic == nil {
		return NewHandshakeError(StageProtocol, fmt.Errorf("%w: peer static key missing", ErrInvalidMessage))
	}

	verified, err := c.verifier.Process(ctx, payload, peerStatic)
	if err != nil {
		return err
	}
	id := verified.TheirIdentifier
	c.theirIdentifier = &id
	c.presented = verified.Credentials
	return nil
}

// writeOwnPayload writes a message carrying the local identity payload.
func (c *handshakeCore) writeOwnPayload(ctx context.Context) ([]byte, error) {
	payload, err := MakeIdentityPayload(ctx, c.local)
	if err != nil {
		return nil, NewHandshakeError(StageIdentity, err)
	}
	message, err := c.xx.WriteMessage(payload)
	if err != nil {
		return nil, NewHandshakeError(StageProtocol, err)
	}
	return message, nil
}

// finish takes the transport keys and releases the ephemeral key.
func (c *handshakeCore) finish(ctx context.Context) error {
	keys, err := c.xx.Keys()
	if err != nil {
		return NewHandshakeError(StageProtocol, err)
	}
	c.keys = &keys
	c.xx.DeleteEphemeral(ctx)
	c.status = StatusReady

	logrus.WithFields(logrus.Fields{
		"function": "finish",
		"role":     c.role.String(),
		"their_id": c.theirIdentifier.String(),
	}).Info("Handshake completed")
	return nil
}
