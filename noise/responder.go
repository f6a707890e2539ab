package noise

import (
	"context"
	"fmt"
)

// ResponderStateMachine drives the responder side:
// Initial -> WaitingForMessage1 -> WaitingForMessage3 -> Ready.
type ResponderStateMachine struct {
	*handshakeCore
}

// OnEvent applies event and returns the resulting action.
func (m *ResponderStateMachine) OnEvent(ctx context.Context, event Event) (Action, error) {
	switch {
	case m.status == StatusInitial && event.Kind == EventInitialize:
		m.status = StatusWaitingForMessage1
		return NoAction(), nil

	case m.status == StatusWaitingForMessage1 && event.Kind == EventReceivedMessage:
		payload, err := m.xx.ReadMessage(event.Message)
		if err != nil {
			return m.fail(ctx, StageDecode, err)
		}
		if len(payload) != 0 {
			return m.fail(ctx, StageProtocol, fmt.Errorf("%w: message 1 carries a payload", ErrInvalidMessage))
		}
		message, err := m.writeOwnPayload(ctx)
		if err != nil {
			return m.fail(ctx, StageProtocol, err)
		}
		m.status = StatusWaitingForMessage3
		return SendMessage(message), nil

	case m.status == StatusWaitingForMessage3 && event.Kind == EventReceivedMessage:
		if len(event.Message) == message1Size {
			return m.repeatedMessage1(ctx, event.Message)
		}
		if err := m.readPeerPayload(ctx, event.Message); err != nil {
			return m.fail(ctx, StageDecode, err)
		}
		if err := m.finish(ctx); err != nil {
			return m.fail(ctx, StageProtocol, err)
		}
		return NoAction(), nil

	default:
		return m.unexpected(ctx, event)
	}
}
