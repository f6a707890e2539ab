package noise

import (
	"context"
)

// InitiatorStateMachine drives the initiator side:
// Initial -> WaitingForMessage2 -> Ready.
type InitiatorStateMachine struct {
	*handshakeCore
}

// OnEvent applies event and returns the resulting action.
func (m *InitiatorStateMachine) OnEvent(ctx context.Context, event Event) (Action, error) {
	switch {
	case m.status == StatusInitial && event.Kind == EventInitialize:
		message, err := m.xx.WriteMessage(nil)
		if err != nil {
			return m.fail(ctx, StageProtocol, err)
		}
		m.status = StatusWaitingForMessage2
		return SendMessage(message), nil

	case m.status == StatusWaitingForMessage2 && event.Kind == EventReceivedMessage:
		if len(event.Message) == message1Size {
			return m.repeatedMessage1(ctx, event.Message)
		}
		if err := m.readPeerPayload(ctx, event.Message); err != nil {
			return m.fail(ctx, StageDecode, err)
		}
		message, err := m.writeOwnPayload(ctx)
		if err != nil {
			return m.fail(ctx, StageProtocol, err)
		}
		if err := m.finish(ctx); err != nil {
			return m.fail(ctx, StageProtocol, err)
		}
		return SendMessage(message), nil

	default:
		return m.unexpected(ctx, event)
	}
}
