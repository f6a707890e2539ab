package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/metrics"
	"github.com/opd-ai/sechannel/noise"
	"github.com/opd-ai/sechannel/routing"
	"github.com/sirupsen/logrus"
)

type workerState uint8

const (
	stateHandshaking workerState = iota
	stateEstablished
	stateFailed
)

// HandshakeWorker drives one state machine for one channel attempt. It is
// registered at the decryptor address; once the handshake completes it
// hands every message at that address to the channel's Decryptor.
type HandshakeWorker struct {
	channels   *SecureChannels
	role       noise.HandshakeRole
	addresses  Addresses
	opts       Options
	purposeKey *identity.SecureChannelPurposeKey
	verifier   *noise.IdentityPayloadVerifier
	started    time.Time

	mu           sync.Mutex
	sm           noise.StateMachine
	state        workerState
	initialRoute routing.Route
	// remoteRoute is bound from the first inbound message and never changes
	// during the handshake.
	remoteRoute routing.Route
	channel     *SecureChannel

	completion chan error
	finished   chan struct{}
	once       sync.Once
}

// newHandshakeWorker builds a worker and its state machine. The worker is
// not yet registered.
func (s *SecureChannels) newHandshakeWorker(ctx context.Context, role noise.HandshakeRole, opts Options, initialRoute routing.Route) (*HandshakeWorker, error) {
	local, err := s.identities.GetIdentity(ctx, opts.Identifier)
	if err != nil {
		return nil, err
	}
	purposeKey, err := s.purposeKey(ctx, local, opts.Timeout)
	if err != nil {
		return nil, err
	}

	verifier := &noise.IdentityPayloadVerifier{
		Identities:         s.identities,
		PurposeKeys:        s.purposeKeys,
		Credentials:        s.verification,
		TrustPolicy:        opts.TrustPolicy,
		TrustContext:       opts.TrustContext,
		ExpectedIdentifier: opts.ExpectedIdentifier,
	}

	var retriever noise.CredentialRetriever
	if opts.Retriever != nil {
		retriever = opts.Retriever
	}
	sm, err := s.newStateMachine(ctx, role, noise.Dependencies{
		Vault: s.identities.Vault(),
		Local: noise.LocalIdentity{
			Identity:    local,
			PurposeKey:  purposeKey,
			Credentials: opts.Credentials,
			Retriever:   retriever,
		},
		Verifier: verifier,
	})
	if err != nil {
		return nil, err
	}

	return &HandshakeWorker{
		channels:     s,
		role:         role,
		addresses:    newAddresses(),
		opts:         opts,
		purposeKey:   purposeKey,
		verifier:     verifier,
		started:      s.time.Now(),
		sm:           sm,
		initialRoute: initialRoute,
		completion:   make(chan error, 1),
		finished:     make(chan struct{}),
	}, nil
}

// Addresses returns the addresses the channel will use.
func (w *HandshakeWorker) Addresses() Addresses { return w.addresses }

// Done yields exactly one value: nil once the channel is established, or
// the handshake error.
func (w *HandshakeWorker) Done() <-chan error { return w.completion }

// Channel returns the established channel, if any.
func (w *HandshakeWorker) Channel() (*SecureChannel, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.channel, w.channel != nil
}

// Initialize fires the Initialize event and sends message 1 for an
// initiator.
func (w *HandshakeWorker) Initialize(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	action, err := w.sm.OnEvent(ctx, noise.Initialize())
	if err != nil {
		w.failLocked(ctx, err)
		return err
	}
	if action.Kind == noise.ActionSendMessage {
		if err := w.send(ctx, w.initialRoute, action.Message); err != nil {
			err = noise.NewHandshakeError(noise.StageProtocol, err)
			w.failLocked(ctx, err)
			return err
		}
	}
	return nil
}

// HandleMessage feeds a handshake message to the state machine, or hands
// ciphertext to the decryptor once the channel exists.
func (w *HandshakeWorker) HandleMessage(ctx context.Context, d routing.Delivery) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case stateEstablished:
		return w.decrypt(ctx, d)
	case stateFailed:
		return ErrChannelClosed
	}

	if w.remoteRoute == nil {
		if len(d.Message.ReturnRoute) == 0 {
			err := noise.NewHandshakeError(noise.StageProtocol, errors.New("handshake message without return route"))
			w.failLocked(ctx, err)
			return err
		}
		w.remoteRoute = append(routing.Route(nil), d.Message.ReturnRoute...)
	}

	action, err := w.sm.OnEvent(ctx, noise.ReceivedMessage(d.Message.Payload))
	if err != nil {
		w.failLocked(ctx, err)
		return err
	}
	if action.Kind == noise.ActionSendMessage {
		if err := w.send(ctx, w.remoteRoute, action.Message); err != nil {
			err = noise.NewHandshakeError(noise.StageProtocol, err)
			w.failLocked(ctx, err)
			return err
		}
	}

	if results, ok := w.sm.HandshakeResults(); ok {
		return w.finalizeLocked(ctx, results)
	}
	return nil
}

func (w *HandshakeWorker) send(ctx context.Context, route routing.Route, message []byte) error {
	return w.channels.node.Send(ctx, routing.Message{
		OnwardRoute: route,
		ReturnRoute: routing.NewRoute(w.addresses.DecryptorRemote),
		Payload:     message,
	})
}

// finalizeLocked turns the handshake results into an established channel.
func (w *HandshakeWorker) finalizeLocked(ctx context.Context, results *noise.HandshakeResults) error {
	ch := &SecureChannel{
		channels:   w.channels,
		addresses:  w.addresses,
		role:       w.role,
		localID:    w.opts.Identifier,
		theirID:    results.TheirIdentifier,
		purposeKey: w.purposeKey,
		opts:       w.opts,
		binding:    results.ChannelBinding,
		decryptor:  newDecryptor(results.Keys.Decryption),
		encryptor:  newEncryptor(results.Keys.Encryption, w.remoteRoute),
		collector:  newPayloadCollector(w.channels.time),
		presented:  results.PresentedCredentials,
	}

	encWorker := &encryptorWorker{channel: ch}
	node := w.channels.node
	if err := node.Register(w.addresses.Encryptor, encWorker); err != nil {
		w.failLocked(ctx, noise.NewHandshakeError(noise.StageProtocol, err))
		return err
	}
	if err := node.Register(w.addresses.EncryptorInternal, encWorker); err != nil {
		node.Unregister(w.addresses.Encryptor)
		w.failLocked(ctx, noise.NewHandshakeError(noise.StageProtocol, err))
		return err
	}

	w.channel = ch
	w.state = stateEstablished
	w.channels.registry.register(ch)

	if w.opts.Retriever != nil {
		if err := w.opts.Retriever.Subscribe(w.addresses.EncryptorInternal); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "finalize",
				"address":  w.addresses.EncryptorInternal,
				"error":    err.Error(),
			}).Warn("Failed to subscribe to credential refresher")
		}
	}

	elapsed := w.channels.time.Since(w.started)
	w.channels.metrics.HandshakeFinished(w.role.String(), metrics.ResultSuccess, elapsed)
	w.channels.metrics.ChannelOpened()

	logrus.WithFields(logrus.Fields{
		"function":  "finalize",
		"role":      w.role.String(),
		"their_id":  results.TheirIdentifier.String(),
		"encryptor": w.addresses.Encryptor,
		"decryptor": w.addresses.DecryptorRemote,
		"elapsed":   elapsed.String(),
	}).Info("Secure channel established")

	w.complete(nil)
	return nil
}

// failLocked abandons the attempt and reports err.
func (w *HandshakeWorker) failLocked(ctx context.Context, err error) {
	if w.state != stateHandshaking {
		return
	}
	w.state = stateFailed
	w.sm.Abort(ctx)
	w.channels.node.Unregister(w.addresses.DecryptorRemote)

	result := metrics.ResultFailure
	if stage, _ := noise.StageOf(err); stage == noise.StageTimeout {
		result = metrics.ResultTimeout
	}
	w.channels.metrics.HandshakeFinished(w.role.String(), result, 0)

	stage, _ := noise.StageOf(err)
	logrus.WithFields(logrus.Fields{
		"function":  "fail",
		"role":      w.role.String(),
		"stage":     string(stage),
		"decryptor": w.addresses.DecryptorRemote,
		"error":     err.Error(),
	}).Error("Secure channel handshake abandoned")

	w.complete(err)
}

// abandon fails the attempt with err unless it already finished. It
// reports whether the attempt was abandoned.
func (w *HandshakeWorker) abandon(ctx context.Context, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateHandshaking {
		return false
	}
	w.failLocked(ctx, err)
	return true
}

func (w *HandshakeWorker) complete(err error) {
	w.once.Do(func() {
		w.completion <- err
		close(w.finished)
	})
}

// decrypt processes a message for an established channel.
func (w *HandshakeWorker) decrypt(ctx context.Context, d routing.Delivery) error {
	ch := w.channel
	previous, seen := ch.decryptor.highestNonce()

	msg, nonce, err := ch.decryptor.open(d.Message.Payload)
	if err != nil {
		if errors.Is(err, ErrReplayedMessage) || errors.Is(err, ErrNonceTooOld) {
			w.channels.metrics.ReplayRejected()
		}
		return fmt.Errorf("channel %s: %w", w.addresses.DecryptorRemote, err)
	}

	// the responder follows an initiator whose route changed
	if w.role == noise.Responder && (!seen || nonce > previous) && len(d.Message.ReturnRoute) > 0 {
		ch.encryptor.updateRemoteRoute(d.Message.ReturnRoute)
	}

	switch msg.Kind {
	case KindPayload:
		return w.forwardPayload(ctx, ch, msg.Payload)
	case KindPayloadPart:
		whole, err := ch.collector.add(msg.Part)
		if err != nil {
			return fmt.Errorf("channel %s: %w", w.addresses.DecryptorRemote, err)
		}
		if whole == nil {
			return nil
		}
		return w.forwardPayload(ctx, ch, whole)
	case KindRefreshCredentials:
		w.refreshCredentials(ctx, ch, msg.RefreshCredentials)
		return nil
	case KindClose:
		ch.decryptor.drop()
		ch.teardown("closed by peer")
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidCiphertext, msg.Kind)
	}
}

// forwardPayload delivers a tunnelled message with a return route that
// leads back through the local encryptor.
func (w *HandshakeWorker) forwardPayload(ctx context.Context, ch *SecureChannel, p *PlaintextPayload) error {
	err := w.channels.node.Send(ctx, routing.Message{
		OnwardRoute: p.OnwardRoute,
		ReturnRoute: p.ReturnRoute.Prepend(ch.addresses.Encryptor),
		Payload:     p.Payload,
		LocalInfo: []routing.LocalInfo{{
			Key:   IdentifierLocalInfoKey,
			Value: append([]byte(nil), ch.theirID[:]...),
		}},
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "forwardPayload",
			"onward":   p.OnwardRoute.String(),
			"error":    err.Error(),
		}).Warn("Failed to forward decrypted message")
	}
	return nil
}

// refreshCredentials verifies credentials the peer presented after the
// handshake. A payload that fails verification is ignored and the
// previously presented credentials stay in place.
func (w *HandshakeWorker) refreshCredentials(ctx context.Context, ch *SecureChannel, payload []byte) {
	verified, err := w.verifier.VerifyRefreshedCredentials(ctx, ch.theirID, payload)
	if err != nil {
		stage, _ := noise.StageOf(err)
		logrus.WithFields(logrus.Fields{
			"function": "refreshCredentials",
			"their_id": ch.theirID.String(),
			"stage":    string(stage),
			"error":    err.Error(),
		}).Warn("Refreshed credentials rejected, keeping previous ones")
		return
	}

	ch.setPresented(verified.Credentials)
	logrus.WithFields(logrus.Fields{
		"function":    "refreshCredentials",
		"their_id":    ch.theirID.String(),
		"credentials": len(verified.Credentials),
	}).Info("Peer credentials refreshed")
}
