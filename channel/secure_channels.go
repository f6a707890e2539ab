package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/sechannel/crypto"
	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/metrics"
	"github.com/opd-ai/sechannel/noise"
	"github.com/opd-ai/sechannel/routing"
	"github.com/sirupsen/logrus"
)

// purposeKeyRenewalMargin is how long before expiry a cached secure
// channel purpose key is replaced.
const purposeKeyRenewalMargin = time.Hour

// Config collects the services a SecureChannels needs.
type Config struct {
	Node         *routing.Node
	Identities   *identity.Identities
	PurposeKeys  *identity.PurposeKeys
	Verification *identity.CredentialsVerification
	Metrics      *metrics.Collectors
	TimeProvider crypto.TimeProvider
}

// SecureChannels creates secure channels and listeners on a routing node.
type SecureChannels struct {
	node         *routing.Node
	identities   *identity.Identities
	purposeKeys  *identity.PurposeKeys
	verification *identity.CredentialsVerification
	metrics      *metrics.Collectors
	time         crypto.TimeProvider
	registry     *Registry

	newStateMachine func(ctx context.Context, role noise.HandshakeRole, deps noise.Dependencies) (noise.StateMachine, error)

	keysMu sync.Mutex
	keys   map[identity.Identifier]*identity.SecureChannelPurposeKey

	// retired keys are deleted from the vault once every handshake that
	// could still use them has timed out
	retired          []retiredKey
	longestHandshake time.Duration
}

type retiredKey struct {
	handle   crypto.KeyHandle
	deleteAt time.Time
}

// NewSecureChannels returns the secure channel service.
func NewSecureChannels(cfg Config) (*SecureChannels, error) {
	if cfg.Node == nil || cfg.Identities == nil || cfg.PurposeKeys == nil || cfg.Verification == nil {
		return nil, errors.New("secure channels need a node, identities, purpose keys and credential verification")
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = cfg.Identities.TimeProvider()
	}
	return &SecureChannels{
		node:             cfg.Node,
		identities:       cfg.Identities,
		purposeKeys:      cfg.PurposeKeys,
		verification:     cfg.Verification,
		metrics:          cfg.Metrics,
		time:             cfg.TimeProvider,
		registry:         NewRegistry(),
		newStateMachine:  noise.NewStateMachine,
		keys:             make(map[identity.Identifier]*identity.SecureChannelPurposeKey),
		longestHandshake: DefaultHandshakeTimeout,
	}, nil
}

// Registry returns the established channels.
func (s *SecureChannels) Registry() *Registry { return s.registry }

// purposeKey returns the secure channel purpose key of local, creating a
// new one when none is cached, the cached one is close to expiry, or the
// identity changed since it was attested. A replaced key stays in the vault
// for the longest handshake timeout seen, then it is deleted.
func (s *SecureChannels) purposeKey(ctx context.Context, local *identity.Identity, handshakeTimeout time.Duration) (*identity.SecureChannelPurposeKey, error) {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	s.longestHandshake = max(s.longestHandshake, handshakeTimeout)
	s.deleteRetiredLocked(ctx)

	id := local.Identifier()
	now := identity.Now(s.time)
	old, ok := s.keys[id]
	if ok {
		fresh := old.Data.ExpiresAt > now.Add(purposeKeyRenewalMargin)
		current := old.Data.SubjectLatestChangeHash == local.LatestChangeHash()
		if fresh && current {
			return old, nil
		}
	}

	key, err := s.purposeKeys.CreateSecureChannelPurposeKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create secure channel purpose key: %w", err)
	}
	s.keys[id] = key
	if ok {
		s.retired = append(s.retired, retiredKey{handle: old.Handle, deleteAt: s.time.Now().Add(s.longestHandshake)})
	}
	return key, nil
}

func (s *SecureChannels) deleteRetiredLocked(ctx context.Context) {
	now := s.time.Now()
	kept := s.retired[:0]
	for _, k := range s.retired {
		if now.Before(k.deleteAt) {
			kept = append(kept, k)
			continue
		}
		if _, err := s.identities.Vault().DeleteX25519Key(ctx, k.handle); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "deleteRetiredLocked",
				"handle":   string(k.handle),
				"error":    err.Error(),
			}).Warn("Failed to delete retired purpose key")
		}
	}
	s.retired = kept
}

// CreateSecureChannel runs the initiator side of a handshake with the
// listener at the end of route and blocks until the channel is
// established or opts.Timeout elapses. Errors are *noise.HandshakeError.
func (s *SecureChannels) CreateSecureChannel(ctx context.Context, route routing.Route, opts Options) (*SecureChannel, error) {
	opts = opts.withDefaults()
	if len(route) == 0 {
		return nil, noise.NewHandshakeError(noise.StageProtocol, routing.ErrEmptyRoute)
	}
	if opts.Retriever != nil {
		if err := opts.Retriever.Initialize(ctx); err != nil {
			return nil, noise.NewHandshakeError(noise.StageIdentity, fmt.Errorf("credential retriever: %w", err))
		}
	}

	w, err := s.newHandshakeWorker(ctx, noise.Initiator, opts, route)
	if err != nil {
		return nil, noise.NewHandshakeError(noise.StageIdentity, err)
	}
	if err := s.node.Register(w.addresses.DecryptorRemote, w); err != nil {
		w.sm.Abort(ctx)
		return nil, noise.NewHandshakeError(noise.StageProtocol, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "CreateSecureChannel",
		"route":     route.String(),
		"decryptor": w.addresses.DecryptorRemote,
		"timeout":   opts.Timeout.String(),
	}).Debug("Starting secure channel handshake")

	if err := w.Initialize(ctx); err != nil {
		return nil, err
	}

	select {
	case err := <-w.completion:
		return w.result(err)
	case <-s.time.After(opts.Timeout):
		if w.abandon(ctx, noise.NewHandshakeError(noise.StageTimeout, noise.ErrTimeout)) {
			return nil, <-w.completion
		}
		return w.result(<-w.completion)
	case <-ctx.Done():
		if w.abandon(ctx, noise.NewHandshakeError(noise.StageTimeout, ctx.Err())) {
			return nil, <-w.completion
		}
		return w.result(<-w.completion)
	}
}

func (w *HandshakeWorker) result(err error) (*SecureChannel, error) {
	if err != nil {
		return nil, err
	}
	ch, ok := w.Channel()
	if !ok {
		return nil, noise.NewHandshakeError(noise.StageProtocol, errors.New("handshake finished without a channel"))
	}
	return ch, nil
}

// StopSecureChannel closes the channel whose encryptor is addr.
func (s *SecureChannels) StopSecureChannel(ctx context.Context, addr routing.Address) error {
	ch, ok := s.registry.ByEncryptor(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, addr)
	}
	return ch.Close(ctx)
}

// Listener accepts handshakes at one address and spawns a responder per
// initiator.
type Listener struct {
	channels *SecureChannels
	address  routing.Address
	opts     Options

	mu      sync.Mutex
	closed  bool
	pending map[routing.Address]*HandshakeWorker
}

// CreateSecureChannelListener starts accepting handshakes at address. It
// returns as soon as the listener is registered.
func (s *SecureChannels) CreateSecureChannelListener(ctx context.Context, address routing.Address, opts Options) (*Listener, error) {
	opts = opts.withDefaults()
	if _, err := s.identities.GetIdentity(ctx, opts.Identifier); err != nil {
		return nil, err
	}
	if opts.Retriever != nil {
		if err := opts.Retriever.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("credential retriever: %w", err)
		}
	}

	l := &Listener{
		channels: s,
		address:  address,
		opts:     opts,
		pending:  make(map[routing.Address]*HandshakeWorker),
	}
	if err := s.node.Register(address, l); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateSecureChannelListener",
		"address":  address,
	}).Info("Secure channel listener started")
	return l, nil
}

// Address returns the listening address.
func (l *Listener) Address() routing.Address { return l.address }

// HandleMessage spawns a responder for a message 1 and passes the message
// to it.
func (l *Listener) HandleMessage(ctx context.Context, d routing.Delivery) error {
	s := l.channels
	w, err := s.newHandshakeWorker(ctx, noise.Responder, l.opts, nil)
	if err != nil {
		return err
	}
	if err := s.node.Register(w.addresses.DecryptorRemote, w); err != nil {
		w.sm.Abort(ctx)
		return err
	}
	if err := w.Initialize(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		w.abandon(ctx, noise.NewHandshakeError(noise.StageProtocol, ErrChannelClosed))
		return ErrChannelClosed
	}
	l.pending[w.addresses.DecryptorRemote] = w
	l.mu.Unlock()
	go l.watch(w)

	return s.node.Send(ctx, routing.Message{
		OnwardRoute: routing.NewRoute(w.addresses.DecryptorRemote),
		ReturnRoute: d.Message.ReturnRoute,
		Payload:     d.Message.Payload,
	})
}

// watch abandons a responder that does not finish in time.
func (l *Listener) watch(w *HandshakeWorker) {
	select {
	case <-w.finished:
	case <-l.channels.time.After(l.opts.Timeout):
		w.abandon(context.Background(), noise.NewHandshakeError(noise.StageTimeout, noise.ErrTimeout))
	}

	l.mu.Lock()
	delete(l.pending, w.addresses.DecryptorRemote)
	l.mu.Unlock()
}

// Close stops accepting handshakes and abandons unfinished ones.
// Established channels stay open.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	pending := make([]*HandshakeWorker, 0, len(l.pending))
	for _, w := range l.pending {
		pending = append(pending, w)
	}
	l.mu.Unlock()

	l.channels.node.Unregister(l.address)
	for _, w := range pending {
		w.abandon(context.Background(), noise.NewHandshakeError(noise.StageProtocol, ErrChannelClosed))
	}
	return nil
}
