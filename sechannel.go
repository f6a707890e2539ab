package sechannel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/opd-ai/sechannel/channel"
	"github.com/opd-ai/sechannel/config"
	"github.com/opd-ai/sechannel/credentials"
	"github.com/opd-ai/sechannel/crypto"
	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/metrics"
	"github.com/opd-ai/sechannel/routing"
	"github.com/opd-ai/sechannel/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrNATSDisabled is returned by operations that need the NATS bridge when
// the node runs without it.
var ErrNATSDisabled = errors.New("NATS is not enabled on this node")

// Option customizes a Node.
type Option func(*options)

type options struct {
	timeProvider crypto.TimeProvider
	registerer   prometheus.Registerer
	natsConn     *nats.Conn
}

// WithTimeProvider replaces the clock of every service.
func WithTimeProvider(tp crypto.TimeProvider) Option {
	return func(o *options) { o.timeProvider = tp }
}

// WithRegisterer registers metrics with reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithNATSConn uses an existing connection instead of dialing
// cfg.NATS.URL. The node does not close it.
func WithNATSConn(conn *nats.Conn) Option {
	return func(o *options) { o.natsConn = conn }
}

// Node wires a vault, repositories, identity services, a router and the
// secure channel service from one configuration.
type Node struct {
	cfg  *config.Config
	time crypto.TimeProvider

	keyStore *crypto.EncryptedKeyStore
	vault    *crypto.SoftwareVault
	store    *storage.SQLiteStore
	cache    credentials.Cache

	identities   *identity.Identities
	purposeKeys  *identity.PurposeKeys
	verification *identity.CredentialsVerification
	issuer       *identity.CredentialIssuer

	router    *routing.Node
	natsConn  *nats.Conn
	ownsConn  bool
	transport *routing.NATSTransport

	metrics  *metrics.Collectors
	channels *channel.SecureChannels

	mu         sync.Mutex
	refreshers []*credentials.Refresher
	services   []*credentials.NATSIssuerService
	closed     bool
}

// NewNode builds a node from cfg. A nil cfg selects config.DefaultConfig.
func NewNode(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{
		timeProvider: crypto.GetDefaultTimeProvider(),
		registerer:   prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{cfg: cfg, time: o.timeProvider}
	if err := n.init(o); err != nil {
		n.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewNode",
		"name":     cfg.Node.Name,
		"storage":  cfg.Storage.Path,
		"nats":     cfg.NATS.Enabled,
		"metrics":  cfg.Metrics.Enabled,
	}).Info("Node started")
	return n, nil
}

func (n *Node) init(o options) error {
	cfg := n.cfg
	if err := n.openVault(); err != nil {
		return err
	}

	var (
		histories  identity.ChangeHistoryRepository
		attributes identity.AttributesRepository
	)
	if cfg.Storage.Path != "" {
		store, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return err
		}
		n.store = store
		histories, attributes, n.cache = store, store, store
	} else {
		histories = identity.NewMemoryChangeHistoryRepository()
		attributes = identity.NewMemoryAttributesRepository()
		n.cache = credentials.NewMemoryCache()
	}

	identityKeyType, _ := config.ParseKeyType(cfg.Vault.IdentityKeyType)
	credentialKeyType, _ := config.ParseKeyType(cfg.Vault.CredentialKeyType)
	n.identities = identity.NewIdentities(n.vault, histories,
		identity.WithTimeProvider(n.time),
		identity.WithIdentityKeyType(identityKeyType))
	n.purposeKeys = identity.NewPurposeKeys(n.identities, cfg.Channel.PurposeKeyTTL)
	n.verification = identity.NewCredentialsVerification(n.purposeKeys, attributes)
	n.issuer = identity.NewCredentialIssuer(n.identities, n.purposeKeys, credentialKeyType)

	if cfg.Metrics.Enabled {
		m, err := metrics.New(cfg.Metrics.Namespace, o.registerer)
		if err != nil {
			return err
		}
		n.metrics = m
	}

	n.router = routing.NewNode(cfg.Node.Name)
	if err := n.connectNATS(o.natsConn); err != nil {
		return err
	}

	channels, err := channel.NewSecureChannels(channel.Config{
		Node:         n.router,
		Identities:   n.identities,
		PurposeKeys:  n.purposeKeys,
		Verification: n.verification,
		Metrics:      n.metrics,
		TimeProvider: n.time,
	})
	if err != nil {
		return err
	}
	n.channels = channels
	return nil
}

func (n *Node) openVault() error {
	vc := n.cfg.Vault
	if vc.KeyStoreDir == "" {
		n.vault = crypto.NewSoftwareVault()
		return nil
	}
	passphrase := os.Getenv(vc.PassphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("key store passphrase: %s is not set", vc.PassphraseEnv)
	}
	ks, err := crypto.NewEncryptedKeyStore(vc.KeyStoreDir, []byte(passphrase))
	if err != nil {
		return err
	}
	n.keyStore = ks
	vault, err := crypto.NewPersistentSoftwareVault(ks)
	if err != nil {
		return err
	}
	n.vault = vault
	return nil
}

func (n *Node) connectNATS(conn *nats.Conn) error {
	nc := n.cfg.NATS
	if !nc.Enabled && conn == nil {
		return nil
	}
	if conn == nil {
		var err error
		conn, err = routing.ConnectNATS(routing.NATSOptions{
			URL:             nc.URL,
			Name:            n.cfg.Node.Name,
			ReconnectWait:   nc.ReconnectWait,
			MaxReconnects:   nc.MaxReconnects,
			CredentialsFile: nc.CredentialsFile,
		})
		if err != nil {
			return err
		}
		n.ownsConn = true
	}
	n.natsConn = conn

	transport, err := routing.NewNATSTransport(n.router, conn, n.cfg.NATSSubject())
	if err != nil {
		return err
	}
	n.transport = transport
	return nil
}

// Name returns the configured node name.
func (n *Node) Name() string { return n.cfg.Node.Name }

// Router returns the message router.
func (n *Node) Router() *routing.Node { return n.router }

// Identities returns the identity service.
func (n *Node) Identities() *identity.Identities { return n.identities }

// CredentialsVerification returns the credential verification service.
func (n *Node) CredentialsVerification() *identity.CredentialsVerification { return n.verification }

// SecureChannels returns the secure channel service.
func (n *Node) SecureChannels() *channel.SecureChannels { return n.channels }

// Metrics returns the collectors, or nil when metrics are disabled.
func (n *Node) Metrics() *metrics.Collectors { return n.metrics }

// NATSAddress is the route hop remote nodes use to reach this node. It is
// empty without NATS.
func (n *Node) NATSAddress() routing.Address {
	if n.transport == nil {
		return ""
	}
	return n.transport.Address()
}

// CreateIdentity creates and stores a new identity.
func (n *Node) CreateIdentity(ctx context.Context) (*identity.Identity, error) {
	return n.identities.CreateIdentity(ctx)
}

// ChannelOptions returns channel options for id with the configured
// timeout, trust policy and authorities.
func (n *Node) ChannelOptions(id identity.Identifier) (channel.Options, error) {
	policy, err := n.cfg.TrustPolicy()
	if err != nil {
		return channel.Options{}, err
	}
	trust, err := n.cfg.TrustContext()
	if err != nil {
		return channel.Options{}, err
	}
	return channel.Options{
		Identifier:   id,
		TrustPolicy:  policy,
		TrustContext: trust,
		Timeout:      n.cfg.Channel.HandshakeTimeout,
	}, nil
}

// LocalIssuer issues credentials signed by authority, which must be a
// local identity, with the configured TTL.
func (n *Node) LocalIssuer(authority identity.Identifier, attrs identity.Attributes) *credentials.LocalIssuer {
	return &credentials.LocalIssuer{
		Issuer:     n.issuer,
		Authority:  authority,
		Attributes: attrs,
		TTL:        n.cfg.Credentials.CredentialTTL,
	}
}

// RefresherOptions customize CreateCredentialRefresher.
type RefresherOptions struct {
	Subject   identity.Identifier
	Authority identity.Identifier
	Scope     string
	// Issuer obtains new credentials. Nil requests them over NATS from
	// the configured issuer subject.
	Issuer credentials.Issuer
}

// CreateCredentialRefresher returns an initialized refresher whose
// credentials are verified against Authority and cached in the node's
// store. The node closes it on Close.
func (n *Node) CreateCredentialRefresher(ctx context.Context, opts RefresherOptions) (*credentials.Refresher, error) {
	issuer := opts.Issuer
	if issuer == nil {
		if n.natsConn == nil {
			return nil, ErrNATSDisabled
		}
		c := n.cfg.Credentials
		issuer = credentials.NewNATSIssuerClient(n.natsConn, c.IssuerSubject, c.IssuerRequestRate, c.IssuerRequestBurst)
	}

	r, err := credentials.NewRefresher(credentials.RefresherConfig{
		Subject:        opts.Subject,
		Authority:      opts.Authority,
		Scope:          opts.Scope,
		Issuer:         issuer,
		Cache:          n.cache,
		Sender:         n.router,
		Verifier:       n.verification,
		Timing:         n.cfg.Timing(),
		RequestTimeout: n.cfg.Credentials.RequestTimeout,
		TimeProvider:   n.time,
		Metrics:        n.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := r.Initialize(ctx); err != nil {
		r.Close()
		return nil, err
	}

	n.mu.Lock()
	n.refreshers = append(n.refreshers, r)
	n.mu.Unlock()
	return r, nil
}

// ServeCredentials answers credential requests on the configured issuer
// subject with credentials signed by authority for subjects that policy
// accepts.
func (n *Node) ServeCredentials(authority identity.Identifier, attrs identity.Attributes, policy identity.TrustPolicy) (*credentials.NATSIssuerService, error) {
	if n.natsConn == nil {
		return nil, ErrNATSDisabled
	}
	c := n.cfg.Credentials
	svc, err := credentials.NewNATSIssuerService(n.natsConn, credentials.NATSIssuerServiceConfig{
		Subject:      c.IssuerSubject,
		Issuer:       n.LocalIssuer(authority, attrs),
		Policy:       policy,
		PerSecond:    c.IssuerRequestRate,
		Burst:        c.IssuerRequestBurst,
		TimeProvider: n.time,
	})
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.services = append(n.services, svc)
	n.mu.Unlock()
	return svc, nil
}

// Close closes every channel, refresher and service, then the router and
// the stores.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	refreshers, services := n.refreshers, n.services
	n.mu.Unlock()

	var errs []error
	if n.channels != nil {
		for _, ch := range n.channels.Registry().List() {
			if err := ch.Close(context.Background()); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Close",
					"their_id": ch.TheirIdentifier().String(),
					"error":    err.Error(),
				}).Warn("Peer not told about channel close")
			}
		}
	}
	for _, r := range refreshers {
		errs = append(errs, r.Close())
	}
	for _, s := range services {
		errs = append(errs, s.Close())
	}
	if n.transport != nil {
		errs = append(errs, n.transport.Close())
	}
	if n.natsConn != nil && n.ownsConn {
		n.natsConn.Close()
	}
	if n.router != nil {
		errs = append(errs, n.router.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	if n.keyStore != nil {
		errs = append(errs, n.keyStore.Close())
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"name":     n.cfg.Node.Name,
	}).Info("Node stopped")
	return errors.Join(errs...)
}
