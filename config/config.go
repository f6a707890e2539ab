// Package config loads node configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/sechannel/credentials"
	"github.com/opd-ai/sechannel/crypto"
	"github.com/opd-ai/sechannel/identity"
	"gopkg.in/yaml.v3"
)

// Config holds the node configuration
type Config struct {
	Node NodeConfig `yaml:"node"`

	// NATS bridge, off unless enabled
	NATS NATSConfig `yaml:"nats"`

	Storage     StorageConfig     `yaml:"storage"`
	Vault       VaultConfig       `yaml:"vault"`
	Channel     ChannelConfig     `yaml:"channel"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// NodeConfig names the node
type NodeConfig struct {
	Name string `yaml:"name"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	CredentialsFile string        `yaml:"credentials_file"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	// Subject is where this node receives routed messages. Defaults to
	// "sechannel.<node name>".
	Subject string `yaml:"subject"`
}

// StorageConfig selects the repositories. An empty path keeps everything
// in memory.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// VaultConfig holds key storage settings. An empty key store dir keeps
// keys in memory.
type VaultConfig struct {
	KeyStoreDir string `yaml:"key_store_dir"`
	// PassphraseEnv names the environment variable holding the key store
	// passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
	// IdentityKeyType is "ed25519" or "dilithium3".
	IdentityKeyType string `yaml:"identity_key_type"`
	// CredentialKeyType signs credentials issued by this node.
	CredentialKeyType string `yaml:"credential_key_type"`
}

// ChannelConfig holds secure channel defaults
type ChannelConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PurposeKeyTTL    time.Duration `yaml:"purpose_key_ttl"`
	// TrustedIdentifiers restricts peers; empty trusts everyone.
	TrustedIdentifiers []string `yaml:"trusted_identifiers"`
	// Authorities are accepted as credential issuers.
	Authorities []string `yaml:"authorities"`
}

// CredentialsConfig holds refresh timing and issuer settings
type CredentialsConfig struct {
	MinRefreshInterval  time.Duration `yaml:"min_refresh_interval"`
	ProactiveRefreshGap time.Duration `yaml:"proactive_refresh_gap"`
	ClockSkewGap        time.Duration `yaml:"clock_skew_gap"`
	// IssuerSubject is the NATS subject of the credential issuer.
	IssuerSubject      string        `yaml:"issuer_subject"`
	CredentialTTL      time.Duration `yaml:"credential_ttl"`
	IssuerRequestRate  float64       `yaml:"issuer_request_rate"`
	IssuerRequestBurst int           `yaml:"issuer_request_burst"`
	// RequestTimeout bounds one request to the issuer.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	timing := credentials.DefaultTimingOptions()
	return &Config{
		Node: NodeConfig{Name: "sechannel"},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1, // Unlimited
		},
		Vault: VaultConfig{
			PassphraseEnv:     "SECHANNEL_VAULT_PASSPHRASE",
			IdentityKeyType:   "ed25519",
			CredentialKeyType: "ed25519",
		},
		Channel: ChannelConfig{
			HandshakeTimeout: 60 * time.Second,
			PurposeKeyTTL:    identity.DefaultPurposeKeyTTL,
		},
		Credentials: CredentialsConfig{
			MinRefreshInterval:  timing.MinRefreshInterval,
			ProactiveRefreshGap: timing.ProactiveRefreshGap,
			ClockSkewGap:        timing.ClockSkewGap,
			IssuerSubject:       "sechannel.issuer",
			CredentialTTL:       time.Hour,
			IssuerRequestRate:   5,
			IssuerRequestBurst:  5,
			RequestTimeout:      credentials.DefaultRequestTimeout,
		},
		Metrics: MetricsConfig{Namespace: "sechannel"},
	}
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.Name == "" {
		errs = append(errs, errors.New("node.name is required"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Vault.KeyStoreDir != "" && c.Vault.PassphraseEnv == "" {
		errs = append(errs, errors.New("vault.passphrase_env is required with a key store"))
	}
	if _, err := ParseKeyType(c.Vault.IdentityKeyType); err != nil {
		errs = append(errs, fmt.Errorf("vault.identity_key_type: %w", err))
	}
	if _, err := ParseKeyType(c.Vault.CredentialKeyType); err != nil {
		errs = append(errs, fmt.Errorf("vault.credential_key_type: %w", err))
	}
	if c.Channel.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("channel.handshake_timeout must be positive"))
	}
	if _, err := parseIdentifiers(c.Channel.TrustedIdentifiers); err != nil {
		errs = append(errs, fmt.Errorf("channel.trusted_identifiers: %w", err))
	}
	if _, err := parseIdentifiers(c.Channel.Authorities); err != nil {
		errs = append(errs, fmt.Errorf("channel.authorities: %w", err))
	}
	if c.Credentials.MinRefreshInterval <= 0 {
		errs = append(errs, errors.New("credentials.min_refresh_interval must be positive"))
	}
	if c.Credentials.ProactiveRefreshGap < 0 || c.Credentials.ClockSkewGap < 0 {
		errs = append(errs, errors.New("credentials refresh gaps must not be negative"))
	}
	if c.Credentials.CredentialTTL <= 0 {
		errs = append(errs, errors.New("credentials.credential_ttl must be positive"))
	} else if gaps := c.Credentials.ClockSkewGap + c.Credentials.ProactiveRefreshGap; c.Credentials.CredentialTTL <= gaps {
		errs = append(errs, fmt.Errorf("credentials.credential_ttl must exceed clock_skew_gap plus proactive_refresh_gap (%s)", gaps))
	}
	if c.Credentials.RequestTimeout <= 0 {
		errs = append(errs, errors.New("credentials.request_timeout must be positive"))
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, errors.New("metrics.namespace is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// NATSSubject returns the subject this node listens on.
func (c *Config) NATSSubject() string {
	if c.NATS.Subject != "" {
		return c.NATS.Subject
	}
	return "sechannel." + c.Node.Name
}

// Timing returns the refresher timing options.
func (c *Config) Timing() credentials.TimingOptions {
	return credentials.TimingOptions{
		MinRefreshInterval:  c.Credentials.MinRefreshInterval,
		ProactiveRefreshGap: c.Credentials.ProactiveRefreshGap,
		ClockSkewGap:        c.Credentials.ClockSkewGap,
	}
}

// TrustPolicy returns the configured peer policy.
func (c *Config) TrustPolicy() (identity.TrustPolicy, error) {
	ids, err := parseIdentifiers(c.Channel.TrustedIdentifiers)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return identity.TrustEveryonePolicy{}, nil
	}
	return identity.TrustMultiIdentifiersPolicy{Identifiers: ids}, nil
}

// TrustContext returns the configured authorities, or nil when none are
// set.
func (c *Config) TrustContext() (*identity.TrustContext, error) {
	ids, err := parseIdentifiers(c.Channel.Authorities)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return &identity.TrustContext{ID: c.Node.Name, Authorities: ids}, nil
}

// ParseKeyType maps a configured key type name to a signing key type.
func ParseKeyType(name string) (crypto.SigningKeyType, error) {
	switch name {
	case "", "ed25519":
		return crypto.SigningKeyEd25519, nil
	case "dilithium3":
		return crypto.SigningKeyDilithium3, nil
	default:
		return 0, fmt.Errorf("unknown key type %q", name)
	}
}

func parseIdentifiers(values []string) ([]identity.Identifier, error) {
	ids := make([]identity.Identifier, 0, len(values))
	for _, v := range values {
		id, err := identity.ParseIdentifier(v)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
