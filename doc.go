// Package sechannel builds mutually authenticated secure channels between
// identities, with credentials that are refreshed in the background and
// re-presented to peers on open channels.
//
// A Node wires the subsystems together from one config.Config: a key
// vault, SQLite or in-memory repositories, the identity services, a
// message router with an optional NATS bridge, Prometheus metrics and the
// secure channel service.
//
// # Getting Started
//
//	cfg, err := config.LoadConfig("sechannel.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node, err := sechannel.NewNode(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	me, err := node.CreateIdentity(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	opts, _ := node.ChannelOptions(me.Identifier())
//	listener, err := node.SecureChannels().CreateSecureChannelListener(ctx, "listener", opts)
//
// A peer then reaches the listener through the NATS bridge:
//
//	ch, err := node.SecureChannels().CreateSecureChannel(ctx,
//	    routing.NewRoute("nats#sechannel.node-b", "listener"), opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = ch.Send(ctx, "app", routing.NewRoute("echo"), []byte("hello"))
//
// # Credentials
//
// CreateCredentialRefresher keeps a credential for one identity valid,
// asking a credential issuer for a new one before the current one expires.
// Passing the refresher as channel.Options.Retriever presents its current
// credential on every handshake and pushes renewed credentials to every
// open channel. ServeCredentials answers such requests over NATS.
//
// # Packages
//
//   - crypto: vault, key store, time provider
//   - identity: identities, purpose keys, credentials, trust policies
//   - noise: Noise XX handshake state machines and identity payloads
//   - channel: secure channels and listeners
//   - credentials: refresher, credential caches, NATS issuer
//   - routing: in-process router and NATS bridge
//   - storage: SQLite repositories
//   - metrics: Prometheus collectors
//   - config: YAML configuration
package sechannel
