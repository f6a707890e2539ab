// Package credentials keeps a subject supplied with a valid credential.
//
// A Refresher caches the credential issued by an authority and renews it
// in the background. Renewal starts ProactiveRefreshGap before the point
// where the credential stops counting as valid, which is ClockSkewGap
// before its expiry. Failed attempts are retried no sooner than
// MinRefreshInterval. When no usable credential is cached, Initialize
// blocks until one is obtained.
//
// Every new credential is written to the cache first and then sent, as a
// CredentialAndPurposeKeyMessage, to each subscribed routing address.
// Secure channels subscribe their encryptor so the peer learns about the
// new credential without a new handshake.
//
// Authorities are reached through the Issuer interface: LocalIssuer signs
// with a local identity, NATSIssuerClient asks a NATSIssuerService over
// NATS request/reply.
package credentials
