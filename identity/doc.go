// Package identity implements identities, purpose keys and credentials.
//
// An identity is a verifiable [ChangeHistory]: each change rotates the
// primary signing key and is signed by both the new and the previous key.
// The [Identifier] is the truncated sha2-256 multihash of the first change.
//
// Purpose keys are short-lived keys bound to an identity by a
// [PurposeKeyAttestation]. Secure channel purpose keys are the static X25519
// keys of Noise handshakes; credential purpose keys sign [Credential]s.
// [CredentialsVerification] checks a presented credential against a set of
// trusted authorities, and [TrustPolicy] decides which peers a secure
// channel accepts.
package identity
