package identity

import "errors"

var (
	// ErrInvalidData is returned for undecodable identity objects.
	ErrInvalidData = errors.New("identity: invalid data")
	// ErrUnknownVersion is returned for signed data with an unsupported version.
	ErrUnknownVersion = errors.New("identity: unknown data version")
	// ErrInvalidKeyData is returned when an attested key does not match the key in use.
	ErrInvalidKeyData = errors.New("identity: invalid key data")
	// ErrInvalidKeyType is returned when a purpose key has the wrong purpose or type.
	ErrInvalidKeyType = errors.New("identity: invalid key type")
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("identity: invalid signature")
	// ErrIdentityVerificationFailed is returned when a change history is inconsistent.
	ErrIdentityVerificationFailed = errors.New("identity: identity verification failed")
	// ErrIdentifierMismatch is returned when an imported identity differs from the expected one.
	ErrIdentifierMismatch = errors.New("identity: identifier mismatch")
	// ErrUnknownIdentity is returned when no change history is known for an identifier.
	ErrUnknownIdentity = errors.New("identity: unknown identity")
	// ErrPurposeKeyExpired is returned for attestations outside their validity window.
	ErrPurposeKeyExpired = errors.New("identity: purpose key expired")
	// ErrPurposeKeyRevoked is returned when a later change revoked all purpose keys.
	ErrPurposeKeyRevoked = errors.New("identity: purpose key revoked")
	// ErrPurposeKeyOutdated is returned for an attestation made before the
	// subject's latest change.
	ErrPurposeKeyOutdated = errors.New("identity: purpose key attested by an outdated change")
	// ErrTrustCheckFailed is returned when a trust policy rejects a peer.
	ErrTrustCheckFailed = errors.New("identity: trust check failed")
	// ErrMissingTrustContext is returned when credentials arrive without authorities to check them.
	ErrMissingTrustContext = errors.New("identity: missing trust context")
	// ErrCredentialVerificationFailed is returned when a credential is invalid.
	ErrCredentialVerificationFailed = errors.New("identity: credential verification failed")
	// ErrUnknownAuthority is returned when a credential issuer is not a trusted authority.
	ErrUnknownAuthority = errors.New("identity: unknown authority")
	// ErrNoSigningKey is returned when no local signing key exists for an identity.
	ErrNoSigningKey = errors.New("identity: no signing key for identity")
)
