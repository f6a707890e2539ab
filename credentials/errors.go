package credentials

import "errors"

var (
	// ErrAddressAlreadySubscribed is returned when an address subscribes twice.
	ErrAddressAlreadySubscribed = errors.New("address already subscribed")
	// ErrAddressNotSubscribed is returned when removing an unknown subscriber.
	ErrAddressNotSubscribed = errors.New("address not subscribed")
	// ErrNoCredential is returned when no valid credential is available.
	ErrNoCredential = errors.New("no valid credential available")
	// ErrCredentialTooShortLived is returned when a newly issued credential
	// is already inside the clock skew gap.
	ErrCredentialTooShortLived = errors.New("issued credential is too short-lived")
	// ErrRefresherClosed is returned by a closed refresher.
	ErrRefresherClosed = errors.New("credential refresher is closed")
	// ErrIssuerRejected is returned when the issuing authority refuses a request.
	ErrIssuerRejected = errors.New("credential issuer rejected the request")
	// ErrRateLimited is returned when a subject asks too often.
	ErrRateLimited = errors.New("credential request rate limited")
)
