package credentials

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/sechannel/crypto"
	"github.com/opd-ai/sechannel/identity"
	"github.com/opd-ai/sechannel/metrics"
	"github.com/opd-ai/sechannel/routing"
	"github.com/sirupsen/logrus"
)

// Default refresh timing.
const (
	DefaultMinRefreshInterval  = 10 * time.Second
	DefaultProactiveRefreshGap = 60 * time.Second
	DefaultClockSkewGap        = 60 * time.Second
	// DefaultRequestTimeout bounds one request to the issuer.
	DefaultRequestTimeout = 15 * time.Second
)

// TimingOptions control when credentials are renewed.
type TimingOptions struct {
	// MinRefreshInterval is the smallest delay after a failed attempt.
	MinRefreshInterval time.Duration
	// ProactiveRefreshGap is how long before expiry a renewal starts.
	ProactiveRefreshGap time.Duration
	// ClockSkewGap is how long before expiry a credential stops counting
	// as valid.
	ClockSkewGap time.Duration
}

// DefaultTimingOptions returns the default timing.
func DefaultTimingOptions() TimingOptions {
	return TimingOptions{
		MinRefreshInterval:  DefaultMinRefreshInterval,
		ProactiveRefreshGap: DefaultProactiveRefreshGap,
		ClockSkewGap:        DefaultClockSkewGap,
	}
}

// RefreshDuration returns how long to wait before renewing a credential
// that expires at expiresAt, and whether that credential is still usable.
// After a failed attempt the delay is at least MinRefreshInterval.
func (o TimingOptions) RefreshDuration(expiresAt, now time.Time, isRetry bool) (time.Duration, bool) {
	var delay time.Duration
	valid := true

	switch {
	case !expiresAt.After(now.Add(o.ClockSkewGap)):
		delay, valid = 0, false
	case !expiresAt.After(now.Add(o.ClockSkewGap + o.ProactiveRefreshGap)):
		delay = 0
	default:
		delay = expiresAt.Sub(now) - o.ClockSkewGap - o.ProactiveRefreshGap
	}

	if isRetry && delay < o.MinRefreshInterval {
		delay = o.MinRefreshInterval
	}
	return delay, valid
}

// Retriever supplies the current credential of a subject and tells
// subscribers when it changes.
type Retriever interface {
	Initialize(ctx context.Context) error
	Retrieve(ctx context.Context) (*identity.CredentialAndPurposeKey, error)
	Subscribe(addr routing.Address) error
	Unsubscribe(addr routing.Address) error
}

// Verifier checks a credential before it is cached.
type Verifier interface {
	VerifyCredential(ctx context.Context, expectedSubject *identity.Identifier, authorities []identity.Identifier, credential identity.CredentialAndPurposeKey) (*identity.CredentialAndPurposeKeyData, error)
}

// RefresherConfig collects what a Refresher needs.
type RefresherConfig struct {
	Subject identity.Identifier
	// Authority is the identity expected to sign the credentials. It is
	// also part of the cache key.
	Authority identity.Identifier
	Scope     string
	Issuer    Issuer
	Cache     Cache
	// Sender delivers notifications to subscribers.
	Sender routing.Sender
	// Address is the return route of notifications.
	Address routing.Address
	// Verifier, when set, checks every issued credential before caching.
	Verifier     Verifier
	Timing TimingOptions
	// RequestTimeout bounds each issuer request. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
	TimeProvider   crypto.TimeProvider
	Metrics        *metrics.Collectors
}

// Refresher keeps a valid credential for one subject in a cache, renewing
// it in the background before it expires and pushing every new credential
// to subscribed addresses.
type Refresher struct {
	cfg RefresherConfig
	key CacheKey

	// initMu serializes initialization. The background loop starts only
	// after it, so refreshes never overlap.
	initMu      sync.Mutex
	initialized atomic.Bool

	subMu       sync.RWMutex
	subscribers []routing.Address

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher. Nothing happens until Initialize.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Issuer == nil || cfg.Cache == nil {
		return nil, fmt.Errorf("credential refresher needs an issuer and a cache")
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = crypto.GetDefaultTimeProvider()
	}
	if cfg.Timing == (TimingOptions{}) {
		cfg.Timing = DefaultTimingOptions()
	}
	if cfg.Address == "" {
		cfg.Address = routing.RandomAddress()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		cfg:    cfg,
		key:    CacheKey{Subject: cfg.Subject, Issuer: cfg.Authority, Scope: cfg.Scope},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Subject returns the identifier the refresher obtains credentials for.
func (r *Refresher) Subject() identity.Identifier { return r.cfg.Subject }

// ComputeRefreshDuration reads the cached credential and returns the delay
// before the next refresh and whether the cached credential is usable. An
// empty cache counts as a credential expiring now.
func (r *Refresher) ComputeRefreshDuration(ctx context.Context, now time.Time, isRetry bool) (time.Duration, bool, error) {
	expiresAt := now
	cached, ok, err := r.cfg.Cache.GetCredential(ctx, r.key)
	if err != nil {
		return 0, false, err
	}
	if ok {
		exp, err := cached.ExpiresAt()
		if err != nil {
			return 0, false, err
		}
		expiresAt = exp.Time()
	}

	delay, valid := r.cfg.Timing.RefreshDuration(expiresAt, now, isRetry)
	return delay, valid, nil
}

// Initialize runs once. When the cached credential is missing or about to
// expire it blocks until a new one is obtained; otherwise it schedules the
// background refresh and returns. Concurrent calls collapse into one.
func (r *Refresher) Initialize(ctx context.Context) error {
	if r.initialized.Load() {
		return nil
	}
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.initialized.Load() {
		return nil
	}
	if r.ctx.Err() != nil {
		return ErrRefresherClosed
	}

	delay, valid, err := r.ComputeRefreshDuration(ctx, r.cfg.TimeProvider.Now(), false)
	if err != nil {
		return err
	}

	if !valid {
		if err := r.refreshUntilSuccess(ctx); err != nil {
			return err
		}
		if delay, valid, err = r.ComputeRefreshDuration(ctx, r.cfg.TimeProvider.Now(), false); err != nil {
			return err
		}
		if !valid {
			return fmt.Errorf("%w: issued credential expires within %s", ErrCredentialTooShortLived, r.cfg.Timing.ClockSkewGap)
		}
		delay = max(delay, r.cfg.Timing.MinRefreshInterval)
	}

	r.initialized.Store(true)
	r.wg.Add(1)
	go r.loop(delay)

	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
		"subject":  r.cfg.Subject.String(),
		"delay":    delay.String(),
	}).Info("Credential refresher initialized")
	return nil
}

// refreshUntilSuccess blocks until a credential is obtained, retrying at
// MinRefreshInterval.
func (r *Refresher) refreshUntilSuccess(ctx context.Context) error {
	for {
		err := r.refresh(ctx)
		if err == nil {
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"subject":  r.cfg.Subject.String(),
			"retry_in": r.cfg.Timing.MinRefreshInterval.String(),
			"error":    err.Error(),
		}).Error("Initial credential refresh failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ctx.Done():
			return ErrRefresherClosed
		case <-r.cfg.TimeProvider.After(r.cfg.Timing.MinRefreshInterval):
		}
	}
}

// loop sleeps for the current delay, refreshes, and computes the next delay.
func (r *Refresher) loop(delay time.Duration) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.cfg.TimeProvider.After(delay):
		}

		err := r.refresh(r.ctx)
		if r.ctx.Err() != nil {
			return
		}

		isRetry := err != nil
		if isRetry {
			logrus.WithFields(logrus.Fields{
				"function": "loop",
				"subject":  r.cfg.Subject.String(),
				"error":    err.Error(),
			}).Error("Credential refresh failed")
		}

		next, _, cerr := r.ComputeRefreshDuration(r.ctx, r.cfg.TimeProvider.Now(), isRetry)
		if cerr != nil || next < r.cfg.Timing.MinRefreshInterval {
			// never spin on a credential shorter than the refresh gaps
			next = r.cfg.Timing.MinRefreshInterval
		}
		delay = next

		logrus.WithFields(logrus.Fields{
			"function": "loop",
			"subject":  r.cfg.Subject.String(),
			"retry":    isRetry,
			"delay":    delay.String(),
		}).Debug("Next credential refresh scheduled")
	}
}

// refresh obtains a credential, caches it and notifies subscribers.
func (r *Refresher) refresh(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	cred, err := r.cfg.Issuer.IssueCredential(reqCtx, r.cfg.Subject)
	cancel()
	if err != nil {
		r.cfg.Metrics.CredentialRefreshed(metrics.ResultFailure)
		return fmt.Errorf("failed to obtain credential: %w", err)
	}

	if r.cfg.Verifier != nil {
		subject := r.cfg.Subject
		if _, err := r.cfg.Verifier.VerifyCredential(ctx, &subject, []identity.Identifier{r.cfg.Authority}, *cred); err != nil {
			r.cfg.Metrics.CredentialRefreshed(metrics.ResultFailure)
			return err
		}
	}

	expiresAt, err := cred.ExpiresAt()
	if err != nil {
		r.cfg.Metrics.CredentialRefreshed(metrics.ResultFailure)
		return err
	}
	if err := r.cfg.Cache.PutCredential(ctx, r.key, *cred, expiresAt); err != nil {
		r.cfg.Metrics.CredentialRefreshed(metrics.ResultFailure)
		return fmt.Errorf("failed to cache credential: %w", err)
	}
	r.cfg.Metrics.CredentialRefreshed(metrics.ResultSuccess)

	fields := logrus.Fields{
		"function":   "refresh",
		"subject":    r.cfg.Subject.String(),
		"expires_at": expiresAt.Time().UTC().Format(time.RFC3339),
	}
	gaps := r.cfg.Timing.ClockSkewGap + r.cfg.Timing.ProactiveRefreshGap
	if lifetime := expiresAt.Time().Sub(r.cfg.TimeProvider.Now()); lifetime <= gaps {
		fields["lifetime"] = lifetime.String()
		fields["refresh_gaps"] = gaps.String()
		logrus.WithFields(fields).Warn("Issued credential expires inside the refresh gaps")
	} else {
		logrus.WithFields(fields).Info("Credential refreshed")
	}

	r.notify(ctx, *cred)
	return nil
}

// notify sends cred to every subscriber. The subscriber list is copied out
// of the lock before any send.
func (r *Refresher) notify(ctx context.Context, cred identity.CredentialAndPurposeKey) {
	r.subMu.RLock()
	subscribers := append([]routing.Address(nil), r.subscribers...)
	r.subMu.RUnlock()

	if len(subscribers) == 0 || r.cfg.Sender == nil {
		return
	}

	payload, err := CredentialAndPurposeKeyMessage{Credential: cred}.Encode()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "notify",
			"error":    err.Error(),
		}).Error("Failed to encode credential notification")
		return
	}

	for _, addr := range subscribers {
		err := r.cfg.Sender.Send(ctx, routing.Message{
			OnwardRoute: routing.NewRoute(addr),
			ReturnRoute: routing.NewRoute(r.cfg.Address),
			Payload:     payload,
		})
		if err != nil {
			r.cfg.Metrics.NotificationSent(metrics.ResultFailure)
			logrus.WithFields(logrus.Fields{
				"function": "notify",
				"address":  addr,
				"error":    err.Error(),
			}).Warn("Failed to notify subscriber")
			continue
		}
		r.cfg.Metrics.NotificationSent(metrics.ResultSuccess)
	}
}

// Retrieve initializes the refresher if needed and returns the cached
// credential.
func (r *Refresher) Retrieve(ctx context.Context) (*identity.CredentialAndPurposeKey, error) {
	if err := r.Initialize(ctx); err != nil {
		return nil, err
	}
	_, valid, err := r.ComputeRefreshDuration(ctx, r.cfg.TimeProvider.Now(), false)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, ErrNoCredential
	}
	cred, ok, err := r.cfg.Cache.GetCredential(ctx, r.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoCredential
	}
	return cred, nil
}

// Subscribe adds addr to the notification list.
func (r *Refresher) Subscribe(addr routing.Address) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, existing := range r.subscribers {
		if existing == addr {
			return fmt.Errorf("%w: %s", ErrAddressAlreadySubscribed, addr)
		}
	}
	r.subscribers = append(r.subscribers, addr)
	return nil
}

// Unsubscribe removes addr from the notification list.
func (r *Refresher) Unsubscribe(addr routing.Address) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for i, existing := range r.subscribers {
		if existing == addr {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrAddressNotSubscribed, addr)
}

// Subscribers returns a copy of the notification list.
func (r *Refresher) Subscribers() []routing.Address {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	return append([]routing.Address(nil), r.subscribers...)
}

// Close stops the background loop and waits for it.
func (r *Refresher) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
